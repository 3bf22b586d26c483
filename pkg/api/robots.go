package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"github.com/cyrilix/robocar-fleet/pkg/vehicle"
	"go.uber.org/zap"
	"goji.io/pat"
)

type action func(ctx context.Context, c *vehicle.Controller) (string, error)

func destroyVehicle(ctx context.Context, c *vehicle.Controller) (string, error) {
	return c.DestroyVehicle(ctx)
}
func stopDrive(_ context.Context, c *vehicle.Controller) (string, error) {
	return c.StopDrive()
}
func startTelemetry(_ context.Context, c *vehicle.Controller) (string, error) {
	return c.StartTelemetry()
}
func stopTelemetry(_ context.Context, c *vehicle.Controller) (string, error) {
	return c.StopTelemetry()
}
func attachCamera(ctx context.Context, c *vehicle.Controller) (string, error) {
	return c.AttachCamera(ctx)
}
func detachCamera(ctx context.Context, c *vehicle.Controller) (string, error) {
	return c.DetachCamera(ctx)
}
func startStreaming(ctx context.Context, c *vehicle.Controller) (string, error) {
	return c.StartStreaming(ctx)
}
func stopStreaming(ctx context.Context, c *vehicle.Controller) (string, error) {
	return c.StopStreaming(ctx)
}
func startDetection(_ context.Context, c *vehicle.Controller) (string, error) {
	return c.StartDetection()
}
func stopDetection(_ context.Context, c *vehicle.Controller) (string, error) {
	return c.StopDetection()
}

// action runs a controller operation on a robot created on demand
func (s *Server) action(a action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := s.controller(w, r)
		if !ok {
			return
		}
		msg, err := a(r.Context(), c)
		respond(w, c.RobotID(), msg, err)
	}
}

// controller returns the robot of the request, creating it if needed
func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*vehicle.Controller, bool) {
	c, err := s.reg.GetOrCreate(r.Context(), pat.Param(r, "id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to initialize simulator connection. Is the simulator running?")
		return nil, false
	}
	return c, true
}

// registered returns the robot of the request, 404 is written if it doesn't exist
func (s *Server) registered(w http.ResponseWriter, r *http.Request) (*vehicle.Controller, bool) {
	id := pat.Param(r, "id")
	c, ok := s.reg.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Robot %s not found", id))
		return nil, false
	}
	return c, true
}

/* respond renders an operation result.
Operation failures are descriptive messages, only an unreachable simulator changes the status code.
*/
func respond(w http.ResponseWriter, robotID string, msg string, err error) {
	switch {
	case err == nil:
		writeMessage(w, msg)
	case errors.Is(err, vehicle.ErrGatewayUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		if !vehicle.IsNoop(err) {
			zap.S().With("robot", robotID).Warnf("operation failed: %v", err)
		}
		writeMessage(w, err.Error())
	}
}

func (s *Server) listRobots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Robots []string `json:"robots"`
	}{Robots: s.reg.List()})
}

func (s *Server) createRobot(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	writeMessage(w, fmt.Sprintf("Robot %s created successfully", c.RobotID()))
}

func (s *Server) deleteRobot(w http.ResponseWriter, r *http.Request) {
	id := pat.Param(r, "id")
	existed, err := s.reg.Destroy(r.Context(), id)
	if err != nil {
		zap.S().With("robot", id).Warnf("robot released with errors: %v", err)
	}
	if !existed {
		writeMessage(w, fmt.Sprintf("No controller for robot %s exists", id))
		return
	}
	writeMessage(w, fmt.Sprintf("Controller for robot %s destroyed successfully", id))
}

func (s *Server) robotStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.registered(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Status())
}

func (s *Server) spawnVehicle(w http.ResponseWriter, r *http.Request) {
	c, ok := s.registered(w, r)
	if !ok {
		return
	}
	at, err := parseLocation(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := c.SpawnVehicle(r.Context(), at)
	respond(w, c.RobotID(), msg, err)
}

func (s *Server) startDrive(w http.ResponseWriter, r *http.Request) {
	dest, err := parseLocation(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	msg, err := c.StartDrive(*dest)
	respond(w, c.RobotID(), msg, err)
}

/* parseLocation reads x, y and z query parameters.
When not required, the three parameters are either all present or all absent, nil is returned in the
latter case.
*/
func parseLocation(r *http.Request, required bool) (*simulator.Location, error) {
	query := r.URL.Query()
	var values [3]float64
	present := 0
	for i, name := range []string{"x", "y", "z"} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid %v coordinate '%v'", name, raw)
		}
		values[i] = v
		present++
	}

	switch {
	case present == 3:
		return &simulator.Location{X: values[0], Y: values[1], Z: values[2]}, nil
	case present == 0 && !required:
		return nil, nil
	default:
		return nil, fmt.Errorf("x, y and z coordinates are required")
	}
}
