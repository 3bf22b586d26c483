package vehicle

import (
	"context"
	"fmt"
	"time"

	"github.com/cyrilix/robocar-fleet/pkg/controls"
	"github.com/cyrilix/robocar-fleet/pkg/simulator"
)

// Telemetry is a snapshot of the vehicle state, speed is in km/h
type Telemetry struct {
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Z           float64   `json:"z"`
	Yaw         float64   `json:"yaw"`
	Speed       float64   `json:"speed"`
	VehicleID   uint64    `json:"vehicle_id"`
	VehicleType string    `json:"vehicle_type"`
	Throttle    float64   `json:"throttle"`
	Steering    float64   `json:"steering"`
	Brake       float64   `json:"brake"`
	Timestamp   time.Time `json:"timestamp"`
}

func (c *Controller) StartTelemetry() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vehicle == nil {
		return "", ErrNoVehicle
	}
	if c.telemetry.running() {
		return "", fmt.Errorf("telemetry: %w", ErrAlreadyRunning)
	}

	vehicle := *c.vehicle
	writer := c.writer
	c.telemetry = startWorker("telemetry", c.log.With("actor", vehicle.ID), func(ctx context.Context) {
		ticker := time.NewTicker(c.cfg.TelemetryInterval)
		defer ticker.Stop()
		for {
			t, err := c.readTelemetry(ctx, vehicle, writer)
			switch {
			case err == nil:
				c.storeTelemetry(t)
			case ctx.Err() == nil:
				c.log.Warnf("unable to read telemetry: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	return "Telemetry started.", nil
}

func (c *Controller) StopTelemetry() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.telemetry.running() {
		c.telemetry = nil
		return "", fmt.Errorf("telemetry: %w", ErrNotRunning)
	}
	c.telemetry.stop()
	c.telemetry = nil
	return "Telemetry stopped.", nil
}

func (c *Controller) storeTelemetry(t *Telemetry) {
	c.muTelemetry.Lock()
	c.snapshot = t
	c.muTelemetry.Unlock()

	if c.observer != nil {
		c.observer.OnTelemetry(c.robotID, *t)
	}
}

// Telemetry returns the last snapshot sampled by the telemetry loop
func (c *Controller) Telemetry() (Telemetry, bool) {
	c.muTelemetry.Lock()
	defer c.muTelemetry.Unlock()
	if c.snapshot == nil {
		return Telemetry{}, false
	}
	return *c.snapshot, true
}

// GetTelemetry queries the simulator directly, regardless of the telemetry loop
func (c *Controller) GetTelemetry(ctx context.Context) (*Telemetry, error) {
	c.mu.Lock()
	if c.vehicle == nil {
		c.mu.Unlock()
		return nil, ErrNoVehicle
	}
	vehicle := *c.vehicle
	writer := c.writer
	c.mu.Unlock()

	return c.readTelemetry(ctx, vehicle, writer)
}

/* LiveTelemetry is what telemetry streams push: the cached snapshot while the telemetry loop runs,
a direct read otherwise.
*/
func (c *Controller) LiveTelemetry(ctx context.Context) (*Telemetry, error) {
	c.mu.Lock()
	running := c.telemetry.running()
	c.mu.Unlock()

	if running {
		if t, ok := c.Telemetry(); ok {
			return &t, nil
		}
	}
	return c.GetTelemetry(ctx)
}

/* readTelemetry samples the vehicle state.
When the simulator can't report the applied control, the last control sent by writer is used.
*/
func (c *Controller) readTelemetry(ctx context.Context, vehicle simulator.Actor, writer *controls.Writer) (*Telemetry, error) {
	t, err := c.sim.Transform(ctx, vehicle.ID)
	if err != nil {
		return nil, fmt.Errorf("unable to read transform: %w", err)
	}
	v, err := c.sim.Velocity(ctx, vehicle.ID)
	if err != nil {
		return nil, fmt.Errorf("unable to read velocity: %w", err)
	}
	ctrl, err := c.sim.Control(ctx, vehicle.ID)
	if err != nil {
		if writer == nil || ctx.Err() != nil {
			return nil, fmt.Errorf("unable to read control: %w", err)
		}
		c.log.Debugf("unable to read control, use last sent one: %v", err)
		ctrl = writer.LastControl()
	}
	return &Telemetry{
		X:           t.Location.X,
		Y:           t.Location.Y,
		Z:           t.Location.Z,
		Yaw:         t.Rotation.Yaw,
		Speed:       controls.SpeedKmh(v),
		VehicleID:   uint64(vehicle.ID),
		VehicleType: vehicle.TypeID,
		Throttle:    ctrl.Throttle,
		Steering:    ctrl.Steer,
		Brake:       ctrl.Brake,
		Timestamp:   time.Now(),
	}, nil
}
