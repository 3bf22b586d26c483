package vehicle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cyrilix/robocar-fleet/pkg/camera"
	"github.com/cyrilix/robocar-fleet/pkg/controls"
	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Observer receives what background loops produce
type Observer interface {
	OnTelemetry(robotID string, t Telemetry)
	OnFrame(robotID string, frame []byte)
}

type Option func(c *Controller)

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// WithRand sets the source used to shuffle spawn points
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) {
		c.rnd = r
	}
}

type Status struct {
	RobotID           string `json:"robot_id"`
	Vehicle           bool   `json:"vehicle"`
	CameraAttached    bool   `json:"camera_attached"`
	NavigationRunning bool   `json:"navigation_running"`
	TelemetryRunning  bool   `json:"telemetry_running"`
	VideoStreaming    bool   `json:"video_streaming"`
	DetectionRunning  bool   `json:"detection_running"`
}

/* Controller drives one simulated vehicle.

Handle transitions (spawn, destroy, camera attach/detach) and loop start/stop are serialized by mu.
Background loops and capture callbacks never take mu: they only touch the telemetry snapshot and
the frame cell, each having its own lock.
*/
type Controller struct {
	robotID  string
	sim      simulator.Client
	cfg      Config
	observer Observer
	rnd      *rand.Rand
	log      *zap.SugaredLogger

	mu        sync.Mutex
	vehicle   *simulator.Actor
	writer    *controls.Writer
	cam       *simulator.Actor
	capture   *capture
	drive     *worker
	telemetry *worker
	detection atomic.Bool

	muTelemetry sync.Mutex
	snapshot    *Telemetry

	frame camera.Frame
}

func New(robotID string, sim simulator.Client, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		robotID: robotID,
		sim:     sim,
		cfg:     cfg,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		log:     zap.S().With("robot", robotID),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) RobotID() string {
	return c.robotID
}

/* SpawnVehicle creates the robot vehicle.
at, when not nil, is tried first, then map spawn points are tried in random order.
*/
func (c *Controller) SpawnVehicle(ctx context.Context, at *simulator.Location) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vehicle != nil {
		return "", ErrAlreadySpawned
	}

	blueprints, err := c.sim.Blueprints(ctx, c.cfg.VehicleBlueprint)
	if err != nil {
		return "", fmt.Errorf("unable to list blueprints: %w", err)
	}
	if len(blueprints) == 0 {
		return "", fmt.Errorf("%w: %v", ErrNoBlueprint, c.cfg.VehicleBlueprint)
	}
	blueprint := blueprints[0]

	if at != nil {
		if actor := c.trySpawn(ctx, blueprint, simulator.Transform{Location: *at}); actor != nil {
			return c.spawned(actor, *at), nil
		}
	}

	spawnPoints, err := c.sim.SpawnPoints(ctx)
	if err != nil {
		c.log.Warnf("unable to list spawn points: %v", err)
	}
	c.log.Debugf("available spawn points: %v", len(spawnPoints))
	for _, i := range c.rnd.Perm(len(spawnPoints)) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if actor := c.trySpawn(ctx, blueprint, spawnPoints[i]); actor != nil {
			return c.spawned(actor, spawnPoints[i].Location), nil
		}
	}
	return "", ErrNoSpawnPoint
}

func (c *Controller) trySpawn(ctx context.Context, blueprint string, t simulator.Transform) *simulator.Actor {
	actor, err := c.sim.SpawnActor(ctx, simulator.SpawnRequest{Blueprint: blueprint, Transform: t})
	if err != nil {
		c.log.Debugf("unable to spawn %v at %v: %v", blueprint, t.Location, err)
		return nil
	}
	return actor
}

func (c *Controller) spawned(actor *simulator.Actor, at simulator.Location) string {
	c.vehicle = actor
	c.writer = controls.NewWriter(c.sim, actor.ID)
	c.log.Infow("vehicle spawned", "actor", actor.ID, "location", at.String())
	return fmt.Sprintf("Vehicle spawned at %v", at)
}

// DestroyVehicle stops every loop, releases the camera then the vehicle
func (c *Controller) DestroyVehicle(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLoops()
	if _, err := c.detachCamera(ctx); err != nil {
		c.log.Warnf("camera release incomplete: %v", err)
	}
	if c.vehicle == nil {
		return "", ErrNoVehicle
	}
	if err := c.destroyVehicle(ctx); err != nil {
		c.log.Warnf("vehicle already gone: %v", err)
	}
	return "Vehicle destroyed.", nil
}

/* Cleanup releases every resource owned by the controller.
Each step is attempted even if a previous one failed, errors are combined.
*/
func (c *Controller) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Info("cleaning up")
	c.stopLoops()

	_, err := c.detachCamera(ctx)
	pause(ctx, c.cfg.CleanupGrace)

	if c.vehicle != nil {
		err = multierr.Append(err, c.destroyVehicle(ctx))
	}
	if err != nil {
		c.log.Warnf("cleanup incomplete: %v", err)
	}
	return err
}

func (c *Controller) stopLoops() {
	c.drive.stop()
	c.drive = nil
	c.telemetry.stop()
	c.telemetry = nil
	c.detection.Store(false)
}

func (c *Controller) destroyVehicle(ctx context.Context) error {
	id := c.vehicle.ID
	c.vehicle = nil
	c.writer = nil
	c.muTelemetry.Lock()
	c.snapshot = nil
	c.muTelemetry.Unlock()

	if err := c.sim.DestroyActor(ctx, id); err != nil {
		return fmt.Errorf("unable to destroy vehicle %v: %w", id, err)
	}
	c.log.Infow("vehicle destroyed", "actor", id)
	return nil
}

// StartDetection toggles the detection flag, no detector is wired yet
func (c *Controller) StartDetection() (string, error) {
	if !c.detection.CompareAndSwap(false, true) {
		return "", fmt.Errorf("detection: %w", ErrAlreadyRunning)
	}
	c.log.Info("detection enabled, no detector backend configured")
	return "Detection started.", nil
}

func (c *Controller) StopDetection() (string, error) {
	if !c.detection.CompareAndSwap(true, false) {
		return "", fmt.Errorf("detection: %w", ErrNotRunning)
	}
	return "Detection stopped.", nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame, _ := c.frame.Get()
	return Status{
		RobotID:           c.robotID,
		Vehicle:           c.vehicle != nil,
		CameraAttached:    c.cam != nil,
		NavigationRunning: c.drive.running(),
		TelemetryRunning:  c.telemetry.running(),
		VideoStreaming:    frame != nil,
		DetectionRunning:  c.detection.Load(),
	}
}

// pause waits for d unless ctx is done first
func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
