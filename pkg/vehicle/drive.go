package vehicle

import (
	"context"
	"fmt"
	"time"

	"github.com/cyrilix/robocar-fleet/pkg/controls"
	"github.com/cyrilix/robocar-fleet/pkg/simulator"
)

/* StartDrive launches the navigation loop toward dest and returns immediately.
A running navigation loop is stopped first.
*/
func (c *Controller) StartDrive(dest simulator.Location) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vehicle == nil {
		return "", ErrNoVehicle
	}
	c.drive.stop()

	vehicle := c.vehicle.ID
	writer := c.writer
	log := c.log.With("actor", vehicle, "destination", dest.String())
	c.drive = startWorker("drive", log, func(ctx context.Context) {
		ticker := time.NewTicker(c.cfg.DriveInterval)
		defer ticker.Stop()
		for {
			if c.driveStep(ctx, vehicle, writer, dest) {
				log.Info("destination reached")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	return fmt.Sprintf("Driving to %v,%v,%v", dest.X, dest.Y, dest.Z), nil
}

// driveStep applies one control toward dest, it returns true once arrived
func (c *Controller) driveStep(ctx context.Context, vehicle simulator.ActorID, w *controls.Writer, dest simulator.Location) bool {
	t, err := c.sim.Transform(ctx, vehicle)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warnf("unable to read vehicle position: %v", err)
		}
		return false
	}
	distance := t.Location.Distance(dest)

	if controls.Arrived(distance) {
		if err := w.WriteThrottle(ctx, -controls.FullBrake); err != nil && ctx.Err() == nil {
			c.log.Errorf("unable to brake at destination: %v", err)
		}
		return true
	}

	v, err := c.sim.Velocity(ctx, vehicle)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warnf("unable to read vehicle velocity: %v", err)
		}
		return false
	}
	throttle := controls.Approach(distance, controls.SpeedKmh(v))
	if ctx.Err() != nil {
		return false
	}
	if err := w.WriteThrottle(ctx, throttle); err != nil && ctx.Err() == nil {
		c.log.Errorf("unable to apply control: %v", err)
	}
	return false
}

// StopDrive stops the navigation loop and waits for it, no control is forced
func (c *Controller) StopDrive() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.drive.running() {
		c.drive = nil
		return "", fmt.Errorf("drive: %w", ErrNotRunning)
	}
	c.drive.stop()
	c.drive = nil
	return "Drive stopped.", nil
}
