package vehicle

import (
	"context"
	"fmt"
	"sync"

	"github.com/cyrilix/robocar-fleet/pkg/camera"
	"github.com/cyrilix/robocar-fleet/pkg/metrics"
	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"go.uber.org/multierr"
)

// capture is one streaming session, frames delivered once it is closed are dropped
type capture struct {
	mu     sync.Mutex
	closed bool
}

func (c *capture) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// AttachCamera mounts a new camera on the vehicle, replacing the previous one if any
func (c *Controller) AttachCamera(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vehicle == nil {
		return "", ErrNoVehicle
	}
	if _, err := c.detachCamera(ctx); err != nil {
		c.log.Warnf("previous camera release incomplete: %v", err)
	}

	actor, err := c.sim.SpawnActor(ctx, simulator.SpawnRequest{
		Blueprint:  c.cfg.CameraBlueprint,
		Transform:  simulator.Transform{Location: c.cfg.CameraOffset},
		Attributes: c.cfg.cameraAttributes(),
		AttachTo:   c.vehicle.ID,
	})
	if err != nil {
		c.log.Errorf("unable to attach camera: %v", err)
		return "", fmt.Errorf("%w: %v", ErrCameraAttachFailed, err)
	}
	c.cam = actor
	c.log.Infow("camera attached", "actor", actor.ID)
	return "Camera attached.", nil
}

func (c *Controller) DetachCamera(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existed, err := c.detachCamera(ctx)
	if !existed {
		return "", ErrNoCamera
	}
	if err != nil {
		c.log.Warnf("camera release incomplete: %v", err)
	}
	return "Camera detached.", nil
}

/* detachCamera stops capture, lets in-flight callbacks finish, then destroys the camera.
The handle and cached frame are cleared even when the simulator reports errors.
*/
func (c *Controller) detachCamera(ctx context.Context) (bool, error) {
	if c.cam == nil {
		return false, nil
	}
	id := c.cam.ID

	err := c.stopCapture(ctx)
	pause(ctx, c.cfg.CameraGrace)
	if errDestroy := c.sim.DestroyActor(ctx, id); errDestroy != nil {
		err = multierr.Append(err, fmt.Errorf("unable to destroy camera %v: %w", id, errDestroy))
	}

	c.cam = nil
	c.frame.Clear()
	c.log.Infow("camera detached", "actor", id)
	return true, err
}

func (c *Controller) StartStreaming(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cam == nil {
		return "", ErrNoCamera
	}
	if frame, _ := c.frame.Get(); c.capture != nil || frame != nil {
		return "", fmt.Errorf("streaming: %w", ErrAlreadyRunning)
	}

	session := &capture{}
	quality := c.cfg.JpegQuality
	onImage := func(img *simulator.Image) {
		content, err := camera.Encode(img, quality)
		metrics.RecordFrame(err)
		if err != nil {
			c.log.Errorf("frame processing error: %v", err)
			return
		}

		session.mu.Lock()
		if session.closed {
			session.mu.Unlock()
			return
		}
		c.frame.Set(content)
		session.mu.Unlock()

		if c.observer != nil {
			c.observer.OnFrame(c.robotID, content)
		}
	}

	if err := c.sim.Listen(ctx, c.cam.ID, onImage); err != nil {
		return "", fmt.Errorf("streaming failed: %w", err)
	}
	c.capture = session
	return "Streaming started.", nil
}

func (c *Controller) StopStreaming(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cam == nil {
		return "", ErrNoCamera
	}
	err := c.stopCapture(ctx)
	c.frame.Clear()
	if err != nil {
		return "", fmt.Errorf("stop streaming failed: %w", err)
	}
	return "Streaming stopped.", nil
}

func (c *Controller) stopCapture(ctx context.Context) error {
	if c.capture == nil {
		return nil
	}
	c.capture.close()
	c.capture = nil
	if err := c.sim.StopListening(ctx, c.cam.ID); err != nil {
		return fmt.Errorf("unable to stop camera %v: %w", c.cam.ID, err)
	}
	return nil
}

// CurrentFrame returns the latest jpeg frame, nil if none, with its sequence number
func (c *Controller) CurrentFrame() ([]byte, uint64) {
	return c.frame.Get()
}
