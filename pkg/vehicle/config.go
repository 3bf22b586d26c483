package vehicle

import (
	"strconv"
	"time"

	"github.com/cyrilix/robocar-fleet/pkg/camera"
	"github.com/cyrilix/robocar-fleet/pkg/simulator"
)

type Config struct {
	// VehicleBlueprint filters the blueprint catalog, first match is spawned
	VehicleBlueprint string

	CameraBlueprint string
	CameraWidth     int
	CameraHeight    int
	CameraFov       int
	// CameraOffset is the camera position relative to the vehicle
	CameraOffset simulator.Location
	JpegQuality  int

	DriveInterval     time.Duration
	TelemetryInterval time.Duration
	// CameraGrace lets in-flight capture callbacks finish before the camera is destroyed
	CameraGrace  time.Duration
	CleanupGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		VehicleBlueprint:  "vehicle.tesla.model3",
		CameraBlueprint:   "sensor.camera.rgb",
		CameraWidth:       640,
		CameraHeight:      480,
		CameraFov:         90,
		CameraOffset:      simulator.Location{X: 1.5, Z: 2.4},
		JpegQuality:       camera.DefaultQuality,
		DriveInterval:     100 * time.Millisecond,
		TelemetryInterval: 200 * time.Millisecond,
		CameraGrace:       100 * time.Millisecond,
		CleanupGrace:      200 * time.Millisecond,
	}
}

func (c Config) cameraAttributes() map[string]string {
	return map[string]string{
		"image_size_x": strconv.Itoa(c.CameraWidth),
		"image_size_y": strconv.Itoa(c.CameraHeight),
		"fov":          strconv.Itoa(c.CameraFov),
	}
}
