package vehicle

import "errors"

var (
	ErrGatewayUnavailable = errors.New("simulator unavailable")
	ErrNoVehicle          = errors.New("no vehicle spawned")
	ErrNoCamera           = errors.New("no camera attached")
	ErrNoBlueprint        = errors.New("no matching blueprint found")
	ErrNoSpawnPoint       = errors.New("failed to spawn vehicle from all available spawn points")
	ErrAlreadySpawned     = errors.New("vehicle already spawned")
	ErrAlreadyRunning     = errors.New("already running")
	ErrNotRunning         = errors.New("not running")
	ErrCameraAttachFailed = errors.New("camera attachment failed")
)

// IsNoop returns true for errors reporting an operation that had nothing to do
func IsNoop(err error) bool {
	return errors.Is(err, ErrAlreadySpawned) || errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrNotRunning)
}
