package controls

import (
	"context"
	"math"
	"sync"

	"github.com/cyrilix/robocar-fleet/pkg/simulator"
)

const (
	// ArrivalDistance is the distance to destination under which a vehicle is considered arrived
	ArrivalDistance = 2.0
	// MaxSpeed is the highest speed, in km/h, requested while driving to a destination
	MaxSpeed = 30.0
	// SpeedGain converts a remaining distance into a desired speed
	SpeedGain = 3.0

	CruiseThrottle = 0.7
	CruiseBrake    = 0.5
	FullBrake      = 1.0
)

// Arrived returns true when the vehicle is close enough to destination to stop
func Arrived(distance float64) bool {
	return distance < ArrivalDistance
}

// DesiredSpeed is the speed (km/h) to reach when destination is at distance
func DesiredSpeed(distance float64) float64 {
	return math.Min(MaxSpeed, distance*SpeedGain)
}

/* Approach returns a signed throttle to drive toward a destination at distance.
Positive value accelerates, negative value brakes
*/
func Approach(distance, speedKmh float64) float64 {
	if speedKmh < DesiredSpeed(distance) {
		return CruiseThrottle
	}
	return -CruiseBrake
}

// SpeedKmh converts a velocity vector (m/s) to a speed in km/h
func SpeedKmh(v simulator.Vector3D) float64 {
	return v.Length() * 3.6
}

// Writer sends controls to a vehicle, last control is kept so that throttle updates don't erase other fields
type Writer struct {
	vehicle simulator.ActorID
	sim     simulator.Client

	muControl   sync.Mutex
	lastControl *simulator.VehicleControl
}

func NewWriter(sim simulator.Client, vehicle simulator.ActorID) *Writer {
	return &Writer{
		vehicle: vehicle,
		sim:     sim,
	}
}

// WriteThrottle applies a signed throttle: negative values are sent as brake
func (w *Writer) WriteThrottle(ctx context.Context, throttle float64) error {
	w.muControl.Lock()
	defer w.muControl.Unlock()
	w.initLastControl()

	if throttle > 0 {
		w.lastControl.Throttle = throttle
		w.lastControl.Brake = 0.
	} else {
		w.lastControl.Throttle = 0.
		w.lastControl.Brake = -1 * throttle
	}
	return w.writeContent(ctx)
}

// LastControl returns the last control sent to the vehicle, zero value if none
func (w *Writer) LastControl() simulator.VehicleControl {
	w.muControl.Lock()
	defer w.muControl.Unlock()
	if w.lastControl == nil {
		return simulator.VehicleControl{}
	}
	return *w.lastControl
}

func (w *Writer) writeContent(ctx context.Context) error {
	return w.sim.ApplyControl(ctx, w.vehicle, *w.lastControl)
}

func (w *Writer) initLastControl() {
	if w.lastControl != nil {
		return
	}
	w.lastControl = &simulator.VehicleControl{
		Steer:    0.,
		Throttle: 0.,
		Brake:    0.,
	}
}

// ToSignedThrottle is the inverse of WriteThrottle mapping
func ToSignedThrottle(c simulator.VehicleControl) float64 {
	if c.Brake > 0 {
		return -1 * c.Brake
	}
	return c.Throttle
}
