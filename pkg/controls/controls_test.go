package controls

import (
	"context"
	"math"
	"testing"

	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"github.com/cyrilix/robocar-fleet/pkg/simulator/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVehicle(t *testing.T) (*fake.Simulator, simulator.ActorID) {
	sim := fake.New()
	actor, err := sim.SpawnActor(context.Background(), simulator.SpawnRequest{Blueprint: "vehicle.tesla.model3"})
	require.NoError(t, err)
	return sim, actor.ID
}

func TestWriter_WriteThrottle(t *testing.T) {
	cases := []struct {
		name        string
		throttle    float64
		previousMsg *simulator.VehicleControl
		expectedMsg simulator.VehicleControl
	}{
		{"First Message",
			0.5,
			nil,
			simulator.VehicleControl{Steer: 0, Throttle: 0.5, Brake: 0}},
		{"Update Throttle",
			0.6,
			&simulator.VehicleControl{Steer: 0, Throttle: 0.4, Brake: 0},
			simulator.VehicleControl{Steer: 0, Throttle: 0.6, Brake: 0}},
		{"Update throttle shouldn't erase steering value",
			0.3,
			&simulator.VehicleControl{Steer: 0.2, Throttle: 0.6, Brake: 0.},
			simulator.VehicleControl{Steer: 0.2, Throttle: 0.3, Brake: 0.}},
		{"Throttle to brake",
			-0.7,
			&simulator.VehicleControl{Steer: 0.2, Throttle: 0.6, Brake: 0.},
			simulator.VehicleControl{Steer: 0.2, Throttle: 0., Brake: 0.7}},
		{"Update brake",
			-0.2,
			&simulator.VehicleControl{Steer: 0.2, Throttle: 0., Brake: 0.5},
			simulator.VehicleControl{Steer: 0.2, Throttle: 0., Brake: 0.2}},
		{"Brake to throttle",
			0.9,
			&simulator.VehicleControl{Steer: 0.2, Throttle: 0., Brake: 0.4},
			simulator.VehicleControl{Steer: 0.2, Throttle: 0.9, Brake: 0.}},
	}

	sim, vehicle := newVehicle(t)
	w := NewWriter(sim, vehicle)

	for _, c := range cases {
		w.lastControl = c.previousMsg

		err := w.WriteThrottle(context.Background(), c.throttle)
		require.NoError(t, err, c.name)

		applied := sim.AppliedControls(vehicle)
		assert.Equal(t, c.expectedMsg, applied[len(applied)-1], c.name)
		assert.Equal(t, c.expectedMsg, w.LastControl(), c.name)
	}
}

func TestWriter_StaleVehicle(t *testing.T) {
	sim, vehicle := newVehicle(t)
	w := NewWriter(sim, vehicle)
	sim.Kill(vehicle)

	assert.ErrorIs(t, w.WriteThrottle(context.Background(), 0.5), fake.ErrActorNotFound)
}

func TestApproach(t *testing.T) {
	cases := []struct {
		name     string
		distance float64
		speed    float64
		expected float64
	}{
		{"standstill far away", 100, 0, CruiseThrottle},
		{"cruise speed reached", 100, 30, -CruiseBrake},
		{"over cruise speed", 100, 45, -CruiseBrake},
		{"near destination slow", 5, 10, CruiseThrottle},
		{"near destination too fast", 5, 16, -CruiseBrake},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, Approach(c.distance, c.speed), c.name)
	}
}

func TestArrived(t *testing.T) {
	assert.True(t, Arrived(0))
	assert.True(t, Arrived(1.99))
	assert.False(t, Arrived(2.0))
	assert.False(t, Arrived(50))
}

func TestDesiredSpeed(t *testing.T) {
	assert.Equal(t, 30., DesiredSpeed(1000))
	assert.Equal(t, 15., DesiredSpeed(5))
	assert.Equal(t, 0., DesiredSpeed(0))
}

func TestSpeedKmh(t *testing.T) {
	cases := []simulator.Vector3D{
		{},
		{X: 1},
		{X: 3, Y: 4},
		{X: -2, Y: 3, Z: -6},
		{X: 0.1, Y: -0.2, Z: 12.5},
	}
	for _, v := range cases {
		expected := math.Sqrt(v.X*v.X+v.Y*v.Y+v.Z*v.Z) * 3.6
		assert.InDelta(t, expected, SpeedKmh(v), 1e-9, "%#v", v)
	}
	assert.Equal(t, 0., SpeedKmh(simulator.Vector3D{}))
}

func TestToSignedThrottle(t *testing.T) {
	assert.Equal(t, 0.7, ToSignedThrottle(simulator.VehicleControl{Throttle: 0.7}))
	assert.Equal(t, -0.5, ToSignedThrottle(simulator.VehicleControl{Brake: 0.5}))
	assert.Equal(t, 0., ToSignedThrottle(simulator.VehicleControl{}))
}
