package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"github.com/cyrilix/robocar-fleet/pkg/simulator/fake"
	"github.com/cyrilix/robocar-fleet/pkg/vehicle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type fakeDialer struct {
	mu    sync.Mutex
	sims  map[string]*fake.Simulator
	dials atomic.Int32
	err   error
	setup func(sim *fake.Simulator)
	// delay slows down session establishment, dial gives up if ctx is done first
	delay time.Duration
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sims: make(map[string]*fake.Simulator)}
}

func (d *fakeDialer) Dial(ctx context.Context, robotID string) (simulator.Client, error) {
	d.dials.Inc()
	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.delay):
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	sim := fake.New(simulator.Transform{Location: simulator.Location{X: 10}})
	if d.setup != nil {
		d.setup(sim)
	}
	d.mu.Lock()
	d.sims[robotID] = sim
	d.mu.Unlock()
	return sim, nil
}

func (d *fakeDialer) sim(robotID string) *fake.Simulator {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sims[robotID]
}

func testConfig() vehicle.Config {
	cfg := vehicle.DefaultConfig()
	cfg.CameraGrace = 0
	cfg.CleanupGrace = 0
	cfg.DriveInterval = 5 * time.Millisecond
	cfg.TelemetryInterval = 5 * time.Millisecond
	return cfg
}

func TestRegistry_GetOrCreate(t *testing.T) {
	d := newFakeDialer()
	r := New(d.Dial, testConfig())

	c1, err := r.GetOrCreate(context.Background(), "robot1")
	require.NoError(t, err)
	assert.Equal(t, "robot1", c1.RobotID())

	c2, err := r.GetOrCreate(context.Background(), "robot1")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), d.dials.Load())

	c, ok := r.Get("robot1")
	assert.True(t, ok)
	assert.Same(t, c1, c)
	_, ok = r.Get("robot2")
	assert.False(t, ok)
}

func TestRegistry_GetOrCreate_Concurrent(t *testing.T) {
	d := newFakeDialer()
	r := New(d.Dial, testConfig())

	results := make([]*vehicle.Controller, 10)
	wg := sync.WaitGroup{}
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.GetOrCreate(context.Background(), "robot1")
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range results {
		assert.Same(t, results[0], c)
	}
	assert.Equal(t, []string{"robot1"}, r.List())
}

func TestRegistry_GetOrCreate_FirstCallerLeaves(t *testing.T) {
	d := newFakeDialer()
	d.delay = 200 * time.Millisecond
	r := New(d.Dial, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := r.GetOrCreate(ctx, "robot1")
		first <- err
	}()
	time.Sleep(10 * time.Millisecond)

	c, err := r.GetOrCreate(context.Background(), "robot1")
	require.NoError(t, err, "creation must not depend on the first caller")
	assert.Equal(t, "robot1", c.RobotID())
	assert.ErrorIs(t, <-first, context.DeadlineExceeded)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, []string{"robot1"}, r.List())
}

func TestRegistry_GetOrCreate_DialFailure(t *testing.T) {
	d := newFakeDialer()
	d.err = errors.New("connection refused")
	r := New(d.Dial, testConfig())

	_, err := r.GetOrCreate(context.Background(), "robot1")
	assert.ErrorIs(t, err, vehicle.ErrGatewayUnavailable)
	assert.Empty(t, r.List())
}

func TestRegistry_GetOrCreate_WorldFailure(t *testing.T) {
	d := newFakeDialer()
	d.setup = func(sim *fake.Simulator) {
		sim.Fail(simulator.MsgTypeGetWorld, errors.New("timeout"))
	}
	r := New(d.Dial, testConfig())

	_, err := r.GetOrCreate(context.Background(), "robot1")
	assert.ErrorIs(t, err, vehicle.ErrGatewayUnavailable)
	assert.Empty(t, r.List())
	assert.True(t, d.sim("robot1").Closed(), "session released")

	_, ok := r.Get("robot1")
	assert.False(t, ok)
}

func TestRegistry_Destroy(t *testing.T) {
	d := newFakeDialer()
	r := New(d.Dial, testConfig())

	existed, err := r.Destroy(context.Background(), "unknown")
	assert.NoError(t, err)
	assert.False(t, existed)

	c, err := r.GetOrCreate(context.Background(), "robot1")
	require.NoError(t, err)
	_, err = c.SpawnVehicle(context.Background(), nil)
	require.NoError(t, err)
	_, err = c.AttachCamera(context.Background())
	require.NoError(t, err)
	_, err = c.StartTelemetry()
	require.NoError(t, err)
	_, err = c.StartDrive(simulator.Location{X: 100})
	require.NoError(t, err)

	existed, err = r.Destroy(context.Background(), "robot1")
	require.NoError(t, err)
	assert.True(t, existed)

	sim := d.sim("robot1")
	assert.Empty(t, sim.Actors())
	assert.True(t, sim.Closed())
	assert.Equal(t, vehicle.Status{RobotID: "robot1"}, c.Status())
	assert.Empty(t, r.List())

	existed, err = r.Destroy(context.Background(), "robot1")
	assert.NoError(t, err)
	assert.False(t, existed)

	// a new controller is created after destroy
	c2, err := r.GetOrCreate(context.Background(), "robot1")
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
}

func TestRegistry_List(t *testing.T) {
	d := newFakeDialer()
	r := New(d.Dial, testConfig())

	_, err := r.First()
	assert.ErrorIs(t, err, ErrRobotNotFound)

	for _, id := range []string{"robot2", "robot1", "robot3"} {
		_, err := r.GetOrCreate(context.Background(), id)
		require.NoError(t, err)
	}

	robots := r.List()
	assert.Equal(t, []string{"robot2", "robot1", "robot3"}, robots)
	first, err := r.First()
	require.NoError(t, err)
	assert.Equal(t, "robot2", first)

	// snapshot isn't affected by later changes
	_, err = r.Destroy(context.Background(), "robot2")
	require.NoError(t, err)
	assert.Equal(t, []string{"robot2", "robot1", "robot3"}, robots)
	assert.Equal(t, []string{"robot1", "robot3"}, r.List())
	first, _ = r.First()
	assert.Equal(t, "robot1", first)
}

func TestRegistry_Close(t *testing.T) {
	d := newFakeDialer()
	r := New(d.Dial, testConfig())

	ids := []string{"robot1", "robot2", "robot3"}
	for _, id := range ids {
		c, err := r.GetOrCreate(context.Background(), id)
		require.NoError(t, err)
		_, err = c.SpawnVehicle(context.Background(), nil)
		require.NoError(t, err)
	}

	require.NoError(t, r.Close(context.Background()))
	assert.Empty(t, r.List())
	for _, id := range ids {
		assert.Empty(t, d.sim(id).Actors(), id)
		assert.True(t, d.sim(id).Closed(), id)
	}
}

func TestRegistry_Destroy_CallerGone(t *testing.T) {
	d := newFakeDialer()
	r := New(d.Dial, testConfig())

	c, err := r.GetOrCreate(context.Background(), "robot1")
	require.NoError(t, err)
	_, err = c.SpawnVehicle(context.Background(), nil)
	require.NoError(t, err)
	_, err = c.AttachCamera(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	existed, err := r.Destroy(ctx, "robot1")
	assert.True(t, existed)
	assert.NoError(t, err)
	assert.Empty(t, d.sim("robot1").Actors(), "every actor released")
	assert.True(t, d.sim("robot1").Closed())
}
