package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyrilix/robocar-fleet/pkg/metrics"
	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"github.com/cyrilix/robocar-fleet/pkg/vehicle"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrRobotNotFound = errors.New("robot not found")

// Dialer opens a simulator session for a robot
type Dialer func(ctx context.Context, robotID string) (simulator.Client, error)

type entry struct {
	controller *vehicle.Controller
	sim        simulator.Client
}

// Registry holds one vehicle controller per robot id
type Registry struct {
	dial Dialer
	cfg  vehicle.Config
	opts []vehicle.Option

	creating singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
}

func New(dial Dialer, cfg vehicle.Config, opts ...vehicle.Option) *Registry {
	return &Registry{
		dial:    dial,
		cfg:     cfg,
		opts:    opts,
		entries: make(map[string]*entry),
	}
}

// CreateTimeout bounds the simulator session establishment of a new robot
const CreateTimeout = 30 * time.Second

/* GetOrCreate returns the robot controller, creating it on first access.
Creation opens a simulator session and checks the world is reachable, on failure nothing is
registered and the error wraps vehicle.ErrGatewayUnavailable.
Concurrent callers share the same creation, which outlives any of them.
*/
func (r *Registry) GetOrCreate(ctx context.Context, robotID string) (*vehicle.Controller, error) {
	if c, ok := r.Get(robotID); ok {
		return c, nil
	}

	result := r.creating.DoChan(robotID, func() (interface{}, error) {
		if c, ok := r.Get(robotID); ok {
			return c, nil
		}
		createCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CreateTimeout)
		defer cancel()
		return r.create(createCtx, robotID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*vehicle.Controller), nil
	}
}

func (r *Registry) create(ctx context.Context, robotID string) (*vehicle.Controller, error) {
	log := zap.S().With("robot", robotID)

	sim, err := r.dial(ctx, robotID)
	if err != nil {
		log.Errorf("unable to connect to simulator: %v", err)
		return nil, fmt.Errorf("%w: %v", vehicle.ErrGatewayUnavailable, err)
	}
	world, err := sim.World(ctx)
	if err != nil {
		log.Errorf("unable to load simulator world: %v", err)
		if errClose := sim.Close(); errClose != nil {
			log.Warnf("unable to close simulator session: %v", errClose)
		}
		return nil, fmt.Errorf("%w: %v", vehicle.ErrGatewayUnavailable, err)
	}

	c := vehicle.New(robotID, sim, r.cfg, r.opts...)

	r.mu.Lock()
	r.entries[robotID] = &entry{controller: c, sim: sim}
	r.order = append(r.order, robotID)
	metrics.SetRobots(len(r.entries))
	r.mu.Unlock()

	log.Infof("controller initialized on world %v", world)
	return c, nil
}

func (r *Registry) Get(robotID string) (*vehicle.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[robotID]
	if !ok {
		return nil, false
	}
	return e.controller, true
}

/* Destroy releases every resource of the robot and forgets it.
It returns false, with no error, when the robot doesn't exist.
*/
func (r *Registry) Destroy(ctx context.Context, robotID string) (bool, error) {
	r.mu.Lock()
	e, ok := r.entries[robotID]
	if ok {
		delete(r.entries, robotID)
		for i, id := range r.order {
			if id == robotID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		metrics.SetRobots(len(r.entries))
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}

	// release goes on even if the caller leaves
	ctx = context.WithoutCancel(ctx)
	err := e.controller.Cleanup(ctx)
	err = multierr.Append(err, e.sim.Close())
	if err != nil {
		zap.S().With("robot", robotID).Warnf("robot destroyed with errors: %v", err)
	}
	return true, err
}

// List returns registered robot ids in registration order
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// First returns the oldest registered robot
func (r *Registry) First() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return "", ErrRobotNotFound
	}
	return r.order[0], nil
}

// Close destroys every robot
func (r *Registry) Close(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range r.List() {
		id := id
		g.Go(func() error {
			_, err := r.Destroy(ctx, id)
			return err
		})
	}
	return g.Wait()
}
