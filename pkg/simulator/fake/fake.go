// Package fake implements an in-memory simulator.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cyrilix/robocar-fleet/pkg/simulator"
)

var ErrActorNotFound = errors.New("actor not found")

type actor struct {
	simulator.Actor
	parent    simulator.ActorID
	transform simulator.Transform
	velocity  simulator.Vector3D
	control   simulator.VehicleControl
	history   []simulator.VehicleControl
	listener  simulator.ImageCallback
}

// Simulator is a simulator.Client keeping a small world in memory
type Simulator struct {
	mu sync.Mutex

	mapName     string
	blueprints  []string
	spawnPoints []simulator.Transform
	occupied    []simulator.Location
	actors      map[simulator.ActorID]*actor
	nextID      simulator.ActorID
	failures    map[simulator.MsgType]error
	attempts    int
	closed      bool
}

// New returns a world with a tesla blueprint, a rgb camera and the given spawn points
func New(spawnPoints ...simulator.Transform) *Simulator {
	return &Simulator{
		mapName:     "Town01",
		blueprints:  []string{"vehicle.tesla.model3", "vehicle.audi.tt", "sensor.camera.rgb"},
		spawnPoints: spawnPoints,
		actors:      make(map[simulator.ActorID]*actor),
		nextID:      1,
		failures:    make(map[simulator.MsgType]error),
	}
}

// SetBlueprints replaces the blueprint catalog
func (s *Simulator) SetBlueprints(blueprints ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blueprints = blueprints
}

// Occupy makes spawn at location fail
func (s *Simulator) Occupy(l simulator.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occupied = append(s.occupied, l)
}

// Fail makes every request of msgType fail with err, nil err restores the nominal behaviour
func (s *Simulator) Fail(msgType simulator.MsgType, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, msgType)
		return
	}
	s.failures[msgType] = err
}

func (s *Simulator) SetTransform(id simulator.ActorID, t simulator.Transform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[id]; ok {
		a.transform = t
	}
}

func (s *Simulator) SetVelocity(id simulator.ActorID, v simulator.Vector3D) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[id]; ok {
		a.velocity = v
	}
}

// AppliedControls returns every control applied to the actor
func (s *Simulator) AppliedControls(id simulator.ActorID) []simulator.VehicleControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		return nil
	}
	result := make([]simulator.VehicleControl, len(a.history))
	copy(result, a.history)
	return result
}

// Actors returns live actors
func (s *Simulator) Actors() []simulator.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]simulator.Actor, 0, len(s.actors))
	for _, a := range s.actors {
		result = append(result, a.Actor)
	}
	return result
}

func (s *Simulator) Alive(id simulator.ActorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.actors[id]
	return ok
}

// Parent returns the actor the given one is attached to
func (s *Simulator) Parent(id simulator.ActorID) simulator.ActorID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.actors[id]; ok {
		return a.parent
	}
	return 0
}

func (s *Simulator) Listening(id simulator.ActorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	return ok && a.listener != nil
}

// SpawnAttempts counts SpawnActor calls
func (s *Simulator) SpawnAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Simulator) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Kill destroys an actor behind the client back, making its handle stale
func (s *Simulator) Kill(id simulator.ActorID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actors, id)
}

/* EmitImage delivers a BGRA image to the sensor listener in the calling goroutine.
It returns false when nobody listens to the sensor
*/
func (s *Simulator) EmitImage(sensor simulator.ActorID, width, height int, raw []byte) bool {
	s.mu.Lock()
	a, ok := s.actors[sensor]
	var cb simulator.ImageCallback
	if ok {
		cb = a.listener
	}
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(&simulator.Image{SensorID: sensor, Width: width, Height: height, RawData: raw})
	return true
}

func (s *Simulator) check(ctx context.Context, msgType simulator.MsgType) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%v: %w", msgType, err)
	}
	if s.closed {
		return errors.New("simulator connection closed")
	}
	if err, ok := s.failures[msgType]; ok {
		return err
	}
	return nil
}

func (s *Simulator) World(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, simulator.MsgTypeGetWorld); err != nil {
		return "", err
	}
	return s.mapName, nil
}

func (s *Simulator) Blueprints(ctx context.Context, filter string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, simulator.MsgTypeGetBlueprints); err != nil {
		return nil, err
	}
	var result []string
	for _, bp := range s.blueprints {
		if strings.Contains(bp, filter) {
			result = append(result, bp)
		}
	}
	return result, nil
}

func (s *Simulator) SpawnPoints(ctx context.Context) ([]simulator.Transform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, simulator.MsgTypeGetSpawnPoints); err != nil {
		return nil, err
	}
	result := make([]simulator.Transform, len(s.spawnPoints))
	copy(result, s.spawnPoints)
	return result, nil
}

func (s *Simulator) SpawnActor(ctx context.Context, req simulator.SpawnRequest) (*simulator.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if err := s.check(ctx, simulator.MsgTypeSpawnActor); err != nil {
		return nil, err
	}
	if req.AttachTo != 0 {
		if _, ok := s.actors[req.AttachTo]; !ok {
			return nil, fmt.Errorf("parent %v: %w", req.AttachTo, ErrActorNotFound)
		}
	} else {
		for _, l := range s.occupied {
			if l.Distance(req.Transform.Location) < 1. {
				return nil, fmt.Errorf("spawn failed because of collision at spawn position %v", l)
			}
		}
	}

	a := &actor{
		Actor:     simulator.Actor{ID: s.nextID, TypeID: req.Blueprint},
		parent:    req.AttachTo,
		transform: req.Transform,
	}
	s.nextID++
	s.actors[a.ID] = a
	if req.AttachTo == 0 {
		s.occupied = append(s.occupied, req.Transform.Location)
	}
	result := a.Actor
	return &result, nil
}

func (s *Simulator) DestroyActor(ctx context.Context, id simulator.ActorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, simulator.MsgTypeDestroyActor); err != nil {
		return err
	}
	a, ok := s.actors[id]
	if !ok {
		return fmt.Errorf("unable to destroy %v: %w", id, ErrActorNotFound)
	}
	delete(s.actors, id)
	for i, l := range s.occupied {
		if l == a.transform.Location {
			s.occupied = append(s.occupied[:i], s.occupied[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Simulator) actor(ctx context.Context, msgType simulator.MsgType, id simulator.ActorID) (*actor, error) {
	if err := s.check(ctx, msgType); err != nil {
		return nil, err
	}
	a, ok := s.actors[id]
	if !ok {
		return nil, fmt.Errorf("%v on %v: %w", msgType, id, ErrActorNotFound)
	}
	return a, nil
}

func (s *Simulator) Transform(ctx context.Context, id simulator.ActorID) (simulator.Transform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.actor(ctx, simulator.MsgTypeGetTransform, id)
	if err != nil {
		return simulator.Transform{}, err
	}
	return a.transform, nil
}

func (s *Simulator) Velocity(ctx context.Context, id simulator.ActorID) (simulator.Vector3D, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.actor(ctx, simulator.MsgTypeGetVelocity, id)
	if err != nil {
		return simulator.Vector3D{}, err
	}
	return a.velocity, nil
}

func (s *Simulator) Control(ctx context.Context, id simulator.ActorID) (simulator.VehicleControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.actor(ctx, simulator.MsgTypeGetControl, id)
	if err != nil {
		return simulator.VehicleControl{}, err
	}
	return a.control, nil
}

func (s *Simulator) ApplyControl(ctx context.Context, id simulator.ActorID, control simulator.VehicleControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.actor(ctx, simulator.MsgTypeApplyControl, id)
	if err != nil {
		return err
	}
	a.control = control
	a.history = append(a.history, control)
	return nil
}

func (s *Simulator) Listen(ctx context.Context, sensor simulator.ActorID, cb simulator.ImageCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.actor(ctx, simulator.MsgTypeSensorListen, sensor)
	if err != nil {
		return err
	}
	a.listener = cb
	return nil
}

func (s *Simulator) StopListening(ctx context.Context, sensor simulator.ActorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.actor(ctx, simulator.MsgTypeSensorStop, sensor)
	if err != nil {
		return err
	}
	a.listener = nil
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
