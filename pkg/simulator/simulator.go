package simulator

import (
	"context"
	"fmt"
	"math"
)

type MsgType string

const (
	MsgTypeGetWorld       = MsgType("get_world")
	MsgTypeGetBlueprints  = MsgType("get_blueprints")
	MsgTypeGetSpawnPoints = MsgType("get_spawn_points")
	MsgTypeSpawnActor     = MsgType("spawn_actor")
	MsgTypeDestroyActor   = MsgType("destroy_actor")
	MsgTypeGetTransform   = MsgType("get_transform")
	MsgTypeGetVelocity    = MsgType("get_velocity")
	MsgTypeGetControl     = MsgType("get_control")
	MsgTypeApplyControl   = MsgType("apply_control")
	MsgTypeSensorListen   = MsgType("sensor_listen")
	MsgTypeSensorStop     = MsgType("sensor_stop")

	MsgTypeResponse    = MsgType("response")
	MsgTypeSensorImage = MsgType("sensor_image")
)

type Msg struct {
	MsgType MsgType `json:"msg_type"`
}

type ActorID uint64

// Actor is a handle on an object living inside the simulator (vehicle, sensor, ...)
type Actor struct {
	ID     ActorID `json:"id"`
	TypeID string  `json:"type_id"`
}

type Location struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance returns the euclidean distance between the two locations
func (l Location) Distance(o Location) float64 {
	return math.Sqrt((l.X-o.X)*(l.X-o.X) + (l.Y-o.Y)*(l.Y-o.Y) + (l.Z-o.Z)*(l.Z-o.Z))
}

func (l Location) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", l.X, l.Y, l.Z)
}

type Rotation struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

type Transform struct {
	Location Location `json:"location"`
	Rotation Rotation `json:"rotation"`
}

type Vector3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vector3D) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

/* VehicleControl is the last control applied to a vehicle.
throttle and brake are in [0, 1], steer in [-1, 1]
*/
type VehicleControl struct {
	Throttle float64 `json:"throttle"`
	Steer    float64 `json:"steer"`
	Brake    float64 `json:"brake"`
}

// Image is a raw camera frame, pixels are BGRA encoded
type Image struct {
	SensorID ActorID
	Frame    uint64
	Width    int
	Height   int
	RawData  []byte
}

type ImageCallback func(img *Image)

// SpawnRequest describes an actor to create; AttachTo is zero when the actor is free
type SpawnRequest struct {
	Blueprint  string
	Transform  Transform
	Attributes map[string]string
	AttachTo   ActorID
}

/* Client is the contract with the simulator.
Each call is a synchronous request/response that may fail or time out.
*/
type Client interface {
	World(ctx context.Context) (string, error)
	Blueprints(ctx context.Context, filter string) ([]string, error)
	SpawnPoints(ctx context.Context) ([]Transform, error)
	SpawnActor(ctx context.Context, req SpawnRequest) (*Actor, error)
	DestroyActor(ctx context.Context, id ActorID) error
	Transform(ctx context.Context, id ActorID) (Transform, error)
	Velocity(ctx context.Context, id ActorID) (Vector3D, error)
	Control(ctx context.Context, id ActorID) (VehicleControl, error)
	ApplyControl(ctx context.Context, id ActorID, control VehicleControl) error
	Listen(ctx context.Context, sensor ActorID, cb ImageCallback) error
	StopListening(ctx context.Context, sensor ActorID) error
	Close() error
}

// RequestMsg is sent to the simulator, only fields used by MsgType are filled
type RequestMsg struct {
	MsgType    MsgType           `json:"msg_type"`
	RequestID  string            `json:"request_id"`
	ActorID    ActorID           `json:"actor_id,omitempty"`
	Filter     string            `json:"filter,omitempty"`
	Blueprint  string            `json:"blueprint,omitempty"`
	Transform  *Transform        `json:"transform,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	AttachTo   ActorID           `json:"attach_to,omitempty"`
	Control    *VehicleControl   `json:"control,omitempty"`
}

// ResponseMsg answers a RequestMsg with the same RequestID. Error is empty on success
type ResponseMsg struct {
	MsgType     MsgType         `json:"msg_type"`
	RequestID   string          `json:"request_id"`
	Error       string          `json:"error,omitempty"`
	MapName     string          `json:"map_name,omitempty"`
	Blueprints  []string        `json:"blueprints,omitempty"`
	SpawnPoints []Transform     `json:"spawn_points,omitempty"`
	Actor       *Actor          `json:"actor,omitempty"`
	Transform   *Transform      `json:"transform,omitempty"`
	Velocity    *Vector3D       `json:"velocity,omitempty"`
	Control     *VehicleControl `json:"control,omitempty"`
}

// SensorImageMsg is pushed by the simulator for each frame of a listened camera
type SensorImageMsg struct {
	MsgType MsgType `json:"msg_type"`
	ActorID ActorID `json:"actor_id"`
	Frame   uint64  `json:"frame"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	RawData []byte  `json:"raw_data"`
}
