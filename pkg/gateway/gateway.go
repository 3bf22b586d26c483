package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/cyrilix/robocar-fleet/pkg/metrics"
	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("simulator connection closed")

const (
	DefaultTimeout      = 5 * time.Second
	DefaultDialAttempts = 3
)

type Option func(g *Gateway)

// WithTimeout bounds every request sent to the simulator
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = timeout
	}
}

func WithDialAttempts(attempts uint) Option {
	return func(g *Gateway) {
		g.attempts = attempts
	}
}

/* Dial connects to the simulator at address, connection is retried before giving up.
The returned Gateway implements simulator.Client
*/
func Dial(ctx context.Context, address string, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		address:   address,
		timeout:   DefaultTimeout,
		attempts:  DefaultDialAttempts,
		pending:   make(map[string]chan *simulator.ResponseMsg),
		listeners: make(map[simulator.ActorID]*listener),
		closed:    make(chan struct{}),
		log:       zap.S().With("simulator", address),
	}
	for _, o := range opts {
		o(g)
	}

	err := retry.Do(func() error {
		g.log.Debug("connect to simulator")
		conn, err := connect(address)
		if err != nil {
			return fmt.Errorf("unable to connect to simulator at %v: %w", address, err)
		}
		g.conn = conn
		return nil
	},
		retry.Attempts(g.attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	g.log.Info("connection success")

	go g.listen(bufio.NewReader(g.conn))
	return g, nil
}

/* Gateway is a simulator session over a tcp connection.
Requests and responses are json lines correlated by request id, camera images are pushed asynchronously
*/
type Gateway struct {
	address  string
	timeout  time.Duration
	attempts uint

	conn    io.ReadWriteCloser
	muWrite sync.Mutex

	muPending sync.Mutex
	pending   map[string]chan *simulator.ResponseMsg

	muListeners sync.Mutex
	listeners   map[simulator.ActorID]*listener

	isClosed  atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}

	log *zap.SugaredLogger
}

func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.log.Info("close simulator gateway")
		g.isClosed.Store(true)
		close(g.closed)
		if e := g.conn.Close(); e != nil {
			err = fmt.Errorf("unable to close connection to simulator: %w", e)
		}

		g.muListeners.Lock()
		for id, l := range g.listeners {
			l.stop()
			delete(g.listeners, id)
		}
		g.muListeners.Unlock()
	})
	return err
}

func (g *Gateway) World(ctx context.Context) (string, error) {
	resp, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeGetWorld})
	if err != nil {
		return "", err
	}
	return resp.MapName, nil
}

func (g *Gateway) Blueprints(ctx context.Context, filter string) ([]string, error) {
	resp, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeGetBlueprints, Filter: filter})
	if err != nil {
		return nil, err
	}
	return resp.Blueprints, nil
}

func (g *Gateway) SpawnPoints(ctx context.Context) ([]simulator.Transform, error) {
	resp, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeGetSpawnPoints})
	if err != nil {
		return nil, err
	}
	return resp.SpawnPoints, nil
}

func (g *Gateway) SpawnActor(ctx context.Context, req simulator.SpawnRequest) (*simulator.Actor, error) {
	transform := req.Transform
	resp, err := g.call(ctx, &simulator.RequestMsg{
		MsgType:    simulator.MsgTypeSpawnActor,
		Blueprint:  req.Blueprint,
		Transform:  &transform,
		Attributes: req.Attributes,
		AttachTo:   req.AttachTo,
	})
	if err != nil {
		return nil, err
	}
	if resp.Actor == nil {
		return nil, fmt.Errorf("no actor returned for blueprint %v", req.Blueprint)
	}
	return resp.Actor, nil
}

func (g *Gateway) DestroyActor(ctx context.Context, id simulator.ActorID) error {
	_, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeDestroyActor, ActorID: id})
	return err
}

func (g *Gateway) Transform(ctx context.Context, id simulator.ActorID) (simulator.Transform, error) {
	resp, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeGetTransform, ActorID: id})
	if err != nil {
		return simulator.Transform{}, err
	}
	if resp.Transform == nil {
		return simulator.Transform{}, fmt.Errorf("no transform returned for actor %v", id)
	}
	return *resp.Transform, nil
}

func (g *Gateway) Velocity(ctx context.Context, id simulator.ActorID) (simulator.Vector3D, error) {
	resp, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeGetVelocity, ActorID: id})
	if err != nil {
		return simulator.Vector3D{}, err
	}
	if resp.Velocity == nil {
		return simulator.Vector3D{}, fmt.Errorf("no velocity returned for actor %v", id)
	}
	return *resp.Velocity, nil
}

func (g *Gateway) Control(ctx context.Context, id simulator.ActorID) (simulator.VehicleControl, error) {
	resp, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeGetControl, ActorID: id})
	if err != nil {
		return simulator.VehicleControl{}, err
	}
	if resp.Control == nil {
		return simulator.VehicleControl{}, fmt.Errorf("no control returned for actor %v", id)
	}
	return *resp.Control, nil
}

func (g *Gateway) ApplyControl(ctx context.Context, id simulator.ActorID, control simulator.VehicleControl) error {
	_, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeApplyControl, ActorID: id, Control: &control})
	return err
}

/* Listen registers cb for every image produced by the sensor.
Images are delivered on a dedicated goroutine; when cb is slower than the camera, stale images are dropped
*/
func (g *Gateway) Listen(ctx context.Context, sensor simulator.ActorID, cb simulator.ImageCallback) error {
	l := newListener(cb, g.log.With("actor", sensor))
	g.muListeners.Lock()
	if previous, ok := g.listeners[sensor]; ok {
		previous.stop()
	}
	g.listeners[sensor] = l
	g.muListeners.Unlock()

	_, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeSensorListen, ActorID: sensor})
	if err != nil {
		g.removeListener(sensor)
		return err
	}
	return nil
}

func (g *Gateway) StopListening(ctx context.Context, sensor simulator.ActorID) error {
	g.removeListener(sensor)
	_, err := g.call(ctx, &simulator.RequestMsg{MsgType: simulator.MsgTypeSensorStop, ActorID: sensor})
	return err
}

func (g *Gateway) removeListener(sensor simulator.ActorID) {
	g.muListeners.Lock()
	defer g.muListeners.Unlock()
	if l, ok := g.listeners[sensor]; ok {
		l.stop()
		delete(g.listeners, sensor)
	}
}

func (g *Gateway) call(ctx context.Context, req *simulator.RequestMsg) (*simulator.ResponseMsg, error) {
	if g.isClosed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	req.RequestID = uuid.NewString()
	respChan := make(chan *simulator.ResponseMsg, 1)

	g.muPending.Lock()
	g.pending[req.RequestID] = respChan
	g.muPending.Unlock()
	defer func() {
		g.muPending.Lock()
		delete(g.pending, req.RequestID)
		g.muPending.Unlock()
	}()

	if err := g.write(ctx, req); err != nil {
		metrics.ObserveGatewayRequest(string(req.MsgType), err, time.Since(start))
		return nil, err
	}

	var err error
	var resp *simulator.ResponseMsg
	select {
	case resp = <-respChan:
		if resp.Error != "" {
			err = fmt.Errorf("simulator rejected %v: %v", req.MsgType, resp.Error)
		}
	case <-ctx.Done():
		err = fmt.Errorf("no response to %v: %w", req.MsgType, ctx.Err())
	case <-g.closed:
		err = ErrClosed
	}
	metrics.ObserveGatewayRequest(string(req.MsgType), err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// writeDeadliner is implemented by net.Conn
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

/* write sends req as a json line, the write is bounded by ctx deadline.
A failed write may leave a partial line on the wire: the session is closed.
*/
func (g *Gateway) write(ctx context.Context, req *simulator.RequestMsg) error {
	content, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("unable to marshall %v msg: %w", req.MsgType, err)
	}

	g.muWrite.Lock()
	defer g.muWrite.Unlock()
	if err = ctx.Err(); err != nil {
		return fmt.Errorf("unable to send %v msg: %w", req.MsgType, err)
	}
	if conn, ok := g.conn.(writeDeadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			if err = conn.SetWriteDeadline(deadline); err != nil {
				return fmt.Errorf("unable to set write deadline: %w", err)
			}
			defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
		}
	}

	w := bufio.NewWriter(g.conn)
	if _, err = w.Write(append(content, '\n')); err == nil {
		err = w.Flush()
	}
	if err != nil {
		g.log.Errorf("unable to write %v msg, close session: %v", req.MsgType, err)
		_ = g.Close()
		return fmt.Errorf("unable to write %v msg to simulator: %w", req.MsgType, err)
	}
	return nil
}

func (g *Gateway) listen(reader *bufio.Reader) {
	for {
		rawLine, err := reader.ReadBytes('\n')
		if err == io.EOF {
			g.log.Info("connection closed")
			_ = g.Close()
			return
		}
		if err != nil {
			if !g.isClosed.Load() {
				g.log.Errorf("unable to read response: %v", err)
				_ = g.Close()
			}
			return
		}

		var msg simulator.Msg
		if err = json.Unmarshal(rawLine, &msg); err != nil {
			g.log.Errorf("unable to unmarshal simulator msg '%v': %v", string(rawLine), err)
			continue
		}

		switch msg.MsgType {
		case simulator.MsgTypeResponse:
			var resp simulator.ResponseMsg
			if err = json.Unmarshal(rawLine, &resp); err != nil {
				g.log.Errorf("unable to unmarshal response msg: %v", err)
				continue
			}
			g.dispatchResponse(&resp)
		case simulator.MsgTypeSensorImage:
			var img simulator.SensorImageMsg
			if err = json.Unmarshal(rawLine, &img); err != nil {
				g.log.Errorf("unable to unmarshal sensor image msg: %v", err)
				continue
			}
			g.dispatchImage(&img)
		default:
			g.log.Debugf("ignore msg of type %v", msg.MsgType)
		}
	}
}

func (g *Gateway) dispatchResponse(resp *simulator.ResponseMsg) {
	g.muPending.Lock()
	respChan, ok := g.pending[resp.RequestID]
	g.muPending.Unlock()
	if !ok {
		g.log.Debugf("no pending request for response %v", resp.RequestID)
		return
	}
	select {
	case respChan <- resp:
	default:
		g.log.Warnf("drop duplicated response %v", resp.RequestID)
	}
}

func (g *Gateway) dispatchImage(msg *simulator.SensorImageMsg) {
	g.muListeners.Lock()
	l, ok := g.listeners[msg.ActorID]
	g.muListeners.Unlock()
	if !ok {
		return
	}
	l.offer(&simulator.Image{
		SensorID: msg.ActorID,
		Frame:    msg.Frame,
		Width:    msg.Width,
		Height:   msg.Height,
		RawData:  msg.RawData,
	})
}

var connect = func(address string) (io.ReadWriteCloser, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %v: %w", address, err)
	}
	return conn, nil
}

// listener forwards images to its callback, only the latest pending image is kept
type listener struct {
	cb       simulator.ImageCallback
	mailbox  chan *simulator.Image
	cancel   chan struct{}
	stopOnce sync.Once
	log      *zap.SugaredLogger
}

func newListener(cb simulator.ImageCallback, log *zap.SugaredLogger) *listener {
	l := &listener{
		cb:      cb,
		mailbox: make(chan *simulator.Image, 1),
		cancel:  make(chan struct{}),
		log:     log,
	}
	go l.run()
	return l
}

func (l *listener) offer(img *simulator.Image) {
	for {
		select {
		case l.mailbox <- img:
			return
		default:
		}
		select {
		case stale := <-l.mailbox:
			l.log.Debugf("drop stale frame %v", stale.Frame)
		default:
		}
	}
}

func (l *listener) run() {
	for {
		select {
		case <-l.cancel:
			return
		case img := <-l.mailbox:
			l.cb(img)
		}
	}
}

func (l *listener) stop() {
	l.stopOnce.Do(func() { close(l.cancel) })
}
