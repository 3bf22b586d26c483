package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyrilix/robocar-fleet/pkg/controls"
	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"github.com/cyrilix/robocar-fleet/pkg/vehicle"
	"github.com/cyrilix/robocar-protobuf/go/events"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/protobuf/proto"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	TopicCamera   = "camera"
	TopicSteering = "steering"
	TopicThrottle = "throttle"

	queueSize = 10
)

type telemetryEvent struct {
	robotID   string
	telemetry vehicle.Telemetry
}

type frameEvent struct {
	robotID string
	frame   []byte
	at      time.Time
}

/* NewMsgPublisher creates a publisher forwarding robots telemetry and camera frames to an events broker.
Messages are published on <prefix>/<robot id>/<camera|steering|throttle>.
It implements vehicle.Observer, events are dropped when the publisher lags behind.
*/
func NewMsgPublisher(p Publisher, topicPrefix string) *MsgPublisher {
	return &MsgPublisher{
		p:             p,
		topicPrefix:   topicPrefix,
		telemetryChan: make(chan telemetryEvent, queueSize),
		frameChan:     make(chan frameEvent, queueSize),
		muCancel:      sync.Mutex{},
		cancel:        nil,
	}
}

type MsgPublisher struct {
	p           Publisher
	topicPrefix string

	telemetryChan chan telemetryEvent
	frameChan     chan frameEvent

	muCancel sync.Mutex
	cancel   chan interface{}
}

func (m *MsgPublisher) Topic(robotID, kind string) string {
	return fmt.Sprintf("%s/%s/%s", m.topicPrefix, robotID, kind)
}

func (m *MsgPublisher) OnTelemetry(robotID string, t vehicle.Telemetry) {
	select {
	case m.telemetryChan <- telemetryEvent{robotID: robotID, telemetry: t}:
	default:
		zap.S().With("robot", robotID).Debug("telemetry event dropped")
	}
}

func (m *MsgPublisher) OnFrame(robotID string, frame []byte) {
	select {
	case m.frameChan <- frameEvent{robotID: robotID, frame: frame, at: time.Now()}:
	default:
		zap.S().With("robot", robotID).Debug("frame event dropped")
	}
}

func (m *MsgPublisher) Start() {
	m.muCancel.Lock()
	defer m.muCancel.Unlock()

	m.cancel = make(chan interface{})
	go m.listenTelemetry(m.cancel)
	go m.listenFrame(m.cancel)
}

func (m *MsgPublisher) Stop() {
	m.muCancel.Lock()
	defer m.muCancel.Unlock()
	if m.cancel == nil {
		return
	}
	close(m.cancel)
	m.cancel = nil
}

func frameRef(robotID string, at time.Time) *events.FrameRef {
	return &events.FrameRef{
		Name:      robotID,
		Id:        fmt.Sprintf("%d%03d", at.Unix(), at.Nanosecond()/1000/1000),
		CreatedAt: timestamppb.New(at),
	}
}

func (m *MsgPublisher) listenTelemetry(cancel <-chan interface{}) {
	logr := zap.S().With("msg_type", "telemetry")
	for {
		select {
		case <-cancel:
			logr.Debug("exit listen telemetry loop")
			return
		case evt := <-m.telemetryChan:
			ref := frameRef(evt.robotID, evt.telemetry.Timestamp)
			ctrl := simulator.VehicleControl{
				Throttle: evt.telemetry.Throttle,
				Steer:    evt.telemetry.Steering,
				Brake:    evt.telemetry.Brake,
			}
			m.publish(logr, m.Topic(evt.robotID, TopicSteering), &events.SteeringMessage{
				FrameRef:   ref,
				Steering:   float32(ctrl.Steer),
				Confidence: 1.0,
			})
			m.publish(logr, m.Topic(evt.robotID, TopicThrottle), &events.ThrottleMessage{
				FrameRef:   ref,
				Throttle:   float32(controls.ToSignedThrottle(ctrl)),
				Confidence: 1.0,
			})
		}
	}
}

func (m *MsgPublisher) listenFrame(cancel <-chan interface{}) {
	logr := zap.S().With("msg_type", "frame")
	for {
		select {
		case <-cancel:
			logr.Debug("exit listen frame loop")
			return
		case evt := <-m.frameChan:
			msg := &events.FrameMessage{
				Id:    frameRef(evt.robotID, evt.at),
				Frame: evt.frame,
			}
			logr.Debugf("new frame %v/%v", msg.Id.Name, msg.Id.Id)
			m.publish(logr, m.Topic(evt.robotID, TopicCamera), msg)
		}
	}
}

func (m *MsgPublisher) publish(logr *zap.SugaredLogger, topic string, msg proto.Message) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		logr.Errorf("unable to marshal protobuf message: %v", err)
		return
	}
	if err = m.p.Publish(topic, payload); err != nil {
		logr.Errorf("unable to publish events message: %v", err)
	}
}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

func NewMqttPublisher(client mqtt.Client, qos byte, retain bool) *MqttPublisher {
	return &MqttPublisher{client: client, qos: qos, retain: retain}
}

type MqttPublisher struct {
	client mqtt.Client
	qos    byte
	retain bool
}

func (m *MqttPublisher) Publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, m.retain, payload)
	token.WaitTimeout(10 * time.Millisecond)
	if err := token.Error(); err != nil {
		return fmt.Errorf("unable to events to topic: %v", err)
	}
	return nil
}
