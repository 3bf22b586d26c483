package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"go.uber.org/zap"
)

type Handler func(req *simulator.RequestMsg) *simulator.ResponseMsg

// SimMock is a fake simulator: it answers each request with handler and notifies received requests
type SimMock struct {
	initOnce sync.Once

	ln      net.Listener
	handler Handler

	muConn sync.Mutex
	conn   net.Conn
	writer *bufio.Writer

	notifyReqChan chan *simulator.RequestMsg
	logger        *zap.SugaredLogger
}

func NewSimMock(handler Handler) *SimMock {
	return &SimMock{handler: handler}
}

func (c *SimMock) init() {
	c.notifyReqChan = make(chan *simulator.RequestMsg, 100)
	c.logger = zap.S().With("simulator", "mock")
}

// NotifyRequest returns received requests, buffered
func (c *SimMock) NotifyRequest() <-chan *simulator.RequestMsg {
	c.initOnce.Do(c.init)
	return c.notifyReqChan
}

func (c *SimMock) Start() error {
	c.initOnce.Do(c.init)
	ln, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		return fmt.Errorf("unable to listen on port: %v", err)
	}
	c.ln = ln

	go func() {
		for {
			conn, err := c.ln.Accept()
			if err != nil {
				c.logger.Debugf("connection close: %v", err)
				return
			}
			c.muConn.Lock()
			c.conn = conn
			c.writer = bufio.NewWriter(conn)
			c.muConn.Unlock()
			go c.handleConnection(conn)
		}
	}()
	return nil
}

func (c *SimMock) Addr() string {
	return c.ln.Addr().String()
}

func (c *SimMock) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		rawMsg, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				c.logger.Debug("connection closed")
				return
			}
			c.logger.Debugf("unable to read request: %v", err)
			return
		}
		var req simulator.RequestMsg
		if err = json.Unmarshal(rawMsg, &req); err != nil {
			c.logger.Errorf("unable to unmarshal msg \"%v\": %v", string(rawMsg), err)
			continue
		}
		c.notifyReqChan <- &req

		if c.handler == nil {
			continue
		}
		resp := c.handler(&req)
		if resp == nil {
			continue
		}
		resp.MsgType = simulator.MsgTypeResponse
		resp.RequestID = req.RequestID
		if err = c.emit(resp); err != nil {
			c.logger.Errorf("unable to write response: %v", err)
		}
	}
}

// EmitImage pushes a sensor image to the connected gateway
func (c *SimMock) EmitImage(msg *simulator.SensorImageMsg) error {
	msg.MsgType = simulator.MsgTypeSensorImage
	return c.emit(msg)
}

// EmitRaw writes a raw line to the connected gateway
func (c *SimMock) EmitRaw(line string) error {
	c.muConn.Lock()
	defer c.muConn.Unlock()
	if _, err := c.writer.WriteString(line + "\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *SimMock) emit(msg interface{}) error {
	content, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.EmitRaw(string(content))
}

// DropConnection closes the current client connection
func (c *SimMock) DropConnection() error {
	c.muConn.Lock()
	defer c.muConn.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *SimMock) Close() error {
	c.logger.Debug("close mock server")
	if err := c.ln.Close(); err != nil {
		return fmt.Errorf("unable to close mock server: %v", err)
	}
	return c.DropConnection()
}
