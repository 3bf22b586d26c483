package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cyrilix/robocar-fleet/pkg/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

/* streamData pushes telemetry as server-sent events until the client leaves or no telemetry is
available for StreamIdleTimeout.
*/
func (s *Server) streamData(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	defer metrics.StreamOpened("sse")()
	log := zap.S().With("robot", c.RobotID(), "stream", "sse")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.TelemetryInterval)
	defer ticker.Stop()
	lastData := time.Now()
	for {
		t, err := c.LiveTelemetry(r.Context())
		if err == nil {
			t.Timestamp = time.Now()
			payload, err := json.Marshal(t)
			if err != nil {
				log.Errorf("unable to marshal telemetry: %v", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				log.Debugf("client gone: %v", err)
				return
			}
			flusher.Flush()
			lastData = time.Now()
		} else if time.Since(lastData) > s.cfg.StreamIdleTimeout {
			log.Infof("no telemetry since %v, end stream", lastData)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
		}
	}
}

/* videoFeed serves camera frames as a multipart jpeg stream.
Only new frames are written, the stream ends after VideoMaxEmptyPolls polls without new frame.
*/
func (s *Server) videoFeed(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	defer metrics.StreamOpened("video")()
	log := zap.S().With("robot", c.RobotID(), "stream", "video")

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.VideoInterval)
	defer ticker.Stop()
	var lastSeq uint64
	empty := 0
	for {
		frame, seq := c.CurrentFrame()
		if frame != nil && seq != lastSeq {
			if err := writePart(w, frame); err != nil {
				log.Debugf("client gone: %v", err)
				return
			}
			flusher.Flush()
			lastSeq = seq
			empty = 0
		} else {
			empty++
			if empty > s.cfg.VideoMaxEmptyPolls {
				log.Info("no frame available, end stream")
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// wsData pushes telemetry as websocket json messages
func (s *Server) wsData(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Errorf("unable to upgrade websocket: %v", err)
		return
	}
	defer conn.Close()
	defer metrics.StreamOpened("websocket")()
	log := zap.S().With("robot", c.RobotID(), "stream", "websocket")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.TelemetryInterval)
	defer ticker.Stop()
	lastData := time.Now()
	for {
		t, err := c.LiveTelemetry(r.Context())
		if err == nil {
			t.Timestamp = time.Now()
			if err := conn.WriteJSON(t); err != nil {
				log.Debugf("client gone: %v", err)
				return
			}
			lastData = time.Now()
		} else if time.Since(lastData) > s.cfg.StreamIdleTimeout {
			log.Infof("no telemetry since %v, end stream", lastData)
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "no telemetry"))
			return
		}

		select {
		case <-gone:
			return
		case <-s.closing:
			return
		case <-ticker.C:
		}
	}
}
