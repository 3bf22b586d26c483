package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyrilix/robocar-fleet/pkg/metrics"
	"github.com/cyrilix/robocar-fleet/pkg/registry"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"goji.io"
	"goji.io/pat"
)

type Config struct {
	Address string
	// StaticDir holds dashboard files, index.html is served on /
	StaticDir      string
	AllowedOrigins []string

	TelemetryInterval time.Duration
	VideoInterval     time.Duration
	// VideoMaxEmptyPolls ends a video feed after this many polls without new frame
	VideoMaxEmptyPolls int
	// StreamIdleTimeout ends telemetry streams when no data is available for this duration
	StreamIdleTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Address:            ":8000",
		AllowedOrigins:     []string{"http://127.0.0.1:8080"},
		TelemetryInterval:  50 * time.Millisecond,
		VideoInterval:      100 * time.Millisecond,
		VideoMaxEmptyPolls: 100,
		StreamIdleTimeout:  10 * time.Second,
		ShutdownTimeout:    5 * time.Second,
	}
}

type Option func(s *Server)

// OnStop registers a func called once the server and every robot are stopped
func OnStop(f func()) Option {
	return func(s *Server) {
		s.onStop = append(s.onStop, f)
	}
}

type Server struct {
	cfg    Config
	reg    *registry.Registry
	srv    *http.Server
	onStop []func()

	closing   chan struct{}
	closeOnce sync.Once
}

func New(reg *registry.Registry, cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		closing: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.srv = &http.Server{
		Addr:    cfg.Address,
		Handler: s.Handler(),
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.Use(logRequests)

	mux.HandleFunc(pat.Get("/robots"), s.listRobots)
	mux.HandleFunc(pat.Post("/robots/:id"), s.createRobot)
	mux.HandleFunc(pat.Delete("/robots/:id"), s.deleteRobot)
	mux.HandleFunc(pat.Get("/robots/:id/status"), s.robotStatus)
	mux.HandleFunc(pat.Post("/robots/:id/spawn"), s.spawnVehicle)
	mux.HandleFunc(pat.Post("/robots/:id/destroy_vehicle"), s.action(destroyVehicle))
	mux.HandleFunc(pat.Post("/robots/:id/start_drive"), s.startDrive)
	mux.HandleFunc(pat.Post("/robots/:id/stop_drive"), s.action(stopDrive))
	mux.HandleFunc(pat.Post("/robots/:id/start_telemetry"), s.action(startTelemetry))
	mux.HandleFunc(pat.Post("/robots/:id/stop_telemetry"), s.action(stopTelemetry))
	mux.HandleFunc(pat.Post("/robots/:id/attach_camera"), s.action(attachCamera))
	mux.HandleFunc(pat.Post("/robots/:id/detach_camera"), s.action(detachCamera))
	mux.HandleFunc(pat.Post("/robots/:id/start_streaming"), s.action(startStreaming))
	mux.HandleFunc(pat.Post("/robots/:id/stop_streaming"), s.action(stopStreaming))
	mux.HandleFunc(pat.Post("/robots/:id/start_detection"), s.action(startDetection))
	mux.HandleFunc(pat.Post("/robots/:id/stop_detection"), s.action(stopDetection))
	mux.HandleFunc(pat.Get("/robots/:id/stream_data"), s.streamData)
	mux.HandleFunc(pat.Get("/robots/:id/video_feed"), s.videoFeed)
	mux.HandleFunc(pat.Get("/robots/:id/ws_data"), s.wsData)

	mux.HandleFunc(pat.Get("/active_robot"), s.activeRobot)
	s.installLegacy(mux)

	mux.Handle(pat.Get("/metrics"), metrics.Handler())

	if s.cfg.StaticDir != "" {
		mux.Handle(pat.Get("/static/*"), http.StripPrefix("/static", http.FileServer(http.Dir(s.cfg.StaticDir))))
		mux.HandleFunc(pat.Get("/"), func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, "index.html"))
		})
	}

	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(mux)
}

func (s *Server) Start() error {
	zap.S().Infof("http server listening on %v", s.cfg.Address)
	err := s.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends streams, shuts down the http server then destroys every robot
func (s *Server) Stop() {
	s.closeOnce.Do(func() { close(s.closing) })

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		zap.S().Errorf("unable to shutdown http server: %v", err)
	}
	if err := s.reg.Close(ctx); err != nil {
		zap.S().Errorf("unable to release robots: %v", err)
	}
	for _, f := range s.onStop {
		f()
	}
}

func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.srv.Close()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		zap.S().Debugw("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.S().Errorf("unable to write response: %v", err)
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
