package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "robocar_fleet"

var (
	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_total",
			Help:      "Counter of requests sent to the simulator broken out by message type and status.",
		},
		[]string{"msg_type", "status"},
	)

	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Simulator round trip duration in seconds.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"msg_type"},
	)

	robots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "robots",
			Help:      "Number of registered robots.",
		},
	)

	framesEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "camera",
			Name:      "frames_total",
			Help:      "Counter of camera frames encoded broken out by status.",
		},
		[]string{"status"},
	)

	streamClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "stream_clients",
			Help:      "Number of connected stream clients broken out by stream kind.",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// Register registers all collectors on the default prometheus registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(gatewayRequests, gatewayLatency, robots, framesEncoded, streamClients)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveGatewayRequest(msgType string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	gatewayRequests.WithLabelValues(msgType, status).Inc()
	gatewayLatency.WithLabelValues(msgType).Observe(elapsed.Seconds())
}

func SetRobots(count int) {
	robots.Set(float64(count))
}

func RecordFrame(err error) {
	if err != nil {
		framesEncoded.WithLabelValues("error").Inc()
		return
	}
	framesEncoded.WithLabelValues("ok").Inc()
}

// StreamOpened tracks a stream client, the returned func must be called once the client leaves
func StreamOpened(kind string) func() {
	g := streamClients.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}
