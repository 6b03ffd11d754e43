package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nixwire"

var (
	registerOnce sync.Once

	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "connections_total",
			Help:      "Accepted daemon connections by trust level.",
		},
		[]string{"trust"},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "connections_active",
			Help:      "Daemon connections currently open.",
		},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "handshake_failures_total",
			Help:      "Connections dropped during the handshake.",
		},
		[]string{"reason"},
	)
	negotiated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "negotiated_versions_total",
			Help:      "Completed handshakes by negotiated protocol version.",
		},
		[]string{"version"},
	)
	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "operations_total",
			Help:      "Worker operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "operation_duration_seconds",
			Help:      "Worker operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	logFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "daemon",
			Name:      "log_frames_total",
			Help:      "Log frames written to clients by kind.",
		},
		[]string{"kind"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connections, activeConnections, handshakeFailures, negotiated,
			operations, operationDuration, logFrames, httpRequests, httpDuration,
		)
	})
}

// Operation outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeStoreError  = "store_error"
	OutcomeDecodeError = "decode_error"
	OutcomeFatal       = "fatal"
)

// ConnectionOpened counts a connection and returns the func that marks
// it closed.
func ConnectionOpened(trust string) func() {
	RegisterMetrics()
	connections.WithLabelValues(trust).Inc()
	activeConnections.Inc()
	var once sync.Once
	return func() { once.Do(activeConnections.Dec) }
}

func RecordHandshakeFailure(reason string) {
	RegisterMetrics()
	handshakeFailures.WithLabelValues(reason).Inc()
}

func RecordNegotiated(version string) {
	RegisterMetrics()
	negotiated.WithLabelValues(version).Inc()
}

func RecordOperation(op, outcome string, duration time.Duration) {
	RegisterMetrics()
	operations.WithLabelValues(op, outcome).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordLogFrame(kind string) {
	RegisterMetrics()
	logFrames.WithLabelValues(kind).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
