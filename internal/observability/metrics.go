package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	lookupRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultctl",
			Subsystem: "lookup",
			Name:      "requests_total",
			Help:      "Total FIND requests handled.",
		},
		[]string{"node", "outcome"},
	)
	lookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vaultctl",
			Subsystem: "lookup",
			Name:      "request_duration_seconds",
			Help:      "FIND request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "outcome"},
	)
	peerConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultctl",
			Subsystem: "peer",
			Name:      "connections_total",
			Help:      "Accepted lookup connections.",
		},
		[]string{"node"},
	)
	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultctl",
			Subsystem: "peer",
			Name:      "auth_failures_total",
			Help:      "Rejected direct-mode credential exchanges.",
		},
		[]string{"node"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vaultctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			lookupRequests,
			lookupDuration,
			peerConnections,
			authFailures,
			httpRequests,
			httpDuration,
		)
	})
}

// Lookup outcome labels.
const (
	OutcomeFound   = "found"
	OutcomeNoMatch = "no_match"
	OutcomeFail    = "fail"
	OutcomeError   = "error"
)

func RecordLookup(node, outcome string, duration time.Duration) {
	RegisterMetrics()
	lookupRequests.WithLabelValues(node, outcome).Inc()
	lookupDuration.WithLabelValues(node, outcome).Observe(duration.Seconds())
}

func RecordConnection(node string) {
	RegisterMetrics()
	peerConnections.WithLabelValues(node).Inc()
}

func RecordAuthFailure(node string) {
	RegisterMetrics()
	authFailures.WithLabelValues(node).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
