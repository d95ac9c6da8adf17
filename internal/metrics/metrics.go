package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "qbbridge"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qbwc_sessions_total",
			Help:      "Web Connector authentication attempts by outcome.",
		},
		[]string{"outcome"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "qbwc_active_sessions",
			Help:      "Sessions currently open.",
		},
	)

	responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qbxml_responses_total",
			Help:      "qbXML responses received by request kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_synced_total",
			Help:      "Records pushed to Bitrix24 by entity type and outcome.",
		},
		[]string{"entity", "outcome"},
	)

	changes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_queue_total",
			Help:      "Change queue transitions by status.",
		},
		[]string{"status"},
	)

	bitrixCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bitrix_requests_total",
			Help:      "Bitrix24 REST calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, sessions, activeSessions, responses, records, changes, bitrixCalls)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncSession(outcome string) {
	sessions.WithLabelValues(outcome).Inc()
}

func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

func IncResponse(kind, outcome string) {
	responses.WithLabelValues(kind, outcome).Inc()
}

func IncRecord(entity, outcome string) {
	records.WithLabelValues(entity, outcome).Inc()
}

func IncChange(status string) {
	changes.WithLabelValues(status).Inc()
}

func IncBitrix(method, outcome string) {
	bitrixCalls.WithLabelValues(method, outcome).Inc()
}
