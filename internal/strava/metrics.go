package strava

import "github.com/prometheus/client_golang/prometheus"

var (
	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream API requests grouped by endpoint and status.",
	}, []string{"endpoint", "status"})

	retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "upstream",
		Name:      "retries_total",
		Help:      "Upstream API retries scheduled per endpoint.",
	}, []string{"endpoint"})

	rateLimitedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "upstream",
		Name:      "rate_limited_total",
		Help:      "Upstream 429 responses per endpoint.",
	}, []string{"endpoint"})

	malformedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_sync",
		Subsystem: "upstream",
		Name:      "malformed_records_total",
		Help:      "Upstream records or payloads that could not be decoded.",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(requestCounter, retryCounter, rateLimitedCounter, malformedCounter)
}

func recordRequest(endpoint, status string) {
	requestCounter.WithLabelValues(endpoint, status).Inc()
}

func recordRetry(endpoint string) {
	retryCounter.WithLabelValues(endpoint).Inc()
}

func recordRateLimited(endpoint string) {
	rateLimitedCounter.WithLabelValues(endpoint).Inc()
}

func recordMalformed(endpoint string) {
	malformedCounter.WithLabelValues(endpoint).Inc()
}
