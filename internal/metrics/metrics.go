// Package metrics provides Prometheus instrumentation for the scoring service.
package metrics

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trustscore"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsIngestedTotal counts telemetry events accepted for aggregation.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Telemetry events accepted by kind.",
		},
		[]string{"kind"},
	)

	// EventsDroppedTotal counts events dropped because the ingest buffer was full.
	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Telemetry events dropped on a full ingest buffer.",
	})

	// ScoreTicksTotal counts scoring ticks by result (ok, error, skipped).
	ScoreTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_ticks_total",
			Help:      "Scoring ticks by result.",
		},
		[]string{"result"},
	)

	// ScoreTickDuration observes the wall time of one scoring tick.
	ScoreTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "score_tick_duration_seconds",
		Help:      "Duration of a single session scoring tick.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// AssessmentsTotal counts produced assessments by level.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Risk assessments produced by level.",
		},
		[]string{"level"},
	)

	// HardBlocksTotal counts hard-rule blocks by rule code.
	HardBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hard_blocks_total",
			Help:      "Hard-rule blocks by code.",
		},
		[]string{"code"},
	)

	// ProviderFailuresTotal counts failed collaborator calls.
	ProviderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Failed signal provider calls by provider.",
		},
		[]string{"provider"},
	)

	// ProviderRetriesTotal counts provider calls retried after a transient error.
	ProviderRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Signal provider call retries by provider.",
		},
		[]string{"provider"},
	)

	// BreakerTransitionsTotal counts provider circuit state changes.
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Provider circuit breaker transitions by provider and target state.",
		},
		[]string{"provider", "to"},
	)

	// KafkaRecordsTotal counts consumed Kafka records by result.
	KafkaRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_records_total",
			Help:      "Consumed capture records by result (accepted, dropped, malformed).",
		},
		[]string{"result"},
	)

	// ExportsTotal counts session exports by result (full, minimal, error).
	ExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Session exports by result.",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks sessions that are still collecting events.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently being scored.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// AssessmentScores observes the distribution of 0-100 risk scores.
	AssessmentScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "assessment_score",
		Help:      "Risk scores of produced assessments.",
		Buckets:   prometheus.LinearBuckets(10, 10, 10),
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsIngestedTotal,
		EventsDroppedTotal,
		ScoreTicksTotal,
		ScoreTickDuration,
		AssessmentsTotal,
		HardBlocksTotal,
		ProviderFailuresTotal,
		ProviderRetriesTotal,
		BreakerTransitionsTotal,
		KafkaRecordsTotal,
		ExportsTotal,
		ActiveSessions,
		ActiveWebSocketClients,
		AssessmentScores,
	)
}

// RegisterDB exports the connection pool statistics of db. Registering
// the same pool twice is not an error.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Route patterns keep cardinality bounded; misses share one label.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
