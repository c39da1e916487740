// Package telemetry provides application-level observability for the classifier service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<PCL_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Classification counters by outcome
//   - Rate-limit decision counters and limiter fallback counter
//   - Audit write failure counter
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /admin/audit-logs)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening, or use an exported var directly:
//
//	telemetry.ClassificationsTotal.WithLabelValues("success").Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api-keys/rotate), NOT the
// raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
//
// Example PromQL queries:
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
//   - Average latency:                   rate(http_request_duration_seconds_sum[5m]) / rate(http_request_duration_seconds_count[5m])
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Classification metrics, recorded by the classify handlers.
//
// ClassificationsTotal is a CounterVec with label {outcome} where outcome is one
// of "success", "validation_error", or "error".  SequencesClassifiedTotal counts
// individual sequences (a batch of 50 increments it by 50) and is the counter to
// compare against daily quota consumption.
//
// Example PromQL queries:
//   - Classification rate:       rate(classifications_total{outcome="success"}[5m])
//   - Validation failure ratio:  rate(classifications_total{outcome="validation_error"}[1h]) / rate(classifications_total[1h])
var (
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifications_total",
			Help: "Total number of classification requests, by outcome.",
		},
		[]string{"outcome"},
	)

	SequencesClassifiedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sequences_classified_total",
			Help: "Total number of individual sequences scored across all requests.",
		},
	)
)

// Rate limiter metrics.
//
// RateLimitDecisionsTotal is a CounterVec with labels {kind, decision} where kind
// is "minute" or "day" and decision is "allowed" or "denied".  A rising denied
// rate for a single key usually means a client retry loop without backoff.
//
// RateLimiterFallbacksTotal counts requests served by the in-process fallback
// counters because Redis was unreachable.  Any sustained non-zero rate means the
// distributed limiter is degraded and per-key limits are only locally enforced.
//
// Example PromQL queries:
//   - Denial ratio:      sum(rate(rate_limit_decisions_total{decision="denied"}[5m])) / sum(rate(rate_limit_decisions_total[5m]))
//   - Fallback alert:    increase(rate_limiter_fallbacks_total[5m]) > 0
var (
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Total number of rate limit checks, by window kind and decision.",
		},
		[]string{"kind", "decision"},
	)

	RateLimiterFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limiter_fallbacks_total",
			Help: "Total number of limiter checks served by the in-process fallback because Redis was unreachable.",
		},
	)
)

// AuditWriteFailuresTotal is a plain Counter (no labels) incremented once per
// audit event that could not be persisted.  Audit writes are asynchronous and
// never fail the request, so this counter is the only visibility into lost
// events.  Alert on any sustained increase.
//
// Example PromQL queries:
//   - Lost event rate:  rate(audit_write_failures_total[15m])
var AuditWriteFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Total number of audit events that failed to persist.",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <PCL_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
