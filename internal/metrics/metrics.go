// Package metrics exposes a Prometheus collector for a pgsession-based
// program: connect latency, auth outcomes, query counts/latency, queue
// depth, and active-connection gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric a pgsession-based program
// reports. Built on its own registry so a program can run several
// independent collectors (e.g. one per test) without name collisions.
type Collector struct {
	Registry *prometheus.Registry

	connectDuration   prometheus.Histogram
	authAttemptsTotal *prometheus.CounterVec
	queriesTotal      *prometheus.CounterVec
	queryDuration     prometheus.Histogram
	queueDepth        prometheus.Gauge
	activeConnections prometheus.Gauge
}

// New creates and registers all metrics on a fresh registry. Safe to call
// multiple times — each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgsession_connect_duration_seconds",
			Help:    "Time from Connect() call to the first ReadyForQuery",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		authAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsession_auth_attempts_total",
				Help: "Authentication attempts by mechanism and outcome",
			},
			[]string{"mechanism", "result"},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgsession_queries_total",
				Help: "Completed queries by outcome",
			},
			[]string{"result"},
		),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgsession_query_duration_seconds",
			Help:    "Time from a query becoming active to its completion",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgsession_queue_depth",
			Help: "Number of queries currently queued (excludes the active query)",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgsession_active_connections",
			Help: "Number of sessions currently connected",
		}),
	}

	reg.MustRegister(
		c.connectDuration,
		c.authAttemptsTotal,
		c.queriesTotal,
		c.queryDuration,
		c.queueDepth,
		c.activeConnections,
	)

	return c
}

// ConnectCompleted records the time from Connect() to the first
// ReadyForQuery.
func (c *Collector) ConnectCompleted(d time.Duration) {
	c.connectDuration.Observe(d.Seconds())
}

// AuthAttempt records one authentication step outcome, e.g.
// ("SCRAM-SHA-256", "ok") or ("md5", "error").
func (c *Collector) AuthAttempt(mechanism, result string) {
	c.authAttemptsTotal.WithLabelValues(mechanism, result).Inc()
}

// QueryCompleted records one finished query's outcome and duration.
func (c *Collector) QueryCompleted(result string, d time.Duration) {
	c.queriesTotal.WithLabelValues(result).Inc()
	c.queryDuration.Observe(d.Seconds())
}

// SetQueueDepth sets the current queued (non-active) query count.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// SessionConnected/SessionDisconnected adjust the active-connections gauge.
func (c *Collector) SessionConnected() {
	c.activeConnections.Inc()
}

func (c *Collector) SessionDisconnected() {
	c.activeConnections.Dec()
}
