package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Collector provides Prometheus metrics for the fetch-cache pipeline.
// All record methods are safe on a nil receiver so callers can run
// without metrics wired (tests, metrics disabled).
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	ledgerHitsTotal   *prometheus.CounterVec
	ledgerMissesTotal prometheus.Counter
	ledgerErrorsTotal prometheus.Counter

	statusRetriesTotal prometheus.Counter
	statusDuration     prometheus.Histogram

	artifactBytesTotal   *prometheus.CounterVec
	artifactPersistTotal *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewCollector creates a Prometheus-based metrics collector registered on
// the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry creates a collector with a custom registry,
// used by tests to avoid duplicate registration.
func NewCollectorWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "requests_total",
			Help:      "Total number of report fetch requests processed",
		},
		[]string{"outcome"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process report fetch requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	c.ledgerHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "ledger_hits_total",
			Help:      "Total number of ledger cache hits",
		},
		[]string{"key"},
	)

	c.ledgerMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "ledger_misses_total",
			Help:      "Total number of ledger cache misses",
		},
	)

	c.ledgerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "ledger_errors_total",
			Help:      "Total number of ledger lookups degraded to misses by storage errors",
		},
	)

	c.statusRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "status_retries_total",
			Help:      "Total number of transient status-check retries",
		},
	)

	c.statusDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "status_duration_seconds",
			Help:      "Time taken by upstream status calls",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.artifactBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "artifact_bytes_total",
			Help:      "Total artifact bytes persisted per backend",
		},
		[]string{"backend"},
	)

	c.artifactPersistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "artifact_persist_total",
			Help:      "Total artifact persist operations per backend and result",
		},
		[]string{"backend", "result"},
	)

	registerer.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.ledgerHitsTotal,
		c.ledgerMissesTotal,
		c.ledgerErrorsTotal,
		c.statusRetriesTotal,
		c.statusDuration,
		c.artifactBytesTotal,
		c.artifactPersistTotal,
	)

	// The registerer usually implements Gatherer as well; fall back to the
	// default gatherer otherwise.
	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return c
}

// RecordRequest records a completed coordinator run.
func (c *Collector) RecordRequest(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordLedgerHit records a cache hit keyed by "request" or "canonical".
func (c *Collector) RecordLedgerHit(keyKind string) {
	if c == nil {
		return
	}
	c.ledgerHitsTotal.WithLabelValues(keyKind).Inc()
}

// RecordLedgerMiss records a cache miss.
func (c *Collector) RecordLedgerMiss() {
	if c == nil {
		return
	}
	c.ledgerMissesTotal.Inc()
}

// RecordLedgerError records a lookup degraded to a miss by a storage error.
func (c *Collector) RecordLedgerError() {
	if c == nil {
		return
	}
	c.ledgerErrorsTotal.Inc()
}

// RecordStatusRetry records one transient status-check retry.
func (c *Collector) RecordStatusRetry() {
	if c == nil {
		return
	}
	c.statusRetriesTotal.Inc()
}

// RecordStatusDuration records the duration of one upstream status call.
func (c *Collector) RecordStatusDuration(duration time.Duration) {
	if c == nil {
		return
	}
	c.statusDuration.Observe(duration.Seconds())
}

// RecordArtifactPersist records a persist attempt result for a backend.
func (c *Collector) RecordArtifactPersist(backend, result string, bytes int) {
	if c == nil {
		return
	}
	c.artifactPersistTotal.WithLabelValues(backend, result).Inc()
	if result == "success" {
		c.artifactBytesTotal.WithLabelValues(backend).Add(float64(bytes))
	}
}

// ServeHTTP serves the Prometheus exposition endpoint.
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	if c == nil || c.httpHandler == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	c.httpHandler(ctx)
}
