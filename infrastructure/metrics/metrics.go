// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Data path
	OpsTotal    *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	HitsTotal   prometheus.Counter
	MissesTotal prometheus.Counter

	// Strategies
	OptimizationsTotal *prometheus.CounterVec

	// Invalidation
	InvalidationsTotal *prometheus.CounterVec

	// Coordination
	BreakerState    prometheus.Gauge
	RefreshesTotal  *prometheus.CounterVec
	ManagedKeyCount prometheus.Gauge
}

// New creates a new Metrics instance with all collectors registered
func New(engineName string) *Metrics {
	return NewWithRegistry(engineName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(engineName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_operations_total",
				Help: "Total number of cache operations",
			},
			[]string{"engine", "operation", "status"},
		),
		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartcache_operation_duration_seconds",
				Help:    "Cache operation duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"engine", "operation"},
		),
		HitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartcache_hits_total",
				Help: "Total number of cache hits",
			},
		),
		MissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "smartcache_misses_total",
				Help: "Total number of cache misses",
			},
		),
		OptimizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_optimizations_total",
				Help: "Total number of strategy applications",
			},
			[]string{"engine", "strategy"},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_invalidations_total",
				Help: "Total number of invalidated keys",
			},
			[]string{"engine", "kind"},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartcache_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartcache_refreshes_total",
				Help: "Total number of background refreshes",
			},
			[]string{"engine", "status"},
		),
		ManagedKeyCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smartcache_managed_keys",
				Help: "Current number of managed keys",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.OpsTotal,
			m.OpDuration,
			m.HitsTotal,
			m.MissesTotal,
			m.OptimizationsTotal,
			m.InvalidationsTotal,
			m.BreakerState,
			m.RefreshesTotal,
			m.ManagedKeyCount,
		)
	}

	return m
}

// RecordOperation records one data-path operation
func (m *Metrics) RecordOperation(engine, operation, status string, duration time.Duration) {
	m.OpsTotal.WithLabelValues(engine, operation, status).Inc()
	m.OpDuration.WithLabelValues(engine, operation).Observe(duration.Seconds())
}

// RecordHit records a cache hit
func (m *Metrics) RecordHit() {
	m.HitsTotal.Inc()
}

// RecordMiss records a cache miss
func (m *Metrics) RecordMiss() {
	m.MissesTotal.Inc()
}

// RecordOptimization records a strategy application
func (m *Metrics) RecordOptimization(engine, strategy string) {
	m.OptimizationsTotal.WithLabelValues(engine, strategy).Inc()
}

// RecordInvalidation records invalidated keys by kind (forget, tag, pattern, cascade, sweep)
func (m *Metrics) RecordInvalidation(engine, kind string, count int) {
	m.InvalidationsTotal.WithLabelValues(engine, kind).Add(float64(count))
}

// RecordRefresh records a background refresh outcome
func (m *Metrics) RecordRefresh(engine, status string) {
	m.RefreshesTotal.WithLabelValues(engine, status).Inc()
}

// SetBreakerState sets the breaker state gauge
func (m *Metrics) SetBreakerState(state int) {
	m.BreakerState.Set(float64(state))
}

// SetManagedKeys sets the managed key gauge
func (m *Metrics) SetManagedKeys(count int) {
	m.ManagedKeyCount.Set(float64(count))
}

// Enabled returns whether Prometheus metrics should be exposed.
// Defaults to enabled unless METRICS_ENABLED explicitly disables it.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(engineName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(engineName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("smartcache")
	}
	return globalMetrics
}
