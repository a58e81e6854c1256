package cache

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/smartcache/infrastructure/sidecar"
)

// persistEvery is how many recorded operations pass between snapshots of the
// performance metrics into the backend.
const persistEvery = 50

type opMetrics struct {
	Count  int64         `json:"count"`
	Total  time.Duration `json:"total"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Recent []float64     `json:"recent"` // milliseconds, bounded
}

// OpReport is the externally visible per-operation aggregate.
type OpReport struct {
	Count   int64     `json:"count"`
	TotalMs float64   `json:"total_ms"`
	AvgMs   float64   `json:"avg_ms"`
	MinMs   float64   `json:"min_ms"`
	MaxMs   float64   `json:"max_ms"`
	Recent  []float64 `json:"recent"`
}

// perfTracker accumulates per-operation timing. The recent buffer is
// bounded; percentile-grade accuracy is out of scope.
type perfTracker struct {
	mu          sync.Mutex
	ops         map[string]*opMetrics
	recentLimit int
	sinceFlush  int
}

func newPerfTracker(recentLimit int) *perfTracker {
	if recentLimit <= 0 {
		recentLimit = 100
	}
	return &perfTracker{
		ops:         make(map[string]*opMetrics),
		recentLimit: recentLimit,
	}
}

// Record tracks one operation and reports whether a persistence snapshot
// is due.
func (p *perfTracker) Record(op string, d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.ops[op]
	if !ok {
		m = &opMetrics{Min: d, Max: d}
		p.ops[op] = m
	}
	m.Count++
	m.Total += d
	if d < m.Min || m.Count == 1 {
		m.Min = d
	}
	if d > m.Max {
		m.Max = d
	}
	m.Recent = append(m.Recent, float64(d.Microseconds())/1000.0)
	if len(m.Recent) > p.recentLimit {
		m.Recent = m.Recent[len(m.Recent)-p.recentLimit:]
	}

	p.sinceFlush++
	if p.sinceFlush >= persistEvery {
		p.sinceFlush = 0
		return true
	}
	return false
}

// Snapshot returns the current aggregates keyed by operation.
func (p *perfTracker) Snapshot() map[string]OpReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]OpReport, len(p.ops))
	for op, m := range p.ops {
		report := OpReport{
			Count:   m.Count,
			TotalMs: float64(m.Total.Microseconds()) / 1000.0,
			MinMs:   float64(m.Min.Microseconds()) / 1000.0,
			MaxMs:   float64(m.Max.Microseconds()) / 1000.0,
			Recent:  append([]float64(nil), m.Recent...),
		}
		if m.Count > 0 {
			report.AvgMs = report.TotalMs / float64(m.Count)
		}
		out[op] = report
	}
	return out
}

// AvgFor returns the average duration for one operation.
func (p *perfTracker) AvgFor(op string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.ops[op]
	if !ok || m.Count == 0 {
		return 0, false
	}
	return m.Total / time.Duration(m.Count), true
}

// persistPerf writes the snapshot under the reserved metrics key.
func (e *Engine) persistPerf(ctx context.Context) {
	snapshot := e.perf.Snapshot()
	payload := make(map[string]interface{}, len(snapshot))
	for op, report := range snapshot {
		payload[op] = map[string]interface{}{
			"count":    report.Count,
			"total_ms": report.TotalMs,
			"avg_ms":   report.AvgMs,
			"min_ms":   report.MinMs,
			"max_ms":   report.MaxMs,
			"recent":   report.Recent,
		}
	}
	_ = e.store.Put(ctx, sidecar.PerformanceKey, payload, e.cfg.Monitoring.MetricsTTL)
}

func (e *Engine) recordPerf(ctx context.Context, op string, start time.Time) {
	if !e.cfg.Monitoring.Enabled {
		return
	}
	if e.perf.Record(op, time.Since(start)) {
		e.persistPerf(ctx)
	}
	if e.metrics != nil {
		e.metrics.RecordOperation(e.name, op, "ok", time.Since(start))
	}
}
