package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/smartcache/infrastructure/costaware"
	"github.com/R3E-Network/smartcache/infrastructure/sidecar"
)

// Statistics is the engine's hit/miss ledger.
type Statistics struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Writes        int64   `json:"writes"`
	Forgets       int64   `json:"forgets"`
	Optimizations int64   `json:"optimizations"`
	HitRatio      float64 `json:"hit_ratio"`
	ManagedKeys   int     `json:"managed_keys"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// GetStatistics returns the current counters.
func (e *Engine) GetStatistics(ctx context.Context) Statistics {
	stats := Statistics{
		Hits:          e.stats.hits.Load(),
		Misses:        e.stats.misses.Load(),
		Writes:        e.stats.writes.Load(),
		Forgets:       e.stats.forgets.Load(),
		Optimizations: e.stats.optimizations.Load(),
		ManagedKeys:   len(e.sidecar.ManagedKeys(ctx)),
		UptimeSeconds: time.Since(e.startedAt).Seconds(),
	}
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRatio = float64(stats.Hits) / float64(total)
	}
	if e.metrics != nil {
		e.metrics.SetManagedKeys(stats.ManagedKeys)
	}
	return stats
}

// GetPerformanceMetrics returns the per-operation timing aggregates.
func (e *Engine) GetPerformanceMetrics() map[string]OpReport {
	return e.perf.Snapshot()
}

// Warning is one analyze-performance finding.
type Warning struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AnalyzePerformance checks the counters against the configured warning
// thresholds and returns the findings.
func (e *Engine) AnalyzePerformance(ctx context.Context) []Warning {
	warnings := make([]Warning, 0)
	stats := e.GetStatistics(ctx)
	cfg := e.cfg.Warnings

	if stats.Hits+stats.Misses > 0 && stats.HitRatio < cfg.HitRatioThreshold {
		warnings = append(warnings, Warning{
			Kind: "hit_ratio",
			Message: fmt.Sprintf("hit ratio %.2f below threshold %.2f",
				stats.HitRatio, cfg.HitRatioThreshold),
		})
	}

	if stats.Writes > 0 {
		optimizationRatio := float64(stats.Optimizations) / float64(stats.Writes)
		if optimizationRatio < cfg.OptimizationRatioThreshold {
			warnings = append(warnings, Warning{
				Kind: "optimization_ratio",
				Message: fmt.Sprintf("optimization ratio %.2f below threshold %.2f",
					optimizationRatio, cfg.OptimizationRatioThreshold),
			})
		}
	}

	if avg, ok := e.perf.AvgFor("put"); ok && avg > cfg.SlowWriteThreshold {
		warnings = append(warnings, Warning{
			Kind: "slow_write",
			Message: fmt.Sprintf("average write %.2fms above threshold %.2fms",
				float64(avg.Microseconds())/1000.0,
				float64(cfg.SlowWriteThreshold.Microseconds())/1000.0),
		})
	}

	return warnings
}

// CacheValue returns the cost record for key.
func (e *Engine) CacheValue(key string) (costaware.Record, bool) {
	return e.scorer.Get(e.prefixed(key))
}

// GetCacheValueReport returns all cost records sorted highest score first.
func (e *Engine) GetCacheValueReport() []costaware.Record {
	return e.scorer.ValueReport()
}

// SuggestEvictions returns the n least valuable keys by cost score.
func (e *Engine) SuggestEvictions(n int) []string {
	return e.scorer.SuggestEvictions(n)
}

// Health is the health check report.
type Health struct {
	Healthy       bool    `json:"healthy"`
	Driver        string  `json:"driver"`
	RoundTripMs   float64 `json:"round_trip_ms"`
	BreakerState  string  `json:"breaker_state"`
	ManagedKeys   int     `json:"managed_keys"`
	OrphanChunks  int     `json:"orphan_chunks"`
	ProcessRSSMB  float64 `json:"process_rss_mb"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Error         string  `json:"error,omitempty"`
}

// HealthCheck probes the backend with a write/read/forget round trip and
// reports sidecar integrity plus process memory.
func (e *Engine) HealthCheck(ctx context.Context) Health {
	health := Health{
		Driver:        e.store.Driver(),
		BreakerState:  e.BreakerStats().State,
		ManagedKeys:   len(e.sidecar.ManagedKeys(ctx)),
		UptimeSeconds: time.Since(e.startedAt).Seconds(),
	}

	// Orphan estimate: manifests whose parent key is gone.
	for parent := range e.sidecar.Manifests(ctx) {
		ok, err := e.store.Has(ctx, parent)
		if err == nil && !ok {
			health.OrphanChunks++
		}
	}

	probeKey := sidecar.ReservedPrefix + "health_probe"
	start := time.Now()
	if err := e.store.Put(ctx, probeKey, "ok", time.Minute); err != nil {
		health.Error = err.Error()
		return health
	}
	if _, ok, err := e.store.Get(ctx, probeKey); err != nil || !ok {
		if err != nil {
			health.Error = err.Error()
		} else {
			health.Error = "probe readback missed"
		}
		return health
	}
	if _, err := e.store.Forget(ctx, probeKey); err != nil {
		health.Error = err.Error()
		return health
	}
	health.RoundTripMs = float64(time.Since(start).Microseconds()) / 1000.0

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			health.ProcessRSSMB = float64(mem.RSS) / (1 << 20)
		}
	}

	health.Healthy = true
	return health
}
