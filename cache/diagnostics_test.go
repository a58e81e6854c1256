package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/smartcache/infrastructure/config"
)

func TestGetStatistics_CountsAndRatio(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Put(ctx, "k", 1, time.Minute)
	e.Get(ctx, "k", nil)
	e.Get(ctx, "k", nil)
	e.Get(ctx, "missing", nil)
	e.Forget(ctx, "k")

	stats := e.GetStatistics(ctx)
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Writes)
	assert.EqualValues(t, 1, stats.Forgets)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio, 0.001)
}

func TestGetPerformanceMetrics_TracksOperations(t *testing.T) {
	e, _ := testEngine(t, nil)
	ctx := context.Background()

	e.Put(ctx, "k", 1, time.Minute)
	e.Get(ctx, "k", nil)

	perf := e.GetPerformanceMetrics()
	require.Contains(t, perf, "put")
	require.Contains(t, perf, "get")
	assert.EqualValues(t, 1, perf["put"].Count)
	assert.GreaterOrEqual(t, perf["put"].MaxMs, perf["put"].MinMs)
	assert.Len(t, perf["put"].Recent, 1)
}

func TestAnalyzePerformance_LowHitRatioWarning(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Warnings.HitRatioThreshold = 0.9
	e, _ := testEngine(t, cfg)
	ctx := context.Background()

	e.Get(ctx, "missing1", nil)
	e.Get(ctx, "missing2", nil)

	warnings := e.AnalyzePerformance(ctx)
	kinds := make([]string, 0, len(warnings))
	for _, w := range warnings {
		kinds = append(kinds, w.Kind)
	}
	assert.Contains(t, kinds, "hit_ratio")
}

func TestAnalyzePerformance_NoWarningsWhenHealthy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Warnings.HitRatioThreshold = 0.1
	cfg.Warnings.OptimizationRatioThreshold = 0
	e, _ := testEngine(t, cfg)
	ctx := context.Background()

	e.Put(ctx, "k", 1, time.Minute)
	e.Get(ctx, "k", nil)

	assert.Empty(t, e.AnalyzePerformance(ctx))
}

func TestCostAware_RememberFeedsScorer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CostAware.Enabled = true
	e, _ := testEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Remember(ctx, "expensive", time.Minute, func(context.Context) (interface{}, error) {
		time.Sleep(5 * time.Millisecond)
		return "built", nil
	})
	require.NoError(t, err)

	record, ok := e.CacheValue("expensive")
	require.True(t, ok)
	assert.Greater(t, record.CostMs, 0.0)
	assert.Greater(t, record.SizeBytes, int64(0))

	e.Get(ctx, "expensive", nil)
	record, _ = e.CacheValue("expensive")
	assert.EqualValues(t, 1, record.AccessCount)

	report := e.GetCacheValueReport()
	require.Len(t, report, 1)
	assert.Equal(t, "expensive", report[0].Key)
}

func TestSuggestEvictions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CostAware.Enabled = true
	e, _ := testEngine(t, cfg)
	ctx := context.Background()

	e.Remember(ctx, "valuable", time.Minute, func(context.Context) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return map[string]interface{}{"big": true}, nil
	})
	for i := 0; i < 20; i++ {
		e.Get(ctx, "valuable", nil)
	}
	e.Remember(ctx, "worthless", time.Minute, func(context.Context) (interface{}, error) {
		return 1, nil
	})

	evict := e.SuggestEvictions(1)
	require.Len(t, evict, 1)
	assert.Equal(t, "worthless", evict[0])
}

func TestHealthCheck_HealthyBackend(t *testing.T) {
	e, _ := testEngine(t, nil)

	health := e.HealthCheck(context.Background())
	assert.True(t, health.Healthy)
	assert.Equal(t, "memory", health.Driver)
	assert.Empty(t, health.Error)
	assert.GreaterOrEqual(t, health.RoundTripMs, 0.0)
}

func TestEngine_BreakerOpensOnBackendFailures(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CircuitBreaker.Enabled = true
	cfg.CircuitBreaker.FailureThreshold = 3
	cfg.CircuitBreaker.RecoveryTimeout = time.Hour

	failing := &failingStore{}
	e := New(failing, cfg)
	t.Cleanup(func() { e.Close(context.Background()) })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Get(ctx, "k", nil)
		require.Error(t, err)
	}

	assert.Equal(t, "open", e.BreakerStats().State)

	// Open breaker: the fallback path answers without touching the backend.
	calls := failing.calls
	value := e.ExecuteWithFallback(ctx, func() (interface{}, error) {
		v, _, err := e.Raw().Get(ctx, "k")
		return v, err
	}, 42)
	assert.Equal(t, 42, value)
	assert.Equal(t, calls, failing.calls, "op must not run while open")
}

func TestEngine_StartMaintenanceInvalidSpec(t *testing.T) {
	e, _ := testEngine(t, nil)
	assert.Error(t, e.StartMaintenance("not a cron spec"))
}
