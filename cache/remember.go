package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/R3E-Network/smartcache/infrastructure/sidecar"
)

// Producer builds the value for a key on a miss.
type Producer func(ctx context.Context) (interface{}, error)

// Remember returns the value at key, building and storing it through
// producer on a miss. Producer wall time and value size feed the cost-aware
// scorer.
func (e *Engine) Remember(ctx context.Context, key string, ttl time.Duration, producer Producer) (interface{}, error) {
	prefixedKey := e.prefixed(key)

	value, err := e.getInternal(ctx, prefixedKey)
	if err != nil {
		return nil, err
	}
	if value != missSentinel {
		return value, nil
	}

	return e.buildAndStore(ctx, key, ttl, producer)
}

// RememberForever is Remember without expiration.
func (e *Engine) RememberForever(ctx context.Context, key string, producer Producer) (interface{}, error) {
	return e.Remember(ctx, key, 0, producer)
}

// Sear is an alias for RememberForever.
func (e *Engine) Sear(ctx context.Context, key string, producer Producer) (interface{}, error) {
	return e.RememberForever(ctx, key, producer)
}

// buildAndStore runs producer, stores the result, and records the build
// cost. No lock is held across the producer call.
func (e *Engine) buildAndStore(ctx context.Context, key string, ttl time.Duration, producer Producer) (interface{}, error) {
	prefixedKey := e.prefixed(key)

	start := time.Now()
	value, err := producer(ctx)
	if err != nil {
		return nil, err
	}
	cost := time.Since(start)

	if err := e.Put(ctx, key, value, ttl); err != nil {
		return nil, err
	}

	e.observeBuild(ctx, prefixedKey, cost, value)
	return value, nil
}

// observeBuild feeds the scorer and persists the cost record under the
// reserved cost key.
func (e *Engine) observeBuild(ctx context.Context, prefixedKey string, cost time.Duration, value interface{}) {
	if !e.scorer.Enabled() {
		return
	}

	size := valueSize(value)
	now := time.Now()
	e.scorer.ObserveBuild(prefixedKey, cost, size, now)

	record, ok := e.scorer.Get(prefixedKey)
	if !ok {
		return
	}
	payload := map[string]interface{}{
		"cost_ms":       record.CostMs,
		"access_count":  record.AccessCount,
		"size_bytes":    record.SizeBytes,
		"last_accessed": record.LastAccessed.UnixNano(),
		"created_at":    record.CreatedAt.UnixNano(),
	}
	_ = e.store.Put(ctx, sidecar.CostPrefix+prefixedKey, payload, e.cfg.Monitoring.MetricsTTL)
}

func valueSize(value interface{}) int64 {
	if s, ok := value.(string); ok {
		return int64(len(s))
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}
