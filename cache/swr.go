package cache

import (
	"context"
	"time"

	"github.com/R3E-Network/smartcache/infrastructure/ratelimit"
	"github.com/R3E-Network/smartcache/infrastructure/sidecar"
)

// refreshGate is the rate-limiter key prefix that admits one refresher per
// TTL window.
const refreshGate = "refresh:"

// Flexible serves fresh values directly, serves stale values while
// triggering a background refresh, and rebuilds synchronously once the
// stale window has passed. All SWR variants funnel through here.
func (e *Engine) Flexible(ctx context.Context, key string, freshTTL, staleTTL time.Duration, producer Producer) (interface{}, error) {
	prefixedKey := e.prefixed(key)

	meta, hasMeta := e.sidecar.GetMeta(ctx, prefixedKey)
	value, err := e.getInternal(ctx, prefixedKey)
	if err != nil {
		return nil, err
	}

	if value != missSentinel && hasMeta {
		age := time.Since(meta.StoredAt)
		if age <= freshTTL {
			return value, nil
		}
		if age <= staleTTL {
			e.triggerRefresh(key, freshTTL, staleTTL, producer)
			return value, nil
		}
	}

	return e.produceWithMeta(ctx, key, freshTTL, staleTTL, producer)
}

// SWR is the stale-while-revalidate preset over Flexible.
func (e *Engine) SWR(ctx context.Context, key string, freshTTL, staleTTL time.Duration, producer Producer) (interface{}, error) {
	return e.Flexible(ctx, key, freshTTL, staleTTL, producer)
}

// Stale serves the value for ttl and keeps serving it for grace beyond
// that while refreshing in the background.
func (e *Engine) Stale(ctx context.Context, key string, ttl, grace time.Duration, producer Producer) (interface{}, error) {
	return e.Flexible(ctx, key, ttl, ttl+grace, producer)
}

// RefreshAhead refreshes in the background during the trailing
// refreshWindow of ttl, so hot keys rarely expire outright.
func (e *Engine) RefreshAhead(ctx context.Context, key string, ttl, refreshWindow time.Duration, producer Producer) (interface{}, error) {
	freshTTL := ttl - refreshWindow
	if freshTTL < 0 {
		freshTTL = 0
	}
	return e.Flexible(ctx, key, freshTTL, ttl, producer)
}

// produceWithMeta builds synchronously, stores the value for the stale
// window, and writes the SWR metadata alongside it.
func (e *Engine) produceWithMeta(ctx context.Context, key string, freshTTL, staleTTL time.Duration, producer Producer) (interface{}, error) {
	prefixedKey := e.prefixed(key)

	start := time.Now()
	value, err := producer(ctx)
	if err != nil {
		return nil, err
	}
	cost := time.Since(start)

	if err := e.Put(ctx, key, value, staleTTL); err != nil {
		return nil, err
	}
	now := time.Now()
	_ = e.sidecar.PutMeta(ctx, prefixedKey, sidecar.Meta{
		StoredAt:  now,
		CreatedAt: now,
		FreshTTL:  freshTTL,
	}, staleTTL)

	e.observeBuild(ctx, prefixedKey, cost, value)
	return value, nil
}

// triggerRefresh starts a background rebuild. The rate-limiter gate admits
// one refresher per stale window; the singleflight group dedupes concurrent
// in-process attempts. Losers return immediately and keep serving stale.
func (e *Engine) triggerRefresh(key string, freshTTL, staleTTL time.Duration, producer Producer) {
	prefixedKey := e.prefixed(key)

	go func() {
		ctx := context.Background()

		admitted, err := e.limiter.Attempt(ctx, refreshGate+prefixedKey, 1, staleTTL)
		if err != nil || !admitted {
			return
		}

		_, _, _ = e.flight.Do(refreshGate+prefixedKey, func() (interface{}, error) {
			start := time.Now()
			value, err := e.produceWithMeta(ctx, key, freshTTL, staleTTL, producer)
			e.log.LogRefresh(ctx, prefixedKey, time.Since(start), err)
			if e.metrics != nil {
				status := "ok"
				if err != nil {
					status = "error"
				}
				e.metrics.RecordRefresh(e.name, status)
			}
			return value, err
		})
	}()
}

// RememberWithStampedeProtection memoizes producer with probabilistic early
// expiration: near the true TTL, callers may see the entry as expired with
// probability scaled by beta and the recent build cost, and a single-flight
// gate admits exactly one of them to rebuild. Everyone else keeps the
// current value.
func (e *Engine) RememberWithStampedeProtection(ctx context.Context, key string, ttl time.Duration, producer Producer, beta float64) (interface{}, error) {
	prefixedKey := e.prefixed(key)

	meta, hasMeta := e.sidecar.GetMeta(ctx, prefixedKey)
	value, err := e.getInternal(ctx, prefixedKey)
	if err != nil {
		return nil, err
	}

	if value != missSentinel {
		if !hasMeta {
			return value, nil
		}

		var delta time.Duration
		if record, ok := e.scorer.Get(prefixedKey); ok {
			delta = time.Duration(record.CostMs * float64(time.Millisecond))
		}

		age := time.Since(meta.CreatedAt)
		if !ratelimit.ShouldRefreshProbabilistically(age, ttl, delta, beta) {
			return value, nil
		}

		admitted, err := e.limiter.Attempt(ctx, refreshGate+prefixedKey, 1, ttl)
		if err != nil || !admitted {
			return value, nil
		}
		// Winner falls through to rebuild synchronously.
	}

	// Concurrent losers of the in-process race share the winner's build
	// instead of running their own.
	built, err, _ := e.flight.Do("build:"+prefixedKey, func() (interface{}, error) {
		return e.produceWithMeta(ctx, key, ttl, ttl, producer)
	})
	return built, err
}
