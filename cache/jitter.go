package cache

import (
	"context"
	"math/rand"
	"time"
)

// ApplyJitter spreads a TTL by ±pct: the result is uniformly drawn from
// [ttl*(1-pct), ttl*(1+pct)] and floored at one second so entries written
// together do not expire together.
func ApplyJitter(ttl time.Duration, pct float64) time.Duration {
	if ttl <= 0 || pct <= 0 {
		return ttl
	}
	if pct > 1 {
		pct = 1
	}

	spread := (rand.Float64()*2 - 1) * pct
	jittered := time.Duration(float64(ttl) * (1 + spread))
	if jittered < time.Second {
		jittered = time.Second
	}
	return jittered
}

// WithJitter enables ambient TTL jitter of ±pct on writes through this
// façade.
func (e *Engine) WithJitter(pct float64) *Engine {
	e.ambient.mu.Lock()
	defer e.ambient.mu.Unlock()
	e.ambient.jitterOn = true
	e.ambient.jitterP = pct
	return e
}

// WithoutJitter disables ambient TTL jitter.
func (e *Engine) WithoutJitter() *Engine {
	e.ambient.mu.Lock()
	defer e.ambient.mu.Unlock()
	e.ambient.jitterOn = false
	return e
}

// PutWithJitter stores value with a one-off jittered TTL.
func (e *Engine) PutWithJitter(ctx context.Context, key string, value interface{}, ttl time.Duration, pct float64) error {
	return e.Put(ctx, key, value, ApplyJitter(ttl, pct))
}

// RememberWithJitter memoizes producer under a jittered TTL.
func (e *Engine) RememberWithJitter(ctx context.Context, key string, ttl time.Duration, pct float64, producer Producer) (interface{}, error) {
	return e.Remember(ctx, key, ApplyJitter(ttl, pct), producer)
}

func (e *Engine) maybeJitter(ttl time.Duration) time.Duration {
	e.ambient.mu.Lock()
	on, pct := e.ambient.jitterOn, e.ambient.jitterP
	e.ambient.mu.Unlock()
	if !on {
		return ttl
	}
	return ApplyJitter(ttl, pct)
}
