// Package ratelimit provides fixed-window attempt counters backed by the
// cache store, plus an in-process guard and the probabilistic early
// expiration check used by the stampede coordinator.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/smartcache/infrastructure/store"
)

// RatePrefix is the reserved key prefix for window counters.
const RatePrefix = "rate:"

// Config holds the rate limiter defaults.
type Config struct {
	Window      time.Duration
	MaxAttempts int

	// LocalRequestsPerSecond enables an additional in-process token bucket
	// in front of the store-backed window when > 0.
	LocalRequestsPerSecond float64
	LocalBurst             int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Window:      time.Minute,
		MaxAttempts: 60,
	}
}

// Limiter counts attempts per key in fixed windows stored in the backend
// under RatePrefix, so the window survives engine restarts on persistent
// backends. The counter's TTL equals the window length.
type Limiter struct {
	mu     sync.RWMutex
	store  store.Store
	config Config
	local  *rate.Limiter
}

// New creates a new Limiter
func New(s store.Store, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}

	l := &Limiter{store: s, config: cfg}
	if cfg.LocalRequestsPerSecond > 0 {
		burst := cfg.LocalBurst
		if burst <= 0 {
			burst = int(cfg.LocalRequestsPerSecond * 2)
		}
		l.local = rate.NewLimiter(rate.Limit(cfg.LocalRequestsPerSecond), burst)
	}
	return l
}

// Attempt increments the window counter for key and reports whether the
// attempt is within max. The first attempt of a window is claimed with the
// store's Add and later attempts increment the counter, so admission is as
// atomic as the adapter's Add and Increment.
func (l *Limiter) Attempt(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	if l.local != nil && !l.local.Allow() {
		return false, nil
	}
	if max <= 0 {
		max = l.config.MaxAttempts
	}
	if window <= 0 {
		window = l.config.Window
	}

	counterKey := RatePrefix + key

	added, err := l.store.Add(ctx, counterKey, int64(1), window)
	if err != nil {
		return false, err
	}
	if added {
		return max >= 1, nil
	}

	count, err := l.store.Increment(ctx, counterKey, 1)
	if err != nil {
		return false, err
	}
	return count <= int64(max), nil
}

// Attempts returns the current counter value for key's window.
func (l *Limiter) Attempts(ctx context.Context, key string) (int64, error) {
	value, ok, err := l.store.Get(ctx, RatePrefix+key)
	if err != nil || !ok {
		return 0, err
	}
	switch n := value.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, nil
	}
}

// Clear resets the window counter for key.
func (l *Limiter) Clear(ctx context.Context, key string) error {
	_, err := l.store.Forget(ctx, RatePrefix+key)
	return err
}

// AllowLocal consults only the in-process guard, when configured.
func (l *Limiter) AllowLocal() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.local == nil {
		return true
	}
	return l.local.Allow()
}

// ShouldRefreshProbabilistically implements XFetch-style early expiration:
// an entry of the given age is treated as expired when
// age - delta*beta*ln(rand) reaches the TTL, so refresh probability grows
// with the recent producer cost estimate delta as expiry nears.
func ShouldRefreshProbabilistically(age, ttl, delta time.Duration, beta float64) bool {
	if ttl <= 0 {
		return false
	}
	if beta <= 0 {
		beta = 1.0
	}
	if age >= ttl {
		return true
	}

	r := rand.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	effective := float64(age) - float64(delta)*beta*math.Log(r)
	return effective >= float64(ttl)
}
