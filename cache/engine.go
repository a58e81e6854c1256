// Package cache implements the caching middleware engine: the data path
// that interposes on every read, write, and delete, applying value
// transformation strategies and operational policies over a pluggable
// backend store.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/R3E-Network/smartcache/infrastructure/config"
	"github.com/R3E-Network/smartcache/infrastructure/costaware"
	"github.com/R3E-Network/smartcache/infrastructure/crypto"
	"github.com/R3E-Network/smartcache/infrastructure/errors"
	"github.com/R3E-Network/smartcache/infrastructure/logging"
	"github.com/R3E-Network/smartcache/infrastructure/metrics"
	"github.com/R3E-Network/smartcache/infrastructure/ratelimit"
	"github.com/R3E-Network/smartcache/infrastructure/resilience"
	"github.com/R3E-Network/smartcache/infrastructure/sidecar"
	"github.com/R3E-Network/smartcache/infrastructure/store"
	"github.com/R3E-Network/smartcache/infrastructure/strategy"
)

// nullField is the single-field marker that distinguishes a stored null
// from a backend miss.
const nullField = "__sc_null"

// missSentinel is the process-unique object returned by the internal read
// path to distinguish a miss from a stored null.
var missSentinel interface{} = &struct{ tag string }{"smartcache.miss"}

type engineStats struct {
	hits    atomic.Int64
	misses  atomic.Int64
	writes  atomic.Int64
	forgets atomic.Int64

	optimizations atomic.Int64
}

// ambientState holds the per-façade fluent state: active tags consumed by
// the next write, and the jitter toggle.
type ambientState struct {
	mu       sync.Mutex
	tags     []string
	jitterOn bool
	jitterP  float64
}

// Engine is the cache façade. It composes the store adapter, strategy
// chain, sidecar index, circuit breaker, rate limiter, and cost scorer, and
// is safe for concurrent use. Namespace-bound variants returned by
// Namespace share everything except the ambient state; store-bound variants
// returned by StoreNamed additionally have their own store, sidecar, and
// rate limiter.
type Engine struct {
	name      string
	namespace string

	store    store.Store
	stores   map[string]store.Store
	storesMu *sync.Mutex
	sidecars map[string]*sidecar.Index
	chain    *strategy.Chain
	sidecar  *sidecar.Index
	breaker  *resilience.CircuitBreaker
	limiter  *ratelimit.Limiter
	scorer   *costaware.Scorer
	cfg      *config.Config
	log      *logging.Logger
	events   EventSink
	queue    JobQueue
	metrics  *metrics.Metrics

	producers *producerRegistry
	flight    *singleflight.Group
	stats     *engineStats
	perf      *perfTracker
	cron      *cron.Cron
	cronMu    *sync.Mutex
	startedAt time.Time

	ambient *ambientState
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *logging.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithEventSink sets the event sink.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

// WithJobQueue sets the job queue used by async refresh operations.
func WithJobQueue(queue JobQueue) Option {
	return func(e *Engine) { e.queue = queue }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStrategies replaces the default strategy chain.
func WithStrategies(chain *strategy.Chain) Option {
	return func(e *Engine) { e.chain = chain }
}

// WithName sets the engine name used in metrics labels.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// New creates a new Engine over the given backend.
func New(s store.Store, cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	e := &Engine{
		name:      "smartcache",
		store:     s,
		stores:    map[string]store.Store{},
		storesMu:  &sync.Mutex{},
		sidecars:  map[string]*sidecar.Index{},
		sidecar:   sidecar.New(s),
		cfg:       cfg,
		producers: newProducerRegistry(),
		flight:    &singleflight.Group{},
		stats:     &engineStats{},
		perf:      newPerfTracker(cfg.Monitoring.RecentEntriesLimit),
		cronMu:    &sync.Mutex{},
		startedAt: time.Now(),
		ambient:   &ambientState{},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.log == nil {
		e.log = logging.Default()
	}
	if e.events == nil {
		e.events = NoopSink{}
	}
	if e.chain == nil {
		e.chain = defaultChain(cfg, e.log)
	}
	e.chain.Applied = func(id string) {
		e.stats.optimizations.Add(1)
		if e.metrics != nil {
			e.metrics.RecordOptimization(e.name, id)
		}
	}

	e.scorer = costaware.New(cfg.CostAware.Enabled)
	e.limiter = ratelimit.New(s, ratelimit.Config{
		Window:      cfg.RateLimiter.Window,
		MaxAttempts: cfg.RateLimiter.MaxAttempts,
	})
	if cfg.CircuitBreaker.Enabled {
		e.breaker = resilience.New(resilience.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			OnStateChange: func(from, to resilience.State) {
				e.log.LogBreakerTransition(from.String(), to.String())
				if e.metrics != nil {
					e.metrics.SetBreakerState(int(to))
				}
			},
		})
	}

	return e
}

// defaultChain builds the standard strategy ordering: compression (fixed or
// adaptive per config), chunking, then smart serialization. Encryption is
// available through NewEncryptedChain, which places it first so allow-listed
// keys encrypt instead of compressing.
func defaultChain(cfg *config.Config, log *logging.Logger) *strategy.Chain {
	return strategy.NewChain(cfg, log, defaultStrategies(cfg)...)
}

func defaultStrategies(cfg *config.Config) []strategy.Strategy {
	strategies := make([]strategy.Strategy, 0, 3)
	if cfg.Strategies.Compression.Mode == config.CompressionAdaptive {
		strategies = append(strategies, strategy.AdaptiveCompression{})
	} else {
		strategies = append(strategies, strategy.Compression{})
	}
	return append(strategies, strategy.Chunking{}, strategy.SmartSerialization{})
}

// NewEncryptedChain builds the default chain with the encryption strategy
// registered first, fed by the allow-list in cfg.
func NewEncryptedChain(cfg *config.Config, log *logging.Logger, encryptor crypto.Encryptor) *strategy.Chain {
	enc := strategy.NewEncryption(
		encryptor,
		cfg.Strategies.Encryption.Keys,
		cfg.Strategies.Encryption.Patterns,
		cfg.Strategies.Encryption.EncryptAll,
	)
	strategies := append([]strategy.Strategy{enc}, defaultStrategies(cfg)...)
	return strategy.NewChain(cfg, log, strategies...)
}

// clone returns a façade sharing all engine state except the ambient
// fluent state.
func (e *Engine) clone() *Engine {
	copied := *e
	copied.ambient = &ambientState{}
	return &copied
}

// prefixed returns key under the active namespace. Every index stores the
// fully-prefixed form.
func (e *Engine) prefixed(key string) string {
	if e.namespace == "" {
		return key
	}
	return e.namespace + ":" + key
}

func (e *Engine) strategyContext(ctx context.Context, prefixedKey string, ttl time.Duration) *strategy.Context {
	return &strategy.Context{
		Ctx:    ctx,
		Key:    prefixedKey,
		TTL:    ttl,
		Driver: e.store.Driver(),
		Store:  e.store,
		Config: e.cfg,
		Frequency: func(key string) int64 {
			return e.sidecar.Frequency(ctx, key)
		},
	}
}

// consumeTags returns and clears the ambient tag list, regardless of what
// the caller does with it.
func (e *Engine) consumeTags() []string {
	e.ambient.mu.Lock()
	defer e.ambient.mu.Unlock()
	tags := e.ambient.tags
	e.ambient.tags = nil
	return tags
}

// Tags sets the ambient tag list consumed by the next write through this
// façade.
func (e *Engine) Tags(tags ...string) *Engine {
	e.ambient.mu.Lock()
	defer e.ambient.mu.Unlock()
	e.ambient.tags = append([]string(nil), tags...)
	return e
}

// ---------------------------------------------------------------------------
// Backend access through the breaker

func (e *Engine) storeGet(ctx context.Context, key string) (interface{}, bool, error) {
	if e.breaker == nil {
		return e.store.Get(ctx, key)
	}
	var value interface{}
	var ok bool
	err := e.breaker.Execute(ctx, func() error {
		var innerErr error
		value, ok, innerErr = e.store.Get(ctx, key)
		return innerErr
	})
	return value, ok, err
}

func (e *Engine) storePut(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if e.breaker == nil {
		return e.store.Put(ctx, key, value, ttl)
	}
	return e.breaker.Execute(ctx, func() error {
		return e.store.Put(ctx, key, value, ttl)
	})
}

func (e *Engine) storeForget(ctx context.Context, key string) (bool, error) {
	if e.breaker == nil {
		return e.store.Forget(ctx, key)
	}
	var removed bool
	err := e.breaker.Execute(ctx, func() error {
		var innerErr error
		removed, innerErr = e.store.Forget(ctx, key)
		return innerErr
	})
	return removed, err
}

// ExecuteWithFallback runs op under the circuit breaker; when the breaker
// is open or op fails, fallback is returned instead.
func (e *Engine) ExecuteWithFallback(ctx context.Context, op func() (interface{}, error), fallback interface{}) interface{} {
	if e.breaker == nil {
		value, err := op()
		if err != nil {
			return fallback
		}
		return value
	}
	return e.breaker.ExecuteWithFallback(ctx, op, fallback)
}

// BreakerStats exposes the circuit breaker counters; when the breaker is
// disabled it returns zero counters with State "disabled".
func (e *Engine) BreakerStats() resilience.Stats {
	if e.breaker == nil {
		return resilience.Stats{State: "disabled"}
	}
	return e.breaker.Stats()
}

// ---------------------------------------------------------------------------
// Core operations

// Get returns the value at key, or def on a miss. Stored nulls are returned
// as nil, not as def.
func (e *Engine) Get(ctx context.Context, key string, def interface{}) (interface{}, error) {
	start := time.Now()
	value, err := e.getInternal(ctx, e.prefixed(key))
	if err != nil {
		return def, err
	}
	e.recordPerf(ctx, "get", start)
	if value == missSentinel {
		return def, nil
	}
	return value, nil
}

// getInternal reads and restores a fully-prefixed key, returning
// missSentinel on any form of miss. Backend errors propagate.
func (e *Engine) getInternal(ctx context.Context, prefixedKey string) (interface{}, error) {
	raw, ok, err := e.storeGet(ctx, prefixedKey)
	if err != nil {
		return missSentinel, errors.BackendFailure("get", err)
	}
	if !ok {
		e.observeMiss(ctx, prefixedKey)
		return missSentinel, nil
	}

	sc := e.strategyContext(ctx, prefixedKey, 0)
	restored, err := e.chain.Restore(raw, sc)
	if err != nil {
		if errors.IsMiss(err) {
			e.observeMiss(ctx, prefixedKey)
			return missSentinel, nil
		}
		return missSentinel, err
	}

	if isNullMarker(restored) {
		restored = nil
	}

	e.observeHit(ctx, prefixedKey)
	return restored, nil
}

func (e *Engine) observeHit(ctx context.Context, prefixedKey string) {
	e.stats.hits.Add(1)
	if !sidecar.IsReserved(prefixedKey) {
		e.sidecar.Touch(ctx, prefixedKey)
		e.scorer.ObserveHit(prefixedKey, time.Now())
	}
	if e.metrics != nil {
		e.metrics.RecordHit()
	}
	e.dispatchEvent(ctx, EventHit, map[string]interface{}{"key": prefixedKey})
}

func (e *Engine) observeMiss(ctx context.Context, prefixedKey string) {
	e.stats.misses.Add(1)
	if e.metrics != nil {
		e.metrics.RecordMiss()
	}
	e.dispatchEvent(ctx, EventMissed, map[string]interface{}{"key": prefixedKey})
}

// Put stores value at key with the given TTL, applying the first matching
// strategy and updating the sidecar indices.
func (e *Engine) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	prefixedKey := e.prefixed(key)
	tags := e.consumeTags()
	ttl = e.maybeJitter(ttl)

	stored := value
	if value == nil {
		stored = map[string]interface{}{nullField: true}
	}

	sc := e.strategyContext(ctx, prefixedKey, ttl)
	optimized, applied, err := e.chain.Optimize(stored, sc)
	if err != nil {
		return err
	}

	if err := e.storePut(ctx, prefixedKey, optimized, ttl); err != nil {
		return errors.BackendFailure("put", err)
	}

	// Sidecar mutations commit only after backend success.
	if !sidecar.IsReserved(prefixedKey) {
		e.sidecar.Track(ctx, prefixedKey)
		if len(tags) > 0 {
			e.sidecar.AddTags(ctx, prefixedKey, tags)
		}
	}
	if applied == "chunking" {
		if manifest, ok := optimized.(map[string]interface{}); ok {
			e.sidecar.SetManifest(ctx, prefixedKey, chunkKeysOf(manifest))
		}
	}

	e.stats.writes.Add(1)
	e.recordPerf(ctx, "put", start)
	e.dispatchEvent(ctx, EventKeyWritten, map[string]interface{}{
		"key": prefixedKey,
		"ttl": ttl.Seconds(),
	})
	if applied != "" {
		e.dispatchEvent(ctx, EventOptimizationApplied, map[string]interface{}{
			"key":      prefixedKey,
			"strategy": applied,
		})
	}
	return nil
}

// Set is an alias for Put.
func (e *Engine) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return e.Put(ctx, key, value, ttl)
}

// Forever stores value without expiration.
func (e *Engine) Forever(ctx context.Context, key string, value interface{}) error {
	return e.Put(ctx, key, value, 0)
}

// Add stores value only if key is absent, reporting whether it stored.
func (e *Engine) Add(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	prefixedKey := e.prefixed(key)
	ttl = e.maybeJitter(ttl)

	stored := value
	if value == nil {
		stored = map[string]interface{}{nullField: true}
	}
	sc := e.strategyContext(ctx, prefixedKey, ttl)
	optimized, applied, err := e.chain.Optimize(stored, sc)
	if err != nil {
		return false, err
	}

	added, err := e.store.Add(ctx, prefixedKey, optimized, ttl)
	if err != nil {
		return false, errors.BackendFailure("add", err)
	}
	if !added {
		return false, nil
	}

	if !sidecar.IsReserved(prefixedKey) {
		e.sidecar.Track(ctx, prefixedKey)
	}
	if applied == "chunking" {
		if manifest, ok := optimized.(map[string]interface{}); ok {
			e.sidecar.SetManifest(ctx, prefixedKey, chunkKeysOf(manifest))
		}
	}
	e.stats.writes.Add(1)
	e.dispatchEvent(ctx, EventKeyWritten, map[string]interface{}{"key": prefixedKey})
	return true, nil
}

// Has reports whether a live value exists at key.
func (e *Engine) Has(ctx context.Context, key string) (bool, error) {
	return e.store.Has(ctx, e.prefixed(key))
}

// Pull returns the value at key and forgets it.
func (e *Engine) Pull(ctx context.Context, key string, def interface{}) (interface{}, error) {
	value, err := e.Get(ctx, key, def)
	if err != nil {
		return def, err
	}
	if _, err := e.Forget(ctx, key); err != nil {
		return value, err
	}
	return value, nil
}

// Increment adds by to the counter at key and returns the new value.
func (e *Engine) Increment(ctx context.Context, key string, by int64) (int64, error) {
	prefixedKey := e.prefixed(key)
	count, err := e.store.Increment(ctx, prefixedKey, by)
	if err != nil {
		return 0, errors.BackendFailure("increment", err)
	}
	if !sidecar.IsReserved(prefixedKey) {
		e.sidecar.Track(ctx, prefixedKey)
	}
	return count, nil
}

// Decrement subtracts by from the counter at key and returns the new value.
func (e *Engine) Decrement(ctx context.Context, key string, by int64) (int64, error) {
	prefixedKey := e.prefixed(key)
	count, err := e.store.Decrement(ctx, prefixedKey, by)
	if err != nil {
		return 0, errors.BackendFailure("decrement", err)
	}
	if !sidecar.IsReserved(prefixedKey) {
		e.sidecar.Track(ctx, prefixedKey)
	}
	return count, nil
}

// Many returns the values for keys; missing keys map to def.
func (e *Engine) Many(ctx context.Context, keys []string, def interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		value, err := e.Get(ctx, key, def)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// PutMany stores every entry of values with the same TTL.
func (e *Engine) PutMany(ctx context.Context, values map[string]interface{}, ttl time.Duration) error {
	for key, value := range values {
		if err := e.Put(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMultiple forgets every key, returning how many were present.
func (e *Engine) DeleteMultiple(ctx context.Context, keys []string) (int, error) {
	removed := 0
	for _, key := range keys {
		ok, err := e.Forget(ctx, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// GetRaw returns the as-stored value at key without strategy restoration.
func (e *Engine) GetRaw(ctx context.Context, key string) (interface{}, bool, error) {
	return e.storeGet(ctx, e.prefixed(key))
}

// Raw returns the underlying store, bypassing all strategies and indices.
// Writes through it are not tracked in managed-keys.
func (e *Engine) Raw() store.Store {
	return e.store
}

// ---------------------------------------------------------------------------
// Multi-store

// RegisterStore makes a named backend available to StoreNamed.
func (e *Engine) RegisterStore(name string, s store.Store) {
	e.storesMu.Lock()
	defer e.storesMu.Unlock()
	e.stores[name] = s
}

// StoreNamed returns a façade bound to the named backend, preserving
// strategies and runtime configuration. The bound façade has its own
// sidecar over that backend.
func (e *Engine) StoreNamed(name string) (*Engine, bool) {
	e.storesMu.Lock()
	defer e.storesMu.Unlock()

	s, ok := e.stores[name]
	if !ok {
		return nil, false
	}
	side, ok := e.sidecars[name]
	if !ok {
		side = sidecar.New(s)
		e.sidecars[name] = side
	}

	copied := e.clone()
	copied.store = s
	copied.sidecar = side
	copied.limiter = ratelimit.New(s, ratelimit.Config{
		Window:      e.cfg.RateLimiter.Window,
		MaxAttempts: e.cfg.RateLimiter.MaxAttempts,
	})
	return copied, true
}

// ---------------------------------------------------------------------------
// Lifecycle

// Close flushes the sidecar and stops background maintenance.
func (e *Engine) Close(ctx context.Context) {
	e.cronMu.Lock()
	if e.cron != nil {
		e.cron.Stop()
		e.cron = nil
	}
	e.cronMu.Unlock()

	if e.cfg.Monitoring.Enabled {
		e.persistPerf(ctx)
	}
	e.sidecar.Flush(ctx)
}

// StartMaintenance schedules the orphan-chunk sweep and expired-key cleanup
// on the given cron spec (e.g. "@every 10m").
func (e *Engine) StartMaintenance(spec string) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()

	if e.cron == nil {
		e.cron = cron.New()
	}
	_, err := e.cron.AddFunc(spec, func() {
		ctx := context.Background()
		start := time.Now()
		swept := e.SweepOrphanChunks(ctx)
		expired := e.sidecar.CleanupExpired(ctx)
		e.log.LogSweep(ctx, "maintenance", swept+expired, time.Since(start))
	})
	if err != nil {
		return err
	}
	e.cron.Start()
	return nil
}

// ---------------------------------------------------------------------------
// Helpers

func isNullMarker(value interface{}) bool {
	m, ok := value.(map[string]interface{})
	if !ok || len(m) != 1 {
		return false
	}
	flag, ok := m[nullField].(bool)
	return ok && flag
}

func chunkKeysOf(manifest map[string]interface{}) []string {
	switch keys := manifest["chunk_keys"].(type) {
	case []string:
		return keys
	case []interface{}:
		out := make([]string, 0, len(keys))
		for _, item := range keys {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
