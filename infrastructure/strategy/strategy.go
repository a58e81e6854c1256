// Package strategy implements the value transformation pipeline: an ordered
// chain of optimization strategies with first-match-wins writes and
// marker-dispatch reads.
package strategy

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/smartcache/infrastructure/config"
	"github.com/R3E-Network/smartcache/infrastructure/errors"
	"github.com/R3E-Network/smartcache/infrastructure/logging"
	"github.com/R3E-Network/smartcache/infrastructure/store"
)

// Envelope marker fields. A stored value carries at most one envelope type
// at the top level; markers are how restore recognizes its strategy, never
// shape guessing.
const (
	MarkerCompressed = "compressed"
	MarkerChunked    = "chunked"
	MarkerSerialized = "serialized"
	MarkerEncrypted  = "encrypted"
)

// Context carries the per-operation state strategies need.
type Context struct {
	Ctx    context.Context
	Key    string
	TTL    time.Duration
	Driver string
	Store  store.Store
	Config *config.Config

	// Frequency looks up the access count for a key; used by adaptive
	// compression. May be nil.
	Frequency func(key string) int64
}

func (c *Context) context() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

// Strategy is one value transformer in the chain.
type Strategy interface {
	// ID returns the stable short identifier.
	ID() string

	// ShouldApply decides against the ORIGINAL value whether this strategy
	// wins the write.
	ShouldApply(value interface{}, sc *Context) bool

	// Optimize transforms the value into its envelope form.
	Optimize(value interface{}, sc *Context) (interface{}, error)

	// Restore undoes Optimize. The handled result reports whether the value
	// carried this strategy's envelope; when false the value is returned
	// unchanged.
	Restore(value interface{}, sc *Context) (restored interface{}, handled bool, err error)
}

// HasMarker reports whether value is an envelope with the given marker field
// set to true.
func HasMarker(value interface{}, marker string) bool {
	m, ok := value.(map[string]interface{})
	if !ok {
		return false
	}
	flag, ok := m[marker].(bool)
	return ok && flag
}

// IsEnvelope reports whether value carries any strategy envelope marker.
func IsEnvelope(value interface{}) bool {
	return HasMarker(value, MarkerCompressed) ||
		HasMarker(value, MarkerChunked) ||
		HasMarker(value, MarkerSerialized) ||
		HasMarker(value, MarkerEncrypted)
}

// IsManifestJSON probes raw JSON text for a chunk manifest without a full
// decode; used by the orphan sweep on string-typed raw values.
func IsManifestJSON(raw string) bool {
	return gjson.Valid(raw) && gjson.Get(raw, MarkerChunked).Bool()
}

// ManifestChunkKeys extracts the chunk keys from raw manifest JSON.
func ManifestChunkKeys(raw string) []string {
	result := gjson.Get(raw, "chunk_keys")
	if !result.Exists() {
		return nil
	}
	keys := make([]string, 0)
	result.ForEach(func(_, value gjson.Result) bool {
		keys = append(keys, value.String())
		return true
	})
	return keys
}

// Chain is the ordered strategy pipeline.
type Chain struct {
	strategies []Strategy
	fallback   bool
	logErrors  bool
	log        *logging.Logger

	// Applied is invoked with the winning strategy ID after a successful
	// optimize; wired to metrics and events by the engine. May be nil.
	Applied func(id string)
}

// NewChain creates a new Chain
func NewChain(cfg *config.Config, log *logging.Logger, strategies ...Strategy) *Chain {
	return &Chain{
		strategies: strategies,
		fallback:   cfg.Fallback.Enabled,
		logErrors:  cfg.Fallback.LogErrors,
		log:        log,
	}
}

// Strategies returns the registered strategies in order.
func (c *Chain) Strategies() []Strategy {
	return c.strategies
}

// Optimize runs the write path: strategies are evaluated in registration
// order against the original value and the first match wins. Returns the
// transformed value and the winning strategy ID ("" when none applied).
//
// On optimize failure with fallback enabled, the chain falls through to the
// next candidate; with fallback disabled, the failure propagates.
func (c *Chain) Optimize(value interface{}, sc *Context) (interface{}, string, error) {
	for _, s := range c.strategies {
		if !s.ShouldApply(value, sc) {
			continue
		}

		transformed, err := s.Optimize(value, sc)
		if err != nil {
			if c.logErrors && c.log != nil {
				c.log.LogStrategy(sc.context(), s.ID(), sc.Key, false, err)
			}
			if c.fallback {
				continue
			}
			return nil, "", errors.OptimizeFailed(s.ID(), err)
		}

		if c.Applied != nil {
			c.Applied(s.ID())
		}
		return transformed, s.ID(), nil
	}
	return value, "", nil
}

// Restore runs the read path: each strategy is offered the value in order
// and the first one recognizing its envelope short-circuits the chain.
//
// Restore failures fall back to the as-stored value, except miss-class
// failures (missing chunk, decryption failure) which propagate so the
// engine can serve a miss.
func (c *Chain) Restore(value interface{}, sc *Context) (interface{}, error) {
	for _, s := range c.strategies {
		restored, handled, err := s.Restore(value, sc)
		if !handled {
			continue
		}
		if err != nil {
			if errors.IsMiss(err) {
				return nil, err
			}
			if c.logErrors && c.log != nil {
				c.log.LogStrategy(sc.context(), s.ID(), sc.Key, false, err)
			}
			return value, nil
		}
		return restored, nil
	}
	return value, nil
}

// serialize renders a value for size checks and envelope payloads. Strings
// pass through unserialized; isString tells restore to skip deserialization.
func serialize(value interface{}) ([]byte, bool, error) {
	if s, ok := value.(string); ok {
		return []byte(s), true, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false, err
	}
	return raw, false, nil
}

// estimateSize sizes a value cheaply: exact for strings, ~50 bytes per
// element for containers, falling back to a full serialize only when the
// estimate is inconclusive against the threshold.
func estimateSize(value interface{}, threshold int) (int, bool) {
	const bytesPerElement = 50

	switch v := value.(type) {
	case string:
		return len(v), true
	case []interface{}:
		return estimateFromCount(len(v), threshold, value)
	case map[string]interface{}:
		return estimateFromCount(len(v), threshold, value)
	default:
		raw, _, err := serialize(value)
		if err != nil {
			return 0, false
		}
		return len(raw), true
	}
}

func estimateFromCount(count, threshold int, value interface{}) (int, bool) {
	const bytesPerElement = 50

	estimate := count * bytesPerElement
	if estimate > threshold*2 || estimate < threshold/2 {
		return estimate, true
	}

	raw, _, err := serialize(value)
	if err != nil {
		return 0, false
	}
	return len(raw), true
}
