// Package store defines the backend contract the cache engine programs
// against, plus the built-in adapters.
package store

import (
	"context"
	"time"
)

// Store is the minimal uniform contract over a key-value backend. Values are
// structured (maps, slices, strings, numbers, nil); adapters own whatever
// serialization sits below that.
type Store interface {
	// Get returns the stored value and whether the key was present. A stored
	// nil is returned as (nil, true, nil); the engine distinguishes stored
	// nulls from misses with its own marker above this layer.
	Get(ctx context.Context, key string) (interface{}, bool, error)

	// Put stores a value with the given TTL. A zero TTL stores forever.
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Forever stores a value without expiration.
	Forever(ctx context.Context, key string, value interface{}) error

	// Forget removes a key, reporting whether it was present.
	Forget(ctx context.Context, key string) (bool, error)

	// Has reports whether a live entry exists for key.
	Has(ctx context.Context, key string) (bool, error)

	// Flush removes every entry in the backend.
	Flush(ctx context.Context) error

	// Add stores a value only if the key is absent, reporting whether it
	// stored. Adapters that cannot do this atomically document the race.
	Add(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Increment adds by to the integer at key (missing counts start at 0)
	// and returns the new value.
	Increment(ctx context.Context, key string, by int64) (int64, error)

	// Decrement subtracts by from the integer at key and returns the new value.
	Decrement(ctx context.Context, key string, by int64) (int64, error)

	// Driver returns the backend name used for per-driver strategy toggles.
	Driver() string
}
