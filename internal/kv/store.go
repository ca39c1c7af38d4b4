// Package kv wraps the external key-value store behind the typed operations
// the rest of Ash uses. It carries no business logic: callers own key layout
// and record encoding, the adapter owns deadlines and error classification.
package kv

import (
	"context"
	"time"
)

// DefaultOpTimeout bounds every store operation.
const DefaultOpTimeout = 5 * time.Second

// Store is the typed surface the core depends on. The production
// implementation is RedisStore; tests use miniredis through the same type.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Recovery
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// CompareAndSwap atomically replaces the value at key with next iff the
	// current value equals expect, preserving the key's TTL. It returns true
	// when the swap happened. A missing key never swaps.
	CompareAndSwap(ctx context.Context, key, expect, next string) (bool, error)

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error

	Close() error
}
