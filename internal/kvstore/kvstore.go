package kvstore

import (
	"context"
	"time"
)

// Store is the shared ephemeral state used by every pipeline component:
// fixed-window counters, blocks, flags, challenge tokens and active-IP sets.
// It is the sole cross-request synchronization mechanism; there is no
// in-process locking across requests.
//
// Increment sets the TTL only when the key is created. Two concurrent first
// increments can both observe 1 and both set the TTL, which is harmless; the
// resulting fixed window can skew by up to one write near the boundary. That
// approximation is accepted for O(1) cost.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	GetCount(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	// Take returns the value and deletes the key in one step, enforcing
	// single-use semantics for challenge tokens.
	Take(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// AddToSet inserts a member into a TTL'd set. The TTL applies to the
	// whole set and is fixed when the set is created; later inserts do
	// not extend it.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error
	SetSize(ctx context.Context, key string) (int64, error)
	Close() error
}
