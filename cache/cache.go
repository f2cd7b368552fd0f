// Package cache provides namespaced cache stores that may be served by an
// in-process ristretto cache, a remote Redis engine, or a tiered combination
// of both, with optional secondary indexes maintained over cached entries.
//
// A [Factory] is the composition root: it owns the connection resources of
// its backend between [Factory.Init] and [Factory.Destroy], and hands out
// cheap per-namespace [Store] values and [Handler] facades.
package cache

import (
	"context"
	"time"
)

// Entry is a single cached value together with the secondary index
// attributes it was written with.
type Entry struct {
	Key   string
	Value []byte

	// Indexes holds one attribute per index slot. An empty string means the
	// entry is not indexed in that slot.
	Indexes []string

	// ExpiresAt is the zero time when the entry never expires.
	ExpiresAt time.Time
}

// Index returns the attribute stored for slot, or "" if there is none.
func (e *Entry) Index(slot int) string {
	if e == nil || slot < 0 || slot >= len(e.Indexes) {
		return ""
	}
	return e.Indexes[slot]
}

// Store is the namespace-scoped cache contract. Every method may block on I/O
// and is safe for concurrent use.
type Store interface {
	// Namespace returns the namespace the store is bound to.
	Namespace() string

	// Get retrieves the entry stored under key. The boolean reports a hit; an
	// absent or expired key is a miss, not an error.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Put stores val under key. Without WithTTL the store's configured
	// time-to-live applies; a TTL <= 0 means the entry never expires.
	Put(ctx context.Context, key string, val []byte, opts ...PutOption) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Clear removes every entry of the namespace and nothing else.
	Clear(ctx context.Context) error
}

// IndexedStore is a Store that maintains IndexCount secondary indexes.
type IndexedStore interface {
	Store

	// IndexCount returns the number of index slots.
	IndexCount() int

	// GetByIndex returns the sorted keys whose current entry carries
	// indexKey in slot.
	GetByIndex(ctx context.Context, slot int, indexKey string) ([]string, error)
}

// Factory builds stores and handlers for one backend and owns the backend's
// connection resources.
type Factory interface {
	// CreateStore returns a store bound to namespace. Stores from a factory
	// configured with an index count > 0 implement IndexedStore.
	CreateStore(namespace string) (Store, error)

	// CreateHandler wraps s in a Handler.
	CreateHandler(s Store) (*Handler, error)

	// CanUseForLocalCache reports whether the stores may serve as a
	// process-local tier.
	CanUseForLocalCache() bool

	// SupportsIndex reports whether the stores can be index-decorated.
	SupportsIndex() bool

	// LowerLevel returns the next tier, or nil for a terminal factory.
	LowerLevel() Factory

	// Init acquires the backend resources. It is called exactly once, before
	// any CreateStore call.
	Init(ctx context.Context, servers ServerResolver) error

	// Destroy releases the backend resources. It is idempotent.
	Destroy() error
}

// Pinger is implemented by factories that can check backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PutOption customizes a single Put call.
type PutOption func(*putOptions)

type putOptions struct {
	ttl     time.Duration
	hasTTL  bool
	indexes []string
}

// WithTTL overrides the store's configured time-to-live for one write. A
// value <= 0 means the entry never expires.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *putOptions) {
		o.ttl = ttl
		o.hasTTL = true
	}
}

// WithIndexes sets the index attributes of the entry, one per slot starting
// at slot 0.
func WithIndexes(vals ...string) PutOption {
	return func(o *putOptions) {
		o.indexes = vals
	}
}

func applyPutOptions(opts []PutOption) putOptions {
	var o putOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// resolveTTL picks the write's TTL, normalizing "never expires" to zero.
func (o putOptions) resolveTTL(def time.Duration) time.Duration {
	ttl := def
	if o.hasTTL {
		ttl = o.ttl
	}
	if ttl < 0 {
		return 0
	}
	return ttl
}

func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
