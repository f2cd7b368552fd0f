package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// composable is implemented by factories whose plain stores and index
// backends can be assembled by another factory.
type composable interface {
	plainStore(namespace string) (Store, error)
	indexes(namespace string) IndexBackend
}

// TieredFactory layers an in-process LocalFactory over a lower factory.
// Reads check the upper tier, then the lower one, promoting lower hits.
// Writes go to the lower tier first; the upper tier is only written after
// the lower write succeeded. Indexes live in the lower tier.
type TieredFactory struct {
	upper  *LocalFactory
	lower  Factory
	cfg    factoryConfig
	life   lifecycle
	repair *repairer
}

var (
	_ Factory = (*TieredFactory)(nil)
	_ Pinger  = (*TieredFactory)(nil)
)

// NewTieredFactory creates a two-tier factory. The tiered factory owns both
// tiers: Init and Destroy drive them.
func NewTieredFactory(upper *LocalFactory, lower Factory, opts ...FactoryOption) *TieredFactory {
	cfg := newFactoryConfig(opts)
	return &TieredFactory{
		upper:  upper,
		lower:  lower,
		cfg:    cfg,
		repair: newRepairer(cfg.repairRate, cfg.repairBurst),
	}
}

// Init initializes the upper tier, then the lower one. If the lower tier
// fails, the upper tier is destroyed again before returning.
func (f *TieredFactory) Init(ctx context.Context, servers ServerResolver) error {
	if err := f.life.canInit(); err != nil {
		return err
	}
	if f.upper == nil || f.lower == nil {
		return &ConfigError{Field: "tiers", Message: "upper and lower factories are required"}
	}
	if _, ok := f.lower.(composable); !ok {
		return &ConfigError{Field: "lower", Message: "factory cannot be composed into a tier"}
	}
	if f.cfg.indexCount > 0 && !f.lower.SupportsIndex() {
		return &ConfigError{Field: "indexCount", Message: "lower tier does not support indexes"}
	}

	if err := f.upper.Init(ctx, servers); err != nil {
		return err
	}
	if err := f.lower.Init(ctx, servers); err != nil {
		_ = f.upper.Destroy()
		return err
	}
	f.life.activate()
	f.cfg.logger.Info("tiered cache store factory initialized",
		slog.Duration("ttl", f.cfg.ttl),
		slog.Duration("localTTL", f.cfg.localTTL),
		slog.Int("indexCount", f.cfg.indexCount),
	)
	return nil
}

// Destroy releases both tiers. It is idempotent.
func (f *TieredFactory) Destroy() error {
	if !f.life.destroy() {
		return nil
	}
	return errors.Join(f.upper.Destroy(), f.lower.Destroy())
}

func (f *TieredFactory) CreateStore(namespace string) (Store, error) {
	base, err := f.plainStore(namespace)
	if err != nil {
		return nil, err
	}
	if f.cfg.indexCount > 0 {
		// The upper tier is per process and may be stale; index members are
		// validated against the shared lower tier only.
		return newIndexed(base, base.(*tieredStore).lower, f.indexes(namespace), f.cfg.indexCount, f.cfg.logger, f.repair), nil
	}
	return base, nil
}

func (f *TieredFactory) CreateHandler(s Store) (*Handler, error) {
	return NewHandler(s, WithHandlerLogger(f.cfg.logger))
}

// CanUseForLocalCache is false: the lower tier is shared across processes.
func (f *TieredFactory) CanUseForLocalCache() bool { return false }

func (f *TieredFactory) SupportsIndex() bool {
	return f.lower != nil && f.lower.SupportsIndex()
}

// LowerLevel returns the lower tier.
func (f *TieredFactory) LowerLevel() Factory { return f.lower }

// Ping pings the lower tier when it can be pinged.
func (f *TieredFactory) Ping(ctx context.Context) error {
	if err := f.life.check(); err != nil {
		return opError("ping", "tiered", "", err)
	}
	if p, ok := f.lower.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (f *TieredFactory) plainStore(namespace string) (Store, error) {
	if err := f.life.check(); err != nil {
		return nil, err
	}
	upper, err := f.upper.plainStore(namespace)
	if err != nil {
		return nil, err
	}
	lower, err := f.lower.(composable).plainStore(namespace)
	if err != nil {
		return nil, err
	}
	return &tieredStore{
		upper:    upper,
		lower:    lower,
		ttl:      f.cfg.ttl,
		localTTL: f.cfg.localTTL,
	}, nil
}

func (f *TieredFactory) indexes(namespace string) IndexBackend {
	return f.lower.(composable).indexes(namespace)
}

type tieredStore struct {
	upper    Store
	lower    Store
	ttl      time.Duration
	localTTL time.Duration
}

func (t *tieredStore) Namespace() string { return t.lower.Namespace() }

// Get checks the upper tier, then the lower one. A lower hit is promoted
// into the upper tier for the rest of its lifetime, capped by localTTL.
func (t *tieredStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if e, ok, err := t.upper.Get(ctx, key); err != nil || ok {
		return e, ok, err
	}
	e, ok, err := t.lower.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	var remaining time.Duration
	if !e.ExpiresAt.IsZero() {
		remaining = time.Until(e.ExpiresAt)
		if remaining <= 0 {
			return nil, false, nil
		}
	}
	_ = t.upper.Put(ctx, key, e.Value, WithTTL(t.upperTTL(remaining)), WithIndexes(e.Indexes...))
	return e, true, nil
}

func (t *tieredStore) Put(ctx context.Context, key string, val []byte, opts ...PutOption) error {
	o := applyPutOptions(opts)
	ttl := o.resolveTTL(t.ttl)
	if err := t.lower.Put(ctx, key, val, WithTTL(ttl), WithIndexes(o.indexes...)); err != nil {
		return err
	}
	return t.upper.Put(ctx, key, val, WithTTL(t.upperTTL(ttl)), WithIndexes(o.indexes...))
}

func (t *tieredStore) Remove(ctx context.Context, key string) error {
	if err := t.lower.Remove(ctx, key); err != nil {
		return err
	}
	return t.upper.Remove(ctx, key)
}

func (t *tieredStore) Clear(ctx context.Context) error {
	if err := t.lower.Clear(ctx); err != nil {
		return err
	}
	return t.upper.Clear(ctx)
}

// upperTTL caps ttl (0 = never expires) at localTTL.
func (t *tieredStore) upperTTL(ttl time.Duration) time.Duration {
	switch {
	case t.localTTL <= 0:
		return ttl
	case ttl <= 0 || t.localTTL < ttl:
		return t.localTTL
	}
	return ttl
}
