package cache

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// LocalFactory builds in-process stores backed by ristretto. Each namespace
// gets its own bounded cache, shared by every store created for it.
type LocalFactory struct {
	cfg    factoryConfig
	life   lifecycle
	repair *repairer

	mu     sync.Mutex
	spaces map[string]*localSpace
}

var _ Factory = (*LocalFactory)(nil)

// NewLocalFactory creates an in-process factory.
func NewLocalFactory(opts ...FactoryOption) *LocalFactory {
	cfg := newFactoryConfig(opts)
	return &LocalFactory{
		cfg:    cfg,
		repair: newRepairer(cfg.repairRate, cfg.repairBurst),
		spaces: make(map[string]*localSpace),
	}
}

// Init activates the factory. Local stores need no server endpoint.
func (f *LocalFactory) Init(_ context.Context, _ ServerResolver) error {
	if err := f.life.canInit(); err != nil {
		return err
	}
	if f.cfg.maxEntries <= 0 {
		return &ConfigError{Field: "maxEntries", Message: "must be greater than 0"}
	}
	f.life.activate()
	f.cfg.logger.Info("local cache store factory initialized",
		slog.Int64("maxEntries", f.cfg.maxEntries),
		slog.Duration("ttl", f.cfg.ttl),
		slog.Int("indexCount", f.cfg.indexCount),
	)
	return nil
}

// Destroy closes every namespace cache. It is idempotent.
func (f *LocalFactory) Destroy() error {
	if !f.life.destroy() {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ns, sp := range f.spaces {
		sp.rc.Close()
		delete(f.spaces, ns)
	}
	f.cfg.logger.Info("local cache store factory destroyed")
	return nil
}

func (f *LocalFactory) CreateStore(namespace string) (Store, error) {
	base, err := f.plainStore(namespace)
	if err != nil {
		return nil, err
	}
	if f.cfg.indexCount > 0 {
		return newIndexed(base, base, f.indexes(namespace), f.cfg.indexCount, f.cfg.logger, f.repair), nil
	}
	return base, nil
}

func (f *LocalFactory) CreateHandler(s Store) (*Handler, error) {
	return NewHandler(s, WithHandlerLogger(f.cfg.logger))
}

func (f *LocalFactory) CanUseForLocalCache() bool { return true }

func (f *LocalFactory) SupportsIndex() bool { return true }

func (f *LocalFactory) LowerLevel() Factory { return nil }

func (f *LocalFactory) plainStore(namespace string) (Store, error) {
	sp, err := f.space(namespace)
	if err != nil {
		return nil, err
	}
	return &localStore{f: f, sp: sp, namespace: namespace, ttl: f.cfg.ttl}, nil
}

func (f *LocalFactory) indexes(namespace string) IndexBackend {
	sp, err := f.space(namespace)
	if err != nil {
		return &localIndex{f: f, namespace: namespace}
	}
	return &localIndex{f: f, sp: sp, namespace: namespace}
}

// space returns the namespace cache, creating it on first use.
func (f *LocalFactory) space(namespace string) (*localSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.life.check(); err != nil {
		return nil, err
	}
	if sp, ok := f.spaces[namespace]; ok {
		return sp, nil
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        f.cfg.maxEntries * 10,
		MaxCost:            f.cfg.maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, &ConfigError{Field: "maxEntries", Message: "cannot size local cache", Err: err}
	}
	sp := &localSpace{rc: rc, index: xsync.NewMapOf[string, *xsync.MapOf[string, struct{}]]()}
	f.spaces[namespace] = sp
	return sp, nil
}

// localSpace is one namespace: the ristretto cache holding encoded entries
// and the index sets, keyed by slot and index key. Member sets are only
// mutated inside Compute on the outer map.
type localSpace struct {
	rc    *ristretto.Cache[string, []byte]
	index *xsync.MapOf[string, *xsync.MapOf[string, struct{}]]
}

type localStore struct {
	f         *LocalFactory
	sp        *localSpace
	namespace string
	ttl       time.Duration
}

func (s *localStore) Namespace() string { return s.namespace }

func (s *localStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	if err := s.f.life.check(); err != nil {
		return nil, false, opError("get", s.namespace, key, err)
	}
	b, ok := s.sp.rc.Get(key)
	if !ok {
		return nil, false, nil
	}
	e, err := decodeEntry(key, b)
	if err != nil {
		return nil, false, opError("get", s.namespace, key, err)
	}
	if e.expired(time.Now()) {
		return nil, false, nil
	}
	return e, true, nil
}

func (s *localStore) Put(_ context.Context, key string, val []byte, opts ...PutOption) error {
	if err := s.f.life.check(); err != nil {
		return opError("put", s.namespace, key, err)
	}
	o := applyPutOptions(opts)
	ttl := o.resolveTTL(s.ttl)
	e := &Entry{Key: key, Value: bytes.Clone(val), Indexes: o.indexes, ExpiresAt: expiresAt(time.Now(), ttl)}
	if !s.sp.rc.SetWithTTL(key, encodeEntry(e), 1, ttl) {
		// A dropped set behaves like an immediate eviction.
		s.f.cfg.logger.Warn("local cache write dropped",
			slog.String("namespace", s.namespace),
			slog.String("key", key),
		)
		return nil
	}
	s.sp.rc.Wait()
	return nil
}

func (s *localStore) Remove(_ context.Context, key string) error {
	if err := s.f.life.check(); err != nil {
		return opError("remove", s.namespace, key, err)
	}
	s.sp.rc.Del(key)
	return nil
}

func (s *localStore) Clear(_ context.Context) error {
	if err := s.f.life.check(); err != nil {
		return opError("clear", s.namespace, "", err)
	}
	s.sp.rc.Clear()
	return nil
}

type localIndex struct {
	f         *LocalFactory
	sp        *localSpace
	namespace string
}

func (x *localIndex) check(op, key string) error {
	if err := x.f.life.check(); err != nil {
		return opError(op, x.namespace, key, err)
	}
	if x.sp == nil {
		return opError(op, x.namespace, key, ErrNotInitialized)
	}
	return nil
}

func (x *localIndex) AddIndex(_ context.Context, slot int, indexKey, key string) error {
	if err := x.check("addIndex", key); err != nil {
		return err
	}
	x.sp.index.Compute(slotKey(slot, indexKey), func(set *xsync.MapOf[string, struct{}], loaded bool) (*xsync.MapOf[string, struct{}], bool) {
		if !loaded {
			set = xsync.NewMapOf[string, struct{}]()
		}
		set.Store(key, struct{}{})
		return set, false
	})
	return nil
}

func (x *localIndex) RemoveIndex(_ context.Context, slot int, indexKey, key string) error {
	if err := x.check("removeIndex", key); err != nil {
		return err
	}
	x.sp.index.Compute(slotKey(slot, indexKey), func(set *xsync.MapOf[string, struct{}], loaded bool) (*xsync.MapOf[string, struct{}], bool) {
		if !loaded {
			return set, true
		}
		set.Delete(key)
		return set, set.Size() == 0
	})
	return nil
}

func (x *localIndex) IndexMembers(_ context.Context, slot int, indexKey string) ([]string, error) {
	if err := x.check("getByIndex", indexKey); err != nil {
		return nil, err
	}
	set, ok := x.sp.index.Load(slotKey(slot, indexKey))
	if !ok {
		return []string{}, nil
	}
	members := make([]string, 0, set.Size())
	set.Range(func(k string, _ struct{}) bool {
		members = append(members, k)
		return true
	})
	return members, nil
}

func (x *localIndex) ClearIndexes(_ context.Context) error {
	if err := x.check("clear", ""); err != nil {
		return err
	}
	x.sp.index.Clear()
	return nil
}
