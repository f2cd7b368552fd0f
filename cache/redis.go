package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// clearBatch is the SCAN page size and UNLINK batch size used by Clear.
const clearBatch = 500

// RedisFactory builds stores backed by one Redis server. The client it opens
// in Init is shared by every store it creates and is closed by Destroy;
// stores used after Destroy fail with ErrDestroyed.
type RedisFactory struct {
	serverName string
	cfg        factoryConfig
	life       lifecycle
	repair     *repairer

	// rdb is nil before Init and after Destroy.
	rdb atomic.Pointer[redis.Client]
}

var (
	_ Factory = (*RedisFactory)(nil)
	_ Pinger  = (*RedisFactory)(nil)
)

// NewRedisFactory creates a factory for the server endpoint named serverName.
// The endpoint is resolved in Init.
func NewRedisFactory(serverName string, opts ...FactoryOption) *RedisFactory {
	cfg := newFactoryConfig(opts)
	return &RedisFactory{
		serverName: serverName,
		cfg:        cfg,
		repair:     newRepairer(cfg.repairRate, cfg.repairBurst),
	}
}

// Init resolves the server endpoint and opens the client. An unknown server
// name is a *ConfigError. With WithPingOnInit a failed ping closes the
// client before returning.
func (f *RedisFactory) Init(ctx context.Context, servers ServerResolver) error {
	if err := f.life.canInit(); err != nil {
		return err
	}
	if f.serverName == "" {
		return &ConfigError{Field: "serverName", Message: "is required"}
	}
	if servers == nil {
		return &ConfigError{Field: "servers", Message: "no server registry provided"}
	}
	srv, ok := servers.Server(f.serverName)
	if !ok {
		return &ConfigError{Field: "serverName", Message: "names unknown server " + f.serverName, Err: ErrUnknownServer}
	}

	opts, err := redis.ParseURL(redisURI(srv, f.cfg.poolSize, f.cfg.minIdleConns))
	if err != nil {
		return &ConfigError{Field: "server " + srv.Name, Message: "has an invalid address", Err: err}
	}
	rdb := redis.NewClient(opts)

	if f.cfg.pingOnInit {
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return opError("init", srv.Name, "", err)
		}
	}

	f.rdb.Store(rdb)
	f.life.activate()
	f.cfg.logger.Info("redis cache store factory initialized",
		slog.String("server", srv.Name),
		slog.String("addr", srv.Addr()),
		slog.Duration("ttl", f.cfg.ttl),
		slog.Int("indexCount", f.cfg.indexCount),
	)
	return nil
}

// Destroy closes the client. It is safe to call more than once and on a
// factory that was never initialized.
func (f *RedisFactory) Destroy() error {
	f.life.destroy()
	rdb := f.rdb.Swap(nil)
	if rdb == nil {
		return nil
	}
	f.cfg.logger.Info("redis cache store factory destroyed", slog.String("server", f.serverName))
	return rdb.Close()
}

// CreateStore returns a store for namespace, index-decorated when the
// factory has an index count > 0.
func (f *RedisFactory) CreateStore(namespace string) (Store, error) {
	base, err := f.plainStore(namespace)
	if err != nil {
		return nil, err
	}
	if f.cfg.indexCount > 0 {
		return newIndexed(base, base, f.indexes(namespace), f.cfg.indexCount, f.cfg.logger, f.repair), nil
	}
	return base, nil
}

// CreateHandler wraps s in a Handler.
func (f *RedisFactory) CreateHandler(s Store) (*Handler, error) {
	return NewHandler(s, WithHandlerLogger(f.cfg.logger))
}

// CanUseForLocalCache is false: other processes see writes immediately, so
// the stores cannot stand in for a process-local tier.
func (f *RedisFactory) CanUseForLocalCache() bool { return false }

func (f *RedisFactory) SupportsIndex() bool { return true }

func (f *RedisFactory) LowerLevel() Factory { return nil }

// Ping checks that the server answers.
func (f *RedisFactory) Ping(ctx context.Context) error {
	rdb := f.rdb.Load()
	if rdb == nil {
		return opError("ping", f.serverName, "", f.unavailable())
	}
	return opError("ping", f.serverName, "", rdb.Ping(ctx).Err())
}

// Client returns the shared client, or nil when the factory is not active.
func (f *RedisFactory) Client() *redis.Client {
	return f.rdb.Load()
}

func (f *RedisFactory) unavailable() error {
	if err := f.life.check(); err != nil {
		return err
	}
	return ErrDestroyed
}

func (f *RedisFactory) plainStore(namespace string) (Store, error) {
	if err := f.life.check(); err != nil {
		return nil, err
	}
	return &redisStore{
		f:         f,
		namespace: namespace,
		keys:      newKeyspace(f.cfg.keyPrefix, namespace),
		ttl:       f.cfg.ttl,
	}, nil
}

func (f *RedisFactory) indexes(namespace string) IndexBackend {
	return &redisIndex{f: f, namespace: namespace, keys: newKeyspace(f.cfg.keyPrefix, namespace)}
}

// redisStore holds only its namespace, TTL and a reference to the factory's
// client slot.
type redisStore struct {
	f         *RedisFactory
	namespace string
	keys      keyspace
	ttl       time.Duration
}

// client returns the shared client or the lifecycle error explaining why
// there is none.
func (s *redisStore) client(op, key string) (*redis.Client, error) {
	rdb := s.f.rdb.Load()
	if rdb == nil {
		return nil, opError(op, s.namespace, key, s.f.unavailable())
	}
	return rdb, nil
}

func (s *redisStore) fail(op, key string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		err = ErrDestroyed
	}
	return opError(op, s.namespace, key, err)
}

func (s *redisStore) Namespace() string { return s.namespace }

func (s *redisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	rdb, err := s.client("get", key)
	if err != nil {
		return nil, false, err
	}
	b, err := rdb.Get(ctx, s.keys.data(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.fail("get", key, err)
	}
	e, err := decodeEntry(key, b)
	if err != nil {
		return nil, false, s.fail("get", key, err)
	}
	if e.expired(time.Now()) {
		return nil, false, nil
	}
	return e, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, val []byte, opts ...PutOption) error {
	rdb, err := s.client("put", key)
	if err != nil {
		return err
	}
	o := applyPutOptions(opts)
	ttl := o.resolveTTL(s.ttl)
	e := &Entry{Key: key, Value: val, Indexes: o.indexes, ExpiresAt: expiresAt(time.Now(), ttl)}

	// go-redis reads a negative expiration as KEEPTTL; ttl is never negative
	// here.
	if err := rdb.Set(ctx, s.keys.data(key), encodeEntry(e), ttl).Err(); err != nil {
		return s.fail("put", key, err)
	}
	return nil
}

func (s *redisStore) Remove(ctx context.Context, key string) error {
	rdb, err := s.client("remove", key)
	if err != nil {
		return err
	}
	if err := rdb.Del(ctx, s.keys.data(key)).Err(); err != nil {
		return s.fail("remove", key, err)
	}
	return nil
}

// Clear deletes only the keys carrying this namespace's data prefix.
func (s *redisStore) Clear(ctx context.Context) error {
	rdb, err := s.client("clear", "")
	if err != nil {
		return err
	}
	if err := unlinkMatching(ctx, rdb, s.keys.dataPattern()); err != nil {
		return s.fail("clear", "", err)
	}
	return nil
}

// unlinkMatching scans for pattern and unlinks the matches in batches.
func unlinkMatching(ctx context.Context, rdb *redis.Client, pattern string) error {
	iter := rdb.Scan(ctx, 0, pattern, clearBatch).Iterator()
	batch := make([]string, 0, clearBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == clearBatch {
			if err := rdb.Unlink(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return rdb.Unlink(ctx, batch...).Err()
	}
	return nil
}

// redisIndex keeps each (slot, indexKey) member set in a Redis set.
type redisIndex struct {
	f         *RedisFactory
	namespace string
	keys      keyspace
}

func (x *redisIndex) client(op, key string) (*redis.Client, error) {
	rdb := x.f.rdb.Load()
	if rdb == nil {
		return nil, opError(op, x.namespace, key, x.f.unavailable())
	}
	return rdb, nil
}

func (x *redisIndex) fail(op, key string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		err = ErrDestroyed
	}
	return opError(op, x.namespace, key, err)
}

func (x *redisIndex) AddIndex(ctx context.Context, slot int, indexKey, key string) error {
	rdb, err := x.client("addIndex", key)
	if err != nil {
		return err
	}
	if err := rdb.SAdd(ctx, x.keys.index(slot, indexKey), key).Err(); err != nil {
		return x.fail("addIndex", key, err)
	}
	return nil
}

func (x *redisIndex) RemoveIndex(ctx context.Context, slot int, indexKey, key string) error {
	rdb, err := x.client("removeIndex", key)
	if err != nil {
		return err
	}
	if err := rdb.SRem(ctx, x.keys.index(slot, indexKey), key).Err(); err != nil {
		return x.fail("removeIndex", key, err)
	}
	return nil
}

func (x *redisIndex) IndexMembers(ctx context.Context, slot int, indexKey string) ([]string, error) {
	rdb, err := x.client("getByIndex", indexKey)
	if err != nil {
		return nil, err
	}
	members, err := rdb.SMembers(ctx, x.keys.index(slot, indexKey)).Result()
	if err != nil {
		return nil, x.fail("getByIndex", indexKey, err)
	}
	return members, nil
}

func (x *redisIndex) ClearIndexes(ctx context.Context) error {
	rdb, err := x.client("clear", "")
	if err != nil {
		return err
	}
	if err := unlinkMatching(ctx, rdb, x.keys.indexPattern()); err != nil {
		return x.fail("clear", "", err)
	}
	return nil
}
