package breaker

import (
	"context"

	"github.com/Keksclan/rawrcache/cache"
)

// Wrap returns s guarded by b. Several stores may share one Breaker so that
// every namespace of a backend trips together. Indexed stores stay indexed.
func Wrap(s cache.Store, b *Breaker) cache.Store {
	base := &store{next: s, b: b}
	if is, ok := s.(cache.IndexedStore); ok {
		return &indexedStore{store: base, next: is}
	}
	return base
}

type store struct {
	next cache.Store
	b    *Breaker
}

func (s *store) reject(op, key string) error {
	return &cache.OpError{Op: op, Namespace: s.next.Namespace(), Key: key, Err: ErrOpen}
}

func (s *store) Namespace() string { return s.next.Namespace() }

func (s *store) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	if !s.b.Allow() {
		return nil, false, s.reject("get", key)
	}
	e, ok, err := s.next.Get(ctx, key)
	s.b.Record(err)
	return e, ok, err
}

func (s *store) Put(ctx context.Context, key string, val []byte, opts ...cache.PutOption) error {
	if !s.b.Allow() {
		return s.reject("put", key)
	}
	err := s.next.Put(ctx, key, val, opts...)
	s.b.Record(err)
	return err
}

func (s *store) Remove(ctx context.Context, key string) error {
	if !s.b.Allow() {
		return s.reject("remove", key)
	}
	err := s.next.Remove(ctx, key)
	s.b.Record(err)
	return err
}

func (s *store) Clear(ctx context.Context) error {
	if !s.b.Allow() {
		return s.reject("clear", "")
	}
	err := s.next.Clear(ctx)
	s.b.Record(err)
	return err
}

type indexedStore struct {
	*store
	next cache.IndexedStore
}

func (s *indexedStore) IndexCount() int { return s.next.IndexCount() }

func (s *indexedStore) GetByIndex(ctx context.Context, slot int, indexKey string) ([]string, error) {
	if !s.b.Allow() {
		return nil, s.reject("getByIndex", "")
	}
	keys, err := s.next.GetByIndex(ctx, slot, indexKey)
	s.b.Record(err)
	return keys, err
}
