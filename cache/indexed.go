package cache

import (
	"context"
	"log/slog"
	"slices"
)

// IndexBackend stores the index sets of one namespace: for each (slot,
// indexKey) pair, the set of primary keys carrying that attribute.
type IndexBackend interface {
	AddIndex(ctx context.Context, slot int, indexKey, key string) error
	RemoveIndex(ctx context.Context, slot int, indexKey, key string) error
	IndexMembers(ctx context.Context, slot int, indexKey string) ([]string, error)
	ClearIndexes(ctx context.Context) error
}

// Indexed decorates a Store with secondary-index bookkeeping. The index
// attributes of each entry travel with the primary entry, so the decorator
// can always find the index members to retire on overwrite or removal.
type Indexed struct {
	base   Store
	check  Store
	idx    IndexBackend
	count  int
	logger *slog.Logger
	repair *repairer
}

var _ IndexedStore = (*Indexed)(nil)

// NewIndexedStore wraps base with indexCount index slots kept in idx. Only
// the repair-rate and logger options are used.
func NewIndexedStore(base Store, idx IndexBackend, indexCount int, opts ...FactoryOption) *Indexed {
	cfg := newFactoryConfig(opts)
	return newIndexed(base, base, idx, indexCount, cfg.logger, newRepairer(cfg.repairRate, cfg.repairBurst))
}

// newIndexed builds the decorator. check is the authoritative store that
// previous attributes and index members are validated against; for a
// single-tier factory it is base itself.
func newIndexed(base, check Store, idx IndexBackend, count int, logger *slog.Logger, rep *repairer) *Indexed {
	return &Indexed{
		base:   base,
		check:  check,
		idx:    idx,
		count:  count,
		logger: logger,
		repair: rep,
	}
}

func (s *Indexed) Namespace() string { return s.base.Namespace() }

// IndexCount returns the number of index slots.
func (s *Indexed) IndexCount() int { return s.count }

// Get delegates to the wrapped store.
func (s *Indexed) Get(ctx context.Context, key string) (*Entry, bool, error) {
	return s.base.Get(ctx, key)
}

// Put writes the primary entry, then retires the index members of the
// previous attributes and adds the new ones. A failed primary write leaves
// the index untouched; failed index writes after a successful primary write
// are returned as an *IndexError.
func (s *Indexed) Put(ctx context.Context, key string, val []byte, opts ...PutOption) error {
	o := applyPutOptions(opts)
	if len(o.indexes) > s.count {
		return opError("put", s.Namespace(), key, ErrIndexSlot)
	}
	next := make([]string, s.count)
	copy(next, o.indexes)

	prev, found, err := s.check.Get(ctx, key)
	if err != nil {
		return err
	}

	// Pass the padded attributes through so the primary entry records one
	// value per slot.
	if err := s.base.Put(ctx, key, val, append(slices.Clip(opts), WithIndexes(next...))...); err != nil {
		return err
	}

	var failed []SlotError
	for slot := range s.count {
		old := ""
		if found {
			old = prev.Index(slot)
		}
		if old != "" && old != next[slot] {
			if err := s.idx.RemoveIndex(ctx, slot, old, key); err != nil {
				failed = append(failed, SlotError{Slot: slot, IndexKey: old, Err: err})
			}
		}
		if next[slot] != "" {
			if err := s.idx.AddIndex(ctx, slot, next[slot], key); err != nil {
				failed = append(failed, SlotError{Slot: slot, IndexKey: next[slot], Err: err})
			}
		}
	}
	return s.inconsistent("put", key, failed)
}

// Remove retires the entry's index members, then removes the primary entry.
// When the entry is already gone its index members stay behind as orphans
// and are filtered by GetByIndex.
func (s *Indexed) Remove(ctx context.Context, key string) error {
	prev, found, err := s.check.Get(ctx, key)
	if err != nil {
		return err
	}

	var failed []SlotError
	if found {
		for slot := range s.count {
			ik := prev.Index(slot)
			if ik == "" {
				continue
			}
			if err := s.idx.RemoveIndex(ctx, slot, ik, key); err != nil {
				failed = append(failed, SlotError{Slot: slot, IndexKey: ik, Err: err})
			}
		}
	}

	if err := s.base.Remove(ctx, key); err != nil {
		return err
	}
	return s.inconsistent("remove", key, failed)
}

// Clear removes the namespace's entries and every index slot.
func (s *Indexed) Clear(ctx context.Context) error {
	if err := s.base.Clear(ctx); err != nil {
		return err
	}
	return s.idx.ClearIndexes(ctx)
}

// GetByIndex looks up the members of (slot, indexKey) and keeps only those
// whose current primary entry still carries indexKey in slot. Stale members
// are deleted as the repair budget allows.
func (s *Indexed) GetByIndex(ctx context.Context, slot int, indexKey string) ([]string, error) {
	if slot < 0 || slot >= s.count {
		return nil, opError("getByIndex", s.Namespace(), indexKey, ErrIndexSlot)
	}

	members, err := s.idx.IndexMembers(ctx, slot, indexKey)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(members))
	for _, key := range members {
		e, ok, err := s.check.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok && e.Index(slot) == indexKey {
			keys = append(keys, key)
			continue
		}
		s.dropStale(ctx, slot, indexKey, key)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Indexed) dropStale(ctx context.Context, slot int, indexKey, key string) {
	if !s.repair.allow() {
		return
	}
	if err := s.idx.RemoveIndex(ctx, slot, indexKey, key); err != nil {
		s.logger.Debug("stale index member not removed",
			slog.String("namespace", s.Namespace()),
			slog.String("key", key),
			slog.Int("slot", slot),
			slog.Any("error", err),
		)
	}
}

func (s *Indexed) inconsistent(op, key string, failed []SlotError) error {
	if len(failed) == 0 {
		return nil
	}
	for _, f := range failed {
		s.logger.Warn("index update failed after "+op,
			slog.String("namespace", s.Namespace()),
			slog.String("key", key),
			slog.Int("slot", f.Slot),
			slog.Any("error", f.Err),
		)
	}
	return &IndexError{Namespace: s.Namespace(), Key: key, Slots: failed}
}
