package cache

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
)

func mustIndexed(t *testing.T, f Factory, namespace string) IndexedStore {
	t.Helper()
	s := mustStore(t, f, namespace)
	is, ok := s.(IndexedStore)
	if !ok {
		t.Fatalf("store %T does not implement IndexedStore", s)
	}
	return is
}

func lookup(t *testing.T, s IndexedStore, slot int, indexKey string) []string {
	t.Helper()
	keys, err := s.GetByIndex(t.Context(), slot, indexKey)
	if err != nil {
		t.Fatalf("GetByIndex(%d, %q): %v", slot, indexKey, err)
	}
	return keys
}

func TestIndexed_PlainStoreWithoutIndexCount(t *testing.T) {
	s := mustStore(t, mustLocalFactory(t), "plain")
	if _, ok := s.(IndexedStore); ok {
		t.Fatal("expected a plain store when index count is 0")
	}
}

func TestIndexed_OverwriteMovesIndex(t *testing.T) {
	s := mustIndexed(t, mustLocalFactory(t, WithIndexCount(2)), "orders")
	ctx := t.Context()

	if err := s.Put(ctx, "k", []byte("v"), WithIndexes("a", "b")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if got := lookup(t, s, 0, "a"); !slices.Equal(got, []string{"k"}) {
		t.Fatalf("slot 0 %q = %v, want [k]", "a", got)
	}
	if got := lookup(t, s, 1, "b"); !slices.Equal(got, []string{"k"}) {
		t.Fatalf("slot 1 %q = %v, want [k]", "b", got)
	}

	if err := s.Put(ctx, "k", []byte("v2"), WithIndexes("a2", "b")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if got := lookup(t, s, 0, "a"); len(got) != 0 {
		t.Fatalf("slot 0 %q = %v, want empty", "a", got)
	}
	if got := lookup(t, s, 0, "a2"); !slices.Equal(got, []string{"k"}) {
		t.Fatalf("slot 0 %q = %v, want [k]", "a2", got)
	}
	if got := lookup(t, s, 1, "b"); !slices.Equal(got, []string{"k"}) {
		t.Fatalf("slot 1 %q = %v, want [k]", "b", got)
	}
}

func TestIndexed_MultipleKeysSorted(t *testing.T) {
	s := mustIndexed(t, mustLocalFactory(t, WithIndexCount(1)), "multi")
	ctx := t.Context()

	for _, k := range []string{"c", "a", "b"} {
		if err := s.Put(ctx, k, []byte(k), WithIndexes("shared")); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}
	if got := lookup(t, s, 0, "shared"); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("got %v, want [a b c]", got)
	}
}

func TestIndexed_RemoveClearsIndex(t *testing.T) {
	s := mustIndexed(t, mustLocalFactory(t, WithIndexCount(2)), "rm")
	ctx := t.Context()

	_ = s.Put(ctx, "k", []byte("v"), WithIndexes("a", "b"))
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if got := lookup(t, s, 0, "a"); len(got) != 0 {
		t.Fatalf("slot 0 = %v, want empty", got)
	}
	if got := lookup(t, s, 1, "b"); len(got) != 0 {
		t.Fatalf("slot 1 = %v, want empty", got)
	}
}

func TestIndexed_OrphansAreFiltered(t *testing.T) {
	f := mustLocalFactory(t, WithIndexCount(1), WithRepairRate(0, 0))
	s := mustIndexed(t, f, "orphans")
	ctx := t.Context()

	_ = s.Put(ctx, "k", []byte("v"), WithIndexes("a"))

	// Remove the primary entry behind the decorator's back, leaving the
	// index member orphaned.
	base, _ := f.plainStore("orphans")
	if err := base.Remove(ctx, "k"); err != nil {
		t.Fatalf("base Remove: %v", err)
	}

	if got := lookup(t, s, 0, "a"); len(got) != 0 {
		t.Fatalf("got %v, want orphan filtered", got)
	}

	// Repair is disabled, so the stale member is still in the backend.
	members, _ := f.indexes("orphans").IndexMembers(ctx, 0, "a")
	if !slices.Equal(members, []string{"k"}) {
		t.Fatalf("members = %v, want [k]", members)
	}
}

func TestIndexed_OrphansAreRepaired(t *testing.T) {
	f := mustLocalFactory(t, WithIndexCount(1))
	s := mustIndexed(t, f, "repair")
	ctx := t.Context()

	_ = s.Put(ctx, "k", []byte("v"), WithIndexes("a"))
	base, _ := f.plainStore("repair")
	_ = base.Put(ctx, "k", []byte("v"), WithIndexes("other"))

	if got := lookup(t, s, 0, "a"); len(got) != 0 {
		t.Fatalf("got %v, want stale member filtered", got)
	}
	members, _ := f.indexes("repair").IndexMembers(ctx, 0, "a")
	if len(members) != 0 {
		t.Fatalf("members = %v, want stale member removed", members)
	}
}

func TestIndexed_ClearDropsIndexes(t *testing.T) {
	s := mustIndexed(t, mustLocalFactory(t, WithIndexCount(1)), "clear")
	ctx := t.Context()

	_ = s.Put(ctx, "k", []byte("v"), WithIndexes("a"))
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected miss after Clear")
	}
	if got := lookup(t, s, 0, "a"); len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestIndexed_SlotValidation(t *testing.T) {
	s := mustIndexed(t, mustLocalFactory(t, WithIndexCount(1)), "slots")
	ctx := t.Context()

	if err := s.Put(ctx, "k", []byte("v"), WithIndexes("a", "b")); !errors.Is(err, ErrIndexSlot) {
		t.Fatalf("Put with too many indexes: got %v, want ErrIndexSlot", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("rejected Put must not write the primary entry")
	}
	if _, err := s.GetByIndex(ctx, 1, "a"); !errors.Is(err, ErrIndexSlot) {
		t.Fatalf("GetByIndex(1): got %v, want ErrIndexSlot", err)
	}
	if _, err := s.GetByIndex(ctx, -1, "a"); !errors.Is(err, ErrIndexSlot) {
		t.Fatalf("GetByIndex(-1): got %v, want ErrIndexSlot", err)
	}
}

func TestIndexed_EmptyAttributeIsNotIndexed(t *testing.T) {
	s := mustIndexed(t, mustLocalFactory(t, WithIndexCount(2)), "sparse")
	ctx := t.Context()

	if err := s.Put(ctx, "k", []byte("v"), WithIndexes("a")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	e, _, _ := s.Get(ctx, "k")
	if len(e.Indexes) != 2 || e.Index(1) != "" {
		t.Fatalf("Indexes = %q, want [a \"\"]", e.Indexes)
	}
	if got := lookup(t, s, 1, ""); len(got) != 0 {
		t.Fatalf("slot 1 \"\" = %v, want empty", got)
	}
}

// faultyIndex is an IndexBackend whose writes fail on demand.
type faultyIndex struct {
	mu      sync.Mutex
	failAdd bool
	adds    int
	sets    map[string][]string
}

var errIndexDown = errors.New("index backend down")

func (x *faultyIndex) AddIndex(_ context.Context, slot int, indexKey, key string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.adds++
	if x.failAdd {
		return errIndexDown
	}
	if x.sets == nil {
		x.sets = make(map[string][]string)
	}
	sk := slotKey(slot, indexKey)
	if !slices.Contains(x.sets[sk], key) {
		x.sets[sk] = append(x.sets[sk], key)
	}
	return nil
}

func (x *faultyIndex) RemoveIndex(_ context.Context, slot int, indexKey, key string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	sk := slotKey(slot, indexKey)
	x.sets[sk] = slices.DeleteFunc(x.sets[sk], func(k string) bool { return k == key })
	return nil
}

func (x *faultyIndex) IndexMembers(_ context.Context, slot int, indexKey string) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.sets[slotKey(slot, indexKey)]), nil
}

func (x *faultyIndex) ClearIndexes(context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	clear(x.sets)
	return nil
}

// failingStore rejects every write.
type failingStore struct{ Store }

func (failingStore) Put(context.Context, string, []byte, ...PutOption) error {
	return &OpError{Op: "put", Namespace: "failing", Err: errors.New("connection refused")}
}

func TestIndexed_PrimaryFailureSkipsIndex(t *testing.T) {
	base := failingStore{mustStore(t, mustLocalFactory(t), "failing")}
	idx := &faultyIndex{}
	s := NewIndexedStore(base, idx, 1)

	err := s.Put(t.Context(), "k", []byte("v"), WithIndexes("a"))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
	if idx.adds != 0 {
		t.Fatalf("index written %d times after failed primary write", idx.adds)
	}
}

func TestIndexed_IndexFailureIsReported(t *testing.T) {
	base := mustStore(t, mustLocalFactory(t), "diverged")
	idx := &faultyIndex{failAdd: true}
	s := NewIndexedStore(base, idx, 1)
	ctx := t.Context()

	err := s.Put(ctx, "k", []byte("v"), WithIndexes("a"))
	if !errors.Is(err, ErrIndexInconsistent) {
		t.Fatalf("got %v, want ErrIndexInconsistent", err)
	}
	if !errors.Is(err, errIndexDown) {
		t.Fatalf("IndexError must unwrap the slot failure, got %v", err)
	}
	var ierr *IndexError
	if !errors.As(err, &ierr) || len(ierr.Slots) != 1 || ierr.Slots[0].Slot != 0 {
		t.Fatalf("unexpected IndexError: %#v", ierr)
	}

	// The primary write went through.
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("expected primary entry after index failure")
	}

	// Retrying once the backend recovers re-converges.
	idx.failAdd = false
	if err := s.Put(ctx, "k", []byte("v"), WithIndexes("a")); err != nil {
		t.Fatalf("retry Put: %v", err)
	}
	if got := lookup(t, s, 0, "a"); !slices.Equal(got, []string{"k"}) {
		t.Fatalf("got %v, want [k]", got)
	}
}
