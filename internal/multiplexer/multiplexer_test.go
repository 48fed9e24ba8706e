package multiplexer

import (
	"context"
	"testing"

	"github.com/substrat/substrat/internal/provider"
	"github.com/substrat/substrat/internal/sessionstore"
)

func newTestSession(t *testing.T, store *sessionstore.Store) sessionstore.Session {
	t.Helper()
	s := sessionstore.New("mock", "default")
	if err := s.Transition(sessionstore.StateActive); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutAndReleaseWithinBudget(t *testing.T) {
	root := t.TempDir()
	store := sessionstore.NewStore(root)
	mux := New(2, store)
	p := provider.NewMockProvider()
	ctx := context.Background()

	a := newTestSession(t, store)
	ps, err := p.Create(ctx, "m", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := mux.Put(ctx, a.ID, ps, a, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !mux.Contains(a.ID) {
		t.Fatalf("expected multiplexer to contain %s", a.ID)
	}
	mux.Release(a.ID)
	if mux.SlotsInUse() != 1 {
		t.Fatalf("expected 1 slot in use after release, got %d", mux.SlotsInUse())
	}
}

// TestLRUEvictionUnderPressure mirrors scenario S1 from the specification:
// with max_slots=2, a third put must evict the least-recently-released
// entry, suspending it and persisting SUSPENDED state.
func TestLRUEvictionUnderPressure(t *testing.T) {
	root := t.TempDir()
	store := sessionstore.NewStore(root)
	mux := New(2, store)
	p := provider.NewMockProvider()
	ctx := context.Background()

	a := newTestSession(t, store)
	b := newTestSession(t, store)
	c := newTestSession(t, store)

	psA, _ := p.Create(ctx, "m", "")
	psB, _ := p.Create(ctx, "m", "")
	psC, _ := p.Create(ctx, "m", "")

	if err := mux.Put(ctx, a.ID, psA, a, nil); err != nil {
		t.Fatal(err)
	}
	mux.Release(a.ID)
	if err := mux.Put(ctx, b.ID, psB, b, nil); err != nil {
		t.Fatal(err)
	}
	mux.Release(b.ID)

	var evictedSize int
	evictLog := func(s sessionstore.Session, size int) error {
		evictedSize = size
		return nil
	}
	if err := mux.Put(ctx, c.ID, psC, c, evictLog); err != nil {
		t.Fatalf("Put c should succeed by evicting a: %v", err)
	}

	if mux.Contains(a.ID) {
		t.Fatalf("session a should have been evicted")
	}
	if !mux.Contains(b.ID) || !mux.Contains(c.ID) {
		t.Fatalf("sessions b and c should remain resident")
	}
	if evictedSize == 0 {
		t.Fatalf("expected non-zero suspended state size")
	}

	saved, err := store.Load(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.State != sessionstore.StateSuspended {
		t.Fatalf("evicted session should be SUSPENDED on disk, got %s", saved.State)
	}
	if len(saved.ProviderState) == 0 {
		t.Fatalf("evicted session should have persisted provider_state")
	}
}

func TestAcquireRestoresEvictedSession(t *testing.T) {
	root := t.TempDir()
	store := sessionstore.NewStore(root)
	mux := New(1, store)
	p := provider.NewMockProvider()
	ctx := context.Background()

	a := newTestSession(t, store)
	psA, _ := p.Create(ctx, "m", "")
	if err := mux.Put(ctx, a.ID, psA, a, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := psA.Send(ctx, "hello"); err != nil {
		t.Fatal(err)
	}
	mux.Release(a.ID)

	b := newTestSession(t, store)
	psB, _ := p.Create(ctx, "m", "")
	if err := mux.Put(ctx, b.ID, psB, b, func(sessionstore.Session, int) error { return nil }); err != nil {
		t.Fatalf("Put b should evict a: %v", err)
	}
	mux.Release(b.ID)
	if mux.Contains(a.ID) {
		t.Fatalf("a should have been evicted for b")
	}

	savedA, err := store.Load(a.ID)
	if err != nil {
		t.Fatal(err)
	}

	restored, err := mux.Acquire(ctx, savedA, p, func(sessionstore.Session, int) error { return nil })
	if err != nil {
		t.Fatalf("Acquire should restore evicted session a: %v", err)
	}
	if restored == nil {
		t.Fatalf("expected a non-nil restored ProviderSession")
	}
	if !mux.Contains(a.ID) {
		t.Fatalf("a should be resident again after Acquire")
	}
	if mux.Contains(b.ID) {
		t.Fatalf("b should have been evicted to make room for restored a")
	}
}

func TestAcquireOnFullHeldMultiplexerFails(t *testing.T) {
	root := t.TempDir()
	store := sessionstore.NewStore(root)
	mux := New(1, store)
	p := provider.NewMockProvider()
	ctx := context.Background()

	a := newTestSession(t, store)
	psA, _ := p.Create(ctx, "m", "")
	if err := mux.Put(ctx, a.ID, psA, a, nil); err != nil {
		t.Fatal(err) // a stays held, no Release
	}

	b := newTestSession(t, store)
	if _, err := mux.Acquire(ctx, b, p, nil); err != ErrSlotsExhausted {
		t.Fatalf("expected ErrSlotsExhausted, got %v", err)
	}
}

func TestRemoveDoesNotPersistState(t *testing.T) {
	root := t.TempDir()
	store := sessionstore.NewStore(root)
	mux := New(2, store)
	p := provider.NewMockProvider()
	ctx := context.Background()

	a := newTestSession(t, store)
	psA, _ := p.Create(ctx, "m", "")
	if err := mux.Put(ctx, a.ID, psA, a, nil); err != nil {
		t.Fatal(err)
	}
	if err := mux.Remove(a.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if mux.Contains(a.ID) {
		t.Fatalf("removed session should not be resident")
	}
	if mux.SlotsInUse() != 0 {
		t.Fatalf("expected 0 slots in use after remove, got %d", mux.SlotsInUse())
	}
	onDisk, err := store.Load(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.State != sessionstore.StateActive || len(onDisk.ProviderState) != 0 {
		t.Fatalf("Remove should not persist state, got %v with %d bytes of provider_state", onDisk.State, len(onDisk.ProviderState))
	}
}
