// Package multiplexer implements the fixed-slot LRU that holds live
// ProviderSessions. Only "released" sessions are eviction candidates; a
// session currently in a send ("held") is never touched by eviction.
package multiplexer

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/substrat/substrat/internal/dlog"
	"github.com/substrat/substrat/internal/provider"
	"github.com/substrat/substrat/internal/sessionstore"
	"github.com/substrat/substrat/internal/substraterr"
)

// ErrSlotsExhausted is returned when every slot is held and eviction cannot
// free one. There is intentionally no waiting queue: surfacing pressure
// eagerly makes deadlocks impossible, at the cost of the caller having to
// handle backpressure itself.
var ErrSlotsExhausted = substraterr.New(substraterr.KindSlotsExhausted, "slots-exhausted")

type entry struct {
	id      string
	ps      provider.ProviderSession
	elem    *list.Element // position in the released LRU list, nil while held
}

// Multiplexer bounds the number of concurrently live ProviderSessions to
// MaxSlots, evicting the least-recently-released entry under pressure.
type Multiplexer struct {
	maxSlots int
	sem      *semaphore.Weighted // one weight unit per occupied slot, held or released

	mu       sync.Mutex
	held     map[string]*entry
	released map[string]*entry
	lru      *list.List // front = least recently released, back = most recent

	store *sessionstore.Store
}

// New returns a Multiplexer with the given fixed slot budget.
func New(maxSlots int, store *sessionstore.Store) *Multiplexer {
	if maxSlots <= 0 {
		maxSlots = 4
	}
	return &Multiplexer{
		maxSlots: maxSlots,
		sem:      semaphore.NewWeighted(int64(maxSlots)),
		held:     make(map[string]*entry),
		released: make(map[string]*entry),
		lru:      list.New(),
		store:    store,
	}
}

// Contains reports whether a session id currently occupies a slot, held or
// released.
func (m *Multiplexer) Contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, h := m.held[id]
	_, r := m.released[id]
	return h || r
}

// Put inserts a freshly-created ProviderSession into the held set. If the
// slot budget is exceeded it first evicts the least-recently-released
// entry (suspending it and persisting SUSPENDED state); if no slot can be
// freed because every occupant is held, it returns ErrSlotsExhausted.
func (m *Multiplexer) Put(ctx context.Context, id string, ps provider.ProviderSession, session sessionstore.Session, evictLog func(sessionstore.Session, int) error) error {
	if err := m.ensureSlot(ctx, session, evictLog); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[id] = &entry{id: id, ps: ps}
	return nil
}

// Acquire returns the ProviderSession for id, moving it to held. If it is
// not resident, it evicts the LRU released entry if necessary, restores the
// session via provider, marks it held, and returns it. Callers must call
// Release when the send completes.
func (m *Multiplexer) Acquire(ctx context.Context, session sessionstore.Session, p provider.AgentProvider, evictLog func(sessionstore.Session, int) error) (provider.ProviderSession, error) {
	m.mu.Lock()
	if e, ok := m.released[session.ID]; ok {
		delete(m.released, session.ID)
		m.lru.Remove(e.elem)
		e.elem = nil
		m.held[session.ID] = e
		m.mu.Unlock()
		return e.ps, nil
	}
	if e, ok := m.held[session.ID]; ok {
		m.mu.Unlock()
		return e.ps, nil
	}
	m.mu.Unlock()

	if err := m.ensureSlot(ctx, session, evictLog); err != nil {
		return nil, err
	}

	ps, err := p.Restore(ctx, session.ProviderState)
	if err != nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("provider-failure: restore session %s: %w", session.ID, err)
	}
	dlog.Event("multiplexer", "restored session", "session_id", session.ID, "provider", p.Name())

	m.mu.Lock()
	m.held[session.ID] = &entry{id: session.ID, ps: ps}
	m.mu.Unlock()
	return ps, nil
}

// ensureSlot reserves one weight unit on the semaphore, evicting the LRU
// released entry if the budget is currently full. It leaves the semaphore
// held (the caller is expected to place a held entry immediately after).
func (m *Multiplexer) ensureSlot(ctx context.Context, incoming sessionstore.Session, evictLog func(sessionstore.Session, int) error) error {
	if m.sem.TryAcquire(1) {
		return nil
	}

	victim, ok := m.lruVictim()
	if !ok {
		return ErrSlotsExhausted
	}
	if err := m.evict(ctx, victim, evictLog); err != nil {
		return fmt.Errorf("provider-failure: evicting session %s: %w", victim, err)
	}
	if !m.sem.TryAcquire(1) {
		return ErrSlotsExhausted
	}
	return nil
}

func (m *Multiplexer) lruVictim() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	front := m.lru.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}

// evict suspends the victim's ProviderSession, persists its SUSPENDED
// session record, and frees its slot. evictLog is called with the updated
// session record and the size of the captured provider_state, so the
// caller can write a suspend.result event to the victim's own log.
func (m *Multiplexer) evict(ctx context.Context, id string, evictLog func(sessionstore.Session, int) error) error {
	m.mu.Lock()
	e, ok := m.released[id]
	if !ok {
		m.mu.Unlock()
		// Already gone (raced with a concurrent release/acquire); nothing to do.
		return nil
	}
	delete(m.released, id)
	m.lru.Remove(e.elem)
	m.mu.Unlock()

	state, err := e.ps.Suspend(ctx)
	if err != nil {
		return err
	}

	session, err := m.store.Load(id)
	if err != nil {
		return fmt.Errorf("io-failure: load session %s for eviction: %w", id, err)
	}
	if err := session.Transition(sessionstore.StateSuspended); err != nil {
		return err
	}
	session.ProviderState = state
	if err := m.store.Save(session); err != nil {
		return fmt.Errorf("io-failure: save evicted session %s: %w", id, err)
	}

	m.sem.Release(1)

	if evictLog != nil {
		if err := evictLog(session, len(state)); err != nil {
			return err
		}
	}
	dlog.Event("multiplexer", "evicted session", "session_id", id, "state_size", len(state))
	return nil
}

// Release moves a held session to the released set, at the most-recently
// released end of the LRU.
func (m *Multiplexer) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[id]
	if !ok {
		return
	}
	delete(m.held, id)
	e.elem = m.lru.PushBack(id)
	m.released[id] = e
}

// Remove stops the ProviderSession and drops it from the multiplexer
// without saving state. Callers are responsible for the corresponding
// session record transition (SUSPENDED/TERMINATED).
func (m *Multiplexer) Remove(id string) error {
	m.mu.Lock()
	e, held := m.held[id]
	if !held {
		e = m.released[id]
	}
	if e == nil {
		m.mu.Unlock()
		return nil
	}
	delete(m.held, id)
	if r, ok := m.released[id]; ok {
		m.lru.Remove(r.elem)
		delete(m.released, id)
	}
	m.mu.Unlock()

	m.sem.Release(1)
	return e.ps.Stop()
}

// ForceSuspend evicts id out of LRU order, e.g. for an operator-driven
// session.suspend request rather than slot pressure. A held (mid-turn)
// session cannot be force-suspended; a session not currently resident is
// already suspended and this is a no-op.
func (m *Multiplexer) ForceSuspend(ctx context.Context, id string, evictLog func(sessionstore.Session, int) error) error {
	m.mu.Lock()
	_, isHeld := m.held[id]
	_, isReleased := m.released[id]
	m.mu.Unlock()

	if isHeld {
		return substraterr.New(substraterr.KindSessionState, "cannot suspend session %s mid-turn", id)
	}
	if !isReleased {
		return nil
	}
	return m.evict(ctx, id, evictLog)
}

// SlotsInUse reports the held+released count, used to assert the slot ≤
// max_slots invariant.
func (m *Multiplexer) SlotsInUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held) + len(m.released)
}

// HeldCount reports how many sessions are currently held (mid-turn).
func (m *Multiplexer) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}
