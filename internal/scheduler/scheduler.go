// Package scheduler implements the TurnScheduler from spec.md section 4.5:
// the component that composes SessionStore, providers, the Multiplexer, and
// per-session EventLogs into the exact seven-step turn lifecycle.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/substrat/substrat/internal/dlog"
	"github.com/substrat/substrat/internal/eventlog"
	"github.com/substrat/substrat/internal/multiplexer"
	"github.com/substrat/substrat/internal/provider"
	"github.com/substrat/substrat/internal/sessionstore"
	"github.com/substrat/substrat/internal/substraterr"
)

// pidFileName is the file recovery consults to clean up a stray CLI
// subprocess left behind by an orphaned session (spec.md section 4.9's
// "best-effort" step).
const pidFileName = "provider.pid"

func pidFilePath(agentDir string) string { return filepath.Join(agentDir, pidFileName) }

// pidHolder is implemented by provider sessions that run as an OS process
// (currently only the CLI provider); everything else leaves no PID file.
type pidHolder interface {
	Pid() (int, bool)
}

func writePIDFile(agentDir string, ps provider.ProviderSession) {
	holder, ok := ps.(pidHolder)
	if !ok {
		return
	}
	pid, ok := holder.Pid()
	if !ok {
		return
	}
	_ = os.WriteFile(pidFilePath(agentDir), []byte(fmt.Sprintf("%d", pid)), 0644)
}

func removePIDFile(agentDir string) {
	_ = os.Remove(pidFilePath(agentDir))
}

// DeferredFunc is zero-argument work enqueued during a turn and run after
// that turn's slot release, in FIFO order (spec.md section 4.5/9).
type DeferredFunc func(ctx context.Context) error

// Scheduler composes the session layer into create_session/send_turn/
// terminate_session/defer. A single deferred-work FIFO is owned here,
// matching the "single producer/consumer, not the general task scheduler"
// design note in spec.md section 9.
type Scheduler struct {
	store     *sessionstore.Store
	providers *provider.Registry
	mux       *multiplexer.Multiplexer

	mu       sync.Mutex
	cache    map[string]sessionstore.Session
	logs     map[string]*eventlog.EventLog
	deferred []DeferredFunc
}

// New returns a Scheduler composing the given session-layer primitives.
func New(store *sessionstore.Store, providers *provider.Registry, mux *multiplexer.Multiplexer) *Scheduler {
	return &Scheduler{
		store:     store,
		providers: providers,
		mux:       mux,
		cache:     make(map[string]sessionstore.Session),
		logs:      make(map[string]*eventlog.EventLog),
	}
}

func (s *Scheduler) evictLog(victim sessionstore.Session, stateSize int) error {
	removePIDFile(s.store.AgentDir(victim.ID))
	log, err := s.EventLogFor(victim.ID)
	if err != nil {
		return err
	}
	return log.Log("suspend.result", map[string]any{"state_size": stateSize})
}

// EventLogFor returns (opening and caching if needed) the EventLog for a
// given session id. Shared by the scheduler's own turn logging and by
// higher layers (ToolHandler, Orchestrator) that log agent.* and
// message.* events to an agent's own log.
func (s *Scheduler) EventLogFor(sessionID string) (*eventlog.EventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok := s.logs[sessionID]; ok {
		return log, nil
	}
	log, err := eventlog.Open(s.store.AgentDir(sessionID), map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, substraterr.Wrap(substraterr.KindIOFailure, err)
	}
	s.logs[sessionID] = log
	return log, nil
}

// CreateSession allocates a fresh id and a session record, its directory
// and EventLog, creates the provider session, and places it into the
// multiplexer.
func (s *Scheduler) CreateSession(ctx context.Context, providerName, model, systemPrompt string) (sessionstore.Session, error) {
	return s.createSession(ctx, sessionstore.New(providerName, model), systemPrompt)
}

// CreateSessionFor is CreateSession for an id allocated earlier by a
// caller — used by spawn_agent (spec.md section 4.8), which must hand out
// session_id synchronously during the parent's turn, before the deferred
// queue actually creates the provider session for it.
func (s *Scheduler) CreateSessionFor(ctx context.Context, id, providerName, model, systemPrompt string) (sessionstore.Session, error) {
	session := sessionstore.New(providerName, model)
	session.ID = id
	return s.createSession(ctx, session, systemPrompt)
}

func (s *Scheduler) createSession(ctx context.Context, session sessionstore.Session, systemPrompt string) (sessionstore.Session, error) {
	providerName, model := session.ProviderName, session.Model
	p, ok := s.providers.Get(providerName)
	if !ok {
		return sessionstore.Session{}, substraterr.New(substraterr.KindNotFound, "unknown provider %q", providerName)
	}

	if err := s.store.Save(session); err != nil {
		return sessionstore.Session{}, substraterr.Wrap(substraterr.KindIOFailure, err)
	}
	if _, err := s.EventLogFor(session.ID); err != nil {
		return sessionstore.Session{}, err
	}

	ps, err := p.Create(ctx, model, systemPrompt)
	if err != nil {
		return sessionstore.Session{}, substraterr.Wrap(substraterr.KindProviderFailure, err)
	}
	writePIDFile(s.store.AgentDir(session.ID), ps)
	if err := s.mux.Put(ctx, session.ID, ps, session, s.evictLog); err != nil {
		return sessionstore.Session{}, err
	}

	if err := session.Transition(sessionstore.StateActive); err != nil {
		return sessionstore.Session{}, err
	}
	if err := s.store.Save(session); err != nil {
		return sessionstore.Session{}, substraterr.Wrap(substraterr.KindIOFailure, err)
	}

	s.mu.Lock()
	s.cache[session.ID] = session
	s.mu.Unlock()

	dlog.Event("scheduler", "session created", "session_id", session.ID, "provider", providerName)
	return session, nil
}

// Defer enqueues zero-argument work to run after the current turn's slot
// release (step 6 of send_turn), in FIFO order.
func (s *Scheduler) Defer(fn DeferredFunc) {
	s.mu.Lock()
	s.deferred = append(s.deferred, fn)
	s.mu.Unlock()
}

func (s *Scheduler) popDeferred() (DeferredFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.deferred) == 0 {
		return nil, false
	}
	fn := s.deferred[0]
	s.deferred = s.deferred[1:]
	return fn, true
}

// drainDeferred runs every enqueued callback to completion, in FIFO order.
// Callbacks may themselves call Defer; that work runs in this same drain,
// per spec.md section 4.5 step 6.
func (s *Scheduler) drainDeferred(ctx context.Context) error {
	for {
		fn, ok := s.popDeferred()
		if !ok {
			return nil
		}
		if err := fn(ctx); err != nil {
			return err
		}
	}
}

func (s *Scheduler) resolveSession(ctx context.Context, sessionID string) (sessionstore.Session, error) {
	s.mu.Lock()
	cached, ok := s.cache[sessionID]
	s.mu.Unlock()

	if ok && (s.mux.Contains(sessionID) || cached.State != sessionstore.StateActive) {
		return cached, nil
	}

	// Either never cached, or cached as ACTIVE but no longer resident in the
	// multiplexer: a background eviction happened. Reload from disk, which
	// reflects the SUSPENDED state the evictor persisted.
	loaded, err := s.store.Load(sessionID)
	if err != nil {
		return sessionstore.Session{}, substraterr.New(substraterr.KindNotFound, "session %s: %v", sessionID, err)
	}
	s.mu.Lock()
	s.cache[sessionID] = loaded
	s.mu.Unlock()
	return loaded, nil
}

// SendTurn runs the exact seven-step turn lifecycle from spec.md section
// 4.5: log turn.start, acquire a slot, collect the full response, always
// release the slot, and only on success log turn.complete and drain
// deferred work.
func (s *Scheduler) SendTurn(ctx context.Context, sessionID, prompt string) (string, error) {
	session, err := s.resolveSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	log, err := s.EventLogFor(sessionID)
	if err != nil {
		return "", err
	}
	if err := log.Log("turn.start", map[string]any{"prompt": prompt}); err != nil {
		return "", substraterr.Wrap(substraterr.KindIOFailure, err)
	}

	p, ok := s.providers.Get(session.ProviderName)
	if !ok {
		return "", substraterr.New(substraterr.KindNotFound, "unknown provider %q", session.ProviderName)
	}

	ps, err := s.mux.Acquire(ctx, session, p, s.evictLog)
	if err != nil {
		return "", err
	}

	// A provider like cli only has a live subprocess while a turn is in
	// flight; record its PID for the duration of this turn. Recovery reads
	// provider.pid only for orphan sessions (no agent.created event), so a
	// PID file left behind by a crash here is not acted on for an agent's
	// session.
	writePIDFile(s.store.AgentDir(sessionID), ps)
	response, sendErr := collectResponse(ctx, ps, prompt)
	removePIDFile(s.store.AgentDir(sessionID))

	s.mux.Release(sessionID)

	if sendErr != nil {
		return "", substraterr.Wrap(substraterr.KindProviderFailure, sendErr)
	}

	if err := log.Log("turn.complete", map[string]any{"response": response}); err != nil {
		return "", substraterr.Wrap(substraterr.KindIOFailure, err)
	}
	if err := s.drainDeferred(ctx); err != nil {
		return response, err
	}
	return response, nil
}

func collectResponse(ctx context.Context, ps provider.ProviderSession, prompt string) (string, error) {
	ch, err := ps.Send(ctx, prompt)
	if err != nil {
		return "", err
	}
	var out string
	for chunk := range ch {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		out += chunk.Text
	}
	return out, nil
}

// TerminateSession removes the session from the multiplexer (without
// persisting provider_state, per spec.md section 4.4's remove()) and
// transitions the session record to TERMINATED.
func (s *Scheduler) TerminateSession(sessionID string) error {
	if err := s.mux.Remove(sessionID); err != nil {
		return substraterr.Wrap(substraterr.KindProviderFailure, err)
	}
	removePIDFile(s.store.AgentDir(sessionID))

	session, err := s.store.Load(sessionID)
	if err != nil {
		return substraterr.New(substraterr.KindNotFound, "session %s: %v", sessionID, err)
	}
	if err := session.Transition(sessionstore.StateTerminated); err != nil {
		return err
	}
	if err := s.store.Save(session); err != nil {
		return substraterr.Wrap(substraterr.KindIOFailure, err)
	}

	s.mu.Lock()
	s.cache[sessionID] = session
	s.mu.Unlock()

	dlog.Event("scheduler", "session terminated", "session_id", sessionID)
	return nil
}

// SuspendSession forces session_id out of the multiplexer ahead of LRU
// pressure (the wire protocol's session.suspend). A session mid-turn cannot
// be force-suspended.
func (s *Scheduler) SuspendSession(ctx context.Context, sessionID string) error {
	if err := s.mux.ForceSuspend(ctx, sessionID, s.evictLog); err != nil {
		return err
	}
	session, err := s.store.Load(sessionID)
	if err != nil {
		return substraterr.New(substraterr.KindNotFound, "session %s: %v", sessionID, err)
	}
	s.mu.Lock()
	s.cache[sessionID] = session
	s.mu.Unlock()
	return nil
}

// ResumeSession forces session_id back into the multiplexer ahead of the
// next send_turn (the wire protocol's session.resume), then immediately
// releases the slot so it behaves like any other released entry.
func (s *Scheduler) ResumeSession(ctx context.Context, sessionID string) error {
	session, err := s.resolveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	p, ok := s.providers.Get(session.ProviderName)
	if !ok {
		return substraterr.New(substraterr.KindNotFound, "unknown provider %q", session.ProviderName)
	}
	if _, err := s.mux.Acquire(ctx, session, p, s.evictLog); err != nil {
		return err
	}
	s.mux.Release(sessionID)
	return nil
}

// DeleteSession terminates session_id and removes its on-disk agent
// directory entirely (the wire protocol's session.delete). Unlike
// TerminateSession alone, there is no recovering from this.
func (s *Scheduler) DeleteSession(sessionID string) error {
	if err := s.TerminateSession(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, sessionID)
	delete(s.logs, sessionID)
	s.mu.Unlock()
	if err := os.RemoveAll(s.store.AgentDir(sessionID)); err != nil {
		return substraterr.Wrap(substraterr.KindIOFailure, err)
	}
	return nil
}

// Sessions exposes every on-disk session record, used by the wire
// protocol's session.list.
func (s *Scheduler) Sessions() ([]sessionstore.Session, error) {
	return s.store.Scan()
}

// CacheSession seeds or overwrites the in-memory session cache, used by the
// orchestrator's recovery procedure to install sessions reloaded from disk
// without going through CreateSession.
func (s *Scheduler) CacheSession(session sessionstore.Session) {
	s.mu.Lock()
	s.cache[session.ID] = session
	s.mu.Unlock()
}
