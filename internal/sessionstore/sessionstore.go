// Package sessionstore implements the atomic per-session JSON snapshot that
// SessionMultiplexer and TurnScheduler use as a fast restore path. The
// snapshot is never the source of truth — the EventLog is — but its disk
// state must never lag behind the last acknowledged state transition.
package sessionstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/substrat/substrat/internal/idgen"
	"github.com/substrat/substrat/internal/substraterr"
)

// State is a Session's lifecycle state.
type State string

const (
	StateCreated    State = "CREATED"
	StateActive     State = "ACTIVE"
	StateSuspended  State = "SUSPENDED"
	StateTerminated State = "TERMINATED"
)

// Session is the atomic snapshot persisted at
// <root>/agents/<id>/session.json.
type Session struct {
	ID            string    `json:"id"`
	State         State     `json:"state"`
	ProviderName  string    `json:"provider_name"`
	Model         string    `json:"model"`
	CreatedAt     time.Time `json:"created_at"`
	SuspendedAt   *time.Time `json:"suspended_at"`
	ProviderState []byte    `json:"provider_state"`
}

// New allocates a fresh Session in the CREATED state with a new id.
func New(providerName, model string) Session {
	return Session{
		ID:           idgen.New(),
		State:        StateCreated,
		ProviderName: providerName,
		Model:        model,
		CreatedAt:    time.Now().UTC(),
	}
}

// validTransitions enumerates the state machine from section 3 of the spec:
// CREATED -> ACTIVE, ACTIVE <-> SUSPENDED, {CREATED,ACTIVE,SUSPENDED} -> TERMINATED.
var validTransitions = map[State]map[State]bool{
	StateCreated:    {StateActive: true, StateTerminated: true},
	StateActive:     {StateSuspended: true, StateTerminated: true},
	StateSuspended:  {StateActive: true, StateTerminated: true},
	StateTerminated: {},
}

// Transition validates and applies a state change, returning a
// session-state error if the transition is illegal.
func (s *Session) Transition(to State) error {
	if s.State == to {
		return nil
	}
	allowed, ok := validTransitions[s.State]
	if !ok || !allowed[to] {
		return substraterr.New(substraterr.KindSessionState, "illegal transition %s -> %s for session %s", s.State, to, s.ID)
	}
	s.State = to
	if to == StateSuspended {
		now := time.Now().UTC()
		s.SuspendedAt = &now
	}
	if to == StateActive {
		s.SuspendedAt = nil
	}
	return nil
}

// sessionJSON mirrors Session but renders provider_state as base64 text per
// the exact on-disk schema in the spec (`"provider_state":"<base64>"`).
type sessionJSON struct {
	ID            string     `json:"id"`
	State         State      `json:"state"`
	ProviderName  string     `json:"provider_name"`
	Model         string     `json:"model"`
	CreatedAt     string     `json:"created_at"`
	SuspendedAt   *string    `json:"suspended_at"`
	ProviderState string     `json:"provider_state"`
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func (s Session) toJSON() sessionJSON {
	var suspended *string
	if s.SuspendedAt != nil {
		v := s.SuspendedAt.UTC().Format(timeLayout)
		suspended = &v
	}
	return sessionJSON{
		ID:            s.ID,
		State:         s.State,
		ProviderName:  s.ProviderName,
		Model:         s.Model,
		CreatedAt:     s.CreatedAt.UTC().Format(timeLayout),
		SuspendedAt:   suspended,
		ProviderState: base64.StdEncoding.EncodeToString(s.ProviderState),
	}
}

func (j sessionJSON) toSession() (Session, error) {
	created, err := time.Parse(timeLayout, j.CreatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("sessionstore: parse created_at: %w", err)
	}
	s := Session{
		ID:           j.ID,
		State:        j.State,
		ProviderName: j.ProviderName,
		Model:        j.Model,
		CreatedAt:    created,
	}
	if j.SuspendedAt != nil {
		t, err := time.Parse(timeLayout, *j.SuspendedAt)
		if err != nil {
			return Session{}, fmt.Errorf("sessionstore: parse suspended_at: %w", err)
		}
		s.SuspendedAt = &t
	}
	if j.ProviderState != "" {
		b, err := base64.StdEncoding.DecodeString(j.ProviderState)
		if err != nil {
			return Session{}, fmt.Errorf("sessionstore: decode provider_state: %w", err)
		}
		s.ProviderState = b
	}
	return s, nil
}

// Store manages the <root>/agents/<id>/session.json files.
type Store struct {
	root string // the daemon root, e.g. ~/.substrat
}

// NewStore returns a Store whose records live under root's agents/
// subdirectory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

func (st *Store) dir(id string) string  { return filepath.Join(st.root, "agents", id) }
func (st *Store) path(id string) string { return filepath.Join(st.dir(id), "session.json") }

// Save atomically writes the session snapshot: write <path>.tmp in the same
// directory, fsync the fd, then rename over the target.
func (st *Store) Save(s Session) error {
	dir := st.dir(s.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("sessionstore: create dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(s.toJSON(), "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal: %w", err)
	}

	target := st.path(s.ID)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("sessionstore: open tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("sessionstore: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sessionstore: fsync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sessionstore: close tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("sessionstore: rename: %w", err)
	}
	return nil
}

// Load reads and parses a session record. A missing file is reported as a
// not-found error via os.IsNotExist on the wrapped error.
func (st *Store) Load(id string) (Session, error) {
	data, err := os.ReadFile(st.path(id))
	if err != nil {
		return Session{}, err
	}
	var j sessionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Session{}, fmt.Errorf("sessionstore: parse %s: %w", id, err)
	}
	return j.toSession()
}

// Scan enumerates every session directory under root/agents and loads each
// record. Stray .tmp files (an interrupted Save) are ignored; a directory
// whose session.json fails to parse is skipped rather than aborting the
// whole scan.
func (st *Store) Scan() ([]Session, error) {
	dir := filepath.Join(st.root, "agents")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessionstore: read %s: %w", dir, err)
	}

	var sessions []Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !idgen.Valid(e.Name()) {
			continue
		}
		s, err := st.Load(e.Name())
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

// Recover runs Scan and rewrites every ACTIVE session as SUSPENDED, since no
// provider process can still be alive across a daemon restart. Returns the
// post-recovery session list.
func (st *Store) Recover() ([]Session, error) {
	sessions, err := st.Scan()
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].State != StateActive {
			continue
		}
		if err := sessions[i].Transition(StateSuspended); err != nil {
			return nil, err
		}
		if err := st.Save(sessions[i]); err != nil {
			return nil, fmt.Errorf("sessionstore: recover save %s: %w", sessions[i].ID, err)
		}
	}
	return sessions, nil
}

// AgentDir exposes the per-session directory root, used by callers that need
// to place events.jsonl/transcript.txt/mcp.json alongside session.json.
func (st *Store) AgentDir(id string) string { return st.dir(id) }
