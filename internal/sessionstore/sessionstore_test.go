package sessionstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	st := NewStore(root)

	s := New("mock", "default")
	s.ProviderState = []byte("opaque-bytes")
	if err := s.Transition(StateActive); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := st.Load(s.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != s.ID || loaded.State != s.State || string(loaded.ProviderState) != string(s.ProviderState) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", loaded, s)
	}
}

func TestSaveIsByteIdenticalOnRepeat(t *testing.T) {
	root := t.TempDir()
	st := NewStore(root)
	s := New("mock", "default")

	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(filepath.Join(st.AgentDir(s.ID), "session.json"))
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := st.Load(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Save(loaded); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(filepath.Join(st.AgentDir(s.ID), "session.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatalf("save->load->save is not byte-identical")
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	st := NewStore(t.TempDir())
	if _, err := st.Load("deadbeefdeadbeefdeadbeefdeadbeef"); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestScanIgnoresStrayTmpFiles(t *testing.T) {
	root := t.TempDir()
	st := NewStore(root)
	s := New("mock", "default")
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	// A stray tmp file from an interrupted Save must not appear in Scan.
	if err := os.WriteFile(filepath.Join(st.AgentDir(s.ID), "session.json.tmp"), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	sessions, err := st.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
}

func TestRecoverFlipsActiveToSuspended(t *testing.T) {
	root := t.TempDir()
	st := NewStore(root)

	a := New("mock", "default")
	_ = a.Transition(StateActive)
	if err := st.Save(a); err != nil {
		t.Fatal(err)
	}
	b := New("mock", "default")
	if err := st.Save(b); err != nil {
		t.Fatal(err)
	}

	sessions, err := st.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	for _, s := range sessions {
		if s.ID == a.ID && s.State != StateSuspended {
			t.Fatalf("session a should be SUSPENDED after recovery, got %s", s.State)
		}
		if s.ID == b.ID && s.State != StateCreated {
			t.Fatalf("session b should be unchanged, got %s", s.State)
		}
	}

	// No session is ACTIVE after recover(), and running it twice is stable.
	again, err := st.Recover()
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range again {
		if s.State == StateActive {
			t.Fatalf("session %s still ACTIVE after second recover", s.ID)
		}
	}
}

func TestTransitionRejectsIllegalMoves(t *testing.T) {
	s := New("mock", "default")
	if err := s.Transition(StateSuspended); err == nil {
		t.Fatalf("CREATED -> SUSPENDED should be rejected")
	}
	if err := s.Transition(StateTerminated); err != nil {
		t.Fatalf("CREATED -> TERMINATED should be allowed: %v", err)
	}
	if err := s.Transition(StateActive); err == nil {
		t.Fatalf("TERMINATED -> ACTIVE should be rejected")
	}
}
