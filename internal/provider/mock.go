package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MockProvider is the reference/testing AgentProvider. It has no external
// process or network dependency: every "turn" simply echoes the prompt back
// with a canned prefix, which is enough to exercise the full session
// lifecycle (create, suspend, restore, terminate) in tests without a real
// language-model backend.
type MockProvider struct{}

// NewMockProvider returns a MockProvider.
func NewMockProvider() *MockProvider { return &MockProvider{} }

// Name returns "mock".
func (p *MockProvider) Name() string { return "mock" }

// Create starts a fresh mock conversation.
func (p *MockProvider) Create(ctx context.Context, model, systemPrompt string) (ProviderSession, error) {
	return &mockSession{
		model:        model,
		systemPrompt: systemPrompt,
	}, nil
}

// Restore decodes a previously suspended mock conversation's transcript.
func (p *MockProvider) Restore(ctx context.Context, state []byte) (ProviderSession, error) {
	var snap mockSnapshot
	if err := cbor.Unmarshal(state, &snap); err != nil {
		return nil, fmt.Errorf("mock provider: decode state: %w", err)
	}
	return &mockSession{
		model:        snap.Model,
		systemPrompt: snap.SystemPrompt,
		turns:        snap.Turns,
	}, nil
}

// mockSnapshot is the opaque cbor payload produced by Suspend and consumed
// by Restore. cbor (rather than JSON) is used so the on-disk
// session.json's base64 provider_state field stays compact and provider
// state formats can evolve independently of the daemon's own JSON schemas.
type mockSnapshot struct {
	Model        string
	SystemPrompt string
	Turns        []string
}

type mockSession struct {
	mu           sync.Mutex
	model        string
	systemPrompt string
	turns        []string
	stopped      bool
}

func (s *mockSession) Send(ctx context.Context, prompt string) (<-chan Chunk, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("mock provider: send on stopped session")
	}
	s.turns = append(s.turns, prompt)
	s.mu.Unlock()

	response := fmt.Sprintf("[mock:%s] %s", s.model, strings.TrimSpace(prompt))
	out := make(chan Chunk, 4)
	go func() {
		defer close(out)
		for _, word := range strings.Fields(response) {
			select {
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			case out <- Chunk{Text: word + " "}:
			}
		}
	}()

	s.mu.Lock()
	s.turns = append(s.turns, response)
	s.mu.Unlock()
	return out, nil
}

func (s *mockSession) Suspend(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := mockSnapshot{Model: s.model, SystemPrompt: s.systemPrompt, Turns: append([]string(nil), s.turns...)}
	return cbor.Marshal(snap)
}

func (s *mockSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
