// Package provider defines the polymorphic contract between substrat and the
// language-model backends it drives. A ProviderSession is one instantiated
// conversation; an AgentProvider is the factory that creates or restores
// one. Providers know nothing about sessions, trees, event logs, or
// messaging — that state lives entirely in the daemon's other components.
package provider

import "context"

// Chunk is one piece of a streamed response. Providers close the channel
// they return from Send once the turn is complete; a non-nil Err on the
// final chunk marks the turn as failed.
type Chunk struct {
	Text string
	Err  error
}

// ProviderSession is a live conversation with a provider backend.
type ProviderSession interface {
	// Send submits a prompt and returns a finite, single-consumer sequence
	// of response chunks. The channel is closed when the turn ends, whether
	// successfully or with an error on the final chunk.
	Send(ctx context.Context, prompt string) (<-chan Chunk, error)

	// Suspend captures whatever state is needed to restore this
	// conversation later and releases the session's live resources. The
	// returned bytes are opaque to every caller except this same provider's
	// Restore — they are a performance optimization, never a source of
	// truth.
	Suspend(ctx context.Context) ([]byte, error)

	// Stop releases resources without attempting to capture restorable
	// state. Used when the caller has already decided the session's fate
	// (e.g. termination) and a Suspend would be wasted work.
	Stop() error
}

// AgentProvider is a factory for ProviderSessions of one backend variant.
type AgentProvider interface {
	// Name returns a stable, lowercase identifier (e.g. "cli", "mock",
	// "http") persisted in Session.ProviderName and used to route restores
	// back to the correct provider after a daemon restart.
	Name() string

	// Create starts a brand new conversation.
	Create(ctx context.Context, model, systemPrompt string) (ProviderSession, error)

	// Restore reconstructs a conversation from bytes previously returned by
	// that same provider's Suspend.
	Restore(ctx context.Context, state []byte) (ProviderSession, error)
}

// Registry is a name-keyed lookup of available providers, mirroring the
// daemon's fixed capability set (there is no hot plug-in of new providers
// without a restart).
type Registry struct {
	providers map[string]AgentProvider
}

// NewRegistry builds a Registry from the given providers, keyed by their
// own Name().
func NewRegistry(providers ...AgentProvider) *Registry {
	r := &Registry{providers: make(map[string]AgentProvider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (AgentProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}
