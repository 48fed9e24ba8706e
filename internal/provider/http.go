package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// HTTPProvider is a bare LLM HTTP client: unlike CLIProvider it keeps no
// external session of its own, so every turn re-sends the full message
// history to the endpoint. This is the "serializes full history" variant
// referenced in the provider design notes — useful for a raw completion
// endpoint with no built-in conversation state.
type HTTPProvider struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPProvider returns an HTTPProvider posting turns to endpoint.
func NewHTTPProvider(endpoint string) *HTTPProvider {
	return &HTTPProvider{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Minute}}
}

// Name returns "http".
func (p *HTTPProvider) Name() string { return "http" }

// Create starts a conversation with an empty message history.
func (p *HTTPProvider) Create(ctx context.Context, model, systemPrompt string) (ProviderSession, error) {
	sess := &httpSession{provider: p, model: model}
	if systemPrompt != "" {
		sess.messages = append(sess.messages, httpMessage{Role: "system", Content: systemPrompt})
	}
	return sess, nil
}

// httpSnapshot is the opaque cbor payload holding the full message history,
// since this provider has no external session id to lean on.
type httpSnapshot struct {
	Model    string
	Messages []httpMessage
}

type httpMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Restore decodes the full message history and continues from there.
func (p *HTTPProvider) Restore(ctx context.Context, state []byte) (ProviderSession, error) {
	var snap httpSnapshot
	if err := cbor.Unmarshal(state, &snap); err != nil {
		return nil, fmt.Errorf("http provider: decode state: %w", err)
	}
	return &httpSession{provider: p, model: snap.Model, messages: snap.Messages}, nil
}

type httpSession struct {
	mu       sync.Mutex
	provider *HTTPProvider
	model    string
	messages []httpMessage
	stopped  bool
}

type httpRequest struct {
	Model    string        `json:"model"`
	Messages []httpMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func (s *httpSession) Send(ctx context.Context, prompt string) (<-chan Chunk, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("http provider: send on stopped session")
	}
	s.messages = append(s.messages, httpMessage{Role: "user", Content: prompt})
	reqBody := httpRequest{Model: s.model, Messages: append([]httpMessage(nil), s.messages...), Stream: true}
	s.mu.Unlock()

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("http provider: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.provider.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("http provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.provider.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http provider: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("http provider: unexpected status %d", resp.StatusCode)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var full bytes.Buffer
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			default:
			}
			line := scanner.Text()
			if line == "" {
				continue
			}
			full.WriteString(line)
			out <- Chunk{Text: line}
		}
		if err := scanner.Err(); err != nil {
			out <- Chunk{Err: fmt.Errorf("http provider: read response: %w", err)}
			return
		}

		s.mu.Lock()
		s.messages = append(s.messages, httpMessage{Role: "assistant", Content: full.String()})
		s.mu.Unlock()
	}()
	return out, nil
}

func (s *httpSession) Suspend(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	snap := httpSnapshot{Model: s.model, Messages: append([]httpMessage(nil), s.messages...)}
	return cbor.Marshal(snap)
}

func (s *httpSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
