// Package inbox implements the per-agent FIFO mailbox described in
// spec.md section 4.7. Inboxes are not persisted; on recovery they are
// rebuilt by the orchestrator from per-session event logs.
package inbox

import (
	"sync"
	"time"

	"github.com/substrat/substrat/internal/eventq"
)

// Kind is a MessageEnvelope's delivery kind.
type Kind string

const (
	KindRequest      Kind = "REQUEST"
	KindResponse     Kind = "RESPONSE"
	KindNotification Kind = "NOTIFICATION"
	KindMulticast    Kind = "MULTICAST"
)

// Envelope mirrors spec's MessageEnvelope.
type Envelope struct {
	ID        string
	Timestamp time.Time
	Sender    string
	Recipient string // sentinel or agent id; never empty post-multicast-expansion
	ReplyTo   string // empty means not a reply
	Kind      Kind
	Payload   string
	Metadata  map[string]string
}

// Inbox is a single agent's unbounded FIFO mailbox.
type Inbox struct {
	mu       sync.Mutex
	queue    []Envelope
	notifyCh chan struct{} // best-effort "mail arrived" signal, never required for correctness
}

// New returns an empty Inbox. notifyCap sizes an optional non-blocking
// notification channel (0 disables notification entirely).
func New(notifyCap int) *Inbox {
	ib := &Inbox{}
	if notifyCap > 0 {
		ib.notifyCh = make(chan struct{}, notifyCap)
	}
	return ib
}

// Deliver appends env to the tail of the queue and, if a notify channel was
// configured, offers a non-blocking wakeup signal on it.
func (ib *Inbox) Deliver(env Envelope) {
	ib.mu.Lock()
	ib.queue = append(ib.queue, env)
	ib.mu.Unlock()

	if ib.notifyCh != nil {
		eventq.Offer(ib.notifyCh, struct{}{})
	}
}

// Collect drains the queue and returns its contents in delivery order. An
// empty inbox returns a non-nil empty slice.
func (ib *Inbox) Collect() []Envelope {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if len(ib.queue) == 0 {
		return []Envelope{}
	}
	out := ib.queue
	ib.queue = nil
	return out
}

// Len reports the number of envelopes currently queued.
func (ib *Inbox) Len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.queue)
}

// NotifyChan exposes the best-effort wakeup channel, or nil if disabled.
func (ib *Inbox) NotifyChan() <-chan struct{} {
	return ib.notifyCh
}

// Registry is the daemon-wide agent_id -> Inbox map.
type Registry struct {
	mu     sync.Mutex
	boxes  map[string]*Inbox
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{boxes: make(map[string]*Inbox)}
}

// For returns the Inbox for agentID, creating it on first use.
func (r *Registry) For(agentID string) *Inbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	ib, ok := r.boxes[agentID]
	if !ok {
		ib = New(1)
		r.boxes[agentID] = ib
	}
	return ib
}

// Remove drops an agent's inbox, e.g. on termination.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.boxes, agentID)
}
