// Package toolhandler implements the non-blocking tool surface from
// spec.md section 4.8: send_message, broadcast, check_inbox, spawn_agent,
// inspect_agent. No tool here may block on another agent's reply; replies
// arrive later as ordinary inbox deliveries.
package toolhandler

import (
	"context"
	"time"

	"github.com/substrat/substrat/internal/idgen"
	"github.com/substrat/substrat/internal/inbox"
	"github.com/substrat/substrat/internal/router"
	"github.com/substrat/substrat/internal/scheduler"
	"github.com/substrat/substrat/internal/substraterr"
	"github.com/substrat/substrat/internal/tree"
)

// SpawnFunc is invoked (deferred) to actually create a spawned child's
// provider session, allocate its workspace, and log agent.created, once the
// parent's slot has been released. Supplied by the orchestrator, which owns
// session creation. workspaceSubdir is the caller-requested layout hint
// from spawn_agent, passed through unchanged.
type SpawnFunc func(ctx context.Context, agentID, sessionID, name, instructions, role, workspaceSubdir string) error

// Handler wires the tool surface to the tree, router, inboxes, and
// scheduler. One Handler serves every agent; tools are always invoked on
// behalf of a specific caller agent id.
type Handler struct {
	tree    *tree.Tree
	router  *router.Router
	inboxes *inbox.Registry
	sched   *scheduler.Scheduler
	spawn   SpawnFunc
}

// New returns a Handler. spawn is called from the deferred queue when
// spawn_agent's provider-creation step runs.
func New(t *tree.Tree, r *router.Router, inboxes *inbox.Registry, sched *scheduler.Scheduler, spawn SpawnFunc) *Handler {
	return &Handler{tree: t, router: r, inboxes: inboxes, sched: sched, spawn: spawn}
}

// SendResult is send_message's / broadcast's JSON-shaped reply.
type SendResult struct {
	Status         string `json:"status"`
	MessageID      string `json:"message_id,omitempty"`
	WaitingForReply bool  `json:"waiting_for_reply,omitempty"`
	RecipientCount int    `json:"recipient_count,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func errorResult(err error) SendResult {
	return SendResult{Status: "error", Reason: err.Error()}
}

// enqueue validates the route, logs message.enqueued to the recipient's own
// EventLog, and delivers the envelope to the recipient's inbox. Shared by
// SendMessage and Broadcast. extraMeta, if non-nil, is merged into the
// envelope's metadata before it is logged or delivered, so the persisted
// event and the delivered copy always agree.
func (h *Handler) enqueue(sender, recipient string, kind inbox.Kind, text, replyTo string, sync bool, extraMeta map[string]string) (inbox.Envelope, error) {
	if err := h.router.ValidateRoute(sender, recipient); err != nil {
		return inbox.Envelope{}, err
	}

	env := inbox.Envelope{
		ID:        idgen.New(),
		Timestamp: time.Now().UTC(),
		Sender:    sender,
		Recipient: recipient,
		ReplyTo:   replyTo,
		Kind:      kind,
		Payload:   text,
		Metadata:  map[string]string{},
	}
	if sync {
		env.Metadata["sync"] = "true"
	}
	for k, v := range extraMeta {
		env.Metadata[k] = v
	}

	recipientSession := h.sessionIDOf(recipient)
	if recipientSession != "" {
		log, err := h.sched.EventLogFor(recipientSession)
		if err != nil {
			return inbox.Envelope{}, err
		}
		if err := log.Log("message.enqueued", map[string]any{
			"message_id": env.ID,
			"sender":     env.Sender,
			"recipient":  env.Recipient,
			"kind":       string(env.Kind),
			"payload":    env.Payload,
			"timestamp":  env.Timestamp.Format("2006-01-02T15:04:05.000Z"),
			"reply_to":   env.ReplyTo,
			"metadata":   env.Metadata,
		}); err != nil {
			return inbox.Envelope{}, err
		}
	}

	h.inboxes.For(recipient).Deliver(env)
	return env, nil
}

func (h *Handler) sessionIDOf(agentID string) string {
	if n, ok := h.tree.Get(agentID); ok {
		return n.SessionID
	}
	return ""
}

// SendMessage resolves a name within the caller's one-hop neighborhood,
// validates the route, and enqueues a REQUEST envelope.
func (h *Handler) SendMessage(caller, recipientName, text string, sync bool) SendResult {
	recipient := h.resolveOneHopName(caller, recipientName)
	if recipient == "" {
		return errorResult(substraterr.New(substraterr.KindNotFound, "no one-hop neighbor named %q", recipientName))
	}
	env, err := h.enqueue(caller, recipient, inbox.KindRequest, text, "", sync, nil)
	if err != nil {
		return errorResult(err)
	}
	return SendResult{Status: "sent", MessageID: env.ID, WaitingForReply: sync}
}

func (h *Handler) resolveOneHopName(caller, name string) string {
	if p := h.tree.Parent(caller); p != "" {
		if n, ok := h.tree.Get(p); ok && n.Name == name {
			return p
		}
	}
	for _, c := range h.tree.Children(caller) {
		if n, ok := h.tree.Get(c); ok && n.Name == name {
			return c
		}
	}
	for _, tm := range h.tree.Team(caller) {
		if n, ok := h.tree.Get(tm); ok && n.Name == name {
			return tm
		}
	}
	return ""
}

// Broadcast sends a MULTICAST envelope to every member of the caller's
// team. A caller with no siblings gets recipient_count = 0 and enqueues
// nothing (spec.md scenario S5).
func (h *Handler) Broadcast(caller, text string) SendResult {
	team := h.router.ExpandMulticast(caller)
	// One id for the broadcast as a whole, independent of any recipient's
	// own envelope id — matches the original implementation's broadcast_id.
	broadcastID := idgen.New()
	meta := map[string]string{"broadcast_id": broadcastID}
	for _, recipient := range team {
		if _, err := h.enqueue(caller, recipient, inbox.KindMulticast, text, "", false, meta); err != nil {
			return errorResult(err)
		}
	}
	return SendResult{Status: "sent", MessageID: broadcastID, RecipientCount: len(team)}
}

// SendMessageRaw delivers a RESPONSE envelope directly between two agent
// ids, bypassing one-hop name resolution. Used by the orchestrator to
// inject a reply back to the sender of a synchronous request once the
// recipient's triggered turn completes (the two-turn reply pattern).
func (h *Handler) SendMessageRaw(from, to, text, replyTo string) SendResult {
	env, err := h.enqueue(from, to, inbox.KindResponse, text, replyTo, false, nil)
	if err != nil {
		return errorResult(err)
	}
	return SendResult{Status: "sent", MessageID: env.ID}
}

// InboxMessage is one drained envelope in check_inbox's reply shape.
type InboxMessage struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// CheckInbox drains the caller's inbox, logs message.delivered to the
// caller's own EventLog for each drained envelope, and returns them.
func (h *Handler) CheckInbox(caller string) ([]InboxMessage, error) {
	out, _, err := h.CheckInboxWithEnvelopes(caller)
	return out, err
}

// CheckInboxWithEnvelopes is CheckInbox plus the raw envelopes, so callers
// that need envelope metadata (the orchestrator's sync-reply bookkeeping)
// don't have to re-derive it from the reply shape.
func (h *Handler) CheckInboxWithEnvelopes(caller string) ([]InboxMessage, []inbox.Envelope, error) {
	envs := h.inboxes.For(caller).Collect()
	out := make([]InboxMessage, 0, len(envs))

	callerSession := h.sessionIDOf(caller)
	var log interface {
		Log(event string, data map[string]any) error
	}
	if callerSession != "" {
		l, err := h.sched.EventLogFor(callerSession)
		if err != nil {
			return nil, nil, err
		}
		log = l
	}

	for _, e := range envs {
		if log != nil {
			if err := log.Log("message.delivered", map[string]any{"message_id": e.ID}); err != nil {
				return nil, nil, err
			}
		}
		out = append(out, InboxMessage{From: e.Sender, Text: e.Payload, MessageID: e.ID})
	}
	return out, envs, nil
}

// SpawnResult is spawn_agent's JSON-shaped reply.
type SpawnResult struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SpawnAgent validates name uniqueness among the caller's existing
// children, inserts the child into the tree synchronously as IDLE, and
// defers provider creation plus agent.created logging to the scheduler's
// deferred queue so the child's slot isn't acquired while the parent's
// slot is still held (spec.md section 4.8).
func (h *Handler) SpawnAgent(caller, name, instructions, role, workspaceSubdir string) SpawnResult {
	if h.tree.ByName(caller, name) != "" {
		return SpawnResult{Status: "error", Reason: substraterr.New(substraterr.KindNameConflict, "name %q already used within team of %s", name, caller).Error()}
	}

	agentID := idgen.New()
	sessionID := idgen.New()

	node := tree.Node{
		SessionID:    sessionID,
		ID:           agentID,
		Name:         name,
		ParentID:     caller,
		Instructions: instructions,
		State:        tree.StateIdle,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.tree.Add(node); err != nil {
		return SpawnResult{Status: "error", Reason: err.Error()}
	}

	h.sched.Defer(func(ctx context.Context) error {
		return h.spawn(ctx, agentID, sessionID, name, instructions, role, workspaceSubdir)
	})

	return SpawnResult{Status: "created", AgentID: agentID, Name: name}
}

// InspectResult is inspect_agent's JSON-shaped reply.
type InspectResult struct {
	State          tree.State     `json:"state"`
	RecentMessages []InboxMessage `json:"recent_messages"`
}

// InspectAgent returns a child's lifecycle state and currently-queued inbox
// messages (a peek, not a drain: inspecting must never consume mail the
// child hasn't processed yet).
func (h *Handler) InspectAgent(caller, name string) (InspectResult, error) {
	childID := h.tree.ByName(caller, name)
	if childID == "" {
		return InspectResult{}, substraterr.New(substraterr.KindNotFound, "no child named %q", name)
	}
	n, _ := h.tree.Get(childID)

	var recent []InboxMessage
	for _, e := range h.peekInbox(childID) {
		recent = append(recent, InboxMessage{From: e.Sender, Text: e.Payload, MessageID: e.ID})
	}
	return InspectResult{State: n.State, RecentMessages: recent}, nil
}

func (h *Handler) peekInbox(agentID string) []inbox.Envelope {
	ib := h.inboxes.For(agentID)
	drained := ib.Collect()
	for _, e := range drained {
		ib.Deliver(e)
	}
	return drained
}
