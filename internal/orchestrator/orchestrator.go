// Package orchestrator composes the session, tree, router, inbox, and tool
// layers into the end-to-end agent lifecycle: create_root_agent,
// spawn_child, run_turn, terminate_agent, and the crash-recovery procedure
// from spec.md section 4.9.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/substrat/substrat/internal/dlog"
	"github.com/substrat/substrat/internal/eventlog"
	"github.com/substrat/substrat/internal/idgen"
	"github.com/substrat/substrat/internal/inbox"
	"github.com/substrat/substrat/internal/router"
	"github.com/substrat/substrat/internal/scheduler"
	"github.com/substrat/substrat/internal/sessionstore"
	"github.com/substrat/substrat/internal/substraterr"
	"github.com/substrat/substrat/internal/toolhandler"
	"github.com/substrat/substrat/internal/tree"
	"github.com/substrat/substrat/internal/workspace"
)

// Orchestrator owns the end-to-end agent lifecycle. agent.created and
// agent.terminated are always logged to the agent's own EventLog, whose
// directory is the per-session directory (spec.md section 4.9).
type Orchestrator struct {
	Root      string
	Store     *sessionstore.Store
	Sched     *scheduler.Scheduler
	Tree      *tree.Tree
	Router    *router.Router
	Inboxes   *inbox.Registry
	Handler   *toolhandler.Handler

	defaultProvider string
	defaultModel    string

	pending map[string]pendingReply // agent id -> reply target, set by CheckInbox
}

type pendingReply struct {
	sender    string
	messageID string
}

// New wires an Orchestrator. defaultProvider/defaultModel are used for
// children spawned via spawn_agent, which does not take a provider
// argument in the tool surface (spec.md section 4.8).
func New(root string, store *sessionstore.Store, sched *scheduler.Scheduler, t *tree.Tree, r *router.Router, boxes *inbox.Registry, defaultProvider, defaultModel string) *Orchestrator {
	o := &Orchestrator{
		Root:            root,
		Store:           store,
		Sched:           sched,
		Tree:            t,
		Router:          r,
		Inboxes:         boxes,
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
		pending:         make(map[string]pendingReply),
	}
	o.Handler = toolhandler.New(t, r, boxes, sched, o.runDeferredSpawn)
	return o
}

// CreateRootAgent allocates a root agent: no parent, agent.created logged
// before the caller is acknowledged (spec.md section 3, Lifecycle).
func (o *Orchestrator) CreateRootAgent(ctx context.Context, name, instructions, providerName, model string) (string, error) {
	if o.Tree.ByName("", name) != "" {
		return "", substraterr.New(substraterr.KindNameConflict, "root name %q already in use", name)
	}

	agentID := idgen.New()
	sessionID := idgen.New()

	if _, err := o.Sched.CreateSessionFor(ctx, sessionID, providerName, model, instructions); err != nil {
		return "", err
	}

	log, err := o.Sched.EventLogFor(sessionID)
	if err != nil {
		return "", err
	}
	if err := log.Log("agent.created", map[string]any{
		"agent_id":          agentID,
		"name":               name,
		"parent_session_id": nil,
		"instructions":      instructions,
	}); err != nil {
		return "", substraterr.Wrap(substraterr.KindIOFailure, err)
	}

	node := tree.Node{SessionID: sessionID, ID: agentID, Name: name, Instructions: instructions, State: tree.StateIdle}
	if err := o.Tree.Add(node); err != nil {
		return "", err
	}

	dlog.Event("orchestrator", "root agent created", "agent_id", agentID, "name", name)
	return agentID, nil
}

// runDeferredSpawn is the toolhandler.SpawnFunc: it runs from the
// scheduler's deferred queue, after the parent's slot has already been
// released, and is responsible for the parts of spawn_agent that must not
// hold the parent's slot (spec.md section 4.8): provider creation and
// agent.created logging.
func (o *Orchestrator) runDeferredSpawn(ctx context.Context, agentID, sessionID, name, instructions, role, workspaceSubdir string) error {
	node, ok := o.Tree.Get(agentID)
	if !ok {
		return substraterr.New(substraterr.KindNotFound, "spawned agent %s vanished before deferred creation ran", agentID)
	}

	var parentSessionID any
	if parent, ok := o.Tree.Get(node.ParentID); ok {
		parentSessionID = parent.SessionID
	}

	ws, err := workspace.New(o.Root, workspaceSubdir)
	if err != nil {
		return substraterr.Wrap(substraterr.KindIOFailure, err)
	}
	o.Tree.SetWorkspace(agentID, ws.ID)

	if _, err := o.Sched.CreateSessionFor(ctx, sessionID, o.defaultProvider, o.defaultModel, instructions); err != nil {
		return err
	}

	log, err := o.Sched.EventLogFor(sessionID)
	if err != nil {
		return err
	}
	if err := log.Log("agent.created", map[string]any{
		"agent_id":           agentID,
		"name":               name,
		"parent_session_id": parentSessionID,
		"instructions":       instructions,
		"workspace_id":       ws.ID,
	}); err != nil {
		return substraterr.Wrap(substraterr.KindIOFailure, err)
	}

	dlog.Event("orchestrator", "child agent created", "agent_id", agentID, "name", name, "role", role, "workspace_id", ws.ID)
	return nil
}

// RunTurn sends one turn to agentID. If CheckInbox remembered a sync message
// for this agent and the turn completes successfully, the response is
// delivered back to that message's sender as a RESPONSE envelope (the
// reply-classification
// resolution documented in SPEC_FULL.md's supplemented-features section).
func (o *Orchestrator) RunTurn(ctx context.Context, agentID, prompt string) (string, error) {
	node, ok := o.Tree.Get(agentID)
	if !ok {
		return "", substraterr.New(substraterr.KindNotFound, "agent %s does not exist", agentID)
	}

	response, err := o.Sched.SendTurn(ctx, node.SessionID, prompt)
	if err != nil {
		return "", err
	}

	if reply, ok := o.pending[agentID]; ok {
		delete(o.pending, agentID)
		if err := o.deliverReply(agentID, reply.sender, reply.messageID, response); err != nil {
			return response, err
		}
	}
	return response, nil
}

func (o *Orchestrator) deliverReply(from, to, replyTo, text string) error {
	result := o.Handler.SendMessageRaw(from, to, text, replyTo)
	if result.Status != "sent" {
		return substraterr.New(substraterr.KindRouteInvalid, "reply from %s to %s: %s", from, to, result.Reason)
	}
	return nil
}

// CheckInbox drains agentID's inbox via the tool handler and, for the last
// drained message carrying metadata.sync = "true", remembers its sender so
// the next successful RunTurn for this agent is delivered back as a reply.
// Earlier sync messages in the same drain get no reply.
func (o *Orchestrator) CheckInbox(agentID string) ([]toolhandler.InboxMessage, error) {
	msgs, envs, err := o.Handler.CheckInboxWithEnvelopes(agentID)
	if err != nil {
		return nil, err
	}
	for _, e := range envs {
		if e.Metadata["sync"] == "true" {
			o.pending[agentID] = pendingReply{sender: e.Sender, messageID: e.ID}
		}
	}
	return msgs, nil
}

// TerminateAgent removes a leaf agent: logs agent.terminated before
// removing the tree entry (spec.md section 3, Lifecycle), then terminates
// the underlying session and releases its workspace.
func (o *Orchestrator) TerminateAgent(agentID string) error {
	node, ok := o.Tree.Get(agentID)
	if !ok {
		return substraterr.New(substraterr.KindNotFound, "agent %s does not exist", agentID)
	}
	if len(node.Children) > 0 {
		return substraterr.New(substraterr.KindSessionState, "cannot terminate non-leaf agent %s with %d children", agentID, len(node.Children))
	}

	log, err := o.Sched.EventLogFor(node.SessionID)
	if err != nil {
		return err
	}
	if err := log.Log("agent.terminated", map[string]any{"agent_id": agentID}); err != nil {
		return substraterr.Wrap(substraterr.KindIOFailure, err)
	}

	if err := o.Tree.Remove(agentID); err != nil {
		return err
	}
	o.Inboxes.Remove(agentID)

	if err := o.Sched.TerminateSession(node.SessionID); err != nil {
		return err
	}
	if node.WorkspaceID != "" {
		_ = workspace.Remove(o.Root, node.WorkspaceID)
	}

	dlog.Event("orchestrator", "agent terminated", "agent_id", agentID)
	return nil
}

// createdInfo is what recovery reads back out of an agent.created event.
type createdInfo struct {
	agentID         string
	name            string
	parentSessionID string // "" means root
	instructions    string
	workspaceID     string // "" means no workspace was allocated
}

// Recover implements the seven-step startup procedure from spec.md section
// 4.9: suspend every formerly-ACTIVE session, finish any interrupted
// appends, rebuild the agent tree purely from agent.created/agent.terminated
// events, and redeliver every enqueued-but-undelivered message. It never
// re-logs anything it redelivers, so repeated crashes before the next
// successful drain are idempotent (spec.md scenario S6).
func (o *Orchestrator) Recover(ctx context.Context) error {
	sessions, err := o.Store.Recover()
	if err != nil {
		return err
	}

	index := make(map[string]createdInfo) // session_id -> created info, terminated sessions excluded
	pending := make(map[string][]eventlog.Entry) // session_id -> undelivered message.enqueued entries

	for _, session := range sessions {
		o.Sched.CacheSession(session)

		log, err := o.Sched.EventLogFor(session.ID)
		if err != nil {
			return err
		}
		if err := log.RecoverPending(); err != nil {
			o.markCorruptAndContinue(session, err)
			continue
		}
		entries, err := log.ReadAll()
		if err != nil {
			o.markCorruptAndContinue(session, err)
			continue
		}

		var created *createdInfo
		var terminated bool
		delivered := make(map[string]bool)
		var enqueued []eventlog.Entry

		for _, e := range entries {
			switch e.Event {
			case "agent.created":
				c := createdInfo{}
				c.agentID, _ = e.Data["agent_id"].(string)
				c.name, _ = e.Data["name"].(string)
				c.parentSessionID, _ = e.Data["parent_session_id"].(string)
				c.instructions, _ = e.Data["instructions"].(string)
				c.workspaceID, _ = e.Data["workspace_id"].(string)
				created = &c
			case "agent.terminated":
				terminated = true
			case "message.enqueued":
				enqueued = append(enqueued, e)
			case "message.delivered":
				if id, ok := e.Data["message_id"].(string); ok {
					delivered[id] = true
				}
			}
		}

		if created == nil {
			// A session directory with no agent.created event is an orphan: the
			// daemon crashed between creating the provider session and logging
			// its creation. Nothing references it from the tree; leave its files
			// in place for inspection, but best-effort clean up a stray CLI
			// subprocess if one is still running.
			o.recoverOrphan(session)
			continue
		}
		if terminated {
			continue
		}
		index[session.ID] = *created

		for _, e := range enqueued {
			msgID, _ := e.Data["message_id"].(string)
			if !delivered[msgID] {
				pending[session.ID] = append(pending[session.ID], e)
			}
		}
	}

	agentOfSession := make(map[string]string, len(index))
	for sid, c := range index {
		agentOfSession[sid] = c.agentID
	}

	var roots []tree.Node
	childrenOf := make(map[string][]tree.Node)
	for sid, c := range index {
		if c.parentSessionID != "" {
			if _, ok := agentOfSession[c.parentSessionID]; !ok {
				// The parent's session was terminated, corrupt, or otherwise
				// excluded from index: this child is dangling. Drop it from
				// the tree and terminate its own session too, rather than
				// silently promoting it to a root (original_source's
				// orchestrator.py drops-and-terminates this exact case).
				o.terminateDangling(sessions, sid)
				delete(pending, sid)
				continue
			}
		}
		parentAgentID := agentOfSession[c.parentSessionID]
		node := tree.Node{
			SessionID:    sid,
			ID:           c.agentID,
			Name:         c.name,
			ParentID:     parentAgentID,
			Instructions: c.instructions,
			WorkspaceID:  c.workspaceID,
			State:        tree.StateIdle,
		}
		if parentAgentID == "" {
			roots = append(roots, node)
		} else {
			childrenOf[parentAgentID] = append(childrenOf[parentAgentID], node)
		}
	}

	queue := append([]tree.Node{}, roots...)
	for _, r := range roots {
		if err := o.Tree.Add(r); err != nil {
			return err
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range childrenOf[cur.ID] {
			if err := o.Tree.Add(child); err != nil {
				return err
			}
			queue = append(queue, child)
		}
	}

	for sid, entries := range pending {
		recipientAgentID := agentOfSession[sid]
		for _, e := range entries {
			o.Inboxes.For(recipientAgentID).Deliver(decodeEnqueuedEnvelope(e))
		}
	}

	dlog.Event("orchestrator", "recovery complete", "agents_recovered", len(index))
	return nil
}

// markCorruptAndContinue implements spec.md section 7's corrupt-log rule: a
// session whose RecoverPending or ReadAll fails (any complete line of its log
// that does not parse counts) is marked TERMINATED and
// excluded from the rest of recovery, rather than aborting recovery for
// every other session.
func (o *Orchestrator) markCorruptAndContinue(session sessionstore.Session, cause error) {
	dlog.Event("orchestrator", "corrupt event log, terminating session", "session_id", session.ID, "err", cause.Error())
	if session.State != sessionstore.StateTerminated {
		if err := session.Transition(sessionstore.StateTerminated); err == nil {
			if err := o.Store.Save(session); err != nil {
				dlog.Event("orchestrator", "failed to persist TERMINATED for corrupt session", "session_id", session.ID, "err", err.Error())
			}
		}
	}
}

// terminateDangling transitions a child session to TERMINATED when its
// parent didn't survive recovery (spec.md section 4.9's dangling-parent
// case, supplementing the orphan-cleanup step): the child is excluded from
// the rebuilt tree entirely rather than being inserted as a bogus root.
func (o *Orchestrator) terminateDangling(sessions []sessionstore.Session, sessionID string) {
	for _, session := range sessions {
		if session.ID != sessionID {
			continue
		}
		if session.State == sessionstore.StateTerminated {
			return
		}
		dlog.Event("orchestrator", "dropping dangling child, parent did not survive recovery", "session_id", sessionID)
		if err := session.Transition(sessionstore.StateTerminated); err != nil {
			return
		}
		if err := o.Store.Save(session); err != nil {
			dlog.Event("orchestrator", "failed to persist TERMINATED for dangling session", "session_id", sessionID, "err", err.Error())
		}
		return
	}
}

// recoverOrphan handles a session whose agent.created event never made it to
// disk (spec.md section 4.9 step 2): best-effort kill a stray CLI subprocess
// if one is still running, then land the record on TERMINATED rather than
// leaving it at the SUSPENDED state Store.Recover already gave it — an
// orphan is gone for good, not merely suspended (mirrors
// original_source's orchestrator.py `s.terminate(); store.save(s)`).
func (o *Orchestrator) recoverOrphan(session sessionstore.Session) {
	if session.ProviderName == "cli" {
		pidPath := filepath.Join(o.Store.AgentDir(session.ID), "provider.pid")
		if data, err := os.ReadFile(pidPath); err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
				_ = unix.Kill(-pid, unix.SIGTERM)
				dlog.Event("orchestrator", "killed orphaned cli subprocess", "session_id", session.ID, "pid", pid)
			}
			_ = os.Remove(pidPath)
		}
	}

	if session.State != sessionstore.StateTerminated {
		if err := session.Transition(sessionstore.StateTerminated); err == nil {
			if err := o.Store.Save(session); err != nil {
				dlog.Event("orchestrator", "failed to persist TERMINATED for orphaned session", "session_id", session.ID, "err", err.Error())
			}
		}
	}
}

// decodeEnqueuedEnvelope rebuilds a MessageEnvelope from a message.enqueued
// event's Data fields, which were written using exactly these field names
// (spec.md section 3).
func decodeEnqueuedEnvelope(e eventlog.Entry) inbox.Envelope {
	env := inbox.Envelope{}
	env.ID, _ = e.Data["message_id"].(string)
	env.Sender, _ = e.Data["sender"].(string)
	env.Recipient, _ = e.Data["recipient"].(string)
	if kind, ok := e.Data["kind"].(string); ok {
		env.Kind = inbox.Kind(kind)
	}
	env.Payload, _ = e.Data["payload"].(string)
	env.ReplyTo, _ = e.Data["reply_to"].(string)
	if ts, ok := e.Data["timestamp"].(string); ok {
		if t, err := time.Parse("2006-01-02T15:04:05.000Z", ts); err == nil {
			env.Timestamp = t
		}
	}
	if m, ok := e.Data["metadata"].(map[string]any); ok {
		meta := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				meta[k] = s
			}
		}
		env.Metadata = meta
	}
	return env
}
