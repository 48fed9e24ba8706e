// Package tree holds the in-memory forest of AgentNodes. It is derived
// state: the durable source of truth is each agent's own EventLog
// (agent.created / agent.terminated), not this structure, which is rebuilt
// on every daemon startup (see internal/orchestrator's recovery procedure).
package tree

import (
	"time"

	"github.com/substrat/substrat/internal/substraterr"
)

// State is an AgentNode's lifecycle state, distinct from the underlying
// Session's state: an agent can be IDLE/WAITING with a SUSPENDED session.
type State string

const (
	StateIdle       State = "IDLE"
	StateBusy       State = "BUSY"
	StateWaiting    State = "WAITING"
	StateTerminated State = "TERMINATED"
)

// Node mirrors spec's AgentNode.
type Node struct {
	SessionID    string
	ID           string
	Name         string
	ParentID     string // empty means root
	Children     []string
	Instructions string
	WorkspaceID  string // empty means none
	State        State
	CreatedAt    time.Time
}

// IsRoot reports whether this node has no parent.
func (n Node) IsRoot() bool { return n.ParentID == "" }

// Tree is the agent_id -> Node map plus a session_id -> agent_id index.
// Not safe for concurrent use; callers serialize access (the daemon's
// single-threaded event loop, per spec.md section 5).
type Tree struct {
	nodes      map[string]Node
	bySession  map[string]string
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		nodes:     make(map[string]Node),
		bySession: make(map[string]string),
	}
}

// Add inserts a node. The parent, if any, must already exist. Fails on a
// duplicate id or a duplicate name within the parent's existing children.
func (t *Tree) Add(n Node) error {
	if _, exists := t.nodes[n.ID]; exists {
		return substraterr.New(substraterr.KindNameConflict, "agent %s already exists", n.ID)
	}
	if n.ParentID != "" {
		parent, ok := t.nodes[n.ParentID]
		if !ok {
			return substraterr.New(substraterr.KindNotFound, "parent %s does not exist", n.ParentID)
		}
		for _, cid := range parent.Children {
			if sib, ok := t.nodes[cid]; ok && sib.Name == n.Name {
				return substraterr.New(substraterr.KindNameConflict, "name %q already used within team of %s", n.Name, n.ParentID)
			}
		}
		parent.Children = append(parent.Children, n.ID)
		t.nodes[n.ParentID] = parent
	}
	if n.Children == nil {
		n.Children = []string{}
	}
	t.nodes[n.ID] = n
	t.bySession[n.SessionID] = n.ID
	return nil
}

// Remove deletes a leaf node. Removing a node with children is an error;
// callers must terminate children first (spec.md section 4.6).
func (t *Tree) Remove(id string) error {
	n, ok := t.nodes[id]
	if !ok {
		return substraterr.New(substraterr.KindNotFound, "agent %s does not exist", id)
	}
	if len(n.Children) > 0 {
		return substraterr.New(substraterr.KindSessionState, "cannot remove non-leaf agent %s with %d children", id, len(n.Children))
	}
	if n.ParentID != "" {
		if parent, ok := t.nodes[n.ParentID]; ok {
			parent.Children = removeID(parent.Children, id)
			t.nodes[n.ParentID] = parent
		}
	}
	delete(t.nodes, id)
	delete(t.bySession, n.SessionID)
	return nil
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// Get returns the node for id.
func (t *Tree) Get(id string) (Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Children returns the direct children of id, in insertion order.
func (t *Tree) Children(id string) []string {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.Children...)
}

// Parent returns the parent id of id, or "" if id is a root or unknown.
func (t *Tree) Parent(id string) string {
	n, ok := t.nodes[id]
	if !ok {
		return ""
	}
	return n.ParentID
}

// Team returns id's siblings, excluding id itself.
func (t *Tree) Team(id string) []string {
	n, ok := t.nodes[id]
	if !ok || n.ParentID == "" {
		return nil
	}
	parent, ok := t.nodes[n.ParentID]
	if !ok {
		return nil
	}
	team := make([]string, 0, len(parent.Children))
	for _, cid := range parent.Children {
		if cid != id {
			team = append(team, cid)
		}
	}
	return team
}

// Roots returns every node with no parent, in no particular order.
func (t *Tree) Roots() []string {
	var roots []string
	for id, n := range t.nodes {
		if n.ParentID == "" {
			roots = append(roots, id)
		}
	}
	return roots
}

// Subtree returns id and every descendant, id first, breadth-first.
func (t *Tree) Subtree(id string) []string {
	if _, ok := t.nodes[id]; !ok {
		return nil
	}
	out := []string{id}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range t.nodes[cur].Children {
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// ByName resolves a child of parentID by name, or "" if not found. parentID
// == "" searches among roots.
func (t *Tree) ByName(parentID, name string) string {
	var children []string
	if parentID == "" {
		children = t.Roots()
	} else {
		children = t.Children(parentID)
	}
	for _, cid := range children {
		if n, ok := t.nodes[cid]; ok && n.Name == name {
			return cid
		}
	}
	return ""
}

// BySession resolves an agent id from its session id, or "" if not found.
func (t *Tree) BySession(sessionID string) string {
	return t.bySession[sessionID]
}

// SetState updates a node's State in place.
func (t *Tree) SetState(id string, s State) {
	if n, ok := t.nodes[id]; ok {
		n.State = s
		t.nodes[id] = n
	}
}

// SetWorkspace updates a node's WorkspaceID in place, once the workspace has
// actually been allocated on disk (spawn_agent inserts the node before that
// happens, so this is applied once the deferred creation step completes).
func (t *Tree) SetWorkspace(id, workspaceID string) {
	if n, ok := t.nodes[id]; ok {
		n.WorkspaceID = workspaceID
		t.nodes[id] = n
	}
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int { return len(t.nodes) }
