// Package router validates message routes between agents. Routing is pure:
// no I/O, no mutation, just tree queries (spec.md section 4.6).
package router

import (
	"github.com/substrat/substrat/internal/idgen"
	"github.com/substrat/substrat/internal/substraterr"
	"github.com/substrat/substrat/internal/tree"
)

// Router validates one-hop routes against a Tree.
type Router struct {
	tree *tree.Tree
}

// New returns a Router backed by t.
func New(t *tree.Tree) *Router {
	return &Router{tree: t}
}

func isSentinel(id string) bool {
	return id == idgen.System || id == idgen.User
}

// ValidateRoute checks that recipient is reachable from sender in one hop:
// parent, a child, or a team member. Sentinel ids bypass the one-hop check
// on whichever side they appear, but the non-sentinel side must exist in
// the tree. Self-delivery is always rejected.
func (r *Router) ValidateRoute(sender, recipient string) error {
	if sender == recipient {
		return substraterr.New(substraterr.KindRouteInvalid, "self-delivery from %s to itself", sender)
	}

	senderIsSentinel := isSentinel(sender)
	recipientIsSentinel := isSentinel(recipient)

	if !senderIsSentinel {
		if _, ok := r.tree.Get(sender); !ok {
			return substraterr.New(substraterr.KindRouteInvalid, "sender %s does not exist", sender)
		}
	}
	if !recipientIsSentinel {
		if _, ok := r.tree.Get(recipient); !ok {
			return substraterr.New(substraterr.KindRouteInvalid, "recipient %s does not exist", recipient)
		}
	}

	if senderIsSentinel || recipientIsSentinel {
		return nil
	}

	if r.tree.Parent(sender) == recipient {
		return nil
	}
	for _, c := range r.tree.Children(sender) {
		if c == recipient {
			return nil
		}
	}
	for _, tm := range r.tree.Team(sender) {
		if tm == recipient {
			return nil
		}
	}
	return substraterr.New(substraterr.KindRouteInvalid, "%s is not within one hop of %s", recipient, sender)
}

// ExpandMulticast resolves a nil-recipient multicast to the sender's team.
// An empty team (no siblings) yields an empty, non-nil slice.
func (r *Router) ExpandMulticast(sender string) []string {
	team := r.tree.Team(sender)
	out := make([]string, 0, len(team))
	out = append(out, team...)
	return out
}
