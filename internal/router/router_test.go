package router

import (
	"testing"

	"github.com/substrat/substrat/internal/idgen"
	"github.com/substrat/substrat/internal/tree"
)

func buildFamily(t *testing.T) *tree.Tree {
	t.Helper()
	tr := tree.New()
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(tr.Add(tree.Node{ID: "g", Name: "grandparent"}))
	must(tr.Add(tree.Node{ID: "p", ParentID: "g", Name: "parent"}))
	must(tr.Add(tree.Node{ID: "c", ParentID: "p", Name: "child"}))
	must(tr.Add(tree.Node{ID: "sib", ParentID: "p", Name: "sibling"}))
	return tr
}

// TestGrandparentToGrandchildFails mirrors scenario S5 from the specification.
func TestGrandparentToGrandchildFails(t *testing.T) {
	r := New(buildFamily(t))
	if err := r.ValidateRoute("g", "c"); err == nil {
		t.Fatalf("expected route-invalid for grandparent -> grandchild")
	}
}

func TestParentToChildSucceeds(t *testing.T) {
	r := New(buildFamily(t))
	if err := r.ValidateRoute("p", "c"); err != nil {
		t.Fatalf("parent -> child should succeed: %v", err)
	}
	if err := r.ValidateRoute("c", "p"); err != nil {
		t.Fatalf("child -> parent should succeed: %v", err)
	}
}

func TestTeamRoutingSucceeds(t *testing.T) {
	r := New(buildFamily(t))
	if err := r.ValidateRoute("c", "sib"); err != nil {
		t.Fatalf("sibling -> sibling should succeed: %v", err)
	}
}

func TestSelfDeliveryRejected(t *testing.T) {
	r := New(buildFamily(t))
	if err := r.ValidateRoute("c", "c"); err == nil {
		t.Fatalf("expected self-delivery to be rejected")
	}
}

func TestSentinelsBypassOneHop(t *testing.T) {
	r := New(buildFamily(t))
	if err := r.ValidateRoute(idgen.User, "c"); err != nil {
		t.Fatalf("USER -> any agent should bypass one-hop: %v", err)
	}
	if err := r.ValidateRoute("c", idgen.System); err != nil {
		t.Fatalf("agent -> SYSTEM should bypass one-hop: %v", err)
	}
}

func TestSentinelNonSentinelSideMustExist(t *testing.T) {
	r := New(buildFamily(t))
	if err := r.ValidateRoute(idgen.User, "ghost"); err == nil {
		t.Fatalf("expected route-invalid: recipient ghost does not exist")
	}
}

func TestExpandMulticastNoSiblingsIsEmpty(t *testing.T) {
	tr := tree.New()
	_ = tr.Add(tree.Node{ID: "solo", Name: "solo"})
	r := New(tr)
	out := r.ExpandMulticast("solo")
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", out)
	}
}

func TestExpandMulticastReturnsTeam(t *testing.T) {
	r := New(buildFamily(t))
	out := r.ExpandMulticast("c")
	if len(out) != 1 || out[0] != "sib" {
		t.Fatalf("expected [sib], got %v", out)
	}
}
