// Package workspace allocates the opaque per-agent working-directory
// handle referenced by AgentNode.workspace_id. Sandboxing, git integration,
// and file staging are explicitly out of the core's scope (spec.md section
// 1); this package only names and creates a directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/substrat/substrat/internal/dlog"
	"github.com/substrat/substrat/internal/idgen"
)

// Handle is the opaque workspace reference stored on an AgentNode.
type Handle struct {
	ID   string
	Root string // absolute path to the workspace directory
}

// New allocates a fresh workspace directory under <daemonRoot>/workspaces.
// subdir, if non-empty, is created beneath it (e.g. a caller-requested
// layout hint); it is never interpreted beyond that.
func New(daemonRoot, subdir string) (Handle, error) {
	id := idgen.New()
	root := Path(daemonRoot, id)
	if err := os.MkdirAll(root, 0755); err != nil {
		return Handle{}, fmt.Errorf("workspace: create %s: %w", root, err)
	}
	if subdir != "" {
		if err := os.MkdirAll(filepath.Join(root, subdir), 0755); err != nil {
			return Handle{}, fmt.Errorf("workspace: create subdir %s: %w", subdir, err)
		}
	}
	dlog.Event("workspace", "created", "id", id, "root", root)
	return Handle{ID: id, Root: root}, nil
}

// Path returns the deterministic directory for a workspace id, with no I/O.
func Path(daemonRoot, id string) string {
	return filepath.Join(daemonRoot, "workspaces", id)
}

// Remove best-effort deletes a workspace directory on agent termination.
// Failures are not fatal: workspace cleanup is not part of any invariant
// in spec.md section 8.
func Remove(daemonRoot, id string) error {
	if id == "" {
		return nil
	}
	return os.RemoveAll(Path(daemonRoot, id))
}
