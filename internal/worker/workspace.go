package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspaces hands out isolated scratch directories, one per assignment.
// Handlers get a private directory to work in and the pool removes it when
// the job settles, so a failed or cancelled run leaves nothing behind.
type Workspaces struct {
	root string
}

func NewWorkspaces(root string) (*Workspaces, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Workspaces{root: abs}, nil
}

// Root returns the directory workspaces are created under.
func (w *Workspaces) Root() string {
	return w.root
}

// Create makes the scratch directory for an assignment and returns its path.
func (w *Workspaces) Create(assignmentID string) (string, error) {
	if assignmentID == "" || strings.ContainsAny(assignmentID, `/\`) || assignmentID == "." || assignmentID == ".." {
		return "", fmt.Errorf("invalid workspace name %q", assignmentID)
	}
	dir := filepath.Join(w.root, assignmentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", assignmentID, err)
	}
	return dir, nil
}

// Cleanup removes a workspace directory. Paths outside the root are refused
// so a corrupted path can never delete anything else.
func (w *Workspaces) Cleanup(dir string) error {
	rel, err := filepath.Rel(w.root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s: outside workspace root", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", dir, err)
	}
	return nil
}

// Prune removes every workspace under the root. Called on pool start to
// clear directories a previous run left behind.
func (w *Workspaces) Prune() error {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("failed to read workspace root: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(w.root, e.Name())); err != nil {
			return fmt.Errorf("failed to prune workspace %s: %w", e.Name(), err)
		}
	}
	return nil
}
