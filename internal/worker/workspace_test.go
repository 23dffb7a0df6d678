package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWorkspaceCreateAndCleanup(t *testing.T) {
	ws, err := NewWorkspaces(filepath.Join(t.TempDir(), "jobs"))
	if err != nil {
		t.Fatalf("failed to create workspaces: %v", err)
	}

	dir, err := ws.Create("a1")
	if err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("workspace is not writable: %v", err)
	}

	if err := ws.Cleanup(dir); err != nil {
		t.Fatalf("failed to clean workspace: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected workspace to be removed, stat: %v", err)
	}
	if _, err := os.Stat(ws.Root()); err != nil {
		t.Errorf("cleanup should not touch the root: %v", err)
	}
}

func TestWorkspaceCreateRejectsUnsafeNames(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create workspaces: %v", err)
	}

	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, err := ws.Create(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestWorkspaceCleanupRefusesOutsideRoot(t *testing.T) {
	ws, err := NewWorkspaces(filepath.Join(t.TempDir(), "jobs"))
	if err != nil {
		t.Fatalf("failed to create workspaces: %v", err)
	}

	outside := t.TempDir()
	if err := ws.Cleanup(outside); err == nil || !strings.Contains(err.Error(), "outside workspace root") {
		t.Errorf("expected refusal for %s, got %v", outside, err)
	}
	if err := ws.Cleanup(ws.Root()); err == nil {
		t.Error("expected refusal to remove the root itself")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("outside directory should be untouched: %v", err)
	}
}

func TestWorkspacePruneClearsLeftovers(t *testing.T) {
	root := filepath.Join(t.TempDir(), "jobs")
	ws, err := NewWorkspaces(root)
	if err != nil {
		t.Fatalf("failed to create workspaces: %v", err)
	}
	if _, err := ws.Create("stale-1"); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}
	if _, err := ws.Create("stale-2"); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	if err := ws.Prune(); err != nil {
		t.Fatalf("failed to prune: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("failed to read root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty root after prune, found %d entries", len(entries))
	}
}
