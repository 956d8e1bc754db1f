// ABOUTME: Tests for the workspace manager: clearing, snapshots, peer views, and safety predicates.
// ABOUTME: Covers the P5 clearing property and the R1 snapshot/view byte-for-byte round trip.
package workspace_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/2389-research/massgen/workspace"
)

func newTestManager(t *testing.T) *workspace.Manager {
	t.Helper()
	m, err := workspace.NewManager(filepath.Join(t.TempDir(), "ws"), "")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPrepareWorkspace_ClearsResidue(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.PrepareWorkspace("agent1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	writeFile(t, filepath.Join(dir, "residue.txt"), "old attempt")
	writeFile(t, filepath.Join(dir, "sub", "deep.txt"), "old tree")

	dir2, err := m.PrepareWorkspace("agent1")
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if dir2 != dir {
		t.Fatalf("workspace path changed between attempts: %s vs %s", dir, dir2)
	}
	entries, err := os.ReadDir(dir2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace not empty after prepare: %d entries", len(entries))
	}
}

func TestSnapshotAndPeerView_RoundTrip(t *testing.T) {
	m := newTestManager(t)

	workDir, err := m.PrepareWorkspace("agent1")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(workDir, "out.txt"), "hello")
	writeFile(t, filepath.Join(workDir, "nested", "data.bin"), "payload")

	if err := m.Snapshot("agent1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Mutating the workspace after the snapshot must not affect the copy.
	writeFile(t, filepath.Join(workDir, "out.txt"), "mutated")

	viewDir, err := m.MaterialisePeerView("agent2", map[string]string{
		"agent1": m.SnapshotDir("agent1"),
	})
	if err != nil {
		t.Fatalf("materialise view: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(viewDir, "agent1", "out.txt"))
	if err != nil {
		t.Fatalf("read view file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("view content: want %q, got %q", "hello", got)
	}
	nested, err := os.ReadFile(filepath.Join(viewDir, "agent1", "nested", "data.bin"))
	if err != nil {
		t.Fatalf("read nested view file: %v", err)
	}
	if string(nested) != "payload" {
		t.Errorf("nested content: want %q, got %q", "payload", nested)
	}
}

func TestSnapshot_ReplacesPreviousSnapshot(t *testing.T) {
	m := newTestManager(t)

	workDir, err := m.PrepareWorkspace("agent1")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(workDir, "a.txt"), "v1")
	if err := m.Snapshot("agent1"); err != nil {
		t.Fatal(err)
	}

	if _, err := m.PrepareWorkspace("agent1"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(workDir, "b.txt"), "v2")
	if err := m.Snapshot("agent1"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(m.SnapshotDir("agent1"), "a.txt")); !os.IsNotExist(err) {
		t.Error("old snapshot file survived replacement")
	}
	if _, err := os.Stat(filepath.Join(m.SnapshotDir("agent1"), "b.txt")); err != nil {
		t.Errorf("new snapshot file missing: %v", err)
	}
}

func TestSnapshot_TeesToSessionLog(t *testing.T) {
	logDir := t.TempDir()
	m, err := workspace.NewManager(filepath.Join(t.TempDir(), "ws"), logDir)
	if err != nil {
		t.Fatal(err)
	}

	workDir, err := m.PrepareWorkspace("agent1")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(workDir, "artifact.txt"), "keep me")
	if err := m.Snapshot("agent1"); err != nil {
		t.Fatal(err)
	}

	teeRoot := filepath.Join(logDir, "snapshots", "agent1")
	entries, err := os.ReadDir(teeRoot)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one timestamped tee dir, got %v err=%v", entries, err)
	}
	teed, err := os.ReadFile(filepath.Join(teeRoot, entries[0].Name(), "artifact.txt"))
	if err != nil || string(teed) != "keep me" {
		t.Fatalf("tee content wrong: %q err=%v", teed, err)
	}
}

func TestNewSafePath_Predicates(t *testing.T) {
	parent := t.TempDir()

	cases := []struct {
		name   string
		path   string
		parent string
		ok     bool
	}{
		{"relative path", "relative/dir", "", false},
		{"filesystem root", "/", "", false},
		{"outside parent", "/tmp/elsewhere", parent, false},
		{"under parent", filepath.Join(parent, "sub"), parent, true},
		{"absolute no parent", filepath.Join(parent, "x"), "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := workspace.NewSafePath(tc.path, tc.parent)
			if tc.ok && err != nil {
				t.Errorf("expected ok, got %v", err)
			}
			if !tc.ok {
				var safetyErr *workspace.SafetyError
				if !errors.As(err, &safetyErr) {
					t.Errorf("expected SafetyError, got %v", err)
				}
			}
		})
	}
}

func TestCleanup_RemovesOnlyViews(t *testing.T) {
	m := newTestManager(t)

	workDir, err := m.PrepareWorkspace("agent1")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(workDir, "keep.txt"), "work")
	if err := m.Snapshot("agent1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.MaterialisePeerView("agent2", map[string]string{"agent1": m.SnapshotDir("agent1")}); err != nil {
		t.Fatal(err)
	}

	if err := m.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := os.Stat(m.ViewDir("agent2")); !os.IsNotExist(err) {
		t.Error("view dir should be removed by cleanup")
	}
	if _, err := os.Stat(filepath.Join(workDir, "keep.txt")); err != nil {
		t.Error("work dir must survive cleanup")
	}
	if _, err := os.Stat(m.SnapshotDir("agent1")); err != nil {
		t.Error("snapshot dir must survive cleanup")
	}
}
