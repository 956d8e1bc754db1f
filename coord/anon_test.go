// ABOUTME: Tests for the agent-to-anonymous identity mapping.
// ABOUTME: Covers deterministic assignment, lookups, ordinals, and duplicate rejection.
package coord_test

import (
	"testing"

	"github.com/2389-research/massgen/coord"
)

func TestNewAnonTable_AssignsInDeclarationOrder(t *testing.T) {
	table, err := coord.NewAnonTable([]string{"gpt-large", "claude-backend", "local-llama"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"agent1", "agent2", "agent3"}
	got := table.AnonIDs()
	if len(got) != len(want) {
		t.Fatalf("expected %d anon ids, got %d", len(want), len(got))
	}
	for i, anon := range want {
		if got[i] != anon {
			t.Errorf("position %d: expected %s, got %s", i, anon, got[i])
		}
	}

	anon, ok := table.Anon("claude-backend")
	if !ok || anon != "agent2" {
		t.Errorf("expected claude-backend -> agent2, got %q (ok=%v)", anon, ok)
	}
	id, ok := table.AgentID("agent3")
	if !ok || id != "local-llama" {
		t.Errorf("expected agent3 -> local-llama, got %q (ok=%v)", id, ok)
	}
}

func TestNewAnonTable_RejectsDuplicates(t *testing.T) {
	if _, err := coord.NewAnonTable([]string{"a", "a"}); err == nil {
		t.Fatal("expected error for duplicate agent ids")
	}
}

func TestNewAnonTable_RejectsEmptyID(t *testing.T) {
	if _, err := coord.NewAnonTable([]string{"a", ""}); err == nil {
		t.Fatal("expected error for empty agent id")
	}
}

func TestAnonTable_Ordinal(t *testing.T) {
	table, err := coord.NewAnonTable([]string{"x", "y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := table.Ordinal("agent2"); got != 1 {
		t.Errorf("expected ordinal 1, got %d", got)
	}
	if got := table.Ordinal("agent9"); got != -1 {
		t.Errorf("expected -1 for unknown anon, got %d", got)
	}
	if !table.IsAnon("agent1") || table.IsAnon("x") {
		t.Error("IsAnon should recognise anon ids only")
	}
}
