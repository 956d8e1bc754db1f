// ABOUTME: Tests for the StreamChunk envelope: constructors, terminality, and wire stability.
// ABOUTME: Keeps the JSON shape honest for tool-call arguments passing through the core.
package llm_test

import (
	"encoding/json"
	"testing"

	"github.com/2389-research/massgen/llm"
)

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		chunk    llm.StreamChunk
		terminal bool
	}{
		{llm.ContentChunk("x"), false},
		{llm.ReasoningChunk("x"), false},
		{llm.ToolCallsChunk(llm.ToolCall{Name: "vote"}), false},
		{llm.AgentStatusChunk("working", "agent1"), false},
		{llm.ErrorChunk("broken"), true},
		{llm.DoneChunk(), true},
	}
	for _, tc := range cases {
		if got := tc.chunk.IsTerminal(); got != tc.terminal {
			t.Errorf("%s: IsTerminal=%v, want %v", tc.chunk.Kind, got, tc.terminal)
		}
	}
}

func TestToolCall_ArgumentsMap(t *testing.T) {
	tc := llm.ToolCall{
		Name:      "vote",
		Arguments: json.RawMessage(`{"agent_id": "agent2", "reason": "best"}`),
	}
	args, err := tc.ArgumentsMap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args["agent_id"] != "agent2" {
		t.Errorf("arguments lost: %v", args)
	}

	tc.Arguments = json.RawMessage(`[1,2]`)
	if _, err := tc.ArgumentsMap(); err == nil {
		t.Error("non-object arguments must error")
	}
}

func TestStreamChunk_JSONOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(llm.ContentChunk("hi"))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"kind":"content","text":"hi"}`
	if string(data) != want {
		t.Errorf("wire form changed: %s", data)
	}
}
