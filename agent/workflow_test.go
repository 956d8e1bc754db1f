// ABOUTME: Tests for workflow call extraction from native tool calls and fenced JSON content.
// ABOUTME: Covers malformed arguments, non-workflow passthrough, and last-block-wins scanning.
package agent_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/2389-research/massgen/agent"
	"github.com/2389-research/massgen/llm"
)

func TestParseWorkflowToolCall_NewAnswer(t *testing.T) {
	call, isWorkflow, err := agent.ParseWorkflowToolCall(llm.ToolCall{
		Name:      "new_answer",
		Arguments: json.RawMessage(`{"content": "42"}`),
	})
	if err != nil || !isWorkflow {
		t.Fatalf("unexpected: isWorkflow=%v err=%v", isWorkflow, err)
	}
	na, ok := call.(agent.NewAnswerCall)
	if !ok || na.Content != "42" {
		t.Fatalf("expected NewAnswerCall{42}, got %#v", call)
	}
}

func TestParseWorkflowToolCall_Vote(t *testing.T) {
	call, isWorkflow, err := agent.ParseWorkflowToolCall(llm.ToolCall{
		Name:      "vote",
		Arguments: json.RawMessage(`{"agent_id": "agent2", "reason": "clear and correct"}`),
	})
	if err != nil || !isWorkflow {
		t.Fatalf("unexpected: isWorkflow=%v err=%v", isWorkflow, err)
	}
	v, ok := call.(agent.VoteCall)
	if !ok || v.Target != "agent2" || v.Reason != "clear and correct" {
		t.Fatalf("expected VoteCall{agent2}, got %#v", call)
	}
}

func TestParseWorkflowToolCall_NonWorkflowPassesThrough(t *testing.T) {
	_, isWorkflow, err := agent.ParseWorkflowToolCall(llm.ToolCall{
		Name:      "web_search",
		Arguments: json.RawMessage(`{"query": "weather"}`),
	})
	if isWorkflow || err != nil {
		t.Fatalf("non-workflow tool must pass through: isWorkflow=%v err=%v", isWorkflow, err)
	}
}

func TestParseWorkflowToolCall_MalformedArguments(t *testing.T) {
	_, isWorkflow, err := agent.ParseWorkflowToolCall(llm.ToolCall{
		Name:      "new_answer",
		Arguments: json.RawMessage(`not json`),
	})
	if !isWorkflow || err == nil {
		t.Fatalf("malformed workflow args must error: isWorkflow=%v err=%v", isWorkflow, err)
	}

	_, _, err = agent.ParseWorkflowToolCall(llm.ToolCall{
		Name:      "new_answer",
		Arguments: json.RawMessage(`{"content": ""}`),
	})
	if err == nil {
		t.Fatal("empty content must error")
	}
}

func TestScanContent_LastBlockIsAuthoritative(t *testing.T) {
	content := "Considering options.\n" +
		"```json\n{\"tool_name\": \"new_answer\", \"arguments\": {\"content\": \"draft\"}}\n```\n" +
		"Actually, the peer answer is better.\n" +
		"```json\n{\"tool_name\": \"vote\", \"arguments\": {\"agent_id\": \"agent1\", \"reason\": \"better\"}}\n```\n"

	call, ok := agent.ScanContentForWorkflowCall(content)
	if !ok {
		t.Fatal("expected a workflow call")
	}
	v, isVote := call.(agent.VoteCall)
	if !isVote || v.Target != "agent1" {
		t.Fatalf("expected the last block (vote), got %#v", call)
	}
}

func TestScanContent_IgnoresNonWorkflowBlocks(t *testing.T) {
	content := "```json\n{\"some\": \"object\"}\n```"
	if _, ok := agent.ScanContentForWorkflowCall(content); ok {
		t.Fatal("non-workflow json block must be ignored")
	}

	if _, ok := agent.ScanContentForWorkflowCall("no blocks at all"); ok {
		t.Fatal("plain content must yield no call")
	}
}

func TestScanContent_SkipsMalformedThenFindsEarlierValid(t *testing.T) {
	content := "```json\n{\"tool_name\": \"new_answer\", \"arguments\": {\"content\": \"ok\"}}\n```\n" +
		"```json\n{\"tool_name\": \"vote\", \"arguments\": {\"reason\": \"missing target\"}}\n```"

	call, ok := agent.ScanContentForWorkflowCall(content)
	if !ok {
		t.Fatal("expected fallback to the earlier valid block")
	}
	if _, isAnswer := call.(agent.NewAnswerCall); !isAnswer {
		t.Fatalf("expected NewAnswerCall, got %#v", call)
	}
}

func TestVoteTool_EnumCarriesTargets(t *testing.T) {
	def := agent.VoteTool([]string{"agent1", "agent3"})
	var schema map[string]any
	if err := json.Unmarshal(def.Parameters, &schema); err != nil {
		t.Fatalf("schema must be valid json: %v", err)
	}
	text := string(def.Parameters)
	if !strings.Contains(text, `"agent1"`) || !strings.Contains(text, `"agent3"`) {
		t.Errorf("enum missing targets: %s", text)
	}
	if strings.Contains(text, `"agent2"`) {
		t.Errorf("enum contains excluded target: %s", text)
	}
}
