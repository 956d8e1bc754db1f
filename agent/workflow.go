// ABOUTME: Workflow call extraction: the new_answer and vote tools in all the wire forms backends emit.
// ABOUTME: Handles native tool calls and the fenced-JSON-in-content form; builds the tool definitions.
package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/2389-research/massgen/llm"
)

// Workflow tool names. These are the only tools whose semantics the
// coordination core understands.
const (
	ToolNewAnswer = "new_answer"
	ToolVote      = "vote"
)

// WorkflowCall is the sum of the two workflow tools, extracted by the
// runner before the state layer ever sees backend-specific shapes.
type WorkflowCall interface{ workflowCallSeal() }

// NewAnswerCall commits a new answer.
type NewAnswerCall struct {
	Content string
}

// VoteCall commits a vote for a peer's answer.
type VoteCall struct {
	Target string
	Reason string
}

func (NewAnswerCall) workflowCallSeal() {}
func (VoteCall) workflowCallSeal()      {}

// newAnswerArgs is the wire form of new_answer arguments.
type newAnswerArgs struct {
	Content string `json:"content"`
}

// voteArgs is the wire form of vote arguments.
type voteArgs struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// ParseWorkflowToolCall recognises a native tool call as a workflow call.
// Returns (nil, false, nil) for non-workflow tools, which are forwarded
// untouched. A workflow tool with malformed arguments is an error.
func ParseWorkflowToolCall(tc llm.ToolCall) (WorkflowCall, bool, error) {
	switch tc.Name {
	case ToolNewAnswer:
		var args newAnswerArgs
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return nil, true, fmt.Errorf("parse new_answer arguments: %w", err)
		}
		if args.Content == "" {
			return nil, true, fmt.Errorf("new_answer with empty content")
		}
		return NewAnswerCall{Content: args.Content}, true, nil

	case ToolVote:
		var args voteArgs
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			return nil, true, fmt.Errorf("parse vote arguments: %w", err)
		}
		if args.AgentID == "" {
			return nil, true, fmt.Errorf("vote with empty agent_id")
		}
		return VoteCall{Target: args.AgentID, Reason: args.Reason}, true, nil
	}
	return nil, false, nil
}

// fencedJSONPattern matches ```json fenced blocks. Some backends cannot
// combine provider-builtin tools with function declarations and emit
// workflow calls as JSON inside content instead.
var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// contentCall is the fenced-block wire form: {"tool_name": ..., "arguments": ...}.
type contentCall struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ScanContentForWorkflowCall scans accumulated content for fenced json
// blocks carrying a workflow call and returns the last one, which is
// authoritative. Blocks that do not parse as workflow calls are ignored.
func ScanContentForWorkflowCall(content string) (WorkflowCall, bool) {
	matches := fencedJSONPattern.FindAllStringSubmatch(content, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		var cc contentCall
		if err := json.Unmarshal([]byte(matches[i][1]), &cc); err != nil {
			continue
		}
		if cc.ToolName != ToolNewAnswer && cc.ToolName != ToolVote {
			continue
		}
		call, _, err := ParseWorkflowToolCall(llm.ToolCall{Name: cc.ToolName, Arguments: cc.Arguments})
		if err != nil {
			continue
		}
		return call, true
	}
	return nil, false
}

// NewAnswerTool builds the new_answer tool definition.
func NewAnswerTool() llm.ToolDefinition {
	schema := `{
		"type": "object",
		"properties": {
			"content": {
				"type": "string",
				"description": "Your complete answer to the task."
			}
		},
		"required": ["content"]
	}`
	return llm.ToolDefinition{
		Name:        ToolNewAnswer,
		Description: "Commit a new or improved answer to the task. Restarts your peers with your answer in their context.",
		Parameters:  json.RawMessage(schema),
	}
}

// VoteTool builds the vote tool definition. targets is the enum of valid
// agent_id values; whether it includes the caller is a policy decision made
// by the orchestrator.
func VoteTool(targets []string) llm.ToolDefinition {
	quoted := make([]string, len(targets))
	for i, t := range targets {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	schema := fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"agent_id": {
				"type": "string",
				"enum": [%s],
				"description": "The agent whose answer should be the final answer."
			},
			"reason": {
				"type": "string",
				"description": "Why this answer is the best one."
			}
		},
		"required": ["agent_id", "reason"]
	}`, strings.Join(quoted, ", "))
	return llm.ToolDefinition{
		Name:        ToolVote,
		Description: "Vote for the best current answer. Voting ends your participation until a peer commits a new answer.",
		Parameters:  json.RawMessage(schema),
	}
}
