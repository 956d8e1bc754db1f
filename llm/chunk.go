// ABOUTME: StreamChunk is the typed envelope carried between backends, agent runners, and the orchestrator.
// ABOUTME: Defines the chunk kind enum, payload fields, constructors, and terminality rules.

package llm

import "encoding/json"

// ChunkKind discriminates the type of a StreamChunk.
type ChunkKind string

const (
	ChunkContent         ChunkKind = "content"
	ChunkReasoning       ChunkKind = "reasoning"
	ChunkToolCalls       ChunkKind = "tool_calls"
	ChunkToolResult      ChunkKind = "tool_result"
	ChunkCompleteMessage ChunkKind = "complete_message"
	ChunkAgentStatus     ChunkKind = "agent_status"
	ChunkMCPStatus       ChunkKind = "mcp_status"
	ChunkError           ChunkKind = "error"
	ChunkDone            ChunkKind = "done"
)

// ToolCall represents a model-initiated tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ArgumentsMap parses the raw JSON arguments into a map.
func (tc *ToolCall) ArgumentsMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(tc.Arguments, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamChunk is a single unit of a backend's output stream.
// It uses a tagged-union pattern: Kind determines which fields are populated.
// A well-formed stream ends with exactly one done or one error chunk.
type StreamChunk struct {
	Kind ChunkKind `json:"kind"`

	// content / reasoning
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`

	// tool_calls
	Calls []ToolCall `json:"calls,omitempty"`

	// tool_result
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content,omitempty"`

	// complete_message
	Message *Message `json:"message,omitempty"`

	// agent_status / mcp_status
	Status string `json:"status,omitempty"`
	Source string `json:"source,omitempty"`

	// error
	Err string `json:"error,omitempty"`
}

// IsTerminal reports whether this chunk ends the stream.
func (c StreamChunk) IsTerminal() bool {
	return c.Kind == ChunkDone || c.Kind == ChunkError
}

// ContentChunk creates a content chunk carrying text.
func ContentChunk(text string) StreamChunk {
	return StreamChunk{Kind: ChunkContent, Text: text}
}

// ReasoningChunk creates a reasoning chunk carrying a delta.
func ReasoningChunk(delta string) StreamChunk {
	return StreamChunk{Kind: ChunkReasoning, Delta: delta}
}

// ToolCallsChunk creates a tool_calls chunk.
func ToolCallsChunk(calls ...ToolCall) StreamChunk {
	return StreamChunk{Kind: ChunkToolCalls, Calls: calls}
}

// ToolResultChunk creates a tool_result chunk.
func ToolResultChunk(callID, content string) StreamChunk {
	return StreamChunk{Kind: ChunkToolResult, CallID: callID, Content: content}
}

// CompleteMessageChunk creates a complete_message chunk.
func CompleteMessageChunk(msg Message) StreamChunk {
	return StreamChunk{Kind: ChunkCompleteMessage, Message: &msg}
}

// AgentStatusChunk creates an informational agent_status chunk.
func AgentStatusChunk(status, source string) StreamChunk {
	return StreamChunk{Kind: ChunkAgentStatus, Status: status, Source: source}
}

// ErrorChunk creates a terminal error chunk.
func ErrorChunk(err string) StreamChunk {
	return StreamChunk{Kind: ChunkError, Err: err}
}

// DoneChunk creates the terminal done chunk.
func DoneChunk() StreamChunk {
	return StreamChunk{Kind: ChunkDone}
}
