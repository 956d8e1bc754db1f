// ABOUTME: Backend is the only contract the coordination core needs from an LLM adapter.
// ABOUTME: Defines StreamRequest, the filesystem-support discriminator, and stream ownership rules.

package llm

import "context"

// FilesystemSupport describes how a backend can observe workspace files.
type FilesystemSupport string

const (
	// FilesystemNone means the backend has no filesystem access; no peer view
	// is materialised for it.
	FilesystemNone FilesystemSupport = "none"
	// FilesystemNative means the backend reads the workspace directly (e.g. a
	// CLI tool running in the working directory).
	FilesystemNative FilesystemSupport = "native"
	// FilesystemMCP means the backend consumes an injected filesystem MCP
	// tool server.
	FilesystemMCP FilesystemSupport = "mcp"
)

// StreamRequest is the input to a single backend streaming call.
type StreamRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// Backend is anything that turns messages plus tools into a StreamChunk
// sequence terminated by exactly one done or error chunk.
//
// The returned channel is owned by the backend: it is closed after the
// terminal chunk. Consumers stop a stream early by cancelling ctx; the
// backend must then stop sending and close the channel promptly.
type Backend interface {
	// Name identifies the backend for logging and status chunks.
	Name() string

	// Stream starts a streaming call and returns the chunk channel.
	// An error here means the call could not be started at all; failures
	// after the stream opens arrive as an error chunk instead.
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error)

	// FilesystemSupport reports how (if at all) this backend can observe
	// workspace files. The core uses it to decide whether to materialise a
	// peer view and whether to inject a filesystem tool server.
	FilesystemSupport() FilesystemSupport

	// Stateful reports whether the backend keeps conversation state between
	// calls. For stateful backends the core sends only the new user turn on
	// restart instead of resending the full history.
	Stateful() bool
}
