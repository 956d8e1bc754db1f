// ABOUTME: OpenAI Chat Completions backend with base URL support for compatible providers.
// ABOUTME: Translates StreamRequest into openai-go params and SSE deltas into StreamChunks.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend implements Backend using the OpenAI Chat Completions API.
// A custom base URL enables OpenAI-compatible providers (Cerebras, OpenRouter,
// local servers, etc.) to serve as coordination agents.
type OpenAIBackend struct {
	client openai.Client
	model  string
	retry  RetryPolicy
}

// OpenAIOption is a functional option for configuring an OpenAIBackend.
type OpenAIOption func(*OpenAIBackend)

// WithOpenAIModel sets the default model used when a request does not name one.
func WithOpenAIModel(model string) OpenAIOption {
	return func(b *OpenAIBackend) {
		b.model = model
	}
}

// WithOpenAIRetry overrides the stream-open retry policy.
func WithOpenAIRetry(policy RetryPolicy) OpenAIOption {
	return func(b *OpenAIBackend) {
		b.retry = policy
	}
}

// NewOpenAIBackend creates a Chat Completions backend. baseURL may be empty
// for the default OpenAI endpoint.
func NewOpenAIBackend(apiKey, baseURL string, opts ...OpenAIOption) *OpenAIBackend {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	b := &OpenAIBackend{
		client: openai.NewClient(reqOpts...),
		model:  "gpt-5.2",
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name identifies this backend in logs and status chunks.
func (b *OpenAIBackend) Name() string { return "openai" }

// FilesystemSupport reports none: the Chat Completions API cannot observe
// workspace files.
func (b *OpenAIBackend) FilesystemSupport() FilesystemSupport { return FilesystemNone }

// Stateful reports false: the full message history is sent on every call.
func (b *OpenAIBackend) Stateful() bool { return false }

// Stream starts a streaming chat completion and converts its deltas into
// StreamChunks. Transient failures before the first chunk are retried per
// the backend's retry policy; later failures become a terminal error chunk.
func (b *OpenAIBackend) Stream(ctx context.Context, req StreamRequest) (<-chan StreamChunk, error) {
	params := b.buildParams(req)

	ch := make(chan StreamChunk, 64)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("component=llm.openai action=panic_recovered err=%v", r)
				ch <- ErrorChunk(fmt.Sprintf("panic in stream processing: %v", r))
			}
			close(ch)
		}()

		for attempt := 0; ; attempt++ {
			emitted, err := b.streamOnce(ctx, params, ch)
			if err == nil {
				ch <- DoneChunk()
				return
			}
			if ctx.Err() != nil {
				ch <- ErrorChunk(ctx.Err().Error())
				return
			}
			// Only retry if nothing reached the consumer yet.
			if emitted || attempt+1 >= b.retry.MaxAttempts {
				ch <- ErrorChunk(err.Error())
				return
			}
			log.Printf("component=llm.openai action=retry attempt=%d err=%v", attempt+1, err)
			SleepWithContext(ctx, b.retry.DelayForAttempt(attempt))
		}
	}()
	return ch, nil
}

// streamOnce runs a single streaming call, sending chunks to ch.
// It reports whether any chunk was emitted and the stream error, if any.
func (b *OpenAIBackend) streamOnce(ctx context.Context, params openai.ChatCompletionNewParams, ch chan<- StreamChunk) (bool, error) {
	stream := b.client.Chat.Completions.NewStreaming(ctx, params)
	emitted := false

	var acc openai.ChatCompletionAccumulator
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			ch <- ContentChunk(chunk.Choices[0].Delta.Content)
			emitted = true
		}

		if toolCall, ok := acc.JustFinishedToolCall(); ok {
			ch <- ToolCallsChunk(ToolCall{
				ID:        toolCall.ID,
				Name:      toolCall.Name,
				Arguments: []byte(toolCall.Arguments),
			})
			emitted = true
		}
	}

	return emitted, stream.Err()
}

// buildParams translates a StreamRequest into openai-go request params.
func (b *OpenAIBackend) buildParams(req StreamRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = b.model
	}
	params := openai.ChatCompletionNewParams{Model: model}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	params.MaxCompletionTokens = openai.Int(int64(maxTokens))

	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, convertAssistantMessage(msg))
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if err := unmarshalSchema(tool.Parameters, &schema); err != nil {
				log.Printf("component=llm.openai action=bad_tool_schema tool=%s err=%v", tool.Name, err)
				continue
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	return params
}

// unmarshalSchema parses a raw JSON Schema into the map form openai-go expects.
func unmarshalSchema(raw json.RawMessage, dst *map[string]any) error {
	if len(raw) == 0 {
		*dst = map[string]any{"type": "object"}
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// convertAssistantMessage converts an assistant message, carrying tool calls
// when present.
func convertAssistantMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.ToolCalls) == 0 {
		return openai.AssistantMessage(msg.Content)
	}

	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}

	asstMsg := openai.ChatCompletionAssistantMessageParam{
		Role:      "assistant",
		ToolCalls: toolCalls,
	}
	if msg.Content != "" {
		asstMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(msg.Content),
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &asstMsg}
}
