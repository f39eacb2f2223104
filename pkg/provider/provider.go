package provider

import (
	"context"
	"fmt"

	"github.com/neul-labs/openclaw/pkg/eventlog"
)

// Message roles as sent to providers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// defaultMaxTokens caps responses when the request leaves MaxTokens
// unset. Anthropic requires an explicit ceiling on every call.
const defaultMaxTokens = 4096

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
)

// Message is one conversation entry in provider-neutral form. Tool
// results use RoleTool with ToolCallID referencing the call they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ToolSpec advertises one tool to the model. InputSchema is a JSON
// schema object with "properties" and optionally "required" keys.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request is one model invocation.
type Request struct {
	Model         string     `json:"model"`
	System        string     `json:"system,omitempty"`
	Messages      []Message  `json:"messages"`
	Tools         []ToolSpec `json:"tools,omitempty"`
	Temperature   float64    `json:"temperature,omitempty"`
	MaxTokens     int        `json:"max_tokens,omitempty"`
	StopSequences []string   `json:"stop_sequences,omitempty"`
}

// Response is the model's answer: text and/or tool-call requests, token
// counters, and the reason generation stopped.
type Response struct {
	Text       string              `json:"text"`
	ToolCalls  []ToolCall          `json:"tool_calls,omitempty"`
	StopReason StopReason          `json:"stop_reason"`
	Usage      eventlog.TokenUsage `json:"usage"`
	Model      string              `json:"model"`
}

// Chunk is one element of a streaming response. Intermediate chunks
// carry a text delta. The terminal chunk carries either the assembled
// Response or Err, after which the channel is closed.
type Chunk struct {
	Delta    string
	Response *Response
	Err      error
}

// Provider is the model backend contract. Implementations are safe for
// concurrent use.
type Provider interface {
	// Name reports the wire provider, "anthropic" or "openai".
	Name() string

	// Complete performs one blocking model call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream performs one model call delivering text incrementally.
	// The returned channel is closed after the terminal chunk. Callers
	// must drain it; cancelling ctx ends the stream promptly with a
	// terminal error chunk.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Embedder turns text into vectors. The OpenAI adapter implements it;
// the recall store depends on this interface only.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// New constructs the adapter for a configured provider name.
func New(name, apiKey, baseURL string) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey, baseURL), nil
	case "openai":
		return NewOpenAIProvider(apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

// validateRequest rejects requests no provider can serve before any
// network round trip.
func validateRequest(providerName string, req Request) error {
	if req.Model == "" {
		return &ValidationError{Provider: providerName, Message: "model is required"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Provider: providerName, Message: "at least one message is required"}
	}
	return nil
}

// normalizeStopReason maps a wire stop reason onto the fixed set.
// Truncation reasons pass through untouched even when tool calls are
// present; otherwise tool calls read as tool_use and anything
// unrecognized as end_turn.
func normalizeStopReason(wire string, hasToolCalls bool) StopReason {
	switch StopReason(wire) {
	case StopMaxTokens:
		return StopMaxTokens
	case StopStopSequence:
		return StopStopSequence
	case StopToolUse:
		return StopToolUse
	}
	if hasToolCalls {
		return StopToolUse
	}
	return StopEndTurn
}

// maxTokensOrDefault returns the request ceiling, defaulted when unset.
func maxTokensOrDefault(requested int) int {
	if requested <= 0 {
		return defaultMaxTokens
	}
	return requested
}

// requiredFields extracts the "required" list from a JSON schema map,
// tolerating both []string (in-process registries) and []interface{}
// (schemas decoded from JSON).
func requiredFields(schema map[string]interface{}) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
