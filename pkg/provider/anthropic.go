package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/neul-labs/openclaw/pkg/eventlog"
)

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// contract.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates an Anthropic adapter. baseURL overrides
// the API endpoint when non-empty.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

// Name returns the wire provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete performs one blocking Messages call.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicErr(err)
	}

	return p.buildResponse(message, req.Model)
}

// Stream performs one Messages call delivering text deltas as they
// arrive. The terminal chunk carries the assembled Response.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk)
	go p.consumeStream(stream, chunks, req.Model)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	if err := validateRequest(p.Name(), req); err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}

	return params, nil
}

// convertAnthropicMessages maps neutral messages onto Anthropic content
// blocks. Tool results become user messages carrying tool_result blocks;
// the system prompt travels outside the message list.
func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch {
		case msg.Role == RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError),
			))

		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Parameters, tc.Name))
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case msg.Role == RoleAssistant:
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})

		case msg.Role == RoleUser:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	return out
}

func convertAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		toolParam := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: spec.InputSchema["properties"],
			},
		}
		if required := requiredFields(spec.InputSchema); len(required) > 0 {
			toolParam.InputSchema.Required = required
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

func (p *AnthropicProvider) buildResponse(message *anthropic.Message, requestModel string) (*Response, error) {
	var text strings.Builder
	toolCalls := []ToolCall{}

	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			params, err := decodeToolInput(b.JSON.Input.Raw())
			if err != nil {
				return nil, fmt.Errorf("failed to parse tool input for %s: %w", b.Name, err)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:         b.ID,
				Name:       b.Name,
				Parameters: params,
			})
		}
	}

	model := string(message.Model)
	if model == "" {
		model = requestModel
	}

	return &Response{
		Text:       text.String(),
		ToolCalls:  toolCalls,
		StopReason: normalizeStopReason(string(message.StopReason), len(toolCalls) > 0),
		Usage: eventlog.TokenUsage{
			InputTokens:      uint64(message.Usage.InputTokens),
			OutputTokens:     uint64(message.Usage.OutputTokens),
			CacheReadTokens:  uint64(message.Usage.CacheReadInputTokens),
			CacheWriteTokens: uint64(message.Usage.CacheCreationInputTokens),
		},
		Model: model,
	}, nil
}

// consumeStream drains the SSE stream, forwarding text deltas and
// assembling the terminal Response. Tool input arrives as partial JSON
// fragments spread across delta events and is finalized when its block
// stops.
func (p *AnthropicProvider) consumeStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	var (
		text         strings.Builder
		toolCalls    []ToolCall
		usage        eventlog.TokenUsage
		stopReason   string
		currentTool  *ToolCall
		currentInput strings.Builder
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = uint64(start.Message.Usage.InputTokens)
			usage.CacheReadTokens = uint64(start.Message.Usage.CacheReadInputTokens)
			usage.CacheWriteTokens = uint64(start.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					chunks <- Chunk{Delta: delta.Text}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				params, err := decodeToolInput(currentInput.String())
				if err != nil {
					chunks <- Chunk{Err: fmt.Errorf("failed to parse tool input for %s: %w", currentTool.Name, err)}
					return
				}
				currentTool.Parameters = params
				toolCalls = append(toolCalls, *currentTool)
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = uint64(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: wrapAnthropicErr(err)}
		return
	}

	chunks <- Chunk{Response: &Response{
		Text:       text.String(),
		ToolCalls:  toolCalls,
		StopReason: normalizeStopReason(stopReason, len(toolCalls) > 0),
		Usage:      usage,
		Model:      model,
	}}
}

// decodeToolInput parses accumulated tool input JSON. An empty input is
// a tool call with no arguments.
func decodeToolInput(raw string) (map[string]interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}, nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	return params, nil
}

// wrapAnthropicErr maps SDK failures onto the typed taxonomy. Context
// cancellation passes through so callers can tell aborts from faults.
func wrapAnthropicErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Provider: "anthropic", Err: err}
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return classifyStatus("anthropic", apiErr.StatusCode, apiErr.RawJSON(), header)
	}

	return &NetworkError{Provider: "anthropic", Err: err}
}
