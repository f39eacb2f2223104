package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/neul-labs/openclaw/pkg/eventlog"
)

// OpenAIProvider adapts the OpenAI Chat Completions API to the Provider
// contract. It also implements Embedder for the recall store.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates an OpenAI adapter. baseURL overrides the
// API endpoint when non-empty, which also covers compatible gateways.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

// Name returns the wire provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete performs one blocking chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params, opts, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	completion, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, wrapOpenAIErr(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: no response choices returned")
	}

	choice := completion.Choices[0]
	toolCalls, err := convertOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, err
	}

	model := completion.Model
	if model == "" {
		model = req.Model
	}

	return &Response{
		Text:       choice.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: openaiStopReason(string(choice.FinishReason), len(toolCalls) > 0),
		Usage:      convertOpenAIUsage(completion.Usage),
		Model:      model,
	}, nil
}

// Stream performs one chat completion call delivering text deltas as
// they arrive. The terminal chunk carries the assembled Response.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, opts, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	// Without this the final stream chunk omits token usage.
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	chunks := make(chan Chunk)
	go p.consumeStream(stream, chunks, req.Model)
	return chunks, nil
}

// Embed turns inputs into embedding vectors, ordered like the inputs.
func (p *OpenAIProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	})
	if err != nil {
		return nil, wrapOpenAIErr(err)
	}

	out := make([][]float32, len(inputs))
	for _, item := range resp.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(out) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", idx)
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		out[idx] = vec
	}
	return out, nil
}

func (p *OpenAIProvider) buildParams(req Request) (openai.ChatCompletionNewParams, []option.RequestOption, error) {
	if err := validateRequest(p.Name(), req); err != nil {
		return openai.ChatCompletionNewParams{}, nil, err
	}

	messages, err := convertOpenAIMessages(req)
	if err != nil {
		return openai.ChatCompletionNewParams{}, nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	// The stop field is a string-or-array union; set it through the
	// request option escape hatch to keep one code path for both shapes.
	var opts []option.RequestOption
	if len(req.StopSequences) > 0 {
		opts = append(opts, option.WithJSONSet("stop", req.StopSequences))
	}

	return params, opts, nil
}

// convertOpenAIMessages maps neutral messages onto chat completion
// parameters. The system prompt leads the message list.
func convertOpenAIMessages(req Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Parameters)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool parameters for %s: %w", tc.Name, err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())

		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	return messages, nil
}

func convertOpenAIToolCalls(calls []openai.ChatCompletionMessageToolCall) ([]ToolCall, error) {
	out := []ToolCall{}
	for _, tc := range calls {
		params, err := decodeToolInput(tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
		}
		out = append(out, ToolCall{
			ID:         tc.ID,
			Name:       tc.Function.Name,
			Parameters: params,
		})
	}
	return out, nil
}

// convertOpenAIUsage splits cached reads out of prompt_tokens so the
// counters stay additive like Anthropic reports them.
func convertOpenAIUsage(usage openai.CompletionUsage) eventlog.TokenUsage {
	prompt := uint64(usage.PromptTokens)
	cached := uint64(usage.PromptTokensDetails.CachedTokens)
	if cached > prompt {
		cached = prompt
	}
	return eventlog.TokenUsage{
		InputTokens:     prompt - cached,
		OutputTokens:    uint64(usage.CompletionTokens),
		CacheReadTokens: cached,
	}
}

// openaiStopReason maps a chat completion finish reason onto the fixed
// stop reason set.
func openaiStopReason(finish string, hasToolCalls bool) StopReason {
	switch finish {
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	}
	if hasToolCalls {
		return StopToolUse
	}
	return StopEndTurn
}

func (p *OpenAIProvider) consumeStream(stream *ssestream.Stream[openai.ChatCompletionChunk], chunks chan<- Chunk, requestModel string) {
	defer close(chunks)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				chunks <- Chunk{Delta: delta}
			}
		}
	}
	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: wrapOpenAIErr(err)}
		return
	}
	if len(acc.Choices) == 0 {
		chunks <- Chunk{Err: fmt.Errorf("openai: no response choices returned")}
		return
	}

	choice := acc.Choices[0]
	toolCalls, err := convertOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		chunks <- Chunk{Err: err}
		return
	}

	model := acc.Model
	if model == "" {
		model = requestModel
	}

	chunks <- Chunk{Response: &Response{
		Text:       choice.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: openaiStopReason(string(choice.FinishReason), len(toolCalls) > 0),
		Usage:      convertOpenAIUsage(acc.Usage),
		Model:      model,
	}}
}

// wrapOpenAIErr maps SDK failures onto the typed taxonomy. Context
// cancellation passes through so callers can tell aborts from faults.
func wrapOpenAIErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Provider: "openai", Err: err}
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		return classifyStatus("openai", apiErr.StatusCode, apiErr.RawJSON(), header)
	}

	return &NetworkError{Provider: "openai", Err: err}
}
