package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/internal/tracing"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/projection"
	"github.com/neul-labs/openclaw/pkg/provider"
	"github.com/neul-labs/openclaw/pkg/sandbox"
	"github.com/neul-labs/openclaw/pkg/toolregistry"
)

// turnParams is everything a queued turn needs, captured at Deliver
// time so the task closure stays small.
type turnParams struct {
	key         eventlog.SessionKey
	parts       eventlog.KeyParts
	agent       AgentProfile
	turnID      string
	content     string
	attachments []eventlog.AttachmentMeta
}

// turn tracks the state of one executing turn.
type turn struct {
	r      *Runtime
	p      turnParams
	logger zerolog.Logger

	state      TurnState
	usage      eventlog.TokenUsage
	profileIdx int
	toolCalls  int
}

// executeTurn runs one turn inside the session's lane. The cancel func
// is registered so Abort and EndSession can reach the in-flight turn.
func (rt *Runtime) executeTurn(ctx context.Context, params turnParams) (*TurnResult, error) {
	start := time.Now()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.registerTurn(params.key, cancel)
	defer rt.deregisterTurn(params.key)

	execCtx, span := tracing.StartSpan(
		execCtx,
		"openclaw.runtime",
		"runtime.turn",
		attribute.String("session_key", string(params.key)),
		attribute.String("agent_id", params.parts.AgentID),
		attribute.String("turn_id", params.turnID),
	)
	defer span.End()

	t := &turn{
		r: rt,
		p: params,
		logger: tracing.LoggerFromContext(execCtx, log.Logger).With().
			Str("sessionKey", string(params.key)).
			Str("turnId", params.turnID).
			Logger(),
		state: StateIdle,
	}

	result, err := t.run(execCtx)

	outcome := "completed"
	switch {
	case err != nil:
		outcome = "failed"
		t.transition(StateErrored)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Interrupted:
		outcome = "interrupted"
	case result.LimitReached:
		outcome = "limit"
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	observability.RecordTurn(outcome, time.Since(start))

	return result, err
}

func (t *turn) transition(next TurnState) {
	t.logger.Debug().
		Str("from", string(t.state)).
		Str("to", string(next)).
		Msg("Turn state changed")
	t.state = next
}

// run drives the provider/tool loop for one inbound message.
func (t *turn) run(ctx context.Context) (*TurnResult, error) {
	t.transition(StateReceiving)

	seq, err := t.r.log.LatestSequenceWithContext(ctx, t.p.key)
	if err != nil {
		return nil, failuref(FailureLogReadFailed, "%v", err)
	}
	if seq == 0 {
		if _, err := t.append(ctx, eventlog.SessionStarted{
			Channel: t.p.parts.Channel,
			PeerID:  t.p.parts.PeerID,
		}); err != nil {
			return nil, err
		}
	}

	if _, err := t.append(ctx, eventlog.MessageReceived{
		Content:     t.p.content,
		Attachments: t.p.attachments,
	}); err != nil {
		return nil, err
	}

	proj, err := t.r.projection.ProjectWithContext(ctx, t.p.key)
	if err != nil {
		return nil, failuref(FailureLogReadFailed, "%v", err)
	}

	req := provider.Request{
		Model:       t.p.agent.Model,
		System:      t.p.agent.SystemPrompt,
		Messages:    historyMessages(proj, t.r.opts.ContextWindow),
		Tools:       t.r.allowedTools(t.p.agent),
		Temperature: t.p.agent.Temperature,
		MaxTokens:   t.p.agent.MaxTokens,
	}

	for round := 0; round < t.r.opts.MaxToolTurns; round++ {
		t.transition(StateGenerating)

		resp, partial, err := t.generate(ctx, req)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return t.recordInterrupted(ctx, partial)
			}
			return nil, err
		}
		t.usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			return t.respond(ctx, resp.Text, false)
		}

		t.transition(StateToolPending)
		req.Messages = append(req.Messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			msg, err := t.invokeTool(ctx, call)
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, msg)
		}
		if ctx.Err() != nil {
			return t.recordInterrupted(ctx, "")
		}
	}

	t.logger.Warn().
		Int("maxToolTurns", t.r.opts.MaxToolTurns).
		Msg("Tool iteration ceiling reached without a final answer")
	notice := fmt.Sprintf(
		"I reached the limit of %d tool rounds for a single message without finishing. Send a follow-up message to continue.",
		t.r.opts.MaxToolTurns,
	)
	return t.respond(ctx, notice, true)
}

// append writes one event, classifying failures. A terminated session
// or oversized payload fails only this turn; any other write error
// halts the whole session.
func (t *turn) append(ctx context.Context, kind eventlog.EventKind) (*eventlog.SessionEvent, error) {
	event, err := t.r.log.AppendWithContext(ctx, t.p.key, t.p.parts.AgentID, kind)
	if err == nil {
		return event, nil
	}
	switch {
	case errors.Is(err, eventlog.ErrSessionTerminated):
		return nil, failuref(FailureSessionEnded, "session is ended, no further events accepted")
	case errors.Is(err, eventlog.ErrPayloadTooLarge):
		return nil, failuref(FailureAppendRejected, "%v", err)
	default:
		t.r.markFailed(t.p.key, err)
		return nil, failuref(FailureLogAppendFailed, "%v", err)
	}
}

// generate runs one provider call, retrying transient errors on the
// current profile and failing over to later profiles on anything
// permanent. The profile index persists for the rest of the turn so
// follow-up calls start from the profile that worked.
func (t *turn) generate(ctx context.Context, req provider.Request) (*provider.Response, string, error) {
	var lastErr error
	for t.profileIdx < len(t.r.profiles) {
		profile := t.r.profiles[t.profileIdx]

		if t.r.cooldowns.Active(profile.ID) {
			t.logger.Debug().Str("profile", profile.ID).Msg("Skipping provider profile on cooldown")
			t.profileIdx++
			continue
		}

		p, err := t.r.factory.NewProvider(profile)
		if err != nil {
			t.logger.Error().Err(err).Str("profile", profile.ID).Msg("Failed to construct provider")
			lastErr = err
			t.profileIdx++
			continue
		}

		resp, partial, err := t.streamWithRetry(ctx, p, req)
		if err == nil {
			t.r.cooldowns.Clear(profile.ID)
			observability.SetProviderCooldown(profile.Provider, false)
			return resp, "", nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, partial, err
		}

		t.logger.Warn().
			Err(err).
			Str("profile", profile.ID).
			Dur("cooldown", t.r.opts.Cooldown).
			Msg("Provider profile failed, advancing to next")
		t.r.cooldowns.Set(profile.ID, t.r.opts.Cooldown)
		observability.SetProviderCooldown(profile.Provider, true)
		lastErr = err
		t.profileIdx++
	}

	if lastErr == nil {
		lastErr = errors.New("all provider profiles are cooling down")
	}
	return nil, "", failuref(FailureProviderError, "%v", lastErr)
}

// streamWithRetry retries transient failures with exponential backoff,
// honoring a provider-supplied retry-after hint when present.
func (t *turn) streamWithRetry(ctx context.Context, p provider.Provider, req provider.Request) (*provider.Response, string, error) {
	var lastErr error
	for attempt := 0; attempt < t.r.opts.MaxAttempts; attempt++ {
		resp, partial, err := t.stream(ctx, p, req)
		if err == nil {
			return resp, "", nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, partial, err
		}
		if !provider.IsRetryable(err) {
			return nil, "", err
		}
		lastErr = err
		if attempt == t.r.opts.MaxAttempts-1 {
			break
		}

		delay := t.r.opts.InitialBackoff << attempt
		if delay > t.r.opts.MaxBackoff {
			delay = t.r.opts.MaxBackoff
		}
		var throttled *provider.RateLimitedError
		if errors.As(err, &throttled) && throttled.RetryAfter > 0 {
			delay = throttled.RetryAfter
		}

		observability.RecordProviderRetry(p.Name())
		t.logger.Info().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Transient provider error, retrying")

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, "", fmt.Errorf("gave up after %d attempts: %w", t.r.opts.MaxAttempts, lastErr)
}

// stream runs one streaming call, accumulating deltas so an aborted
// call can report the text received before cancellation.
func (t *turn) stream(ctx context.Context, p provider.Provider, req provider.Request) (*provider.Response, string, error) {
	start := time.Now()
	ch, err := p.Stream(ctx, req)
	if err != nil {
		observability.RecordProviderCall(p.Name(), time.Since(start), false)
		return nil, "", err
	}

	var partial strings.Builder
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			observability.RecordProviderCall(p.Name(), time.Since(start), false)
			return nil, partial.String(), chunk.Err
		case chunk.Response != nil:
			observability.RecordProviderCall(p.Name(), time.Since(start), true)
			return chunk.Response, "", nil
		default:
			partial.WriteString(chunk.Delta)
		}
	}

	observability.RecordProviderCall(p.Name(), time.Since(start), false)
	return nil, partial.String(), &provider.NetworkError{
		Provider: p.Name(),
		Err:      errors.New("stream closed without a terminal chunk"),
	}
}

// invokeTool records the call, executes it, and records the outcome.
// Tool failures are reported back to the model rather than ending the
// turn; only log append errors propagate.
func (t *turn) invokeTool(ctx context.Context, call provider.ToolCall) (provider.Message, error) {
	params, err := json.Marshal(call.Parameters)
	if err != nil {
		params = []byte("{}")
	}
	if _, err := t.append(ctx, eventlog.ToolCalled{ToolName: call.Name, Params: params}); err != nil {
		return provider.Message{}, err
	}

	t.transition(StateToolExecuting)
	t.toolCalls++

	result := t.executeTool(ctx, call)

	auditStatus := "success"
	if !result.Success {
		auditStatus = "failure"
	}
	observability.RecordToolAudit(ctx, call.Name, t.p.parts.AgentID, auditStatus, nil)

	if _, err := t.append(ctx, eventlog.ToolResult{
		ToolName: call.Name,
		Result:   result.Payload(),
		Success:  result.Success,
	}); err != nil {
		return provider.Message{}, err
	}

	return provider.Message{
		Role:       provider.RoleTool,
		Content:    renderToolContent(result),
		ToolCallID: call.ID,
		IsError:    !result.Success,
	}, nil
}

// executeTool runs one tool call through the registry, acquiring a
// sandbox handle only for tools that declare they need one.
func (t *turn) executeTool(ctx context.Context, call provider.ToolCall) toolregistry.Result {
	if !t.p.agent.Tools.IsAllowed(call.Name) {
		t.logger.Warn().Str("tool", call.Name).Msg("Model requested a tool outside the agent policy")
		return toolregistry.Result{
			Success: false,
			Error:   fmt.Sprintf("tool %q is not permitted for this agent", call.Name),
		}
	}

	var handle *sandbox.Handle
	if def := t.r.registry.Get(call.Name); def != nil && def.NeedsSandbox {
		acquired, err := t.r.sandbox.Acquire(ctx, t.r.sandboxDefaults)
		if err != nil {
			t.logger.Warn().Err(err).Str("tool", call.Name).Msg("Sandbox unavailable for tool")
			return toolregistry.Result{
				Success: false,
				Error:   fmt.Sprintf("sandbox unavailable: %v", err),
			}
		}
		handle = acquired
		defer func() {
			if err := handle.Release(); err != nil {
				t.logger.Warn().Err(err).Msg("Failed to release sandbox handle")
			}
		}()
	}

	ictx := toolregistry.ContextWithInvocation(ctx, &toolregistry.Invocation{
		SessionKey: t.p.key,
		AgentID:    t.p.parts.AgentID,
	})
	result, err := t.r.registry.Execute(ictx, call.Name, call.Parameters, handle)
	if err != nil {
		return toolregistry.Result{Success: false, Error: err.Error()}
	}
	return result
}

// respond records the agent response and its outbound delivery, then
// completes the turn.
func (t *turn) respond(ctx context.Context, text string, limitReached bool) (*TurnResult, error) {
	t.transition(StateResponding)

	if _, err := t.append(ctx, eventlog.AgentResponse{
		Content: text,
		Model:   t.p.agent.Model,
		Tokens:  t.usage,
	}); err != nil {
		return nil, err
	}

	messageID, _ := gonanoid.New()
	if _, err := t.append(ctx, eventlog.MessageSent{
		Content:   text,
		MessageID: messageID,
	}); err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("messageId", messageID).
		Int("toolCalls", t.toolCalls).
		Uint64("totalTokens", t.usage.Total()).
		Bool("limitReached", limitReached).
		Msg("Turn completed")
	t.transition(StateIdle)

	return &TurnResult{
		TurnID:       t.p.turnID,
		SessionKey:   t.p.key,
		Content:      text,
		Model:        t.p.agent.Model,
		Usage:        t.usage,
		ToolCalls:    t.toolCalls,
		MessageID:    messageID,
		LimitReached: limitReached,
	}, nil
}

// recordInterrupted persists whatever text streamed before the abort.
// No message_sent follows: nothing was delivered to the peer. Appends
// ignore context cancellation, so the write lands even though the
// turn's context is already dead.
func (t *turn) recordInterrupted(ctx context.Context, partial string) (*TurnResult, error) {
	t.transition(StateResponding)

	_, err := t.r.log.AppendWithContext(ctx, t.p.key, t.p.parts.AgentID, eventlog.AgentResponse{
		Content:     partial,
		Model:       t.p.agent.Model,
		Tokens:      t.usage,
		Interrupted: true,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrSessionTerminated) {
			t.logger.Debug().Msg("Session ended before the interrupted response could be recorded")
		} else {
			t.r.markFailed(t.p.key, err)
		}
	}

	t.logger.Info().Int("partialLength", len(partial)).Msg("Turn interrupted")
	t.transition(StateIdle)

	return &TurnResult{
		TurnID:      t.p.turnID,
		SessionKey:  t.p.key,
		Content:     partial,
		Model:       t.p.agent.Model,
		Usage:       t.usage,
		ToolCalls:   t.toolCalls,
		Interrupted: true,
	}, nil
}

// historyMessages maps the projection's recent messages onto provider
// roles. Tool traffic is omitted: call/result pairing is rebuilt
// in-memory within each turn, and stale pairs confuse providers that
// demand strict call/result adjacency.
func historyMessages(proj *projection.SessionProjection, n int) []provider.Message {
	entries := proj.RecentMessages(n)
	messages := make([]provider.Message, 0, len(entries))
	for _, entry := range entries {
		if entry.Content == "" {
			continue
		}
		switch entry.Direction {
		case projection.DirectionInbound:
			messages = append(messages, provider.Message{Role: provider.RoleUser, Content: entry.Content})
		case projection.DirectionOutbound:
			messages = append(messages, provider.Message{Role: provider.RoleAssistant, Content: entry.Content})
		}
	}
	return messages
}

// renderToolContent flattens a tool result into the text handed back
// to the model.
func renderToolContent(result toolregistry.Result) string {
	if !result.Success {
		if result.Error != "" {
			return result.Error
		}
		return "tool execution failed"
	}
	switch out := result.Output.(type) {
	case nil:
		return ""
	case string:
		return out
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(data)
	}
}
