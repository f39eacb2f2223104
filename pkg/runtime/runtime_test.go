package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neul-labs/openclaw/pkg/commandqueue"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/projection"
	"github.com/neul-labs/openclaw/pkg/provider"
	"github.com/neul-labs/openclaw/pkg/sandbox"
	"github.com/neul-labs/openclaw/pkg/toolregistry"
)

const testAgentID = "assistant"

// scriptedCall is one provider response in a scripted sequence. block
// streams the deltas and then waits for context cancellation.
type scriptedCall struct {
	deltas   []string
	response *provider.Response
	err      error
	block    bool
}

func textCall(text string) scriptedCall {
	return scriptedCall{
		deltas: []string{text},
		response: &provider.Response{
			Text:       text,
			StopReason: provider.StopEndTurn,
			Model:      "test-model",
			Usage:      eventlog.TokenUsage{InputTokens: 10, OutputTokens: 5},
		},
	}
}

func toolUseCall(id, name string, params map[string]interface{}) scriptedCall {
	return scriptedCall{
		response: &provider.Response{
			ToolCalls:  []provider.ToolCall{{ID: id, Name: name, Parameters: params}},
			StopReason: provider.StopToolUse,
			Model:      "test-model",
			Usage:      eventlog.TokenUsage{InputTokens: 10, OutputTokens: 5},
		},
	}
}

func errCall(err error) scriptedCall {
	return scriptedCall{err: err}
}

// scriptedProvider replays a fixed response sequence, one entry per
// call, recording every request it receives.
type scriptedProvider struct {
	providerName string
	repeatLast   bool

	mu       sync.Mutex
	calls    int
	requests []provider.Request
	script   []scriptedCall
}

func newScriptedProvider(script ...scriptedCall) *scriptedProvider {
	return &scriptedProvider{providerName: "anthropic", script: script}
}

func (s *scriptedProvider) Name() string { return s.providerName }

func (s *scriptedProvider) next(req provider.Request) scriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	idx := s.calls
	s.calls++
	if idx >= len(s.script) {
		if s.repeatLast && len(s.script) > 0 {
			return s.script[len(s.script)-1]
		}
		return scriptedCall{err: &provider.APIError{Provider: s.providerName, Status: 500, Body: "script exhausted"}}
	}
	return s.script[idx]
}

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedProvider) request(i int) provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *scriptedProvider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	call := s.next(req)
	if call.err != nil {
		return nil, call.err
	}
	return call.response, nil
}

func (s *scriptedProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	call := s.next(req)
	ch := make(chan provider.Chunk, len(call.deltas)+1)
	go func() {
		defer close(ch)
		for _, delta := range call.deltas {
			ch <- provider.Chunk{Delta: delta}
		}
		switch {
		case call.block:
			<-ctx.Done()
			ch <- provider.Chunk{Err: ctx.Err()}
		case call.err != nil:
			ch <- provider.Chunk{Err: call.err}
		default:
			ch <- provider.Chunk{Response: call.response}
		}
	}()
	return ch, nil
}

// scriptedFactory hands out stub providers by profile id and records
// the order profiles were requested in.
type scriptedFactory struct {
	mu        sync.Mutex
	providers map[string]provider.Provider
	requested []string
}

func (f *scriptedFactory) NewProvider(profile ProviderProfile) (provider.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, profile.ID)
	p, ok := f.providers[profile.ID]
	if !ok {
		return nil, fmt.Errorf("no stub provider for profile %q", profile.ID)
	}
	return p, nil
}

func (f *scriptedFactory) requestedProfiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requested...)
}

type runtimeFixture struct {
	rt       *Runtime
	lg       *eventlog.Log
	engine   *projection.Engine
	registry *toolregistry.Registry
	factory  *scriptedFactory
	key      eventlog.SessionKey
}

func setupTestRuntime(t *testing.T, stub provider.Provider, mutate func(*Config)) *runtimeFixture {
	t.Helper()

	lg, err := eventlog.New(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lg.Close() })

	queue := commandqueue.New(0)
	t.Cleanup(func() { _ = queue.Close() })

	registry := toolregistry.New(5*time.Second, 0)
	factory := &scriptedFactory{providers: map[string]provider.Provider{"primary": stub}}

	cfg := Config{
		Log:             lg,
		Projection:      projection.NewEngine(lg),
		Registry:        registry,
		Sandbox:         sandbox.New(sandbox.Config{Level: sandbox.LevelNone}),
		Queue:           queue,
		Profiles:        []ProviderProfile{{ID: "primary", Provider: "anthropic", APIKey: "test-key", Priority: 1}},
		Agents:          map[string]AgentProfile{testAgentID: {ID: testAgentID, Model: "test-model"}},
		SandboxDefaults: sandbox.Config{Level: sandbox.LevelNone},
		Options: Options{
			MaxToolTurns:   4,
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     4 * time.Millisecond,
			Cooldown:       time.Minute,
		},
		Factory: factory,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	rt, err := New(cfg)
	require.NoError(t, err)

	return &runtimeFixture{
		rt:       rt,
		lg:       cfg.Log,
		engine:   cfg.Projection,
		registry: registry,
		factory:  factory,
		key:      eventlog.MainKey(testAgentID),
	}
}

func (f *runtimeFixture) eventTypes(t *testing.T) []string {
	t.Helper()
	events, err := f.lg.Read(f.key)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Kind.Type())
	}
	return types
}

func echoToolDefinition() toolregistry.Definition {
	return toolregistry.Definition{
		Name:        "echo",
		Description: "Echoes the given text back.",
		Parameters: []toolregistry.Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, handle *sandbox.Handle) (interface{}, error) {
			text, _ := params["text"].(string)
			return map[string]interface{}{"echoed": text}, nil
		},
	}
}

func TestRuntime_Deliver_HappyPath(t *testing.T) {
	stub := newScriptedProvider(textCall("Hello there."))
	f := setupTestRuntime(t, stub, nil)

	result, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, "Hello there.", result.Content)
	assert.Equal(t, "test-model", result.Model)
	assert.NotEmpty(t, result.TurnID)
	assert.NotEmpty(t, result.MessageID)
	assert.False(t, result.Interrupted)
	assert.False(t, result.LimitReached)
	assert.Equal(t, uint64(15), result.Usage.Total())

	assert.Equal(t, []string{
		eventlog.TypeSessionStarted,
		eventlog.TypeMessageReceived,
		eventlog.TypeAgentResponse,
		eventlog.TypeMessageSent,
	}, f.eventTypes(t))

	proj, err := f.engine.Project(f.key)
	require.NoError(t, err)
	assert.Equal(t, projection.StateActive, proj.State)
	assert.Equal(t, uint64(2), proj.MessageCount)
	assert.Equal(t, "test-model", proj.LastModel)
}

func TestRuntime_Deliver_SecondTurnCarriesHistory(t *testing.T) {
	stub := newScriptedProvider(textCall("First reply."), textCall("Second reply."))
	f := setupTestRuntime(t, stub, nil)

	_, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.NoError(t, err)
	_, err = f.rt.Deliver(context.Background(), f.key, "again", nil)
	require.NoError(t, err)

	types := f.eventTypes(t)
	started := 0
	for _, typ := range types {
		if typ == eventlog.TypeSessionStarted {
			started++
		}
	}
	assert.Equal(t, 1, started, "session_started must only be appended once")

	second := stub.request(1)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, provider.RoleUser, second.Messages[0].Role)
	assert.Equal(t, "hello", second.Messages[0].Content)
	assert.Equal(t, provider.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, "First reply.", second.Messages[1].Content)
	assert.Equal(t, provider.RoleUser, second.Messages[2].Role)
	assert.Equal(t, "again", second.Messages[2].Content)
}

func TestRuntime_Deliver_RequestShape(t *testing.T) {
	stub := newScriptedProvider(textCall("ok"))
	f := setupTestRuntime(t, stub, func(cfg *Config) {
		cfg.Agents[testAgentID] = AgentProfile{
			ID:           testAgentID,
			Model:        "test-model",
			Temperature:  0.3,
			MaxTokens:    2048,
			SystemPrompt: "Be terse.",
		}
	})
	require.NoError(t, f.registry.Register(echoToolDefinition()))

	_, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.NoError(t, err)

	req := stub.request(0)
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, "Be terse.", req.System)
	assert.Equal(t, 0.3, req.Temperature)
	assert.Equal(t, 2048, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, provider.RoleUser, req.Messages[0].Role)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "echo", req.Tools[0].Name)
	assert.NotNil(t, req.Tools[0].InputSchema["properties"])
}

func TestRuntime_Deliver_PolicyFiltersAdvertisedTools(t *testing.T) {
	stub := newScriptedProvider(textCall("ok"))
	f := setupTestRuntime(t, stub, func(cfg *Config) {
		cfg.Agents[testAgentID] = AgentProfile{
			ID:    testAgentID,
			Model: "test-model",
			Tools: &toolregistry.Policy{Deny: []string{"echo"}},
		}
	})
	require.NoError(t, f.registry.Register(echoToolDefinition()))

	_, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.NoError(t, err)

	assert.Empty(t, stub.request(0).Tools)
}

func TestRuntime_Deliver_ToolRoundTrip(t *testing.T) {
	stub := newScriptedProvider(
		toolUseCall("call_1", "echo", map[string]interface{}{"text": "hi"}),
		textCall("The tool said hi."),
	)
	f := setupTestRuntime(t, stub, nil)
	require.NoError(t, f.registry.Register(echoToolDefinition()))

	result, err := f.rt.Deliver(context.Background(), f.key, "use the tool", nil)
	require.NoError(t, err)

	assert.Equal(t, "The tool said hi.", result.Content)
	assert.Equal(t, 1, result.ToolCalls)

	assert.Equal(t, []string{
		eventlog.TypeSessionStarted,
		eventlog.TypeMessageReceived,
		eventlog.TypeToolCalled,
		eventlog.TypeToolResult,
		eventlog.TypeAgentResponse,
		eventlog.TypeMessageSent,
	}, f.eventTypes(t))

	events, err := f.lg.Read(f.key)
	require.NoError(t, err)
	toolResult, ok := events[3].Kind.(eventlog.ToolResult)
	require.True(t, ok)
	assert.True(t, toolResult.Success)
	assert.Equal(t, "echo", toolResult.ToolName)
	assert.Contains(t, string(toolResult.Result), "echoed")

	second := stub.request(1)
	require.GreaterOrEqual(t, len(second.Messages), 3)
	assistant := second.Messages[len(second.Messages)-2]
	toolMsg := second.Messages[len(second.Messages)-1]
	assert.Equal(t, provider.RoleAssistant, assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, provider.RoleTool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "echoed")
	assert.False(t, toolMsg.IsError)
}

func TestRuntime_Deliver_ToolLoopBound(t *testing.T) {
	stub := newScriptedProvider(toolUseCall("call_1", "echo", map[string]interface{}{"text": "hi"}))
	stub.repeatLast = true
	f := setupTestRuntime(t, stub, func(cfg *Config) {
		cfg.Options.MaxToolTurns = 2
	})
	require.NoError(t, f.registry.Register(echoToolDefinition()))

	result, err := f.rt.Deliver(context.Background(), f.key, "loop forever", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, stub.callCount(), "provider calls must stop at the tool turn ceiling")
	assert.True(t, result.LimitReached)
	assert.Equal(t, 2, result.ToolCalls)
	assert.NotEmpty(t, result.MessageID)

	assert.Equal(t, []string{
		eventlog.TypeSessionStarted,
		eventlog.TypeMessageReceived,
		eventlog.TypeToolCalled,
		eventlog.TypeToolResult,
		eventlog.TypeToolCalled,
		eventlog.TypeToolResult,
		eventlog.TypeAgentResponse,
		eventlog.TypeMessageSent,
	}, f.eventTypes(t))

	proj, err := f.engine.Project(f.key)
	require.NoError(t, err)
	assert.Equal(t, projection.StateActive, proj.State, "hitting the ceiling must not end the session")
}

func TestRuntime_Deliver_InvalidToolParamsReportedToModel(t *testing.T) {
	stub := newScriptedProvider(
		toolUseCall("call_1", "echo", map[string]interface{}{"wrong": 42}),
		textCall("Recovered."),
	)
	f := setupTestRuntime(t, stub, nil)
	require.NoError(t, f.registry.Register(echoToolDefinition()))

	result, err := f.rt.Deliver(context.Background(), f.key, "bad params", nil)
	require.NoError(t, err)
	assert.Equal(t, "Recovered.", result.Content)

	events, err := f.lg.Read(f.key)
	require.NoError(t, err)
	toolResult, ok := events[3].Kind.(eventlog.ToolResult)
	require.True(t, ok)
	assert.False(t, toolResult.Success)

	toolMsg := stub.request(1).Messages[len(stub.request(1).Messages)-1]
	assert.True(t, toolMsg.IsError)
}

func TestRuntime_Deliver_SandboxDenied(t *testing.T) {
	t.Setenv("PATH", "")

	executed := false
	hostTool := toolregistry.Definition{
		Name:        "host_run",
		Description: "Runs a command on the host.",
		Parameters: []toolregistry.Parameter{
			{Name: "command", Type: "string", Description: "Command to run", Required: true},
		},
		NeedsSandbox: true,
		Execute: func(ctx context.Context, params map[string]interface{}, handle *sandbox.Handle) (interface{}, error) {
			executed = true
			return "ran", nil
		},
	}

	stub := newScriptedProvider(
		toolUseCall("call_1", "host_run", map[string]interface{}{"command": "ls"}),
		textCall("Could not run the command."),
	)
	f := setupTestRuntime(t, stub, func(cfg *Config) {
		cfg.Sandbox = sandbox.New(sandbox.Config{Level: sandbox.LevelStrict})
		cfg.SandboxDefaults = sandbox.Config{Level: sandbox.LevelStrict}
	})
	require.NoError(t, f.registry.Register(hostTool))

	result, err := f.rt.Deliver(context.Background(), f.key, "run ls", nil)
	require.NoError(t, err)
	assert.Equal(t, "Could not run the command.", result.Content)
	assert.False(t, executed, "the tool must not run without isolation")

	events, err := f.lg.Read(f.key)
	require.NoError(t, err)
	toolResult, ok := events[3].Kind.(eventlog.ToolResult)
	require.True(t, ok)
	assert.False(t, toolResult.Success)
	assert.Contains(t, string(toolResult.Result), "sandbox unavailable")

	proj, err := f.engine.Project(f.key)
	require.NoError(t, err)
	assert.Equal(t, projection.StateActive, proj.State, "a denied tool must not end the session")
}

func TestRuntime_Deliver_DisallowedToolReportedToModel(t *testing.T) {
	stub := newScriptedProvider(
		toolUseCall("call_1", "echo", map[string]interface{}{"text": "hi"}),
		textCall("Understood."),
	)
	f := setupTestRuntime(t, stub, func(cfg *Config) {
		cfg.Agents[testAgentID] = AgentProfile{
			ID:    testAgentID,
			Model: "test-model",
			Tools: &toolregistry.Policy{Deny: []string{"echo"}},
		}
	})
	require.NoError(t, f.registry.Register(echoToolDefinition()))

	_, err := f.rt.Deliver(context.Background(), f.key, "try anyway", nil)
	require.NoError(t, err)

	events, err := f.lg.Read(f.key)
	require.NoError(t, err)
	toolResult, ok := events[3].Kind.(eventlog.ToolResult)
	require.True(t, ok)
	assert.False(t, toolResult.Success)
	assert.Contains(t, string(toolResult.Result), "not permitted")
}

func TestRuntime_Deliver_UnknownAgent(t *testing.T) {
	f := setupTestRuntime(t, newScriptedProvider(), nil)

	_, err := f.rt.Deliver(context.Background(), eventlog.MainKey("ghost"), "hello", nil)
	var failure *TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureUnknownAgent, failure.Code)
}

func TestRuntime_Deliver_InvalidKey(t *testing.T) {
	f := setupTestRuntime(t, newScriptedProvider(), nil)

	_, err := f.rt.Deliver(context.Background(), "not-a-session-key", "hello", nil)
	var failure *TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureInvalidKey, failure.Code)
}

func TestRuntime_Deliver_OversizedContentRejected(t *testing.T) {
	stub := newScriptedProvider(textCall("ok"))
	f := setupTestRuntime(t, stub, func(cfg *Config) {
		lg, err := eventlog.New(t.TempDir(), 512)
		require.NoError(t, err)
		t.Cleanup(func() { _ = lg.Close() })
		cfg.Log = lg
		cfg.Projection = projection.NewEngine(lg)
	})

	_, err := f.rt.Deliver(context.Background(), f.key, strings.Repeat("x", 4096), nil)
	var failure *TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureAppendRejected, failure.Code)

	// The session is undamaged: a normal-sized message still works.
	result, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
}

func TestRuntime_EndSession(t *testing.T) {
	stub := newScriptedProvider(textCall("Hi."))
	f := setupTestRuntime(t, stub, nil)

	_, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, f.rt.EndSession(context.Background(), f.key, "manual"))

	proj, err := f.engine.Project(f.key)
	require.NoError(t, err)
	assert.Equal(t, projection.StateEnded, proj.State)
	assert.Equal(t, "manual", proj.EndReason)

	_, err = f.rt.Deliver(context.Background(), f.key, "more", nil)
	var failure *TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureSessionEnded, failure.Code)
}

func TestRuntime_EndSession_Idempotent(t *testing.T) {
	stub := newScriptedProvider(textCall("Hi."))
	f := setupTestRuntime(t, stub, nil)

	_, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, f.rt.EndSession(context.Background(), f.key, "manual"))
	require.NoError(t, f.rt.EndSession(context.Background(), f.key, "manual"))
}

func TestRuntime_FailedSessionRefusesDelivery(t *testing.T) {
	stub := newScriptedProvider(textCall("Hi."))
	f := setupTestRuntime(t, stub, nil)

	f.rt.markFailed(f.key, fmt.Errorf("disk full"))

	_, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	var failure *TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureSessionFailed, failure.Code)
	assert.Contains(t, failure.Message, "disk full")

	// Ending the session clears the halt; the log itself still works,
	// so the terminal event lands.
	require.NoError(t, f.rt.EndSession(context.Background(), f.key, "failed"))
	_, err = f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureSessionEnded, failure.Code)
}

func TestRuntime_Abort_NoActiveTurn(t *testing.T) {
	f := setupTestRuntime(t, newScriptedProvider(), nil)
	assert.False(t, f.rt.Abort(f.key))
	assert.False(t, f.rt.IsRunning(f.key))
}

func TestRuntime_New_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	lg, err := eventlog.New(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lg.Close() })
	queue := commandqueue.New(0)
	t.Cleanup(func() { _ = queue.Close() })

	_, err = New(Config{
		Log:        lg,
		Projection: projection.NewEngine(lg),
		Registry:   toolregistry.New(0, 0),
		Sandbox:    sandbox.New(sandbox.Config{Level: sandbox.LevelNone}),
		Queue:      queue,
	})
	require.Error(t, err, "a provider profile is required")
}
