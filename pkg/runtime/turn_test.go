package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/projection"
	"github.com/neul-labs/openclaw/pkg/provider"
	"github.com/neul-labs/openclaw/pkg/sandbox"
	"github.com/neul-labs/openclaw/pkg/toolregistry"
)

func TestTurn_RetriesTransientErrors(t *testing.T) {
	stub := newScriptedProvider(
		errCall(&provider.RateLimitedError{Provider: "anthropic", RetryAfter: time.Millisecond}),
		errCall(&provider.NetworkError{Provider: "anthropic", Err: context.DeadlineExceeded}),
		textCall("Recovered."),
	)
	f := setupTestRuntime(t, stub, nil)

	result, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Recovered.", result.Content)
	assert.Equal(t, 3, stub.callCount())
}

func TestTurn_RetryGivesUpAndCoolsProfileDown(t *testing.T) {
	stub := newScriptedProvider(errCall(&provider.APIError{Provider: "anthropic", Status: 503, Body: "overloaded"}))
	stub.repeatLast = true
	f := setupTestRuntime(t, stub, nil)

	_, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	var failure *TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureProviderError, failure.Code)
	assert.Equal(t, 3, stub.callCount())

	// The profile is cooling down, so the next turn fails without
	// touching the provider again.
	_, err = f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureProviderError, failure.Code)
	assert.Contains(t, failure.Message, "cooling down")
	assert.Equal(t, 3, stub.callCount())
}

func TestTurn_AuthErrorFailsWithoutRetry(t *testing.T) {
	stub := newScriptedProvider(errCall(&provider.AuthError{Provider: "anthropic", Message: "bad key"}))
	f := setupTestRuntime(t, stub, nil)

	_, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	var failure *TurnFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureProviderError, failure.Code)
	assert.Equal(t, 1, stub.callCount(), "auth failures must not be retried")
}

func TestTurn_FailoverToSecondProfile(t *testing.T) {
	primary := newScriptedProvider(errCall(&provider.AuthError{Provider: "anthropic", Message: "bad key"}))
	primary.repeatLast = true
	backup := newScriptedProvider(textCall("From backup."), textCall("Still here."))
	backup.providerName = "openai"

	// Profiles are given out of priority order to exercise sorting.
	f := setupTestRuntime(t, primary, func(cfg *Config) {
		cfg.Profiles = []ProviderProfile{
			{ID: "backup", Provider: "openai", APIKey: "test-key", Priority: 2},
			{ID: "primary", Provider: "anthropic", APIKey: "test-key", Priority: 1},
		}
		cfg.Factory.(*scriptedFactory).providers["backup"] = backup
	})

	result, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "From backup.", result.Content)
	assert.Equal(t, []string{"primary", "backup"}, f.factory.requestedProfiles())

	// The failed profile stays on cooldown: the next turn goes straight
	// to the backup.
	result, err = f.rt.Deliver(context.Background(), f.key, "again", nil)
	require.NoError(t, err)
	assert.Equal(t, "Still here.", result.Content)
	assert.Equal(t, []string{"primary", "backup", "backup"}, f.factory.requestedProfiles())
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 2, backup.callCount())
}

func TestTurn_AbortRecordsInterruptedResponse(t *testing.T) {
	stub := newScriptedProvider(
		scriptedCall{deltas: []string{"Hel", "lo"}, block: true},
		textCall("Back online."),
	)
	f := setupTestRuntime(t, stub, nil)

	type deliverOutcome struct {
		result *TurnResult
		err    error
	}
	done := make(chan deliverOutcome, 1)
	go func() {
		result, err := f.rt.Deliver(context.Background(), f.key, "hello", nil)
		done <- deliverOutcome{result, err}
	}()

	require.Eventually(t, func() bool {
		return f.rt.IsRunning(f.key)
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.rt.Abort(f.key))

	var outcome deliverOutcome
	select {
	case outcome = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("aborted turn did not return")
	}
	require.NoError(t, outcome.err)
	assert.True(t, outcome.result.Interrupted)
	assert.Equal(t, "Hello", outcome.result.Content)
	assert.Empty(t, outcome.result.MessageID, "nothing was delivered")

	assert.Equal(t, []string{
		eventlog.TypeSessionStarted,
		eventlog.TypeMessageReceived,
		eventlog.TypeAgentResponse,
	}, f.eventTypes(t))

	events, err := f.lg.Read(f.key)
	require.NoError(t, err)
	response, ok := events[2].Kind.(eventlog.AgentResponse)
	require.True(t, ok)
	assert.True(t, response.Interrupted)
	assert.Equal(t, "Hello", response.Content)

	// The session survives the abort.
	result, err := f.rt.Deliver(context.Background(), f.key, "continue", nil)
	require.NoError(t, err)
	assert.Equal(t, "Back online.", result.Content)
}

func TestTurn_AbortDuringToolPhase(t *testing.T) {
	stub := newScriptedProvider(toolUseCall("call_1", "stop", map[string]interface{}{}))
	f := setupTestRuntime(t, stub, nil)

	// The tool aborts its own session; the turn must still record the
	// tool result and then close with an interrupted response.
	stopTool := toolregistry.Definition{
		Name:        "stop",
		Description: "Aborts the current session's turn.",
		Execute: func(ctx context.Context, params map[string]interface{}, handle *sandbox.Handle) (interface{}, error) {
			f.rt.Abort(f.key)
			return "stopping", nil
		},
	}
	require.NoError(t, f.registry.Register(stopTool))

	result, err := f.rt.Deliver(context.Background(), f.key, "stop now", nil)
	require.NoError(t, err)
	assert.True(t, result.Interrupted)
	assert.Empty(t, result.Content)
	assert.Equal(t, 1, result.ToolCalls)

	assert.Equal(t, []string{
		eventlog.TypeSessionStarted,
		eventlog.TypeMessageReceived,
		eventlog.TypeToolCalled,
		eventlog.TypeToolResult,
		eventlog.TypeAgentResponse,
	}, f.eventTypes(t))
}

func TestCooldownTracker(t *testing.T) {
	tracker := newCooldownTracker()

	assert.False(t, tracker.Active("main"))

	tracker.Set("main", time.Minute)
	assert.True(t, tracker.Active("main"))

	tracker.Clear("main")
	assert.False(t, tracker.Active("main"))

	tracker.Set("main", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.False(t, tracker.Active("main"), "expired cooldowns clear on read")
}

func TestOptions_Defaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 10, opts.MaxToolTurns)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, time.Second, opts.InitialBackoff)
	assert.Equal(t, 8*time.Second, opts.MaxBackoff)
	assert.Equal(t, 50, opts.ContextWindow)
	assert.Equal(t, 5*time.Minute, opts.Cooldown)

	custom := Options{MaxToolTurns: 2, ContextWindow: 5}.withDefaults()
	assert.Equal(t, 2, custom.MaxToolTurns)
	assert.Equal(t, 5, custom.ContextWindow)
}

func TestHistoryMessages(t *testing.T) {
	proj := projection.New(eventlog.MainKey("assistant"))
	proj.Messages = []projection.MessageEntry{
		{Direction: projection.DirectionInbound, Content: "hi"},
		{Direction: projection.DirectionOutbound, Content: "hello"},
		{Direction: projection.DirectionTool, Content: `{"ok":true}`, ToolName: "echo"},
		{Direction: projection.DirectionOutbound, Content: "", Interrupted: true},
		{Direction: projection.DirectionInbound, Content: "more"},
	}

	messages := historyMessages(proj, 10)
	require.Len(t, messages, 3, "tool entries and empty responses are omitted")
	assert.Equal(t, provider.RoleUser, messages[0].Role)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, provider.RoleAssistant, messages[1].Role)
	assert.Equal(t, provider.RoleUser, messages[2].Role)

	windowed := historyMessages(proj, 1)
	require.Len(t, windowed, 1)
	assert.Equal(t, "more", windowed[0].Content)
}

func TestRenderToolContent(t *testing.T) {
	assert.Equal(t, "plain", renderToolContent(toolregistry.Result{Success: true, Output: "plain"}))
	assert.Equal(t, "", renderToolContent(toolregistry.Result{Success: true}))
	assert.JSONEq(t, `{"n":1}`, renderToolContent(toolregistry.Result{Success: true, Output: map[string]interface{}{"n": 1}}))
	assert.Equal(t, "boom", renderToolContent(toolregistry.Result{Success: false, Error: "boom"}))
	assert.Equal(t, "tool execution failed", renderToolContent(toolregistry.Result{Success: false}))
}
