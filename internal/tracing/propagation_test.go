package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToTurn(t *testing.T) {
	// Create delivery context
	parentCtx := context.Background()
	parentCtx = WithTraceID(parentCtx, "trace-123")
	parentCtx = WithSessionKey(parentCtx, "session-abc")

	// Derive a turn context
	turnCtx := PropagateToTurn(parentCtx, "default")

	// Verify trace ID is propagated
	if GetTraceID(turnCtx) != "trace-123" {
		t.Error("Trace ID not propagated")
	}

	// Verify turn ID is generated
	if GetTurnID(turnCtx) == "" {
		t.Error("Turn ID not generated")
	}

	// Verify agent ID is set
	if GetAgentID(turnCtx) != "default" {
		t.Error("Agent ID not set")
	}

	// Verify session key is propagated
	if GetSessionKey(turnCtx) != "session-abc" {
		t.Error("Session key not propagated")
	}
}

func TestPropagateToTurnNoTraceID(t *testing.T) {
	// Create parent context without trace ID
	parentCtx := context.Background()

	turnCtx := PropagateToTurn(parentCtx, "default")

	// Verify trace ID is generated
	if GetTraceID(turnCtx) == "" {
		t.Error("Trace ID not generated when missing")
	}

	// Verify turn ID is generated
	if GetTurnID(turnCtx) == "" {
		t.Error("Turn ID not generated")
	}
}

func TestPropagateToTurnDistinctTurnIDs(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-root")

	ctx1 := PropagateToTurn(ctx, "default")
	ctx2 := PropagateToTurn(ctx, "default")

	if GetTurnID(ctx1) == GetTurnID(ctx2) {
		t.Error("Turn IDs should be different for each turn")
	}
	if GetTraceID(ctx1) != "trace-root" || GetTraceID(ctx2) != "trace-root" {
		t.Error("Trace ID not propagated to both turns")
	}
}

func TestPropagateToLogger(t *testing.T) {
	// Create context with tracing
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithAgentID(ctx, "agent-789")
	ctx = WithSessionKey(ctx, "session-abc")
	ctx = WithTurnID(ctx, "turn-def")

	// Create logger
	var buf bytes.Buffer
	baseLogger := zerolog.New(&buf)

	// Propagate to logger
	logger := PropagateToLogger(ctx, baseLogger)

	// Log a message
	logger.Info().Msg("test message")

	// Verify tracing fields are in log output
	output := buf.String()

	if !contains(output, "trace-123") {
		t.Error("Trace ID not in log output")
	}
	if !contains(output, "run-456") {
		t.Error("Run ID not in log output")
	}
	if !contains(output, "agent-789") {
		t.Error("Agent ID not in log output")
	}
	if !contains(output, "session-abc") {
		t.Error("Session key not in log output")
	}
	if !contains(output, "turn-def") {
		t.Error("Turn ID not in log output")
	}
}

func TestLoggerFromContext(t *testing.T) {
	// Create context with tracing
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-xyz")

	// Create logger
	var buf bytes.Buffer
	baseLogger := zerolog.New(&buf)

	// Get logger from context
	logger := LoggerFromContext(ctx, baseLogger)

	// Log a message
	logger.Info().Msg("test")

	// Verify trace ID is in output
	output := buf.String()
	if !contains(output, "trace-xyz") {
		t.Error("Trace ID not in log output")
	}
}

func TestMergeContext(t *testing.T) {
	// Create source context with tracing
	sourceCtx := context.Background()
	sourceCtx = WithTraceID(sourceCtx, "trace-source")
	sourceCtx = WithRunID(sourceCtx, "run-source")

	// Create target context (empty)
	targetCtx := context.Background()

	// Merge contexts
	mergedCtx := MergeContext(targetCtx, sourceCtx)

	// Verify tracing info is merged
	if GetTraceID(mergedCtx) != "trace-source" {
		t.Error("Trace ID not merged")
	}
	if GetRunID(mergedCtx) != "run-source" {
		t.Error("Run ID not merged")
	}
}

func TestMergeContextNoOverwrite(t *testing.T) {
	// Create source context
	sourceCtx := context.Background()
	sourceCtx = WithTraceID(sourceCtx, "trace-source")

	// Create target context with existing trace ID
	targetCtx := context.Background()
	targetCtx = WithTraceID(targetCtx, "trace-target")

	// Merge contexts
	mergedCtx := MergeContext(targetCtx, sourceCtx)

	// Verify target trace ID is not overwritten
	if GetTraceID(mergedCtx) != "trace-target" {
		t.Error("Trace ID should not be overwritten")
	}
}

func TestCloneContext(t *testing.T) {
	// Create original context
	originalCtx := context.Background()
	originalCtx = WithTraceID(originalCtx, "trace-123")
	originalCtx = WithRunID(originalCtx, "run-456")
	originalCtx = WithAgentID(originalCtx, "agent-789")

	// Clone context
	clonedCtx := CloneContext(originalCtx)

	// Verify tracing info is cloned
	if GetTraceID(clonedCtx) != "trace-123" {
		t.Error("Trace ID not cloned")
	}
	if GetRunID(clonedCtx) != "run-456" {
		t.Error("Run ID not cloned")
	}
	if GetAgentID(clonedCtx) != "agent-789" {
		t.Error("Agent ID not cloned")
	}
}

// Helper function to check if string contains substring
func contains(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}
