package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/internal/tracing"
	"github.com/neul-labs/openclaw/pkg/commandqueue"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/projection"
	"github.com/neul-labs/openclaw/pkg/provider"
	"github.com/neul-labs/openclaw/pkg/sandbox"
	"github.com/neul-labs/openclaw/pkg/toolregistry"
)

// ProviderFactory builds a provider adapter for one profile. The
// runtime calls it per turn so tests can substitute scripted backends.
type ProviderFactory interface {
	NewProvider(profile ProviderProfile) (provider.Provider, error)
}

type defaultProviderFactory struct{}

func (defaultProviderFactory) NewProvider(profile ProviderProfile) (provider.Provider, error) {
	return provider.New(profile.Provider, profile.APIKey, profile.BaseURL)
}

// Config wires the runtime's collaborators.
type Config struct {
	Log        *eventlog.Log
	Projection *projection.Engine
	Registry   *toolregistry.Registry
	Sandbox    *sandbox.Manager
	Queue      *commandqueue.Queue

	// Profiles is the provider failover order. At least one is required.
	Profiles []ProviderProfile

	// Agents maps agent ID to its model settings.
	Agents map[string]AgentProfile

	// SandboxDefaults is the isolation config applied to tool
	// invocations that request a sandbox.
	SandboxDefaults sandbox.Config

	Options Options

	// Factory overrides provider construction. Nil selects the real
	// SDK adapters.
	Factory ProviderFactory
}

// Runtime executes agent turns. Each session key maps to one command
// queue lane, so turns for a session run strictly one at a time while
// distinct sessions proceed in parallel.
type Runtime struct {
	log        *eventlog.Log
	projection *projection.Engine
	registry   *toolregistry.Registry
	sandbox    *sandbox.Manager
	queue      *commandqueue.Queue

	profiles        []ProviderProfile
	agents          map[string]AgentProfile
	sandboxDefaults sandbox.Config
	opts            Options
	factory         ProviderFactory
	cooldowns       *cooldownTracker

	// activeTurns maps session key to the cancel func of its in-flight
	// turn. One entry per key at most, guaranteed by lane serialization.
	turnsMu     sync.Mutex
	activeTurns map[eventlog.SessionKey]context.CancelFunc

	// failed records sessions whose log rejected a write. Further
	// deliveries are refused until the session is ended.
	failedMu sync.RWMutex
	failed   map[eventlog.SessionKey]string
}

// New validates the wiring and builds a runtime. Profiles are ordered
// by ascending priority.
func New(cfg Config) (*Runtime, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if cfg.Projection == nil {
		return nil, fmt.Errorf("projection engine is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Sandbox == nil {
		return nil, fmt.Errorf("sandbox manager is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one provider profile is required")
	}

	profiles := make([]ProviderProfile, len(cfg.Profiles))
	copy(profiles, cfg.Profiles)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	agents := make(map[string]AgentProfile, len(cfg.Agents))
	for id, agent := range cfg.Agents {
		agents[id] = agent
	}

	factory := cfg.Factory
	if factory == nil {
		factory = defaultProviderFactory{}
	}

	rt := &Runtime{
		log:             cfg.Log,
		projection:      cfg.Projection,
		registry:        cfg.Registry,
		sandbox:         cfg.Sandbox,
		queue:           cfg.Queue,
		profiles:        profiles,
		agents:          agents,
		sandboxDefaults: cfg.SandboxDefaults,
		opts:            cfg.Options.withDefaults(),
		factory:         factory,
		cooldowns:       newCooldownTracker(),
		activeTurns:     make(map[eventlog.SessionKey]context.CancelFunc),
		failed:          make(map[eventlog.SessionKey]string),
	}

	log.Info().
		Int("profiles", len(profiles)).
		Int("agents", len(agents)).
		Int("max_tool_turns", rt.opts.MaxToolTurns).
		Msg("Runtime initialized")

	return rt, nil
}

// sessionLane derives the command queue lane for a session key.
func sessionLane(key eventlog.SessionKey) string {
	return "session:" + string(key)
}

// Deliver runs one turn for an inbound message and blocks until the
// turn completes. It returns the completed result, or a *TurnFailure
// describing why no response was produced.
func (rt *Runtime) Deliver(ctx context.Context, key eventlog.SessionKey, content string, attachments []eventlog.AttachmentMeta) (*TurnResult, error) {
	parts, err := eventlog.ParseKey(key)
	if err != nil {
		return nil, failuref(FailureInvalidKey, "%v", err)
	}

	agent, ok := rt.agents[parts.AgentID]
	if !ok {
		return nil, failuref(FailureUnknownAgent, "no agent configured with id %q", parts.AgentID)
	}

	rt.failedMu.RLock()
	reason, isFailed := rt.failed[key]
	rt.failedMu.RUnlock()
	if isFailed {
		return nil, failuref(FailureSessionFailed, "session halted after log write failure: %s", reason)
	}

	turnID := tracing.NewTurnID()
	ctx = tracing.WithTurnID(ctx, turnID)
	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, string(key))
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"openclaw.runtime",
		"runtime.deliver",
		attribute.String("session_key", string(key)),
		attribute.String("agent_id", parts.AgentID),
		attribute.String("turn_id", turnID),
	)
	defer span.End()

	params := turnParams{
		key:         key,
		parts:       parts,
		agent:       agent,
		turnID:      turnID,
		content:     content,
		attachments: attachments,
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("sessionKey", string(key)).
		Str("turnId", turnID).
		Logger()
	logger.Info().Int("contentLength", len(content)).Msg("Message accepted for delivery")

	options := &commandqueue.TaskOptions{
		WarnAfterMs: int(rt.opts.WarnAfter.Milliseconds()),
		OnWait: func(waitMs int64, queuePos int) {
			logger.Warn().
				Int64("waitMs", waitMs).
				Int("queuePos", queuePos).
				Msg("Turn still waiting behind earlier turns")
		},
	}

	value, err := rt.queue.EnqueueWithContext(ctx, sessionLane(key), func(taskCtx context.Context) (interface{}, error) {
		return rt.executeTurn(taskCtx, params)
	}, options)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, rt.mapQueueError(err)
	}

	result, ok := value.(*TurnResult)
	if !ok {
		return nil, failuref(FailureInternal, "turn produced no result")
	}
	return result, nil
}

// mapQueueError converts command queue rejections into turn failures.
// Turn-level failures pass through unchanged.
func (rt *Runtime) mapQueueError(err error) error {
	var failure *TurnFailure
	if errors.As(err, &failure) {
		return failure
	}
	switch {
	case errors.Is(err, commandqueue.ErrLaneReset):
		return failuref(FailureSessionEnded, "session ended while the message was queued")
	case errors.Is(err, commandqueue.ErrQueueClosed):
		return failuref(FailureQueueRejected, "runtime is shutting down")
	default:
		return failuref(FailureInternal, "%v", err)
	}
}

// Abort cancels the in-flight turn for a session, if any. The turn
// records an interrupted agent response with whatever text had streamed.
func (rt *Runtime) Abort(key eventlog.SessionKey) bool {
	rt.turnsMu.Lock()
	cancel, ok := rt.activeTurns[key]
	rt.turnsMu.Unlock()
	if !ok {
		return false
	}

	log.Info().Str("sessionKey", string(key)).Msg("Aborting in-flight turn")
	cancel()
	return true
}

// IsRunning reports whether a turn is currently executing for the key.
func (rt *Runtime) IsRunning(key eventlog.SessionKey) bool {
	rt.turnsMu.Lock()
	defer rt.turnsMu.Unlock()
	_, ok := rt.activeTurns[key]
	return ok
}

// EndSession aborts any in-flight turn, appends the terminal event, and
// rejects everything still queued on the session's lane.
func (rt *Runtime) EndSession(ctx context.Context, key eventlog.SessionKey, reason string) error {
	parts, err := eventlog.ParseKey(key)
	if err != nil {
		return fmt.Errorf("invalid session key: %w", err)
	}

	rt.Abort(key)

	_, err = rt.log.EndSessionWithContext(ctx, key, parts.AgentID, reason)
	if err != nil && !errors.Is(err, eventlog.ErrSessionTerminated) {
		return fmt.Errorf("failed to end session: %w", err)
	}

	rejected := rt.queue.ResetLane(sessionLane(key))

	rt.failedMu.Lock()
	delete(rt.failed, key)
	rt.failedMu.Unlock()

	observability.RecordSessionAudit(ctx, "session_ended", string(key), map[string]interface{}{
		"reason": reason,
	})

	log.Info().
		Str("sessionKey", string(key)).
		Str("reason", reason).
		Int("rejectedTurns", rejected).
		Msg("Session ended")
	return nil
}

// markFailed halts a session after a log write failure. Queued turns
// are rejected and later deliveries refused until EndSession clears it.
func (rt *Runtime) markFailed(key eventlog.SessionKey, cause error) {
	rt.failedMu.Lock()
	rt.failed[key] = cause.Error()
	rt.failedMu.Unlock()

	rejected := rt.queue.ResetLane(sessionLane(key))

	log.Error().
		Err(cause).
		Str("sessionKey", string(key)).
		Int("rejectedTurns", rejected).
		Msg("Session halted: event log write failed")
}

// registerTurn records the cancel func for an executing turn so Abort
// can reach it.
func (rt *Runtime) registerTurn(key eventlog.SessionKey, cancel context.CancelFunc) {
	rt.turnsMu.Lock()
	rt.activeTurns[key] = cancel
	rt.turnsMu.Unlock()
}

func (rt *Runtime) deregisterTurn(key eventlog.SessionKey) {
	rt.turnsMu.Lock()
	delete(rt.activeTurns, key)
	rt.turnsMu.Unlock()
}

// allowedTools advertises the registry's schemas filtered through the
// agent's tool policy.
func (rt *Runtime) allowedTools(agent AgentProfile) []provider.ToolSpec {
	schemas := rt.registry.Definitions()
	specs := make([]provider.ToolSpec, 0, len(schemas))
	for _, schema := range schemas {
		if !agent.Tools.IsAllowed(schema.Name) {
			continue
		}
		specs = append(specs, provider.ToolSpec{
			Name:        schema.Name,
			Description: schema.Description,
			InputSchema: schema.InputSchema,
		})
	}
	return specs
}
