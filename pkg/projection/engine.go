package projection

import (
	"context"
	"sync"
	"time"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/internal/tracing"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// cacheEntry guards one session's cached projection. The mutex also
// serializes folds for that session so concurrent Project calls never
// double-apply events.
type cacheEntry struct {
	mu   sync.Mutex
	proj *SessionProjection
}

// Engine computes projections over an event log, caching each session's
// view and folding only events newer than the cached sequence
// high-water mark on subsequent calls.
type Engine struct {
	log *eventlog.Log

	mu      sync.RWMutex
	entries map[eventlog.SessionKey]*cacheEntry
}

// NewEngine creates a projection engine over the given log.
func NewEngine(lg *eventlog.Log) *Engine {
	observability.EnsureRegistered()

	return &Engine{
		log:     lg,
		entries: make(map[eventlog.SessionKey]*cacheEntry),
	}
}

func (e *Engine) getEntry(key eventlog.SessionKey) *cacheEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	if entry, exists := e.entries[key]; exists {
		return entry
	}

	entry := &cacheEntry{}
	e.entries[key] = entry
	return entry
}

// Project returns the session's materialized view. The first call for a
// key replays the full log; later calls fold only events past the
// cached high-water mark. Callers receive an independent clone.
func (e *Engine) Project(key eventlog.SessionKey) (*SessionProjection, error) {
	return e.ProjectWithContext(context.Background(), key)
}

// ProjectWithContext returns the session's materialized view with
// tracing context.
func (e *Engine) ProjectWithContext(ctx context.Context, key eventlog.SessionKey) (*SessionProjection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, string(key))
	ctx, span := tracing.StartSpan(
		ctx,
		"openclaw.projection",
		"projection.project",
		attribute.String("session_key", string(key)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", string(key)).Logger()

	if err := key.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	entry := e.getEntry(key)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	mode := "incremental"
	if entry.proj == nil {
		mode = "full"
	}
	start := time.Now()
	defer func() {
		observability.RecordProjectionFold(mode, time.Since(start))
	}()

	if entry.proj == nil {
		events, err := e.log.ReadWithContext(ctx, key)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		proj := New(key)
		for i := range events {
			proj.Apply(&events[i])
		}
		entry.proj = proj

		logger.Debug().
			Int("events", len(events)).
			Msg("Projection built by full replay")
		return proj.Clone(), nil
	}

	events, err := e.log.ReadSinceWithContext(ctx, key, entry.proj.LastSequence)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for i := range events {
		entry.proj.Apply(&events[i])
	}

	if len(events) > 0 {
		logger.Debug().
			Int("events", len(events)).
			Uint64("last_sequence", entry.proj.LastSequence).
			Msg("Projection advanced incrementally")
	}

	return entry.proj.Clone(), nil
}

// Invalidate drops the cached projection for a session. The next
// Project call rebuilds it by full replay.
func (e *Engine) Invalidate(key eventlog.SessionKey) {
	entry := e.getEntry(key)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.proj != nil {
		entry.proj = nil
		observability.RecordProjectionInvalidated()
	}
}

// Revalidate drops the cached projection only if the log no longer
// extends it, which happens when the partition file was rewritten or
// truncated outside the normal append path. Growth is left to the
// incremental fold.
func (e *Engine) Revalidate(key eventlog.SessionKey) {
	entry := e.getEntry(key)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.proj == nil {
		return
	}

	latest, err := e.log.LatestSequence(key)
	if err != nil || latest < entry.proj.LastSequence {
		entry.proj = nil
		observability.RecordProjectionInvalidated()
	}
}

// Rebuild forces a full replay for a session and returns the fresh view.
func (e *Engine) Rebuild(key eventlog.SessionKey) (*SessionProjection, error) {
	return e.RebuildWithContext(context.Background(), key)
}

// RebuildWithContext forces a full replay with tracing context.
func (e *Engine) RebuildWithContext(ctx context.Context, key eventlog.SessionKey) (*SessionProjection, error) {
	e.Invalidate(key)
	return e.ProjectWithContext(ctx, key)
}
