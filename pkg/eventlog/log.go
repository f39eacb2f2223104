package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxPayload is the ceiling on a single event's payload JSON.
const DefaultMaxPayload = 1 << 20

// NotifyFunc observes events after they are durably appended. Notifiers
// run on the appending goroutine while the partition lock is held, so
// per-session delivery order matches sequence order; a notifier must
// hand work off instead of blocking.
type NotifyFunc func(event SessionEvent)

// partition carries the per-session write lock together with the state
// the append path needs: the sequence counter, the terminal flag, and
// the set of already-appended event ids.
type partition struct {
	mu     sync.Mutex
	loaded bool
	seq    uint64
	ended  bool
	ids    map[string]struct{}
}

// Log is a durable, append-only store of session events, one JSONL
// partition per session key. Appends to the same session are serialized
// internally; appends to different sessions proceed in parallel.
type Log struct {
	dir        string
	maxPayload int64

	partsMu    sync.RWMutex
	partitions map[SessionKey]*partition

	notifyMu  sync.RWMutex
	notifiers []NotifyFunc
}

// New opens an event log rooted at dir, creating the directory if
// needed. A maxPayload of zero or less selects DefaultMaxPayload.
func New(dir string, maxPayload int64) (*Log, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".openclaw", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	l := &Log{
		dir:        dir,
		maxPayload: maxPayload,
		partitions: make(map[SessionKey]*partition),
	}

	log.Info().Str("dir", dir).Int64("max_payload", maxPayload).Msg("Event log opened")
	l.updateActiveSessionsMetric()

	return l, nil
}

// Dir returns the directory holding the session partitions.
func (l *Log) Dir() string {
	return l.dir
}

// Subscribe registers a notifier for all subsequently appended events.
// Subscriptions last for the life of the log.
func (l *Log) Subscribe(fn NotifyFunc) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	l.notifiers = append(l.notifiers, fn)
}

func (l *Log) notify(event *SessionEvent) {
	l.notifyMu.RLock()
	defer l.notifyMu.RUnlock()
	for _, fn := range l.notifiers {
		fn(*event)
	}
}

// partitionPath returns the JSONL file backing a session.
func (l *Log) partitionPath(key SessionKey) string {
	return filepath.Join(l.dir, string(key)+".jsonl")
}

// maxLineBytes bounds the scanner buffer: one envelope line is the
// payload ceiling plus header overhead.
func (l *Log) maxLineBytes() int {
	return int(l.maxPayload) + 64*1024
}

func (l *Log) updateActiveSessionsMetric() {
	sessions, err := l.ListSessions()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

// getPartition returns the partition record for a key, creating it on
// first touch.
func (l *Log) getPartition(key SessionKey) *partition {
	l.partsMu.Lock()
	defer l.partsMu.Unlock()

	if p, exists := l.partitions[key]; exists {
		return p
	}

	p := &partition{ids: make(map[string]struct{})}
	l.partitions[key] = p
	return p
}

// loadPartitionLocked recovers the sequence counter, terminal flag, and
// event id set from the partition file. Caller holds p.mu.
func (l *Log) loadPartitionLocked(p *partition, key SessionKey) error {
	if p.loaded {
		return nil
	}

	file, err := os.Open(l.partitionPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			p.loaded = true
			return nil
		}
		return fmt.Errorf("failed to open partition: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), l.maxLineBytes())
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var env eventEnvelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			log.Warn().
				Str("session_key", string(key)).
				Int("line", lineNum).
				Err(err).
				Msg("Skipping unparseable event line")
			continue
		}

		if env.Sequence > p.seq {
			p.seq = env.Sequence
		}
		if env.Type == TypeSessionEnded {
			p.ended = true
		}
		p.ids[env.EventID] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan partition: %w", err)
	}

	p.loaded = true
	return nil
}

// writeEventLocked performs the durable write and advances partition
// state. Caller holds p.mu; the event's sequence must be p.seq+1. The
// event only becomes visible after the Sync succeeds, so a failed write
// leaves the partition state unchanged.
func (l *Log) writeEventLocked(p *partition, key SessionKey, event *SessionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	file, err := os.OpenFile(l.partitionPath(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open partition: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync partition: %w", err)
	}

	p.seq = event.Sequence
	p.ids[event.EventID] = struct{}{}
	if event.Kind.Type() == TypeSessionEnded {
		p.ended = true
	}

	return nil
}

// Append records a new event for the session, assigning the next
// sequence number. It returns only after the event is flushed to
// stable storage.
func (l *Log) Append(key SessionKey, agentID string, kind EventKind) (*SessionEvent, error) {
	return l.AppendWithContext(context.Background(), key, agentID, kind)
}

// AppendWithContext records a new event with tracing context.
func (l *Log) AppendWithContext(ctx context.Context, key SessionKey, agentID string, kind EventKind) (*SessionEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, string(key))
	ctx, span := tracing.StartSpan(
		ctx,
		"openclaw.eventlog",
		"eventlog.append",
		attribute.String("session_key", string(key)),
		attribute.String("event_type", kind.Type()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", string(key)).Logger()
	start := time.Now()
	defer func() {
		observability.RecordEventAppend(kind.Type(), time.Since(start))
	}()

	if err := key.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppendRejected("invalid_key")
		return nil, err
	}

	payload, err := json.Marshal(kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if int64(len(payload)) > l.maxPayload {
		err := fmt.Errorf("%w: payload is %d bytes, ceiling is %d", ErrPayloadTooLarge, len(payload), l.maxPayload)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppendRejected("payload_too_large")
		return nil, err
	}

	p := l.getPartition(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := l.loadPartitionLocked(p, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if p.ended {
		err := fmt.Errorf("%w: %s", ErrSessionTerminated, key)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppendRejected("terminal")
		return nil, err
	}

	sequence := p.seq + 1
	event := &SessionEvent{
		EventID:    computeEventID(key, sequence, kind.Type(), payload),
		SessionKey: key,
		AgentID:    agentID,
		Sequence:   sequence,
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
	}

	if err := l.writeEventLocked(p, key, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Debug().
		Str("event_id", ShortEventID(event.EventID)).
		Str("event_type", kind.Type()).
		Uint64("sequence", sequence).
		Msg("Event appended")

	if _, ok := kind.(SessionStarted); ok {
		l.updateActiveSessionsMetric()
	}

	l.notify(event)

	return event, nil
}

// AppendEvent records a fully built event, typically a redelivery of an
// event the caller constructed with NewEvent before a failure. An event
// whose id is already present in the partition is a no-op and returns
// the existing id.
func (l *Log) AppendEvent(event *SessionEvent) (string, error) {
	return l.AppendEventWithContext(context.Background(), event)
}

// AppendEventWithContext records a fully built event with tracing context.
func (l *Log) AppendEventWithContext(ctx context.Context, event *SessionEvent) (string, error) {
	if event == nil || event.Kind == nil {
		return "", fmt.Errorf("event has no kind")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, string(event.SessionKey))
	ctx, span := tracing.StartSpan(
		ctx,
		"openclaw.eventlog",
		"eventlog.append_event",
		attribute.String("session_key", string(event.SessionKey)),
		attribute.String("event_type", event.Kind.Type()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", string(event.SessionKey)).Logger()
	start := time.Now()
	defer func() {
		observability.RecordEventAppend(event.Kind.Type(), time.Since(start))
	}()

	if err := event.SessionKey.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppendRejected("invalid_key")
		return "", err
	}

	payload, err := json.Marshal(event.Kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if int64(len(payload)) > l.maxPayload {
		err := fmt.Errorf("%w: payload is %d bytes, ceiling is %d", ErrPayloadTooLarge, len(payload), l.maxPayload)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppendRejected("payload_too_large")
		return "", err
	}

	// The id must match the content it claims to identify.
	derived := computeEventID(event.SessionKey, event.Sequence, event.Kind.Type(), payload)
	if event.EventID != derived {
		err := fmt.Errorf("%w: event carries %s, content derives %s", ErrEventIDMismatch, ShortEventID(event.EventID), ShortEventID(derived))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppendRejected("id_mismatch")
		return "", err
	}

	p := l.getPartition(event.SessionKey)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := l.loadPartitionLocked(p, event.SessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	// Duplicate before terminal: redelivering the SessionEnded event
	// itself is a no-op, not a violation.
	if _, dup := p.ids[event.EventID]; dup {
		observability.RecordAppendDuplicate()
		logger.Debug().
			Str("event_id", ShortEventID(event.EventID)).
			Msg("Duplicate event id, append is a no-op")
		return event.EventID, nil
	}

	if p.ended {
		err := fmt.Errorf("%w: %s", ErrSessionTerminated, event.SessionKey)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppendRejected("terminal")
		return "", err
	}

	if event.Sequence != p.seq+1 {
		err := fmt.Errorf("%w: event has sequence %d, next is %d", ErrSequenceConflict, event.Sequence, p.seq+1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordAppendRejected("sequence_conflict")
		return "", err
	}

	if err := l.writeEventLocked(p, event.SessionKey, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	logger.Debug().
		Str("event_id", ShortEventID(event.EventID)).
		Str("event_type", event.Kind.Type()).
		Uint64("sequence", event.Sequence).
		Msg("Event appended")

	l.notify(event)

	return event.EventID, nil
}

// Read returns the session's full event sequence in append order,
// replayable from sequence 1. A session with no partition file reads
// as empty.
func (l *Log) Read(key SessionKey) ([]SessionEvent, error) {
	return l.ReadWithContext(context.Background(), key)
}

// ReadWithContext returns the session's full event sequence with
// tracing context.
func (l *Log) ReadWithContext(ctx context.Context, key SessionKey) ([]SessionEvent, error) {
	return l.readSince(ctx, key, 0, "eventlog.read")
}

// ReadSince returns events with sequence greater than afterSeq, in
// order. Incremental projection folds use this to pick up from a
// high-water mark.
func (l *Log) ReadSince(key SessionKey, afterSeq uint64) ([]SessionEvent, error) {
	return l.ReadSinceWithContext(context.Background(), key, afterSeq)
}

// ReadSinceWithContext returns events newer than afterSeq with tracing
// context.
func (l *Log) ReadSinceWithContext(ctx context.Context, key SessionKey, afterSeq uint64) ([]SessionEvent, error) {
	return l.readSince(ctx, key, afterSeq, "eventlog.read_since")
}

func (l *Log) readSince(ctx context.Context, key SessionKey, afterSeq uint64, spanName string) ([]SessionEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, string(key))
	ctx, span := tracing.StartSpan(
		ctx,
		"openclaw.eventlog",
		spanName,
		attribute.String("session_key", string(key)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", string(key)).Logger()
	start := time.Now()
	defer func() {
		observability.RecordLogRead(time.Since(start))
	}()

	if err := key.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	path := l.partitionPath(key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return []SessionEvent{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open partition: %w", err)
	}
	defer file.Close()

	var events []SessionEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), l.maxLineBytes())
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var event SessionEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			logger.Warn().
				Int("line", lineNum).
				Err(err).
				Msg("Skipping unparseable event line")
			continue
		}

		if event.Sequence <= afterSeq {
			continue
		}
		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read partition: %w", err)
	}

	logger.Debug().
		Int("events", len(events)).
		Uint64("after_seq", afterSeq).
		Msg("Partition read")

	return events, nil
}

// LatestSequence returns the highest assigned sequence number for the
// session, zero when the session has no events.
func (l *Log) LatestSequence(key SessionKey) (uint64, error) {
	return l.LatestSequenceWithContext(context.Background(), key)
}

// LatestSequenceWithContext returns the highest assigned sequence
// number with tracing context.
func (l *Log) LatestSequenceWithContext(ctx context.Context, key SessionKey) (uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"openclaw.eventlog",
		"eventlog.latest_sequence",
		attribute.String("session_key", string(key)),
	)
	defer span.End()

	if err := key.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	p := l.getPartition(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := l.loadPartitionLocked(p, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	return p.seq, nil
}

// IsEnded reports whether the session has a durable SessionEnded event.
func (l *Log) IsEnded(key SessionKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	p := l.getPartition(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := l.loadPartitionLocked(p, key); err != nil {
		return false, err
	}

	return p.ended, nil
}

// EndSession appends the terminal SessionEnded event. Further appends
// for the session fail with ErrSessionTerminated.
func (l *Log) EndSession(key SessionKey, agentID, reason string) (*SessionEvent, error) {
	return l.EndSessionWithContext(context.Background(), key, agentID, reason)
}

// EndSessionWithContext appends the terminal SessionEnded event with
// tracing context.
func (l *Log) EndSessionWithContext(ctx context.Context, key SessionKey, agentID, reason string) (*SessionEvent, error) {
	return l.AppendWithContext(ctx, key, agentID, SessionEnded{Reason: reason})
}

// ListSessions lists the keys of all sessions present on disk.
func (l *Log) ListSessions() ([]SessionKey, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionKey{}, nil
		}
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	var sessions []SessionKey
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		sessions = append(sessions, SessionKey(strings.TrimSuffix(name, ".jsonl")))
	}

	return sessions, nil
}

// Repair rewrites a partition, dropping lines that fail to parse. The
// in-memory partition state is reset so the next operation reloads from
// the repaired file.
func (l *Log) Repair(key SessionKey) error {
	return l.RepairWithContext(context.Background(), key)
}

// RepairWithContext rewrites a partition with tracing context.
func (l *Log) RepairWithContext(ctx context.Context, key SessionKey) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, string(key))
	ctx, span := tracing.StartSpan(
		ctx,
		"openclaw.eventlog",
		"eventlog.repair",
		attribute.String("session_key", string(key)),
	)
	defer span.End()

	if err := key.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	p := l.getPartition(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	events, err := l.readSince(ctx, key, 0, "eventlog.repair_read")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	path := l.partitionPath(key)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for i := range events {
		data, err := json.Marshal(&events[i])
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	file.Close()

	// Atomic replace
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace partition: %w", err)
	}

	p.loaded = false
	p.seq = 0
	p.ended = false
	p.ids = make(map[string]struct{})

	log.Info().
		Str("session_key", string(key)).
		Int("events", len(events)).
		Msg("Partition repaired")

	return nil
}

// Invalidate drops cached partition state so the next operation reloads
// from disk. Used when the partition file changed outside this process.
func (l *Log) Invalidate(key SessionKey) {
	p := l.getPartition(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.loaded = false
	p.seq = 0
	p.ended = false
	p.ids = make(map[string]struct{})
}

// Close releases in-memory partition state. In-flight appends finish
// first because they hold their partition locks.
func (l *Log) Close() error {
	l.partsMu.Lock()
	l.partitions = make(map[SessionKey]*partition)
	l.partsMu.Unlock()

	log.Info().Msg("Event log closed")

	return nil
}
