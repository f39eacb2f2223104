// Package sessionindex maintains a SQLite read model over the session
// logs: one row per session, upserted from the log's append notifier.
// It exists so listing and filtering sessions does not replay logs, and
// it is never consulted by the fold path; the log remains the source of
// truth and the table can be rebuilt from it at any time.
package sessionindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/projection"
)

// Summary is one session's indexed row.
type Summary struct {
	SessionKey   string    `json:"session_key"`
	AgentID      string    `json:"agent_id"`
	Channel      string    `json:"channel,omitempty"`
	PeerID       string    `json:"peer_id,omitempty"`
	State        string    `json:"state"`
	EndReason    string    `json:"end_reason,omitempty"`
	MessageCount uint64    `json:"message_count"`
	LastSequence uint64    `json:"last_sequence"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Filter narrows a List query. Zero values match everything.
type Filter struct {
	AgentID string
	State   string
	Limit   int
}

// Config holds index configuration
type Config struct {
	DBPath     string
	Log        *eventlog.Log
	Projection *projection.Engine
	Logger     zerolog.Logger
}

// Index is the derived session read model. Appends mark sessions dirty;
// a single worker re-projects dirty sessions and upserts their rows, so
// bursts of events coalesce into one write per session.
type Index struct {
	db     *sql.DB
	lg     *eventlog.Log
	engine *projection.Engine
	logger zerolog.Logger

	mu     sync.Mutex
	dirty  map[eventlog.SessionKey]struct{}
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the index database and prepares the schema.
func New(cfg Config) (*Index, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("event log is required")
	}
	if cfg.Projection == nil {
		return nil, errors.New("projection engine is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ix := &Index{
		db:     db,
		lg:     cfg.Log,
		engine: cfg.Projection,
		logger: cfg.Logger,
		dirty:  make(map[eventlog.SessionKey]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	if err := ix.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return ix, nil
}

func (ix *Index) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_key   TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			channel       TEXT NOT NULL DEFAULT '',
			peer_id       TEXT NOT NULL DEFAULT '',
			state         TEXT NOT NULL,
			end_reason    TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			last_seq      INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL,
			last_activity INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity);
	`

	_, err := ix.db.Exec(schema)
	return err
}

// Start subscribes the index to the log and begins applying updates.
func (ix *Index) Start() {
	ix.lg.Subscribe(ix.onEvent)
	ix.wg.Add(1)
	go ix.run()
}

// onEvent runs on the appending goroutine while the partition lock is
// held, so it only marks the session dirty and nudges the worker.
// Projecting here would re-enter the log and deadlock.
func (ix *Index) onEvent(evt eventlog.SessionEvent) {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.dirty[evt.SessionKey] = struct{}{}
	ix.mu.Unlock()

	select {
	case ix.wake <- struct{}{}:
	default:
	}
}

func (ix *Index) run() {
	defer ix.wg.Done()

	for {
		select {
		case <-ix.done:
			ix.flush()
			return
		case <-ix.wake:
			ix.flush()
		}
	}
}

func (ix *Index) takeDirty() []eventlog.SessionKey {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.dirty) == 0 {
		return nil
	}
	keys := make([]eventlog.SessionKey, 0, len(ix.dirty))
	for key := range ix.dirty {
		keys = append(keys, key)
	}
	ix.dirty = make(map[eventlog.SessionKey]struct{})
	return keys
}

func (ix *Index) flush() {
	for _, key := range ix.takeDirty() {
		if err := ix.refresh(context.Background(), key); err != nil {
			ix.logger.Warn().Err(err).Str("sessionKey", string(key)).Msg("Failed to refresh session row")
		}
	}
}

func (ix *Index) refresh(ctx context.Context, key eventlog.SessionKey) error {
	proj, err := ix.engine.ProjectWithContext(ctx, key)
	if err != nil {
		return err
	}
	_, err = ix.db.ExecContext(ctx, upsertSQL, upsertArgs(proj)...)
	return err
}

const upsertSQL = `
	INSERT OR REPLACE INTO sessions
		(session_key, agent_id, channel, peer_id, state, end_reason,
		 message_count, last_seq, created_at, last_activity)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func upsertArgs(proj *projection.SessionProjection) []interface{} {
	return []interface{}{
		string(proj.SessionKey),
		proj.AgentID,
		proj.Channel,
		proj.PeerID,
		string(proj.State),
		proj.EndReason,
		int64(proj.MessageCount),
		int64(proj.LastSequence),
		proj.CreatedAt.UnixNano(),
		proj.LastActivity.UnixNano(),
	}
}

// List returns indexed sessions, most recently active first.
func (ix *Index) List(ctx context.Context, f Filter) ([]Summary, error) {
	query := `
		SELECT session_key, agent_id, channel, peer_id, state, end_reason,
		       message_count, last_seq, created_at, last_activity
		FROM sessions
	`
	var conds []string
	var args []interface{}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_activity DESC, session_key ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		var messageCount, lastSeq, createdAt, lastActivity int64
		if err := rows.Scan(
			&s.SessionKey, &s.AgentID, &s.Channel, &s.PeerID, &s.State, &s.EndReason,
			&messageCount, &lastSeq, &createdAt, &lastActivity,
		); err != nil {
			return nil, err
		}
		s.MessageCount = uint64(messageCount)
		s.LastSequence = uint64(lastSeq)
		s.CreatedAt = time.Unix(0, createdAt).UTC()
		s.LastActivity = time.Unix(0, lastActivity).UTC()
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

// Count returns the number of indexed sessions.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n)
	return n, err
}

// Rebuild drops every row and re-projects all sessions from the log.
func (ix *Index) Rebuild(ctx context.Context) error {
	keys, err := ix.lg.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return err
	}

	indexed := 0
	for _, key := range keys {
		proj, err := ix.engine.ProjectWithContext(ctx, key)
		if err != nil {
			ix.logger.Warn().Err(err).Str("sessionKey", string(key)).Msg("Skipping unreadable session")
			continue
		}
		if proj.LastSequence == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertSQL, upsertArgs(proj)...); err != nil {
			return err
		}
		indexed++
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	ix.logger.Info().Int("sessions", indexed).Msg("Session index rebuilt")
	return nil
}

// Close stops the worker and closes the database. The log subscription
// stays registered but becomes a no-op.
func (ix *Index) Close() error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return nil
	}
	ix.closed = true
	ix.mu.Unlock()

	close(ix.done)
	ix.wg.Wait()

	return ix.db.Close()
}
