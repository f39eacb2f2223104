// Package recall gives agents semantic search over their own past
// transcripts. Message and response text is chunked, embedded through
// the provider embedding contract, and stored in sqlite-vec; Search
// returns the closest chunks for a query. Everything here is derived
// data: the store can be deleted and re-ingested from the logs without
// losing anything.
package recall

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/provider"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Note is one piece of transcript text to remember.
type Note struct {
	SessionKey eventlog.SessionKey
	AgentID    string
	Role       string
	Text       string
	At         time.Time
}

// Result is one search hit: a stored chunk with its cosine similarity
// to the query, higher is closer.
type Result struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	AgentID    string    `json:"agent_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	Similarity float64   `json:"similarity"`
}

// Config holds store configuration
type Config struct {
	DBPath    string
	Embedder  provider.Embedder
	Model     string
	Dimension int

	// Log, when set, lets Start ingest transcript text as it is
	// appended. A store without a log is query-only.
	Log    *eventlog.Log
	Logger zerolog.Logger
}

// Store is the transcript recall index.
type Store struct {
	db        *sql.DB
	embedder  provider.Embedder
	model     string
	dimension int
	lg        *eventlog.Log
	logger    zerolog.Logger

	mu      sync.Mutex
	closed  bool
	started bool

	queue chan Note
	done  chan struct{}
	wg    sync.WaitGroup
}

// New opens the recall database and prepares the schema.
func New(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:        db,
		embedder:  cfg.Embedder,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		lg:        cfg.Log,
		logger:    cfg.Logger,
		queue:     make(chan Note, 256),
		done:      make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			id          TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_key);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding    BLOB NOT NULL,
			dimension    INTEGER NOT NULL,
			created_at   INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entry_vectors USING vec0(
			entry_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, s.dimension)
	_, err := s.db.Exec(vectorSchema)
	return err
}

// Start subscribes the store to the log and ingests message and
// response text in the background. Without a configured log this is a
// no-op.
func (s *Store) Start() {
	if s.lg == nil {
		return
	}

	s.mu.Lock()
	if s.closed || s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.lg.Subscribe(s.onEvent)
	s.wg.Add(1)
	go s.run()
}

// onEvent runs on the appending goroutine under the log's partition
// lock. Embedding involves network calls, so it only hands the text to
// the ingest worker.
func (s *Store) onEvent(evt eventlog.SessionEvent) {
	var role, text string
	switch kind := evt.Kind.(type) {
	case eventlog.MessageReceived:
		role, text = "user", kind.Content
	case eventlog.AgentResponse:
		role, text = "agent", kind.Content
	default:
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	select {
	case s.queue <- Note{SessionKey: evt.SessionKey, AgentID: evt.AgentID, Role: role, Text: text, At: evt.Timestamp}:
	default:
		s.logger.Warn().Str("sessionKey", string(evt.SessionKey)).Msg("Recall ingest queue full, dropping text")
	}
}

func (s *Store) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case n := <-s.queue:
			if _, err := s.Remember(context.Background(), n); err != nil {
				s.logger.Warn().Err(err).Str("sessionKey", string(n.SessionKey)).Msg("Failed to index transcript text")
			}
		}
	}
}

// Remember chunks, embeds, and stores one piece of transcript text.
// It returns the number of chunks written. Identical text for the same
// session and role lands on the same rows, so re-delivery is harmless.
func (s *Store) Remember(ctx context.Context, n Note) (int, error) {
	start := time.Now()

	chunks := chunkText(n.Text)
	if len(chunks) == 0 {
		return 0, nil
	}
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	vecs, err := s.cachedEmbeddings(ctx, tx, chunks)
	if err != nil {
		return 0, err
	}

	for i, chunk := range chunks {
		id := entryID(n.SessionKey, n.Role, chunk)
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (id, session_key, agent_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			id, string(n.SessionKey), n.AgentID, n.Role, chunk, at.UnixNano(),
		); err != nil {
			return 0, fmt.Errorf("failed to store entry: %w", err)
		}

		vecJSON, err := json.Marshal(vecs[i])
		if err != nil {
			return 0, fmt.Errorf("failed to marshal embedding for storage: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entry_vectors (entry_id, embedding) VALUES (?, ?)",
			id, string(vecJSON),
		); err != nil {
			return 0, fmt.Errorf("failed to store embedding in vector table: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	observability.RecordRecallWrite(time.Since(start))
	if total, err := s.Count(ctx); err == nil {
		observability.SetRecallEntries(total)
	}
	return len(chunks), nil
}

// Search returns the k stored chunks closest to the query.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Result, error) {
	start := time.Now()

	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}
	if k <= 0 {
		k = 5
	}

	qvecs, err := s.embedder.Embed(ctx, s.model, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(qvecs) == 0 {
		return nil, errors.New("embedder returned no vector for query")
	}
	qJSON, err := json.Marshal(qvecs[0])
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, vec_distance_cosine(embedding, ?) AS distance
		FROM entry_vectors
		ORDER BY distance ASC
		LIMIT ?
	`, string(qJSON), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct {
		id         string
		similarity float64
	}
	var hits []hit
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		// Cosine distance is in [0, 2]; 1 - distance puts identical
		// vectors at 1 and opposite vectors at -1.
		hits = append(hits, hit{id: id, similarity: 1.0 - distance})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		var r Result
		var createdAt int64
		err := s.db.QueryRowContext(ctx,
			"SELECT id, session_key, agent_id, role, content, created_at FROM entries WHERE id = ?", h.id,
		).Scan(&r.ID, &r.SessionKey, &r.AgentID, &r.Role, &r.Content, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		r.Similarity = h.similarity
		results = append(results, r)
	}

	observability.RecordRecallSearch(time.Since(start))
	return results, nil
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n)
	return n, err
}

// Close stops the ingest worker and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if started {
		close(s.done)
		s.wg.Wait()
	}
	return s.db.Close()
}
