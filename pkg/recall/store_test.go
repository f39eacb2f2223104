package recall

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neul-labs/openclaw/pkg/eventlog"
)

// stubEmbedder returns canned vectors by exact input text, so tests
// control the similarity ordering.
type stubEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	batches  [][]string
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{
		vectors:  make(map[string][]float32),
		fallback: []float32{0.5, 0.5, 0.5},
	}
}

func (s *stubEmbedder) Embed(_ context.Context, _ string, inputs []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, append([]string(nil), inputs...))
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if vec, ok := s.vectors[in]; ok {
			out[i] = vec
		} else {
			out[i] = s.fallback
		}
	}
	return out, nil
}

func (s *stubEmbedder) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func setupStore(t *testing.T, mutate func(*Config)) (*Store, *stubEmbedder) {
	t.Helper()

	emb := newStubEmbedder()
	cfg := Config{
		DBPath:    filepath.Join(t.TempDir(), "recall.db"),
		Embedder:  emb,
		Dimension: 3,
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, emb
}

func TestStore_New_Validation(t *testing.T) {
	t.Run("should require a database path", func(t *testing.T) {
		_, err := New(Config{Embedder: newStubEmbedder()})
		assert.Error(t, err)
	})

	t.Run("should require an embedder", func(t *testing.T) {
		_, err := New(Config{DBPath: filepath.Join(t.TempDir(), "r.db")})
		assert.Error(t, err)
	})
}

func TestStore_RememberAndSearch(t *testing.T) {
	store, emb := setupStore(t, nil)
	ctx := context.Background()

	emb.vectors["the deploy failed on friday"] = []float32{1, 0, 0}
	emb.vectors["lunch plans for tuesday"] = []float32{0, 1, 0}
	emb.vectors["rotate the api keys"] = []float32{0, 0, 1}
	emb.vectors["what broke the deploy"] = []float32{0.9, 0.1, 0}

	key := eventlog.MainKey("assistant")
	for _, text := range []string{
		"the deploy failed on friday",
		"lunch plans for tuesday",
		"rotate the api keys",
	} {
		n, err := store.Remember(ctx, Note{SessionKey: key, AgentID: "assistant", Role: "user", Text: text})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	results, err := store.Search(ctx, "what broke the deploy", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "the deploy failed on friday", results[0].Content)
	assert.Equal(t, string(key), results[0].SessionKey)
	assert.Equal(t, "assistant", results[0].AgentID)
	assert.Equal(t, "user", results[0].Role)
	assert.False(t, results[0].CreatedAt.IsZero())
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestStore_SearchValidation(t *testing.T) {
	store, _ := setupStore(t, nil)
	ctx := context.Background()

	_, err := store.Search(ctx, "   ", 5)
	assert.Error(t, err)

	results, err := store.Search(ctx, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_RememberDeduplicates(t *testing.T) {
	store, emb := setupStore(t, nil)
	ctx := context.Background()

	note := Note{SessionKey: eventlog.MainKey("assistant"), AgentID: "assistant", Role: "agent", Text: "rolled back to the previous build"}

	_, err := store.Remember(ctx, note)
	require.NoError(t, err)
	_, err = store.Remember(ctx, note)
	require.NoError(t, err)

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// The second write resolves entirely from the embedding cache.
	assert.Equal(t, 1, emb.batchCount())
}

func TestStore_RememberEmptyText(t *testing.T) {
	store, _ := setupStore(t, nil)

	n, err := store.Remember(context.Background(), Note{SessionKey: eventlog.MainKey("assistant"), Role: "user", Text: "  \n "})
	require.NoError(t, err)
	assert.Zero(t, n)

	total, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStore_RememberChunksLongText(t *testing.T) {
	store, _ := setupStore(t, nil)

	var text string
	for i := 0; i < 120; i++ {
		text += "a long transcript line that keeps going for a while\n"
	}

	n, err := store.Remember(context.Background(), Note{SessionKey: eventlog.MainKey("assistant"), Role: "agent", Text: text})
	require.NoError(t, err)
	assert.Greater(t, n, 1)

	total, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, total)
}

func TestStore_IngestsFromLog(t *testing.T) {
	lg, err := eventlog.New(t.TempDir(), 0)
	require.NoError(t, err)
	defer lg.Close()

	store, emb := setupStore(t, func(cfg *Config) { cfg.Log = lg })
	emb.vectors["the deploy failed"] = []float32{1, 0, 0}
	emb.vectors["try rolling back"] = []float32{0, 1, 0}
	store.Start()

	key := eventlog.MainKey("assistant")
	_, err = lg.Append(key, "assistant", eventlog.SessionStarted{Channel: "cli", PeerID: "operator"})
	require.NoError(t, err)
	_, err = lg.Append(key, "assistant", eventlog.MessageReceived{Content: "the deploy failed"})
	require.NoError(t, err)
	_, err = lg.Append(key, "assistant", eventlog.AgentResponse{Content: "try rolling back", Model: "m"})
	require.NoError(t, err)

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for {
		total, err := store.Count(ctx)
		require.NoError(t, err)
		if total == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ingest worker stored %d entries, want 2", total)
		}
		time.Sleep(10 * time.Millisecond)
	}

	results, err := store.Search(ctx, "the deploy failed", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "user", results[0].Role)
	assert.Equal(t, string(key), results[0].SessionKey)
}

func TestStore_CloseIdempotent(t *testing.T) {
	lg, err := eventlog.New(t.TempDir(), 0)
	require.NoError(t, err)
	defer lg.Close()

	store, _ := setupStore(t, func(cfg *Config) { cfg.Log = lg })
	store.Start()

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	// The subscription survives Close but must not touch the store.
	_, err = lg.Append(eventlog.MainKey("assistant"), "assistant", eventlog.MessageReceived{Content: "after close"})
	require.NoError(t, err)
}
