package recall

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neul-labs/openclaw/pkg/eventlog"
)

const (
	chunkMinSize = 500
	chunkMaxSize = 1000
	chunkOverlap = 50
)

// chunkText splits content into overlapping line-aligned chunks.
func chunkText(content string) []string {
	var chunks []string
	lines := strings.Split(content, "\n")

	var current strings.Builder
	for _, line := range lines {
		lineLen := len(line) + 1

		if current.Len() > 0 && current.Len()+lineLen > chunkMaxSize {
			if text := strings.TrimSpace(current.String()); text != "" {
				chunks = append(chunks, text)
			}

			// Start the next chunk with trailing overlap so a thought
			// split across the boundary stays findable.
			text := current.String()
			current.Reset()
			if len(text) > chunkOverlap {
				current.WriteString(text[len(text)-chunkOverlap:])
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
	}

	if current.Len() >= chunkMinSize || len(chunks) == 0 {
		if text := strings.TrimSpace(current.String()); text != "" {
			chunks = append(chunks, text)
		}
	}

	return chunks
}

// cachedEmbeddings resolves one vector per chunk, consulting the
// content-hash cache first and batching all misses into a single
// embedder call.
func (s *Store) cachedEmbeddings(ctx context.Context, tx *sql.Tx, chunks []string) ([][]float32, error) {
	vecs := make([][]float32, len(chunks))
	var missIdx []int
	var missText []string

	for i, chunk := range chunks {
		var blob []byte
		err := tx.QueryRowContext(ctx,
			"SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash(chunk),
		).Scan(&blob)
		if err == nil {
			var vec []float32
			if err := json.Unmarshal(blob, &vec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal cached embedding: %w", err)
			}
			vecs[i] = vec
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		missIdx = append(missIdx, i)
		missText = append(missText, chunk)
	}

	if len(missText) == 0 {
		return vecs, nil
	}

	fresh, err := s.embedder.Embed(ctx, s.model, missText)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(fresh) != len(missText) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(fresh), len(missText))
	}

	now := time.Now().Unix()
	for j, vec := range fresh {
		vecs[missIdx[j]] = vec

		blob, err := json.Marshal(vec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash(missText[j]), blob, len(vec), now,
		); err != nil {
			return nil, fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	return vecs, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// entryID derives a stable id from the chunk's identity, so storing
// the same text for the same session and role replaces rather than
// duplicates.
func entryID(key eventlog.SessionKey, role, content string) string {
	sum := sha256.Sum256([]byte(string(key) + "\x00" + role + "\x00" + content))
	return hex.EncodeToString(sum[:])
}
