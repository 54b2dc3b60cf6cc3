// Package vectorstore persists embedded chunks in PostgreSQL with
// pgvector and serves cosine similarity search over them.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/siftd/sift/internal/chunk"
)

// Store manages embedded chunks with vector search capabilities.
// It handles embedding generation and similarity search using
// PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   *slog.Logger
	timeout  time.Duration
}

// New creates a Store. logger may be nil.
func New(pool *pgxpool.Pool, embedder ai.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:     pool,
		embedder: embedder,
		logger:   logger,
		timeout:  10 * time.Second,
	}
}

// Add embeds the chunks and upserts them by id. Re-adding a chunk with
// the same content id overwrites its row, so repeated ingestion of
// unchanged content is idempotent.
func (s *Store) Add(ctx context.Context, chunks []*chunk.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	input := make([]*ai.Document, len(chunks))
	for i, c := range chunks {
		input[i] = ai.DocumentFromText(c.Text, nil)
	}

	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{Input: input})
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}
	if len(resp.Embeddings) != len(chunks) {
		return fmt.Errorf("embedder returned %d embeddings for %d chunks", len(resp.Embeddings), len(chunks))
	}

	batch := &pgx.Batch{}
	for i, c := range chunks {
		if len(resp.Embeddings[i].Embedding) == 0 {
			return fmt.Errorf("empty embedding returned for chunk %q", c.ID)
		}
		metadataJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata for chunk %q: %w", c.ID, err)
		}
		vec := pgvector.NewVector(resp.Embeddings[i].Embedding)
		batch.Queue(`
			INSERT INTO chunks (id, content, embedding, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata`,
			c.ID, c.Text, vec, metadataJSON, time.Now().UTC())
	}

	results := s.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upserting chunk: %w", err)
		}
	}

	s.logger.Debug("added chunks", "count", len(chunks))
	return nil
}

// Search returns the topK chunks most similar to query by cosine
// similarity. Each result carries its similarity as Score and as the
// vector_score metadata entry.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]*chunk.Chunk, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.embedder.Embed(queryCtx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(query, nil)},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("query embedding timeout: %w", err)
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned for query")
	}

	vec := pgvector.NewVector(resp.Embeddings[0].Embedding)
	rows, err := s.pool.Query(queryCtx, `
		SELECT id, content, metadata, created_at, 1 - (embedding <=> $1) AS similarity
		FROM chunks
		ORDER BY embedding <=> $1
		LIMIT $2`,
		vec, topK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search query timeout: %w", err)
		}
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var results []*chunk.Chunk
	for rows.Next() {
		var (
			c            chunk.Chunk
			metadataJSON []byte
		)
		if err := rows.Scan(&c.ID, &c.Text, &metadataJSON, &c.CreatedAt, &c.Score); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			s.logger.Warn("failed to parse chunk metadata", "chunk_id", c.ID, "error", err)
			c.Metadata = map[string]string{}
		}
		c.Metadata[chunk.MetaVectorScore] = fmt.Sprintf("%.6f", c.Score)
		results = append(results, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk rows: %w", err)
	}
	return results, nil
}

// DeleteBySource removes every chunk ingested from the source. It
// returns the number of chunks deleted.
func (s *Store) DeleteBySource(ctx context.Context, source string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chunks WHERE metadata->>'source' = $1`, source)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for source %q: %w", source, err)
	}
	s.logger.Debug("deleted chunks by source", "source", source, "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// DeleteByChecksum removes every chunk carrying the checksum. Used when
// a source's content changed and its stale chunks must go before
// re-embedding.
func (s *Store) DeleteByChecksum(ctx context.Context, checksum string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chunks WHERE metadata->>'checksum' = $1`, checksum)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for checksum %q: %w", checksum, err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of stored chunks, optionally filtered by
// source.
func (s *Store) Count(ctx context.Context, source string) (int, error) {
	var (
		count int64
		err   error
	)
	if source != "" {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM chunks WHERE metadata->>'source' = $1`, source).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return int(count), nil
}
