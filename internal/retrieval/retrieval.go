// Package retrieval implements the multi-query retrieval engine:
// query expansion, hypothetical-answer search, batched vector search,
// deduplication and cross-encoder reranking.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/siftd/sift/internal/ai"
	"github.com/siftd/sift/internal/chunk"
)

// Searcher is the vector-store port used by the engine.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]*chunk.Chunk, error)
}

// Generator is the chat-model port used for query expansion and
// hypothetical answers.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GraphSearcher is an optional knowledge-graph port. Results are
// merged with vector search candidates before deduplication.
type GraphSearcher interface {
	Related(ctx context.Context, query string) ([]*chunk.Chunk, error)
}

// Config tunes the engine. Zero values disable the corresponding
// stage.
type Config struct {
	ExpansionEnabled bool
	HydeEnabled      bool
	RerankEnabled    bool
	// BatchSize partitions the query set for vector search.
	BatchSize int
	// TopK is the per-query vector search depth.
	TopK int
}

// Engine retrieves the most relevant chunks for a question. Every
// auxiliary stage degrades gracefully: a failed expansion or
// hypothetical answer narrows the search instead of failing it.
type Engine struct {
	searcher Searcher
	gen      Generator
	reranker ai.Reranker
	graph    GraphSearcher
	cfg      Config
	logger   *slog.Logger
}

// New creates an Engine. gen, reranker and graph may be nil, which
// disables the stages that need them.
func New(searcher Searcher, gen Generator, reranker ai.Reranker, graph GraphSearcher, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 4
	}
	if cfg.TopK < 1 {
		cfg.TopK = 5
	}
	return &Engine{
		searcher: searcher,
		gen:      gen,
		reranker: reranker,
		graph:    graph,
		cfg:      cfg,
		logger:   logger,
	}
}

const expandPrompt = `Generate 3 alternative search queries that are semantically similar to the original query.
Each query should:
- Maintain the same core intent and topic
- Use different but related terms and synonyms
- Be specific and searchable
- Be a complete, well-formed question
- Not introduce new concepts absent from the original

Format rules:
- One query per line
- No prefixes, numbers, or bullet points
- No explanations or additional text

Original query: %q

Return exactly 3 queries, one per line:`

const hydePrompt = `You are assisting with document search optimization. Generate a hypothetical answer that contains likely relevant terms and concepts to help find matching documents.

Question: %q

Requirements:
- Exactly 2-3 complete sentences
- Include key terms, synonyms and likely related concepts
- Natural, descriptive language without hedging
- No meta-commentary, lists or citations

This answer is used only to find documents, never shown to the user.
Return only the search-optimized answer:`

// Retrieve returns at most maxDocuments chunks relevant to query,
// filtered by relevanceThreshold on vector similarity and sorted by
// descending score.
func (e *Engine) Retrieve(ctx context.Context, query string, relevanceThreshold float64, maxDocuments int) ([]*chunk.Chunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if maxDocuments < 1 {
		maxDocuments = 5
	}

	queries := e.buildQueries(ctx, query)

	candidates, err := e.searchAll(ctx, queries)
	if err != nil {
		return nil, err
	}

	if e.graph != nil {
		related, err := e.graph.Related(ctx, query)
		if err != nil {
			e.logger.Warn("graph search failed, continuing without it", "error", err)
		} else {
			candidates = append(candidates, related...)
		}
	}

	kept := make([]*chunk.Chunk, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= relevanceThreshold {
			kept = append(kept, c)
		}
	}

	deduped := Dedup(kept)

	if e.cfg.RerankEnabled && e.reranker != nil && len(deduped) > maxDocuments {
		reranked, err := e.rerank(ctx, query, deduped)
		if err != nil {
			e.logger.Warn("rerank failed, falling back to vector order", "error", err)
		} else {
			deduped = reranked
		}
	}

	if len(deduped) > maxDocuments {
		deduped = deduped[:maxDocuments]
	}

	e.logger.Debug("retrieval completed",
		"query", query,
		"expanded_queries", len(queries),
		"candidates", len(candidates),
		"returned", len(deduped),
	)
	return deduped, nil
}

// buildQueries assembles the query set: the original, up to 3
// expansions, and a hypothetical answer. Expansion failures are
// logged and skipped.
func (e *Engine) buildQueries(ctx context.Context, query string) []string {
	queries := []string{query}

	if e.cfg.ExpansionEnabled && e.gen != nil {
		resp, err := e.gen.Generate(ctx, fmt.Sprintf(expandPrompt, query))
		if err != nil {
			e.logger.Warn("query expansion failed", "error", err)
		} else {
			count := 0
			for _, line := range strings.Split(resp, "\n") {
				line = strings.TrimSpace(line)
				if line == "" || line == query || count >= 3 {
					continue
				}
				queries = append(queries, line)
				count++
			}
		}
	}

	if e.cfg.HydeEnabled && e.gen != nil {
		resp, err := e.gen.Generate(ctx, fmt.Sprintf(hydePrompt, query))
		if err != nil {
			e.logger.Warn("hypothetical answer generation failed", "error", err)
		} else if resp = cleanHypothetical(resp); resp != "" {
			queries = append(queries, resp)
		}
	}

	return queries
}

// searchAll runs vector search for every query, batched, and merges
// the results. Individual query failures degrade the result set; only
// total failure is an error.
func (e *Engine) searchAll(ctx context.Context, queries []string) ([]*chunk.Chunk, error) {
	var (
		mu         sync.Mutex
		candidates []*chunk.Chunk
		firstErr   error
		failures   int
	)

	for start := 0; start < len(queries); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(queries))

		var wg sync.WaitGroup
		for _, q := range queries[start:end] {
			wg.Add(1)
			go func(q string) {
				defer wg.Done()
				results, err := e.searcher.Search(ctx, q, e.cfg.TopK)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures++
					if firstErr == nil {
						firstErr = err
					}
					e.logger.Warn("vector search failed for query", "query", q, "error", err)
					return
				}
				candidates = append(candidates, results...)
			}(q)
		}
		wg.Wait()
	}

	if failures == len(queries) && firstErr != nil {
		return nil, fmt.Errorf("vector search failed for all %d queries: %w", len(queries), firstErr)
	}
	return candidates, nil
}

// rerank scores (query, chunk) pairs with the cross-encoder, sorts
// descending and drops non-positive scores. Chunk text is truncated to
// the encoder's token window.
func (e *Engine) rerank(ctx context.Context, query string, chunks []*chunk.Chunk) ([]*chunk.Chunk, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = ai.TruncateForPair(query, c.Text)
	}

	scores, err := e.reranker.Score(ctx, query, texts)
	if err != nil {
		return nil, err
	}

	scored := make([]*chunk.Chunk, 0, len(chunks))
	for i, c := range chunks {
		if scores[i] <= 0 {
			continue
		}
		c.Score = scores[i]
		scored = append(scored, c)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored, nil
}

// Dedup removes duplicate chunks by id, keeping the copy with the
// higher score, and sorts survivors by score descending.
func Dedup(chunks []*chunk.Chunk) []*chunk.Chunk {
	best := make(map[string]*chunk.Chunk, len(chunks))
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = chunk.NewID(c.Text)
		}
		if cur, ok := best[id]; !ok || c.Score > cur.Score {
			best[id] = c
		}
	}

	out := make([]*chunk.Chunk, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// cleanHypothetical strips prefixes models habitually add.
func cleanHypothetical(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{
		"Here's the answer:",
		"Answer:",
		"Response:",
		"Hypothetical answer:",
		"Search-optimized answer:",
	} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
		}
	}
	return strings.Trim(s, `"'`)
}
