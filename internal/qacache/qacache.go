// Package qacache answers curated questions without running the full
// query workflow. Incoming queries are scored against the curated
// questions with the cross-encoder; a sufficiently strong match short
// circuits the pipeline.
package qacache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/siftd/sift/internal/ai"
)

// Pair is one curated question/answer entry.
type Pair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Category string `json:"category,omitempty"`
}

// Match is a cache hit: the matched pair plus its score.
type Match struct {
	Pair
	Similarity float64
}

// Cache scores queries against curated QA pairs.
//
// Cache is safe for concurrent use; Reload swaps the pair set atomically.
type Cache struct {
	mu        sync.RWMutex
	pairs     []Pair
	path      string
	reranker  ai.Reranker
	threshold float64
	logger    *slog.Logger
}

// New creates a Cache backed by the JSON pairs file at path. A missing
// file is not an error; the cache simply never matches until pairs are
// loaded.
func New(path string, reranker ai.Reranker, threshold float64, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		path:      path,
		reranker:  reranker,
		threshold: threshold,
		logger:    logger,
	}
	if err := c.Reload(); err != nil {
		logger.Warn("qa pairs not loaded", "path", path, "error", err)
	}
	return c
}

// Reload re-reads the pairs file. Called at startup and by the reload
// registry after the curated set changes on disk.
func (c *Cache) Reload() error {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading qa pairs: %w", err)
	}

	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("parsing qa pairs: %w", err)
	}

	c.mu.Lock()
	c.pairs = pairs
	c.mu.Unlock()

	c.logger.Info("loaded qa pairs", "path", c.path, "count", len(pairs))
	return nil
}

// Len returns the number of loaded pairs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pairs)
}

// FindMatch scores query against every curated question and returns
// the best match when its score meets the threshold, else nil. Scoring
// failures return nil so the caller falls through to the full
// pipeline.
func (c *Cache) FindMatch(ctx context.Context, query string) *Match {
	c.mu.RLock()
	pairs := c.pairs
	c.mu.RUnlock()

	if len(pairs) == 0 || c.reranker == nil {
		return nil
	}

	questions := make([]string, len(pairs))
	for i, p := range pairs {
		questions[i] = p.Question
	}

	scores, err := c.reranker.Score(ctx, query, questions)
	if err != nil {
		c.logger.Warn("qa match scoring failed", "error", err)
		return nil
	}

	bestIdx, bestScore := 0, scores[0]
	for i, s := range scores {
		if s > bestScore {
			bestIdx, bestScore = i, s
		}
	}

	if bestScore < c.threshold {
		c.logger.Debug("no qa match", "best_score", bestScore, "threshold", c.threshold)
		return nil
	}

	c.logger.Debug("qa cache hit", "question", pairs[bestIdx].Question, "score", bestScore)
	return &Match{Pair: pairs[bestIdx], Similarity: bestScore}
}

// Registry tracks live caches so an operator-triggered reload reaches
// every replica-local instance.
type Registry struct {
	mu     sync.Mutex
	caches []*Cache
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a cache to the registry.
func (r *Registry) Register(c *Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caches = append(r.caches, c)
}

// ReloadAll reloads every registered cache and returns the first
// error encountered, after attempting all of them.
func (r *Registry) ReloadAll() error {
	r.mu.Lock()
	caches := make([]*Cache, len(r.caches))
	copy(caches, r.caches)
	r.mu.Unlock()

	var firstErr error
	for _, c := range caches {
		if err := c.Reload(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
