// Package websearch provides the pluggable web-search fallback used
// when the vector store cannot answer a query. Results from any
// backend are normalized into chunks so the rest of the pipeline does
// not care where context came from.
package websearch

import (
	"context"

	"github.com/siftd/sift/internal/chunk"
)

// Result is one normalized search hit.
type Result struct {
	Title   string
	URL     string
	Content string
	Score   float64
}

// Provider executes a web search. Implementations return at most
// maxResults hits, best first.
type Provider interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// ToChunks converts search results into chunks carrying url and title
// metadata, with the provider's relevance score as the chunk score.
func ToChunks(results []Result) []*chunk.Chunk {
	chunks := make([]*chunk.Chunk, 0, len(results))
	for _, r := range results {
		if r.Content == "" {
			continue
		}
		c := chunk.New(r.Content, map[string]string{
			chunk.MetaSource:     r.URL,
			chunk.MetaSourceType: "web_page",
			chunk.MetaURL:        r.URL,
			chunk.MetaTitle:      r.Title,
		})
		c.Score = r.Score
		chunks = append(chunks, c)
	}
	return chunks
}
