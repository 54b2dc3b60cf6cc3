package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Reranker scores (query, text) pairs with a cross-encoder. Higher
// scores mean stronger relevance.
type Reranker interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// Cross-encoder window accounting. The model sees both members of the
// pair plus separator tokens, so the text gets whatever the query
// leaves of the 512-token window.
const (
	rerankerWindowTokens = 512
	pairSeparatorTokens  = 3
	bytesPerToken        = 4 // rough estimate for latin text
)

// TruncateForPair trims text so the (query, text) pair fits the
// cross-encoder's window. The query is never trimmed.
func TruncateForPair(query, text string) string {
	queryTokens := (len(query) + bytesPerToken - 1) / bytesPerToken
	budget := rerankerWindowTokens - queryTokens - pairSeparatorTokens
	if budget <= 0 {
		return ""
	}
	maxBytes := budget * bytesPerToken
	if len(text) <= maxBytes {
		return text
	}
	// Cut on a rune boundary.
	cut := maxBytes
	for cut > 0 && text[cut]&0xC0 == 0x80 {
		cut--
	}
	return text[:cut]
}

// HTTPReranker calls an external cross-encoder scoring service. The
// service accepts {"query": ..., "documents": [...]} and answers
// {"scores": [...]} with one score per document, in order.
type HTTPReranker struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPReranker creates a reranker client for the given endpoint.
func NewHTTPReranker(url string, logger *slog.Logger) *HTTPReranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPReranker{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score implements Reranker.
func (r *HTTPReranker) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(rerankRequest{Query: query, Documents: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling reranker: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, body)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding rerank response: %w", err)
	}
	if len(parsed.Scores) != len(texts) {
		return nil, fmt.Errorf("reranker returned %d scores for %d documents", len(parsed.Scores), len(texts))
	}

	r.logger.Debug("reranked documents", "count", len(texts))
	return parsed.Scores, nil
}
