// Package ai wraps the model providers behind small, testable types:
// a retrying chat generator and a cross-encoder reranker client.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	genai "github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
)

// RetryConfig configures the retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category. Matched
// case-insensitively against err.Error().
//
// NOTE: String matching is used because Genkit and provider SDKs do
// not expose typed errors for transient failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(lower, sub) {
				return true
			}
		}
	}
	return false
}

// StreamFunc receives answer fragments as the model emits them.
type StreamFunc func(ctx context.Context, text string) error

// Generator invokes the chat model with proactive rate limiting and
// exponential backoff on transient provider errors.
//
// Generator is safe for concurrent use.
type Generator struct {
	g       *genkit.Genkit
	model   genai.Model
	limiter *rate.Limiter
	retry   RetryConfig
	logger  *slog.Logger
}

// GeneratorConfig configures NewGenerator. Zero values select
// defaults.
type GeneratorConfig struct {
	// RequestsPerMinute caps model calls. 0 disables the limiter.
	RequestsPerMinute int
	Retry             RetryConfig
	Logger            *slog.Logger
}

// NewGenerator creates a Generator for the given model.
func NewGenerator(g *genkit.Genkit, model genai.Model, cfg GeneratorConfig) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialInterval == 0 {
		retry = DefaultRetryConfig()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute)/60, cfg.RequestsPerMinute)
	}
	return &Generator{
		g:       g,
		model:   model,
		limiter: limiter,
		retry:   retry,
		logger:  logger,
	}
}

// Generate runs a single prompt and returns the response text.
func (gen *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	return gen.GenerateMessages(ctx, []*genai.Message{genai.NewUserTextMessage(prompt)}, nil)
}

// GenerateMessages runs a multi-turn request. When stream is non-nil
// it receives response fragments as they arrive; the full text is
// still returned.
func (gen *Generator) GenerateMessages(ctx context.Context, messages []*genai.Message, stream StreamFunc) (string, error) {
	opts := []genai.GenerateOption{
		genai.WithModel(gen.model),
		genai.WithMessages(messages...),
	}
	if stream != nil {
		opts = append(opts, genai.WithStreaming(func(ctx context.Context, chunk *genai.ModelResponseChunk) error {
			return stream(ctx, chunk.Text())
		}))
	}

	resp, err := gen.generateWithRetry(ctx, opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (gen *Generator) generateWithRetry(ctx context.Context, opts []genai.GenerateOption) (*genai.ModelResponse, error) {
	var lastErr error
	delay := gen.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= gen.retry.MaxRetries; attempt++ {
		// Rate limit each attempt, retries included.
		if gen.limiter != nil {
			if err := gen.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := genkit.Generate(ctx, gen.g, opts...)
		if err == nil {
			gen.logger.Debug("model call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return resp, nil
		}
		lastErr = err

		if !retryableError(err) {
			return nil, fmt.Errorf("generate: %w", err)
		}
		if attempt == gen.retry.MaxRetries {
			break
		}

		gen.logger.Debug("retrying after transient error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, gen.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("generate after %d retries (elapsed: %v): %w",
		gen.retry.MaxRetries, time.Since(start), lastErr)
}
