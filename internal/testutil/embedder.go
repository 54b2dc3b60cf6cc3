package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// EmbedderSetup contains the resources needed for embedder-based tests.
type EmbedderSetup struct {
	Embedder ai.Embedder
	Genkit   *genkit.Genkit
	Logger   *slog.Logger
}

// SetupEmbedder creates a Google AI embedder for integration tests.
// It skips the test when GEMINI_API_KEY is not set; most tests should
// prefer NewMockEmbedder and reserve this for provider smoke tests.
func SetupEmbedder(t *testing.T) *EmbedderSetup {
	t.Helper()

	if os.Getenv("GEMINI_API_KEY") == "" {
		t.Skip("GEMINI_API_KEY not set - skipping test requiring embedder")
	}

	ctx := context.Background()

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))

	embedder := googlegenai.GoogleAIEmbedder(g, "text-embedding-004")
	if embedder == nil {
		t.Fatal("failed to look up Google AI embedder")
	}

	return &EmbedderSetup{
		Embedder: embedder,
		Genkit:   g,
		Logger:   DiscardLogger(),
	}
}

// SetupMockGenkit initializes a plugin-free Genkit instance for tests
// that register mock models and embedders.
func SetupMockGenkit(t *testing.T) *genkit.Genkit {
	t.Helper()
	return genkit.Init(context.Background())
}
