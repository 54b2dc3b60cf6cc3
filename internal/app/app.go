// Package app wires the application together: configuration, database
// pool, Genkit providers, the ingestion scheduler, the query workflow
// and the service facade. Commands call Setup once and pull what they
// need off the App.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	genkitai "github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siftd/sift/internal/ai"
	"github.com/siftd/sift/internal/audit"
	"github.com/siftd/sift/internal/config"
	"github.com/siftd/sift/internal/conversation"
	"github.com/siftd/sift/internal/database"
	"github.com/siftd/sift/internal/indexlog"
	"github.com/siftd/sift/internal/ingest"
	"github.com/siftd/sift/internal/loader"
	"github.com/siftd/sift/internal/lock"
	"github.com/siftd/sift/internal/log"
	"github.com/siftd/sift/internal/qacache"
	"github.com/siftd/sift/internal/retrieval"
	"github.com/siftd/sift/internal/service"
	"github.com/siftd/sift/internal/vectorstore"
	"github.com/siftd/sift/internal/websearch"
	"github.com/siftd/sift/internal/workflow"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Pool      *pgxpool.Pool
	Genkit    *genkit.Genkit
	Service   *service.Service
	Scheduler *ingest.Scheduler
	QACaches  *qacache.Registry
}

// Setup loads configuration from cfgPath (empty = defaults and
// environment) and builds the full component graph.
func Setup(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger := log.New(log.Config{Level: parseLevel(cfg.LogLevel), JSON: cfg.LogJSON})

	if err := database.Migrate(cfg.Database.URL()); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	pool, err := database.Open(ctx, cfg.Database.ConnString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	model := googlegenai.GoogleAIModel(g, cfg.Providers.ChatModel)
	embedder := googlegenai.GoogleAIEmbedder(g, cfg.Providers.EmbedderModel)

	a, err := build(pool, g, model, embedder, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// build assembles the graph from already constructed providers. Split
// out so tests can inject mock models and embedders.
func build(pool *pgxpool.Pool, g *genkit.Genkit, model genkitai.Model, embedder genkitai.Embedder, cfg *config.Config, logger *slog.Logger) (*App, error) {
	gen := ai.NewGenerator(g, model, ai.GeneratorConfig{
		RequestsPerMinute: cfg.Providers.RequestsPerMinute,
		Logger:            logger,
	})

	var reranker ai.Reranker
	if cfg.Providers.RerankerURL != "" {
		reranker = ai.NewHTTPReranker(cfg.Providers.RerankerURL, logger)
	}

	var web websearch.Provider
	if cfg.Providers.WebSearchProvider == "tavily" && cfg.Providers.WebSearchAPIKey != "" {
		web = websearch.NewTavily(cfg.Providers.WebSearchAPIKey, logger)
	}

	vectors := vectorstore.New(pool, embedder, logger)
	logs := indexlog.New(pool, logger)
	conv := conversation.New(pool, logger)
	auditor := audit.New(pool, logger)
	locks := lock.New(pool, "", cfg.Ingestion.LockMaxAge, logger)
	chunks := loader.NewRegistry(cfg.Ingestion.ChunkSize, logger)

	retriever := retrieval.New(vectors, gen, reranker, nil, retrieval.Config{
		ExpansionEnabled: cfg.Retrieval.ExpansionEnabled,
		HydeEnabled:      cfg.Retrieval.HydeEnabled,
		RerankEnabled:    cfg.Retrieval.RerankEnabled,
		BatchSize:        cfg.Retrieval.BatchSize,
		TopK:             cfg.Retrieval.TopK,
	}, logger)

	caches := qacache.NewRegistry()
	var matcher workflow.Matcher
	if cfg.QA.PairsPath != "" && reranker != nil {
		qa := qacache.New(cfg.QA.PairsPath, reranker, cfg.QA.Threshold, logger)
		caches.Register(qa)
		matcher = qa
	}

	engine := workflow.New(gen, retriever, web, reranker, matcher, conv, auditor, workflow.Config{
		MaxRewrites:            cfg.Workflow.MaxRewrites,
		StrictGrading:          cfg.Workflow.StrictGrading,
		GradingThreshold:       cfg.Workflow.GradingThreshold,
		HallucinationThreshold: cfg.Workflow.HallucinationThreshold,
		QualityThreshold:       cfg.Workflow.QualityThreshold,
		SuggestedQuestions:     cfg.Workflow.SuggestedQuestions,
		HistoryWindow:          cfg.Workflow.HistoryWindow,
		Timeout:                cfg.Workflow.Timeout,
		RelevanceThreshold:     cfg.Retrieval.RelevanceThreshold,
		MaxDocuments:           cfg.Retrieval.MaxDocuments,
		MaxWebResults:          cfg.Retrieval.MaxWebResults,
	}, logger)

	scheduler := ingest.New(logs, vectors, chunks, locks, ingest.Config{
		InputPath:   cfg.Ingestion.InputPath,
		ArchivePath: cfg.Ingestion.ArchivePath,
		ScanSpec:    cfg.Ingestion.ScanSpec,
		ProcessSpec: cfg.Ingestion.ProcessSpec,
		MaxRetry:    cfg.Ingestion.MaxRetry,
	}, logger)

	svc := service.New(scheduler, logs, engine, conv, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Pool:      pool,
		Genkit:    g,
		Service:   svc,
		Scheduler: scheduler,
		QACaches:  caches,
	}, nil
}

// Close releases held resources.
func (a *App) Close(ctx context.Context) error {
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Logger.Warn("stopping scheduler", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
