// Package config provides application configuration management.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables with the SIFT_ prefix (runtime override)
//  2. Config file (sift.yaml in the working directory or --config path)
//  3. Default values
//
// Error Handling:
//   - Sentinel errors for checking with errors.Is()
//   - Wrapped with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidDatabase indicates the database settings are incomplete.
	ErrInvalidDatabase = errors.New("invalid database configuration")

	// ErrInvalidIngestion indicates the ingestion settings are invalid.
	ErrInvalidIngestion = errors.New("invalid ingestion configuration")

	// ErrInvalidRetrieval indicates the retrieval settings are out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval configuration")

	// ErrInvalidWorkflow indicates the workflow settings are out of range.
	ErrInvalidWorkflow = errors.New("invalid workflow configuration")
)

// Config stores the full application configuration.
type Config struct {
	Database  Database  `mapstructure:"database"`
	Providers Providers `mapstructure:"providers"`
	Ingestion Ingestion `mapstructure:"ingestion"`
	Retrieval Retrieval `mapstructure:"retrieval"`
	Workflow  Workflow  `mapstructure:"workflow"`
	QA        QA        `mapstructure:"qa"`
	Server    Server    `mapstructure:"server"`
	LogJSON   bool      `mapstructure:"log_json"`
	LogLevel  string    `mapstructure:"log_level"`
}

// Database holds PostgreSQL connection settings.
type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"` // SENSITIVE: never logged
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// Providers holds model and external provider settings.
type Providers struct {
	// ChatModel is the generation model identifier (e.g. "gemini-2.5-flash").
	ChatModel string `mapstructure:"chat_model"`
	// EmbedderModel is the embedding model identifier.
	EmbedderModel string `mapstructure:"embedder_model"`
	// RerankerURL is the HTTP endpoint of the cross-encoder scoring service.
	// Empty disables reranking.
	RerankerURL string `mapstructure:"reranker_url"`
	// WebSearchProvider selects the web-search backend ("tavily" or "").
	WebSearchProvider string `mapstructure:"web_search_provider"`
	// WebSearchAPIKey authenticates against the web-search backend.
	WebSearchAPIKey string `mapstructure:"web_search_api_key"` // SENSITIVE
	// RequestsPerMinute caps chat-model calls. 0 disables the limiter.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

// Ingestion holds scheduler and source-discovery settings.
type Ingestion struct {
	// InputPath is the directory scanned for new sources.
	InputPath string `mapstructure:"input_path"`
	// ArchivePath receives successfully processed files.
	ArchivePath string `mapstructure:"archive_path"`
	// ScanSpec and ProcessSpec are cron expressions for the two jobs.
	ScanSpec    string `mapstructure:"scan_spec"`
	ProcessSpec string `mapstructure:"process_spec"`
	// MaxRetry bounds FAILED re-claims; a log whose retry count exceeds
	// it is terminal.
	MaxRetry int `mapstructure:"max_retry"`
	// ChunkSize bounds the character length of a single chunk.
	ChunkSize int `mapstructure:"chunk_size"`
	// LockMaxAge is the age after which a held job lock is considered
	// orphaned and may be stolen.
	LockMaxAge time.Duration `mapstructure:"lock_max_age"`
}

// Retrieval holds the retrieval-engine settings.
type Retrieval struct {
	ExpansionEnabled bool `mapstructure:"expansion_enabled"`
	HydeEnabled      bool `mapstructure:"hyde_enabled"`
	GraphEnabled     bool `mapstructure:"graph_enabled"`
	RerankEnabled    bool `mapstructure:"rerank_enabled"`
	// BatchSize partitions the query set for vector search.
	BatchSize int `mapstructure:"batch_size"`
	// TopK is the per-query vector search depth.
	TopK int `mapstructure:"top_k"`
	// RelevanceThreshold is the minimum vector score kept.
	RelevanceThreshold float64 `mapstructure:"relevance_threshold"`
	// MaxDocuments caps the final result set.
	MaxDocuments int `mapstructure:"max_documents"`
	// MaxWebResults caps web-search results.
	MaxWebResults int `mapstructure:"max_web_results"`
}

// Workflow holds the query state-machine settings.
type Workflow struct {
	// MaxRewrites bounds the rewrite loop.
	MaxRewrites int `mapstructure:"max_rewrites"`
	// StrictGrading selects the cross-encoder >= 1.0 document bar;
	// otherwise GradingThreshold applies.
	StrictGrading    bool    `mapstructure:"strict_grading"`
	GradingThreshold float64 `mapstructure:"grading_threshold"`
	// HallucinationThreshold and QualityThreshold trigger rewrites when
	// the respective grade falls below them.
	HallucinationThreshold float64 `mapstructure:"hallucination_threshold"`
	QualityThreshold       float64 `mapstructure:"quality_threshold"`
	// SuggestedQuestions toggles follow-up question generation.
	SuggestedQuestions bool `mapstructure:"suggested_questions"`
	// HistoryWindow is the number of prior turns injected as context.
	HistoryWindow int `mapstructure:"history_window"`
	// Timeout bounds one query invocation end to end.
	Timeout time.Duration `mapstructure:"timeout"`
}

// QA holds the fast-path QA cache settings.
type QA struct {
	// PairsPath is the curated question/answer JSON file.
	PairsPath string `mapstructure:"pairs_path"`
	// Threshold is the minimum cross-encoder score for a cache hit.
	Threshold float64 `mapstructure:"threshold"`
}

// Server holds HTTP server settings.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from the given file path (empty = defaults
// and environment only) and applies SIFT_ environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sift")
	v.SetDefault("database.name", "sift")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("providers.chat_model", "gemini-2.5-flash")
	v.SetDefault("providers.embedder_model", "gemini-embedding-001")
	v.SetDefault("providers.requests_per_minute", 60)

	v.SetDefault("ingestion.input_path", "data/input")
	v.SetDefault("ingestion.archive_path", "data/archive")
	v.SetDefault("ingestion.scan_spec", "@every 3m")
	v.SetDefault("ingestion.process_spec", "@every 3m")
	v.SetDefault("ingestion.max_retry", 3)
	v.SetDefault("ingestion.chunk_size", 2000)
	v.SetDefault("ingestion.lock_max_age", 30*time.Minute)

	v.SetDefault("retrieval.expansion_enabled", true)
	v.SetDefault("retrieval.hyde_enabled", true)
	v.SetDefault("retrieval.rerank_enabled", true)
	v.SetDefault("retrieval.batch_size", 4)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.relevance_threshold", 0.7)
	v.SetDefault("retrieval.max_documents", 5)
	v.SetDefault("retrieval.max_web_results", 3)

	v.SetDefault("workflow.max_rewrites", 1)
	v.SetDefault("workflow.grading_threshold", 0.7)
	v.SetDefault("workflow.hallucination_threshold", 0.6)
	v.SetDefault("workflow.quality_threshold", 0.7)
	v.SetDefault("workflow.history_window", 10)
	v.SetDefault("workflow.timeout", time.Minute)

	v.SetDefault("qa.threshold", 0.7)

	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log_level", "info")
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("%w: host and name are required", ErrInvalidDatabase)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDatabase, c.Database.Port)
	}
	if c.Ingestion.MaxRetry < 0 {
		return fmt.Errorf("%w: max_retry must be >= 0", ErrInvalidIngestion)
	}
	if c.Ingestion.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be >= 1", ErrInvalidIngestion)
	}
	if c.Ingestion.LockMaxAge <= 0 {
		return fmt.Errorf("%w: lock_max_age must be positive", ErrInvalidIngestion)
	}
	if c.Retrieval.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be >= 1", ErrInvalidRetrieval)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("%w: top_k must be >= 1", ErrInvalidRetrieval)
	}
	if c.Retrieval.MaxDocuments < 1 {
		return fmt.Errorf("%w: max_documents must be >= 1", ErrInvalidRetrieval)
	}
	if c.Retrieval.RelevanceThreshold < 0 || c.Retrieval.RelevanceThreshold > 1 {
		return fmt.Errorf("%w: relevance_threshold must be in [0,1]", ErrInvalidRetrieval)
	}
	if c.Workflow.MaxRewrites < 0 {
		return fmt.Errorf("%w: max_rewrites must be >= 0", ErrInvalidWorkflow)
	}
	for name, th := range map[string]float64{
		"grading_threshold":       c.Workflow.GradingThreshold,
		"hallucination_threshold": c.Workflow.HallucinationThreshold,
		"quality_threshold":       c.Workflow.QualityThreshold,
		"qa.threshold":            c.QA.Threshold,
	} {
		if th < 0 || th > 1 {
			return fmt.Errorf("%w: %s must be in [0,1]", ErrInvalidWorkflow, name)
		}
	}
	if c.Workflow.HistoryWindow < 0 {
		return fmt.Errorf("%w: history_window must be >= 0", ErrInvalidWorkflow)
	}
	return nil
}

// ConnString returns the PostgreSQL DSN for pgx.
func (d Database) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, quoteDSNValue(d.Password), d.Name, d.SSLMode)
}

// URL returns the PostgreSQL URL form used by golang-migrate.
func (d Database) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Name,
		RawQuery: fmt.Sprintf("sslmode=%s", d.SSLMode),
	}
	return u.String()
}

// quoteDSNValue quotes a value for the key=value DSN format so values
// containing spaces or quotes parse correctly.
func quoteDSNValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
