// Package api exposes the document and query operations over HTTP.
// JSON in, JSON out, with SSE for incremental answers. The handlers
// hold no business logic; everything delegates to the service facade.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siftd/sift/internal/conversation"
	"github.com/siftd/sift/internal/indexlog"
	"github.com/siftd/sift/internal/service"
	"github.com/siftd/sift/internal/workflow"
)

// Service is the facade surface the handlers need.
type Service interface {
	AddDocument(ctx context.Context, source string, sourceType indexlog.SourceType, userID string) (*service.AddResult, error)
	GetDocument(ctx context.Context, id string) (*service.IndexLogView, error)
	ListDocuments(ctx context.Context, page, pageSize int, f indexlog.Filter) ([]service.IndexLogView, error)
	DeleteDocument(ctx context.Context, id string) error
	HandleQuery(ctx context.Context, userInput, userID, sessionID, requestID string) (*workflow.Result, error)
	StreamQuery(ctx context.Context, userInput, userID, sessionID, requestID string, stream func(ctx context.Context, text string) error) (*workflow.Result, error)
	GetSessionList(ctx context.Context, userID string) ([]*conversation.Session, error)
	GetSessionHistory(ctx context.Context, userID, sessionID string, limit int) ([]*conversation.Turn, error)
	SetLiked(ctx context.Context, userID, requestID string, liked bool) (*conversation.Turn, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// QAReloader refreshes curated question/answer caches from disk.
type QAReloader interface {
	ReloadAll() error
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Service   Service
	Logger    *slog.Logger
	Pool      *pgxpool.Pool // optional, used by /ready
	QAReload  QAReloader    // optional, enables POST /api/v1/qa/reload
	RateBurst int           // per-IP burst, 0 = default 60
}

// Server is the JSON API server.
type Server struct {
	mux *http.ServeMux
}

// NewServer wires routes and middleware.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dh := &documentHandler{svc: cfg.Service, logger: logger}
	qh := &queryHandler{svc: cfg.Service, logger: logger}
	sh := &sessionHandler{svc: cfg.Service, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/documents", dh.add)
	mux.HandleFunc("GET /api/v1/documents", dh.list)
	mux.HandleFunc("GET /api/v1/documents/{id}", dh.get)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", dh.delete)

	mux.HandleFunc("POST /api/v1/query", qh.query)
	mux.HandleFunc("POST /api/v1/query/stream", qh.stream)

	mux.HandleFunc("GET /api/v1/sessions", sh.list)
	mux.HandleFunc("GET /api/v1/sessions/{id}/history", sh.history)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.delete)
	mux.HandleFunc("POST /api/v1/feedback", sh.feedback)

	if cfg.QAReload != nil {
		ah := &adminHandler{qa: cfg.QAReload, logger: logger}
		mux.HandleFunc("POST /api/v1/qa/reload", ah.reloadQA)
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Outermost first: Recovery -> RequestID -> Logging -> RateLimit.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
