// Package service is the application facade: it validates input,
// delegates to ingestion, retrieval-workflow and conversation
// components, and maps their failures onto a small error taxonomy the
// transport layer can translate to status codes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siftd/sift/internal/conversation"
	"github.com/siftd/sift/internal/indexlog"
	"github.com/siftd/sift/internal/loader"
	"github.com/siftd/sift/internal/workflow"
)

// Error taxonomy, checked with errors.Is(). ErrValidation is the
// caller's fault; ErrProvider means a downstream provider call failed.
var (
	ErrValidation = errors.New("invalid input")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrProvider   = errors.New("provider failure")
)

// Ingestor is the document-lifecycle port.
type Ingestor interface {
	AddSource(ctx context.Context, source string, sourceType indexlog.SourceType, userID string) (*indexlog.Log, error)
	DeleteSource(ctx context.Context, id string) error
}

// LogReader reads index logs for the document views.
type LogReader interface {
	FindByID(ctx context.Context, id string) (*indexlog.Log, error)
	ListLogs(ctx context.Context, page, pageSize int, f indexlog.Filter) ([]*indexlog.Log, error)
}

// QueryRunner executes the query workflow.
type QueryRunner interface {
	Run(ctx context.Context, q workflow.Query) (*workflow.Result, error)
	RunStream(ctx context.Context, q workflow.Query, stream func(ctx context.Context, text string) error) (*workflow.Result, error)
}

// Conversations is the session-history port.
type Conversations interface {
	History(ctx context.Context, userID, sessionID string, limit int) ([]*conversation.Turn, error)
	Sessions(ctx context.Context, userID string) ([]*conversation.Session, error)
	SetLiked(ctx context.Context, userID, requestID string, liked bool) (*conversation.Turn, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// Service wires the facade.
type Service struct {
	ingestor Ingestor
	logs     LogReader
	runner   QueryRunner
	conv     Conversations
	logger   *slog.Logger
}

// New builds the facade.
func New(ingestor Ingestor, logs LogReader, runner QueryRunner, conv Conversations, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ingestor: ingestor,
		logs:     logs,
		runner:   runner,
		conv:     conv,
		logger:   logger,
	}
}

// IndexLogView is the external shape of an index log.
type IndexLogView struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	SourceType   string    `json:"sourceType"`
	Status       string    `json:"status"`
	RetryCount   int       `json:"retryCount"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	CreatedBy    string    `json:"createdBy"`
	ModifiedAt   time.Time `json:"modifiedAt"`
}

// AddResult reports the outcome of queueing a document.
type AddResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func viewOf(l *indexlog.Log) IndexLogView {
	v := IndexLogView{
		ID:         l.ID,
		Source:     l.Source,
		SourceType: string(l.SourceType),
		Status:     string(l.Status),
		RetryCount: l.RetryCount,
		CreatedAt:  l.CreatedAt,
		CreatedBy:  l.CreatedBy,
		ModifiedAt: l.ModifiedAt,
	}
	if l.ErrorMessage != nil {
		v.ErrorMessage = *l.ErrorMessage
	}
	return v
}

// AddDocument queues a source for ingestion. Resubmitting already
// indexed content is a no-op returning the existing row.
func (s *Service) AddDocument(ctx context.Context, source string, sourceType indexlog.SourceType, userID string) (*AddResult, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: source is required", ErrValidation)
	}
	if !indexlog.ValidSourceType(sourceType) {
		return nil, fmt.Errorf("%w: unknown source type %q", ErrValidation, sourceType)
	}
	l, err := s.ingestor.AddSource(ctx, source, sourceType, userID)
	if err != nil {
		if errors.Is(err, loader.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err)
		}
		if errors.Is(err, indexlog.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, err)
		}
		return nil, fmt.Errorf("%w: adding document: %s", ErrProvider, err)
	}
	msg := "document queued for indexing"
	if l.Status != indexlog.StatusPending {
		msg = "document already indexed"
	}
	return &AddResult{ID: l.ID, Status: string(l.Status), Message: msg}, nil
}

// GetDocument returns one index log by id.
func (s *Service) GetDocument(ctx context.Context, id string) (*IndexLogView, error) {
	l, err := s.logs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, indexlog.ErrNotFound) {
			return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrProvider, err)
	}
	v := viewOf(l)
	return &v, nil
}

// ListDocuments pages through the index logs.
func (s *Service) ListDocuments(ctx context.Context, page, pageSize int, f indexlog.Filter) ([]IndexLogView, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	logs, err := s.logs.ListLogs(ctx, page, pageSize, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvider, err)
	}
	views := make([]IndexLogView, len(logs))
	for i, l := range logs {
		views[i] = viewOf(l)
	}
	return views, nil
}

// DeleteDocument removes a tracked document and its vectors.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if err := s.ingestor.DeleteSource(ctx, id); err != nil {
		if errors.Is(err, indexlog.ErrNotFound) {
			return fmt.Errorf("%w: document %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: deleting document: %s", ErrProvider, err)
	}
	return nil
}

// HandleQuery runs one question through the workflow.
func (s *Service) HandleQuery(ctx context.Context, userInput, userID, sessionID, requestID string) (*workflow.Result, error) {
	q, err := s.buildQuery(userInput, userID, sessionID, requestID)
	if err != nil {
		return nil, err
	}
	res, err := s.runner.Run(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvider, err)
	}
	return res, nil
}

// StreamQuery is HandleQuery with incremental answer delivery.
func (s *Service) StreamQuery(ctx context.Context, userInput, userID, sessionID, requestID string, stream func(ctx context.Context, text string) error) (*workflow.Result, error) {
	q, err := s.buildQuery(userInput, userID, sessionID, requestID)
	if err != nil {
		return nil, err
	}
	res, err := s.runner.RunStream(ctx, q, stream)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvider, err)
	}
	return res, nil
}

func (s *Service) buildQuery(userInput, userID, sessionID, requestID string) (workflow.Query, error) {
	if strings.TrimSpace(userInput) == "" {
		return workflow.Query{}, fmt.Errorf("%w: user input is required", ErrValidation)
	}
	if userID == "" {
		return workflow.Query{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if sessionID == "" {
		return workflow.Query{}, fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return workflow.Query{
		UserID:    userID,
		SessionID: sessionID,
		RequestID: requestID,
		Input:     userInput,
	}, nil
}

// GetSessionList lists the user's sessions, most recent first.
func (s *Service) GetSessionList(ctx context.Context, userID string) ([]*conversation.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	sessions, err := s.conv.Sessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvider, err)
	}
	return sessions, nil
}

// GetSessionHistory returns the session's turns, oldest first.
func (s *Service) GetSessionHistory(ctx context.Context, userID, sessionID string, limit int) ([]*conversation.Turn, error) {
	if userID == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: user id and session id are required", ErrValidation)
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	turns, err := s.conv.History(ctx, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvider, err)
	}
	return turns, nil
}

// SetLiked records feedback on one turn.
func (s *Service) SetLiked(ctx context.Context, userID, requestID string, liked bool) (*conversation.Turn, error) {
	if userID == "" || requestID == "" {
		return nil, fmt.Errorf("%w: user id and request id are required", ErrValidation)
	}
	t, err := s.conv.SetLiked(ctx, userID, requestID, liked)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, fmt.Errorf("%w: turn %s", ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("%w: %s", ErrProvider, err)
	}
	return t, nil
}

// DeleteSession soft-deletes all turns in a session.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if userID == "" || sessionID == "" {
		return fmt.Errorf("%w: user id and session id are required", ErrValidation)
	}
	if err := s.conv.DeleteSession(ctx, userID, sessionID); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return fmt.Errorf("%w: %s", ErrProvider, err)
	}
	return nil
}
