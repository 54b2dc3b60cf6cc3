// Package audit records workflow step transitions so a request can be
// reconstructed after the fact. Writes are best effort: an audit
// failure is logged, never propagated into the request path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Step statuses.
const (
	StatusStart = "START"
	StatusEnd   = "END"
	StatusError = "ERROR"
)

// Entry identifies one step transition within a request.
type Entry struct {
	RequestID string
	UserID    string
	SessionID string
	Step      string
	Status    string
	Details   map[string]any
}

// Writer appends audit entries.
type Writer interface {
	Record(ctx context.Context, e Entry)
}

// Store writes entries to the audit_logs table.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store. logger may be nil.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Record implements Writer.
func (s *Store) Record(ctx context.Context, e Entry) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		s.logger.Warn("audit details not serializable", "step", e.Step, "error", err)
		detailsJSON = []byte("{}")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (request_id, user_id, session_id, step, status, occurred_at, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.RequestID, e.UserID, e.SessionID, e.Step, e.Status, time.Now().UTC(), detailsJSON)
	if err != nil {
		s.logger.Warn("audit write failed", "step", e.Step, "status", e.Status, "error", err)
	}
}

// Nop discards every entry. Used in tests and when auditing is
// disabled.
type Nop struct{}

// Record implements Writer.
func (Nop) Record(context.Context, Entry) {}
