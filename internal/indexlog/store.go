package indexlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const logColumns = `id, source, source_type, checksum, status, retry_count,
	error_message, created_at, created_by, modified_at, modified_by`

// Store manages index_logs rows. All operations surface store-layer
// errors verbatim; retry policy belongs to the ingestion scheduler.
//
// Store is safe for concurrent use by multiple goroutines.
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

// Create inserts a new log row. It returns ErrConflict when the
// checksum already exists under another row.
func (s *Store) Create(ctx context.Context, source string, sourceType SourceType, checksum string, status Status, userID string) (*Log, error) {
	now := time.Now().UTC()
	l := &Log{
		ID:         uuid.NewString(),
		Source:     source,
		SourceType: sourceType,
		Checksum:   checksum,
		Status:     status,
		CreatedAt:  now,
		CreatedBy:  userID,
		ModifiedAt: now,
		ModifiedBy: userID,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO index_logs (id, source, source_type, checksum, status, retry_count,
			created_at, created_by, modified_at, modified_by)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9)`,
		l.ID, l.Source, string(l.SourceType), l.Checksum, string(l.Status),
		l.CreatedAt, l.CreatedBy, l.ModifiedAt, l.ModifiedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: checksum %s", ErrConflict, checksum)
		}
		return nil, fmt.Errorf("creating index log: %w", err)
	}

	s.logger.Debug("created index log", "id", l.ID, "source", source, "status", status)
	return l, nil
}

// Save upserts the log by id. Every status transition goes through
// here.
func (s *Store) Save(ctx context.Context, l *Log) error {
	l.ModifiedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO index_logs (id, source, source_type, checksum, status, retry_count,
			error_message, created_at, created_by, modified_at, modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			source_type = EXCLUDED.source_type,
			checksum = EXCLUDED.checksum,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			error_message = EXCLUDED.error_message,
			modified_at = EXCLUDED.modified_at,
			modified_by = EXCLUDED.modified_by`,
		l.ID, l.Source, string(l.SourceType), l.Checksum, string(l.Status), l.RetryCount,
		l.ErrorMessage, l.CreatedAt, l.CreatedBy, l.ModifiedAt, l.ModifiedBy)
	if err != nil {
		return fmt.Errorf("saving index log %s: %w", l.ID, err)
	}
	return nil
}

// FindByChecksum returns the log holding checksum, or nil when none
// exists.
func (s *Store) FindByChecksum(ctx context.Context, checksum string) (*Log, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+logColumns+` FROM index_logs WHERE checksum = $1`, checksum)
	return scanOptional(row, "by checksum")
}

// FindBySource returns the log for (source, sourceType), or nil when
// none exists. Empty sourceType matches any type.
func (s *Store) FindBySource(ctx context.Context, source string, sourceType SourceType) (*Log, error) {
	var row pgx.Row
	if sourceType == "" {
		row = s.pool.QueryRow(ctx,
			`SELECT `+logColumns+` FROM index_logs WHERE source = $1`, source)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT `+logColumns+` FROM index_logs WHERE source = $1 AND source_type = $2`,
			source, string(sourceType))
	}
	return scanOptional(row, "by source")
}

// FindByID returns the log with the given id or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*Log, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+logColumns+` FROM index_logs WHERE id = $1`, id)
	l, err := scanOptional(row, "by id")
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return l, nil
}

// ClaimPending atomically claims processable logs: rows with status
// PENDING, or FAILED with retry_count <= maxRetry. Claimed rows are
// locked with FOR UPDATE SKIP LOCKED so concurrent workers never
// double-claim, and transition to IN_PROGRESS within the same
// transaction. Row order is claim order (oldest first).
func (s *Store) ClaimPending(ctx context.Context, maxRetry int) ([]*Log, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT `+logColumns+`
		FROM index_logs
		WHERE status = $1 OR (status = $2 AND retry_count <= $3)
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED`,
		string(StatusPending), string(StatusFailed), maxRetry)
	if err != nil {
		return nil, fmt.Errorf("selecting pending logs: %w", err)
	}

	logs, err := scanLogs(rows)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	ids := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.ID
		l.Status = StatusInProgress
		l.ModifiedAt = now
	}

	if _, err := tx.Exec(ctx, `
		UPDATE index_logs SET status = $1, modified_at = $2 WHERE id = ANY($3)`,
		string(StatusInProgress), now, ids); err != nil {
		return nil, fmt.Errorf("marking logs in progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	s.logger.Debug("claimed pending logs", "count", len(logs))
	return logs, nil
}

// ListLogs returns a page of logs matching the filter, newest first.
// page is 1-based.
func (s *Store) ListLogs(ctx context.Context, page, pageSize int, f Filter) ([]*Log, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var (
		where []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.SourceType != "" {
		add("source_type = $%d", string(f.SourceType))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CreatedBy != "" {
		add("created_by = $%d", f.CreatedBy)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	query := `SELECT ` + logColumns + ` FROM index_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, pageSize, (page-1)*pageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing index logs: %w", err)
	}
	return scanLogs(rows)
}

// DeleteByID removes the log row. It returns ErrNotFound when no row
// matched.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM index_logs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting index log %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanOptional(row pgx.Row, what string) (*Log, error) {
	l, err := scanLog(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding index log %s: %w", what, err)
	}
	return l, nil
}

func scanLog(row pgx.Row) (*Log, error) {
	var (
		l          Log
		sourceType string
		status     string
	)
	err := row.Scan(&l.ID, &l.Source, &sourceType, &l.Checksum, &status, &l.RetryCount,
		&l.ErrorMessage, &l.CreatedAt, &l.CreatedBy, &l.ModifiedAt, &l.ModifiedBy)
	if err != nil {
		return nil, err
	}
	l.SourceType = SourceType(sourceType)
	l.Status = Status(status)
	return &l, nil
}

func scanLogs(rows pgx.Rows) ([]*Log, error) {
	defer rows.Close()
	var logs []*Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning index log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating index logs: %w", err)
	}
	return logs, nil
}
