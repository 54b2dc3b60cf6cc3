// Package conversation persists chat history: one row per completed
// exchange, scoped by user and session. History rows feed context into
// the query workflow; sessions can be listed, liked and soft-deleted.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates no turn matched the given identifiers.
var ErrNotFound = errors.New("conversation turn not found")

// Turn is one completed user/assistant exchange.
type Turn struct {
	ID        string
	UserID    string
	SessionID string
	RequestID string
	UserInput string
	Response  string
	// Liked is nil until the user rates the turn.
	Liked     *bool
	CreatedAt time.Time
}

// Session is a summary row for the session list: the session id, a
// title derived from its first message, and activity bounds.
type Session struct {
	SessionID string
	Title     string
	Turns     int
	StartedAt time.Time
	LastAt    time.Time
}

// Store persists turns in PostgreSQL.
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

// Append records a completed exchange and returns the stored turn.
func (s *Store) Append(ctx context.Context, userID, sessionID, requestID, userInput, response string) (*Turn, error) {
	t := &Turn{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		RequestID: requestID,
		UserInput: userInput,
		Response:  response,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_turns (id, user_id, session_id, request_id, user_input, response,
			created_at, created_by, modified_at, modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7, $8)`,
		t.ID, t.UserID, t.SessionID, t.RequestID, t.UserInput, t.Response, t.CreatedAt, t.UserID)
	if err != nil {
		return nil, fmt.Errorf("appending turn: %w", err)
	}

	s.logger.Debug("appended turn", "session_id", sessionID, "request_id", requestID)
	return t, nil
}

// History returns the session's most recent limit turns, oldest
// first, excluding soft-deleted rows. limit <= 0 returns everything.
func (s *Store) History(ctx context.Context, userID, sessionID string, limit int) ([]*Turn, error) {
	query := `
		SELECT id, user_id, session_id, request_id, user_input, response, liked, created_at
		FROM conversation_turns
		WHERE user_id = $1 AND session_id = $2 AND NOT is_deleted
		ORDER BY created_at DESC`
	args := []any{userID, sessionID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.RequestID,
			&t.UserInput, &t.Response, &t.Liked, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}

	// Fetched newest-first to apply the limit; callers want oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Sessions lists the user's sessions, most recently active first. A
// session's title is its first message, truncated.
func (s *Store) Sessions(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id,
			(array_agg(user_input ORDER BY created_at))[1] AS title,
			COUNT(*) AS turns,
			MIN(created_at) AS started_at,
			MAX(created_at) AS last_at
		FROM conversation_turns
		WHERE user_id = $1 AND NOT is_deleted
		GROUP BY session_id
		ORDER BY last_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.SessionID, &sess.Title, &sess.Turns, &sess.StartedAt, &sess.LastAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sess.Title = truncateTitle(sess.Title)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// SetLiked records the user's rating of a turn, identified by its
// request id, and returns the updated turn. It returns ErrNotFound
// when the request is unknown or belongs to another user.
func (s *Store) SetLiked(ctx context.Context, userID, requestID string, liked bool) (*Turn, error) {
	var t Turn
	err := s.pool.QueryRow(ctx, `
		UPDATE conversation_turns SET liked = $1, modified_at = $4, modified_by = $2
		WHERE user_id = $2 AND request_id = $3 AND NOT is_deleted
		RETURNING id, user_id, session_id, request_id, user_input, response, liked, created_at`,
		liked, userID, requestID, time.Now().UTC()).Scan(
		&t.ID, &t.UserID, &t.SessionID, &t.RequestID,
		&t.UserInput, &t.Response, &t.Liked, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("setting liked: %w", err)
	}
	return &t, nil
}

// DeleteSession soft-deletes every turn in the session. History and
// session listings stop returning them; rows stay for audit.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_turns SET is_deleted = TRUE, modified_at = $3, modified_by = $1
		WHERE user_id = $1 AND session_id = $2 AND NOT is_deleted`,
		userID, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	s.logger.Debug("soft-deleted session", "session_id", sessionID, "turns", tag.RowsAffected())
	return nil
}

const titleMaxLength = 80

func truncateTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= titleMaxLength {
		return s
	}
	return string(runes[:titleMaxLength-3]) + "..."
}
