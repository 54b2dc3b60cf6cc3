// Package lock implements a cross-process mutex over the
// distributed_locks table. A row's existence is the lock: a
// unique-constraint insert is acquisition, a scoped delete is release.
// It keeps periodic jobs single-flight across a replica fleet.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the PostgreSQL error code for a unique-constraint
// violation; on Acquire it means another owner holds the lock.
const uniqueViolation = "23505"

// DB is the subset of pgxpool.Pool the manager needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Manager acquires and releases named locks on behalf of one process
// instance. Safe for concurrent use.
type Manager struct {
	db     DB
	owner  string
	maxAge time.Duration
	logger *slog.Logger
}

// New creates a Manager. owner identifies this instance in lock rows;
// empty derives "hostname-uuid". maxAge is the age past which a held
// lock is considered orphaned by a crashed holder and may be stolen.
func New(db DB, owner string, maxAge time.Duration, logger *slog.Logger) *Manager {
	if owner == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "sift"
		}
		owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, owner: owner, maxAge: maxAge, logger: logger}
}

// Owner returns the instance identity used in lock rows.
func (m *Manager) Owner() string { return m.owner }

// Acquire attempts to take the named lock. It returns (false, nil)
// when another live owner holds it; callers must treat that as "skip
// this run", not as a fault. Rows older than maxAge are deleted first
// so a crashed holder cannot orphan the lock forever.
func (m *Manager) Acquire(ctx context.Context, lockKey string) (bool, error) {
	if m.maxAge > 0 {
		cutoff := time.Now().UTC().Add(-m.maxAge)
		tag, err := m.db.Exec(ctx,
			`DELETE FROM distributed_locks WHERE lock_key = $1 AND acquired_at < $2`,
			lockKey, cutoff)
		if err != nil {
			return false, fmt.Errorf("expiring stale lock %q: %w", lockKey, err)
		}
		if tag.RowsAffected() > 0 {
			m.logger.Warn("stole expired lock", "lock_key", lockKey, "max_age", m.maxAge)
		}
	}

	_, err := m.db.Exec(ctx,
		`INSERT INTO distributed_locks (lock_key, owner_id, acquired_at) VALUES ($1, $2, $3)`,
		lockKey, m.owner, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("acquiring lock %q: %w", lockKey, err)
	}

	m.logger.Debug("acquired lock", "lock_key", lockKey, "owner", m.owner)
	return true, nil
}

// Release deletes the lock row scoped to (lockKey, owner) so an
// instance cannot release a lock it does not hold.
func (m *Manager) Release(ctx context.Context, lockKey string) error {
	_, err := m.db.Exec(ctx,
		`DELETE FROM distributed_locks WHERE lock_key = $1 AND owner_id = $2`,
		lockKey, m.owner)
	if err != nil {
		return fmt.Errorf("releasing lock %q: %w", lockKey, err)
	}
	m.logger.Debug("released lock", "lock_key", lockKey, "owner", m.owner)
	return nil
}
