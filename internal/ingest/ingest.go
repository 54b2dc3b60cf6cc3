// Package ingest keeps the vector index in sync with the tracked
// sources. Two cron jobs drive it: ScanSources discovers new or
// changed files under the input root, ProcessPending embeds claimed
// index logs. Both are fleet-safe behind distributed lock keys.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/siftd/sift/internal/chunk"
	"github.com/siftd/sift/internal/indexlog"
)

// Lock keys for the two jobs. Distinct keys let the jobs overlap with
// each other but never with themselves across replicas.
const (
	lockScanSources    = "scan_sources"
	lockProcessPending = "process_pending"
)

// LogStore is the index-log persistence port.
type LogStore interface {
	Create(ctx context.Context, source string, sourceType indexlog.SourceType, checksum string, status indexlog.Status, userID string) (*indexlog.Log, error)
	Save(ctx context.Context, l *indexlog.Log) error
	FindByChecksum(ctx context.Context, checksum string) (*indexlog.Log, error)
	FindBySource(ctx context.Context, source string, sourceType indexlog.SourceType) (*indexlog.Log, error)
	FindByID(ctx context.Context, id string) (*indexlog.Log, error)
	ClaimPending(ctx context.Context, maxRetry int) ([]*indexlog.Log, error)
	DeleteByID(ctx context.Context, id string) error
}

// VectorStore is the chunk persistence port.
type VectorStore interface {
	Add(ctx context.Context, chunks []*chunk.Chunk) error
	DeleteByChecksum(ctx context.Context, checksum string) (int64, error)
}

// Loader turns a source into tagged chunks.
type Loader interface {
	Load(ctx context.Context, source string, sourceType indexlog.SourceType, checksum string) ([]*chunk.Chunk, error)
}

// Locker is the distributed-lock port.
type Locker interface {
	Acquire(ctx context.Context, lockKey string) (bool, error)
	Release(ctx context.Context, lockKey string) error
}

// Config tunes the scheduler.
type Config struct {
	// InputPath is the directory ScanSources walks.
	InputPath string
	// ArchivePath receives successfully processed files. Empty
	// disables archiving.
	ArchivePath string
	// ScanSpec and ProcessSpec are cron expressions.
	ScanSpec    string
	ProcessSpec string
	// MaxRetry bounds FAILED re-claims.
	MaxRetry int
}

// Scheduler owns the ingestion jobs.
type Scheduler struct {
	logs    LogStore
	vectors VectorStore
	loader  Loader
	locks   Locker
	cfg     Config
	cron    *cron.Cron
	logger  *slog.Logger
}

// New builds a scheduler. Start must be called to arm the cron jobs;
// the individual operations work without it.
func New(logs LogStore, vectors VectorStore, loader Loader, locks Locker, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	return &Scheduler{
		logs:    logs,
		vectors: vectors,
		loader:  loader,
		locks:   locks,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start arms the cron jobs. Jobs run with a background context; the
// scheduler stops them on Stop.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	c := cron.New()
	if s.cfg.ScanSpec != "" {
		if _, err := c.AddFunc(s.cfg.ScanSpec, func() {
			if err := s.ScanSources(context.Background()); err != nil {
				s.logger.Error("scan sources job failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduling scan job %q: %w", s.cfg.ScanSpec, err)
		}
	}
	if s.cfg.ProcessSpec != "" {
		if _, err := c.AddFunc(s.cfg.ProcessSpec, func() {
			if err := s.ProcessPending(context.Background()); err != nil {
				s.logger.Error("process pending job failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduling process job %q: %w", s.cfg.ProcessSpec, err)
		}
	}
	c.Start()
	s.cron = c
	s.logger.Info("ingestion scheduler started", "scan_spec", s.cfg.ScanSpec, "process_spec", s.cfg.ProcessSpec)
	return nil
}

// Stop halts the cron jobs and waits for a running job to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	s.cron = nil
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withLock runs fn while holding the given job lock. A denied lock is
// a silent skip, not an error.
func (s *Scheduler) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	ok, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquiring %s lock: %w", key, err)
	}
	if !ok {
		s.logger.Debug("job lock held elsewhere, skipping", "lock_key", key)
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.locks.Release(releaseCtx, key); err != nil {
			s.logger.Error("releasing job lock", "lock_key", key, "error", err)
		}
	}()
	return fn(ctx)
}
