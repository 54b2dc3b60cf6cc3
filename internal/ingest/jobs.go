package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/siftd/sift/internal/indexlog"
)

// systemUser attributes scheduler-discovered rows.
const systemUser = "system"

// ScanSources walks the input root and queues every file whose
// checksum is not yet tracked. Unsupported extensions are skipped.
func (s *Scheduler) ScanSources(ctx context.Context) error {
	if s.cfg.InputPath == "" {
		return nil
	}
	return s.withLock(ctx, lockScanSources, func(ctx context.Context) error {
		return filepath.WalkDir(s.cfg.InputPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			st, ok := SourceTypeFor(path)
			if !ok {
				s.logger.Debug("skipping unsupported file", "path", path)
				return nil
			}
			checksum, err := Checksum(path, st)
			if err != nil {
				s.logger.Warn("hashing source failed", "path", path, "error", err)
				return nil
			}
			known, err := s.logs.FindByChecksum(ctx, checksum)
			if err != nil {
				return fmt.Errorf("checking checksum for %s: %w", path, err)
			}
			if known != nil {
				return nil
			}
			if _, err := s.AddSource(ctx, path, st, systemUser); err != nil {
				s.logger.Warn("queueing source failed", "path", path, "error", err)
			}
			return nil
		})
	})
}

// ProcessPending claims pending and retryable logs and embeds them one
// at a time in claim order. A failed log is marked FAILED and skipped;
// it never aborts the batch.
func (s *Scheduler) ProcessPending(ctx context.Context) error {
	return s.withLock(ctx, lockProcessPending, func(ctx context.Context) error {
		claimed, err := s.logs.ClaimPending(ctx, s.cfg.MaxRetry)
		if err != nil {
			return fmt.Errorf("claiming pending logs: %w", err)
		}
		if len(claimed) == 0 {
			return nil
		}
		s.logger.Info("processing claimed logs", "count", len(claimed))

		for _, l := range claimed {
			if err := s.processOne(ctx, l); err != nil {
				s.logger.Error("processing log failed", "log_id", l.ID, "source", l.Source, "error", err)
				msg := err.Error()
				l.Status = indexlog.StatusFailed
				l.RetryCount++
				l.ErrorMessage = &msg
			} else {
				l.Status = indexlog.StatusCompleted
				l.ErrorMessage = nil
			}
			l.ModifiedBy = systemUser
			if err := s.logs.Save(ctx, l); err != nil {
				s.logger.Error("saving log status", "log_id", l.ID, "error", err)
			}
		}
		return nil
	})
}

func (s *Scheduler) processOne(ctx context.Context, l *indexlog.Log) error {
	chunks, err := s.loader.Load(ctx, l.Source, l.SourceType, l.Checksum)
	if err != nil {
		return fmt.Errorf("loading: %w", err)
	}
	if err := s.vectors.Add(ctx, chunks); err != nil {
		return fmt.Errorf("indexing: %w", err)
	}
	if err := s.archive(l); err != nil {
		return fmt.Errorf("archiving: %w", err)
	}
	s.logger.Info("source indexed", "log_id", l.ID, "source", l.Source, "chunks", len(chunks))
	return nil
}

// archive moves a processed file out of the input root so rescans do
// not pick it up again. Remote sources and unset archive paths are
// no-ops.
func (s *Scheduler) archive(l *indexlog.Log) error {
	if s.cfg.ArchivePath == "" || l.SourceType == indexlog.SourceTypeWebPage {
		return nil
	}
	if _, err := os.Stat(l.Source); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(s.cfg.ArchivePath, 0o755); err != nil {
		return err
	}
	return os.Rename(l.Source, filepath.Join(s.cfg.ArchivePath, filepath.Base(l.Source)))
}
