package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/siftd/sift/internal/indexlog"
	"github.com/siftd/sift/internal/loader"
)

// sourceTypeByExt maps file extensions to source types. Extensions
// outside this map are not ingestible from the input root.
var sourceTypeByExt = map[string]indexlog.SourceType{
	".pdf":  indexlog.SourceTypePDF,
	".csv":  indexlog.SourceTypeCSV,
	".json": indexlog.SourceTypeJSON,
	".txt":  indexlog.SourceTypeText,
	".md":   indexlog.SourceTypeText,
	".text": indexlog.SourceTypeText,
}

// SourceTypeFor derives the source type from a file name.
func SourceTypeFor(name string) (indexlog.SourceType, bool) {
	st, ok := sourceTypeByExt[strings.ToLower(filepath.Ext(name))]
	return st, ok
}

// Checksum fingerprints a source. Files hash their content; remote
// sources hash the locator since their bytes are fetched at load time.
func Checksum(source string, sourceType indexlog.SourceType) (string, error) {
	if sourceType == indexlog.SourceTypeWebPage {
		sum := sha256.Sum256([]byte(source))
		return hex.EncodeToString(sum[:]), nil
	}
	f, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", source, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", source, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AddSource is the incremental-indexing decision. In order: a known
// checksum is an idempotent no-op returning the existing row; a known
// (source, sourceType) with a different checksum is a content change
// that drops the old chunks and resets the row to PENDING; anything
// else creates a new PENDING row.
func (s *Scheduler) AddSource(ctx context.Context, source string, sourceType indexlog.SourceType, userID string) (*indexlog.Log, error) {
	if !indexlog.ValidSourceType(sourceType) {
		return nil, fmt.Errorf("%w: %s", loader.ErrUnsupported, sourceType)
	}
	checksum, err := Checksum(source, sourceType)
	if err != nil {
		return nil, err
	}

	existing, err := s.logs.FindByChecksum(ctx, checksum)
	if err != nil {
		return nil, fmt.Errorf("checking checksum: %w", err)
	}
	if existing != nil {
		s.logger.Info("source already indexed", "source", source, "log_id", existing.ID)
		return existing, nil
	}

	prior, err := s.logs.FindBySource(ctx, source, sourceType)
	if err != nil {
		return nil, fmt.Errorf("checking source: %w", err)
	}
	if prior != nil {
		// Content changed under the same locator. The old chunks are
		// stale regardless of whether re-embedding succeeds later.
		if _, err := s.vectors.DeleteByChecksum(ctx, prior.Checksum); err != nil {
			return nil, fmt.Errorf("dropping stale chunks for %s: %w", source, err)
		}
		prior.Checksum = checksum
		prior.Status = indexlog.StatusPending
		prior.RetryCount = 0
		prior.ErrorMessage = nil
		prior.ModifiedBy = userID
		if err := s.logs.Save(ctx, prior); err != nil {
			return nil, fmt.Errorf("updating changed source %s: %w", source, err)
		}
		s.logger.Info("source content changed, re-queued", "source", source, "log_id", prior.ID)
		return prior, nil
	}

	created, err := s.logs.Create(ctx, source, sourceType, checksum, indexlog.StatusPending, userID)
	if err != nil {
		return nil, fmt.Errorf("creating index log for %s: %w", source, err)
	}
	s.logger.Info("source queued for indexing", "source", source, "log_id", created.ID)
	return created, nil
}

// DeleteSource removes a tracked source and its chunks. Chunks go
// first so a partial failure leaves the log row as evidence of the
// orphaned vectors.
func (s *Scheduler) DeleteSource(ctx context.Context, id string) error {
	l, err := s.logs.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.vectors.DeleteByChecksum(ctx, l.Checksum); err != nil {
		return fmt.Errorf("deleting chunks for log %s: %w", id, err)
	}
	if err := s.logs.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("deleting index log %s: %w", id, err)
	}
	s.logger.Info("source deleted", "log_id", id, "source", l.Source)
	return nil
}
