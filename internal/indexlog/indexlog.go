// Package indexlog persists the durable record of every ingested
// source: its checksum, processing status and retry bookkeeping. It is
// the source of truth for incremental re-indexing.
package indexlog

import (
	"errors"
	"time"
)

// Status is the processing state of an index log.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// SourceType categorizes the document behind a source locator.
type SourceType string

const (
	SourceTypePDF     SourceType = "pdf"
	SourceTypeDocx    SourceType = "docx"
	SourceTypeCSV     SourceType = "csv"
	SourceTypeJSON    SourceType = "json"
	SourceTypeText    SourceType = "text"
	SourceTypeWebPage SourceType = "web_page"
	SourceTypeImage   SourceType = "image"
)

// ValidSourceType reports whether t is a known source type.
func ValidSourceType(t SourceType) bool {
	switch t {
	case SourceTypePDF, SourceTypeDocx, SourceTypeCSV, SourceTypeJSON,
		SourceTypeText, SourceTypeWebPage, SourceTypeImage:
		return true
	}
	return false
}

// Sentinel errors checked with errors.Is().
var (
	// ErrNotFound indicates the requested log does not exist.
	ErrNotFound = errors.New("index log not found")

	// ErrConflict indicates the checksum is already indexed; callers
	// must re-check and treat the submission as a duplicate no-op.
	ErrConflict = errors.New("checksum already indexed")
)

// Log is one row per distinct (source, sourceType) and per distinct
// checksum. A content change on a COMPLETED source updates the row in
// place rather than creating a duplicate.
type Log struct {
	ID           string
	Source       string
	SourceType   SourceType
	Checksum     string
	Status       Status
	RetryCount   int
	ErrorMessage *string
	CreatedAt    time.Time
	CreatedBy    string
	ModifiedAt   time.Time
	ModifiedBy   string
}

// Filter narrows ListLogs results. Zero values are ignored.
type Filter struct {
	Source     string
	SourceType SourceType
	Status     Status
	CreatedBy  string
	From       time.Time
	To         time.Time
}
