// Package chunk defines the unit of retrieval: a piece of document
// text stored with an embedding and metadata. Chunk IDs are content
// addressed so re-embedding identical text is idempotent.
package chunk

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Metadata keys shared between ingestion and retrieval.
const (
	// MetaSource is the locator of the parent document.
	MetaSource = "source"
	// MetaSourceType is the parent document's source type.
	MetaSourceType = "source_type"
	// MetaChecksum ties a chunk to one index-log generation; chunks
	// carrying a stale checksum are deleted when the source changes.
	MetaChecksum = "checksum"
	// MetaVectorScore is stamped at query time with the similarity of
	// the chunk to the search vector.
	MetaVectorScore = "vector_score"
	// MetaURL is set on web-search results.
	MetaURL = "url"
	// MetaTitle is set on web-search results.
	MetaTitle = "title"
)

// Chunk is the atom of retrieval.
type Chunk struct {
	ID        string            // content hash, see NewID
	Text      string            // chunk text
	Metadata  map[string]string // source, source_type, checksum, ...
	Score     float64           // vector or reranker score at query time
	CreatedAt time.Time
}

// NewID derives a chunk ID from its text using xxhash. The hash is
// fast and stable, so re-submitting identical content produces the
// same row and upserts are no-ops.
func NewID(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}

// New builds a chunk with a content-addressed ID and a copy of meta.
func New(text string, meta map[string]string) *Chunk {
	m := make(map[string]string, len(meta))
	for k, v := range meta {
		m[k] = v
	}
	return &Chunk{
		ID:       NewID(text),
		Text:     text,
		Metadata: m,
	}
}

// Tag sets the ownership metadata tying the chunk to an index-log
// generation.
func (c *Chunk) Tag(source, sourceType, checksum string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, 3)
	}
	c.Metadata[MetaSource] = source
	c.Metadata[MetaSourceType] = sourceType
	c.Metadata[MetaChecksum] = checksum
}

// Source returns the source locator, if tagged.
func (c Chunk) Source() string {
	return c.Metadata[MetaSource]
}
