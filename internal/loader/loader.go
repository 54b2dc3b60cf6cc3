// Package loader turns raw sources into chunks ready for embedding.
//
// A Loader extracts plain text from one source type; the Registry
// dispatches on source type and splits extracted text into size-bounded
// chunks tagged with the source's identity.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/siftd/sift/internal/chunk"
	"github.com/siftd/sift/internal/indexlog"
)

// ErrUnsupported indicates no loader is registered for a source type.
var ErrUnsupported = errors.New("unsupported source type")

// Document is the extracted text of a source before splitting.
type Document struct {
	Text     string
	Metadata map[string]string
}

// Loader extracts text from a single source type.
type Loader interface {
	Load(ctx context.Context, source string) (*Document, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, source string) (*Document, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, source string) (*Document, error) {
	return f(ctx, source)
}

// Registry dispatches loading by source type and splits the result
// into chunks. The zero value is unusable; use NewRegistry.
type Registry struct {
	loaders   map[indexlog.SourceType]Loader
	chunkSize int
	logger    *slog.Logger
}

// NewRegistry creates a Registry with the built-in loaders for text,
// csv, json, pdf and web_page sources. chunkSize bounds the character
// length of produced chunks.
func NewRegistry(chunkSize int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		loaders:   make(map[indexlog.SourceType]Loader),
		chunkSize: chunkSize,
		logger:    logger,
	}
	r.Register(indexlog.SourceTypeText, LoaderFunc(loadTextFile))
	r.Register(indexlog.SourceTypeCSV, LoaderFunc(loadCSVFile))
	r.Register(indexlog.SourceTypeJSON, LoaderFunc(loadJSONFile))
	r.Register(indexlog.SourceTypePDF, LoaderFunc(loadPDFFile))
	r.Register(indexlog.SourceTypeWebPage, &webLoader{})
	return r
}

// Register installs (or replaces) the loader for a source type.
func (r *Registry) Register(st indexlog.SourceType, l Loader) {
	r.loaders[st] = l
}

// Load extracts the source's text and splits it into chunks tagged
// with (source, sourceType, checksum). Source types without a
// registered loader, such as docx and image, return ErrUnsupported.
func (r *Registry) Load(ctx context.Context, source string, sourceType indexlog.SourceType, checksum string) ([]*chunk.Chunk, error) {
	l, ok := r.loaders[sourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, sourceType)
	}

	doc, err := l.Load(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("loading %s source %q: %w", sourceType, source, err)
	}

	pieces := Split(doc.Text, r.chunkSize)
	chunks := make([]*chunk.Chunk, 0, len(pieces))
	for _, text := range pieces {
		c := chunk.New(text, doc.Metadata)
		c.Tag(source, string(sourceType), checksum)
		chunks = append(chunks, c)
	}

	r.logger.Debug("loaded source", "source", source, "source_type", sourceType, "chunks", len(chunks))
	return chunks, nil
}

// Split breaks text into pieces of at most maxSize characters,
// preferring paragraph boundaries, then line boundaries, then hard
// cuts. Empty pieces are dropped.
func Split(text string, maxSize int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxSize <= 0 || len(text) <= maxSize {
		return []string{text}
	}

	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= maxSize {
			out = append(out, para)
			continue
		}
		out = append(out, splitLines(para, maxSize)...)
	}
	return out
}

func splitLines(text string, maxSize int) []string {
	var (
		out []string
		sb  strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" {
			out = append(out, s)
		}
		sb.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxSize {
			cut := maxSize
			if idx := strings.LastIndex(line[:maxSize], " "); idx > maxSize/2 {
				cut = idx
			}
			flush()
			out = append(out, strings.TrimSpace(line[:cut]))
			line = strings.TrimSpace(line[cut:])
		}
		if sb.Len()+len(line)+1 > maxSize {
			flush()
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
	}
	flush()
	return out
}
