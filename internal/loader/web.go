package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/siftd/sift/internal/chunk"
)

// maxPageSize caps the bytes read from a fetched page.
const maxPageSize = 10 << 20

// webLoader fetches a URL and extracts the readable article text.
// When readability finds no article it falls back to stripping the
// page's markup wholesale.
type webLoader struct {
	client *http.Client
}

func (w *webLoader) Load(ctx context.Context, source string) (*Document, error) {
	pageURL, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", source, err)
	}
	if pageURL.Scheme != "http" && pageURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", pageURL.Scheme)
	}

	client := w.client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "sift/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", source, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %q: unexpected status %d", source, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	meta := map[string]string{chunk.MetaURL: source}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		if article.Title != "" {
			meta[chunk.MetaTitle] = article.Title
		}
		return &Document{Text: article.TextContent, Metadata: meta}, nil
	}

	// Readability found no article body. Strip markup instead.
	text, title, err := stripHTML(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extracting text from %q: %w", source, err)
	}
	if title != "" {
		meta[chunk.MetaTitle] = title
	}
	return &Document{Text: text, Metadata: meta}, nil
}

func stripHTML(r io.Reader) (text, title string, err error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", err
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, footer, header").Remove()

	var sb strings.Builder
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		sb.WriteString(s.Text())
	})
	lines := strings.Split(sb.String(), "\n")
	var out []string
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), title, nil
}
