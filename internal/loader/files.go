package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxSourceSize caps the bytes read from a single source file.
const maxSourceSize = 200 << 20

func readSource(source string) ([]byte, error) {
	stat, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if stat.Size() > maxSourceSize {
		return nil, fmt.Errorf("source %q exceeds %d bytes", source, maxSourceSize)
	}
	content, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return content, nil
}

func loadTextFile(_ context.Context, source string) (*Document, error) {
	content, err := readSource(source)
	if err != nil {
		return nil, err
	}
	return &Document{Text: string(content)}, nil
}

// loadCSVFile renders each record as "header: value" lines so row
// context survives chunk splitting.
func loadCSVFile(_ context.Context, source string) (*Document, error) {
	content, err := readSource(source)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}
	if len(records) == 0 {
		return &Document{Text: ""}, nil
	}

	header := records[0]
	var sb strings.Builder
	for _, record := range records[1:] {
		for i, field := range record {
			if strings.TrimSpace(field) == "" {
				continue
			}
			name := fmt.Sprintf("column_%d", i+1)
			if i < len(header) {
				name = header[i]
			}
			fmt.Fprintf(&sb, "%s: %s\n", name, field)
		}
		sb.WriteString("\n")
	}
	return &Document{Text: sb.String()}, nil
}

// loadJSONFile flattens the document into "path: value" lines.
func loadJSONFile(_ context.Context, source string) (*Document, error) {
	content, err := readSource(source)
	if err != nil {
		return nil, err
	}

	var data any
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("parsing json: %w", err)
	}

	var sb strings.Builder
	flattenJSON(&sb, "", data)
	return &Document{Text: sb.String()}, nil
}

func flattenJSON(sb *strings.Builder, path string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			flattenJSON(sb, joinPath(path, k), inner)
		}
	case []any:
		for i, inner := range val {
			flattenJSON(sb, fmt.Sprintf("%s[%d]", path, i), inner)
		}
	case nil:
	default:
		fmt.Fprintf(sb, "%s: %v\n", path, val)
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func loadPDFFile(_ context.Context, source string) (*Document, error) {
	content, err := readSource(source)
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	var sb strings.Builder
	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		fonts := make(map[string]*pdf.Font)
		text, err := page.GetPlainText(fonts)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	if strings.TrimSpace(sb.String()) == "" {
		return nil, fmt.Errorf("no text extracted from pdf %q", source)
	}
	return &Document{Text: sb.String()}, nil
}
