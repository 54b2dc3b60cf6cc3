package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Port != 5432 {
		t.Errorf("database.port = %d, want 5432", cfg.Database.Port)
	}
	if cfg.Retrieval.MaxDocuments != 5 {
		t.Errorf("retrieval.max_documents = %d, want 5", cfg.Retrieval.MaxDocuments)
	}
	if cfg.Workflow.MaxRewrites != 1 {
		t.Errorf("workflow.max_rewrites = %d, want 1", cfg.Workflow.MaxRewrites)
	}
	if cfg.QA.Threshold != 0.7 {
		t.Errorf("qa.threshold = %v, want 0.7", cfg.QA.Threshold)
	}
	if cfg.Workflow.Timeout != time.Minute {
		t.Errorf("workflow.timeout = %v, want 1m", cfg.Workflow.Timeout)
	}
}

func TestLoad_FileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sift.yaml")
	content := `
database:
  host: db.internal
  name: sift_prod
retrieval:
  max_documents: 3
workflow:
  max_rewrites: 2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("database.host = %q", cfg.Database.Host)
	}
	if cfg.Retrieval.MaxDocuments != 3 {
		t.Errorf("retrieval.max_documents = %d, want 3", cfg.Retrieval.MaxDocuments)
	}
	if cfg.Workflow.MaxRewrites != 2 {
		t.Errorf("workflow.max_rewrites = %d, want 2", cfg.Workflow.MaxRewrites)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid defaults", func(c *Config) {}, nil},
		{"missing host", func(c *Config) { c.Database.Host = "" }, ErrInvalidDatabase},
		{"bad port", func(c *Config) { c.Database.Port = 0 }, ErrInvalidDatabase},
		{"negative retry", func(c *Config) { c.Ingestion.MaxRetry = -1 }, ErrInvalidIngestion},
		{"zero lock age", func(c *Config) { c.Ingestion.LockMaxAge = 0 }, ErrInvalidIngestion},
		{"zero chunk size", func(c *Config) { c.Ingestion.ChunkSize = 0 }, ErrInvalidIngestion},
		{"zero batch", func(c *Config) { c.Retrieval.BatchSize = 0 }, ErrInvalidRetrieval},
		{"threshold above one", func(c *Config) { c.Workflow.GradingThreshold = 1.5 }, ErrInvalidWorkflow},
		{"negative rewrites", func(c *Config) { c.Workflow.MaxRewrites = -1 }, ErrInvalidWorkflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDatabase_ConnString_QuotesPassword(t *testing.T) {
	d := Database{Host: "h", Port: 5432, User: "u", Password: "p a'ss", Name: "n", SSLMode: "disable"}
	dsn := d.ConnString()
	if !strings.Contains(dsn, `password='p a\'ss'`) {
		t.Errorf("password not quoted: %s", dsn)
	}
}

func TestDatabase_URL_EncodesCredentials(t *testing.T) {
	d := Database{Host: "h", Port: 5432, User: "u", Password: "p@ss", Name: "n", SSLMode: "require"}
	url := d.URL()
	if !strings.HasPrefix(url, "postgres://u:p%40ss@h:5432/n") {
		t.Errorf("unexpected url: %s", url)
	}
	if !strings.Contains(url, "sslmode=require") {
		t.Errorf("missing sslmode: %s", url)
	}
}
