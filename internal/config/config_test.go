package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pferrors "github.com/pageflow/pageflow/pkg/errors"
)

func validConfig() *Configuration {
	cfg := NewDefault()
	cfg.Document.BasePath = "https://assets.example.com/doc"
	cfg.Document.PageCount = 100
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration should validate, got %v", err)
	}
	if cfg.Pipeline.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.Pipeline.MaxConcurrent)
	}
	if cfg.Pipeline.FetchTimeout != 10*time.Second {
		t.Errorf("FetchTimeout = %v, want 10s", cfg.Pipeline.FetchTimeout)
	}
	if cfg.Quality.Cooldown != 10*time.Second {
		t.Errorf("Cooldown = %v, want 10s", cfg.Quality.Cooldown)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantMsg string
	}{
		{"zero page count", func(c *Configuration) { c.Document.PageCount = 0 }, "page_count"},
		{"missing base path", func(c *Configuration) { c.Document.BasePath = "" }, "base_path"},
		{"unknown backend", func(c *Configuration) { c.Source.Backend = "carrier-pigeon" }, "backend"},
		{"s3 without bucket", func(c *Configuration) { c.Source.Backend = "s3"; c.Source.Bucket = "" }, "bucket"},
		{"zero cache capacity", func(c *Configuration) { c.Cache.Capacity = 0 }, "capacity"},
		{"zero concurrency", func(c *Configuration) { c.Pipeline.MaxConcurrent = 0 }, "max_concurrent"},
		{"zero fetch timeout", func(c *Configuration) { c.Pipeline.FetchTimeout = 0 }, "fetch_timeout"},
		{"zero min window", func(c *Configuration) { c.Prefetch.MinWindow = 0 }, "min_window"},
		{"inverted window bounds", func(c *Configuration) { c.Prefetch.MaxWindow = 0 }, "max_window"},
		{"window outside bounds", func(c *Configuration) { c.Prefetch.Window = 99 }, "window"},
		{"unknown tier", func(c *Configuration) { c.Quality.InitialTier = "potato" }, "tier"},
		{"zero eval interval", func(c *Configuration) { c.Quality.EvalInterval = 0 }, "intervals"},
		{"bad cache size", func(c *Configuration) { c.Cache.MaxBytes = "lots" }, "invalid size"},
		{"bad bandwidth", func(c *Configuration) { c.Prefetch.Bandwidth = "fast" }, "invalid size"},
		{"bad log level", func(c *Configuration) { c.Logging.Level = "verbose" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if pferrors.CodeOf(err) != pferrors.ErrCodeConfigValidation {
				t.Errorf("code = %q, want %q", pferrors.CodeOf(err), pferrors.ErrCodeConfigValidation)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	yamlData := `
document:
  base_path: https://cdn.example.com/books/42
  page_count: 250
  extension: avif
cache:
  capacity: 12
  max_bytes: 128MB
prefetch:
  window: 5
quality:
  initial_tier: high
  cooldown: 30s
`
	path := filepath.Join(t.TempDir(), "pageflow.yaml")
	if err := os.WriteFile(path, []byte(yamlData), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Document.PageCount != 250 {
		t.Errorf("PageCount = %d, want 250", cfg.Document.PageCount)
	}
	if cfg.Document.Extension != "avif" {
		t.Errorf("Extension = %q, want avif", cfg.Document.Extension)
	}
	if cfg.Cache.Capacity != 12 {
		t.Errorf("Capacity = %d, want 12", cfg.Cache.Capacity)
	}
	if cfg.Prefetch.Window != 5 {
		t.Errorf("Window = %d, want 5", cfg.Prefetch.Window)
	}
	if cfg.Quality.InitialTier != "high" {
		t.Errorf("InitialTier = %q, want high", cfg.Quality.InitialTier)
	}
	if cfg.Quality.Cooldown != 30*time.Second {
		t.Errorf("Cooldown = %v, want 30s", cfg.Quality.Cooldown)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("merged configuration should validate, got %v", err)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	cfg := validConfig()
	if err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("{not yaml: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	err := cfg.LoadFromFile(path)
	if err == nil {
		t.Fatal("expected error for malformed yaml")
	}
	if pferrors.CodeOf(err) != pferrors.ErrCodeInvalidConfig {
		t.Errorf("code = %q, want %q", pferrors.CodeOf(err), pferrors.ErrCodeInvalidConfig)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PAGEFLOW_PAGE_COUNT", "77")
	t.Setenv("PAGEFLOW_SOURCE_BACKEND", "s3")
	t.Setenv("PAGEFLOW_SOURCE_BUCKET", "pageflow-assets")
	t.Setenv("PAGEFLOW_CACHE_CAPACITY", "9")
	t.Setenv("PAGEFLOW_LOG_LEVEL", "debug")

	cfg := validConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Document.PageCount != 77 {
		t.Errorf("PageCount = %d, want 77", cfg.Document.PageCount)
	}
	if cfg.Source.Backend != "s3" || cfg.Source.Bucket != "pageflow-assets" {
		t.Errorf("source = %q/%q, want s3/pageflow-assets", cfg.Source.Backend, cfg.Source.Bucket)
	}
	if cfg.Cache.Capacity != 9 {
		t.Errorf("Capacity = %d, want 9", cfg.Cache.Capacity)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("env-merged configuration should validate, got %v", err)
	}
}

func TestSizeParsing(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.MaxBytes = "64MB"
	n, err := cfg.CacheMaxBytes()
	if err != nil {
		t.Fatalf("CacheMaxBytes: %v", err)
	}
	if n != 64_000_000 {
		t.Errorf("CacheMaxBytes = %d, want 64000000", n)
	}

	cfg.Prefetch.Bandwidth = ""
	bw, err := cfg.PrefetchBandwidth()
	if err != nil {
		t.Fatalf("PrefetchBandwidth: %v", err)
	}
	if bw != 0 {
		t.Errorf("empty bandwidth = %d, want 0", bw)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Prefetch.Window = 4
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Document.BasePath != cfg.Document.BasePath {
		t.Errorf("BasePath = %q, want %q", loaded.Document.BasePath, cfg.Document.BasePath)
	}
	if loaded.Prefetch.Window != 4 {
		t.Errorf("Window = %d, want 4", loaded.Prefetch.Window)
	}
}
