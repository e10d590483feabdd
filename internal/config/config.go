package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	pferrors "github.com/pageflow/pageflow/pkg/errors"
	"github.com/pageflow/pageflow/pkg/types"
)

// Configuration represents the complete viewer pipeline configuration.
type Configuration struct {
	Document   DocumentConfig   `yaml:"document"`
	Source     SourceConfig     `yaml:"source"`
	Cache      CacheConfig      `yaml:"cache"`
	Persistent PersistentConfig `yaml:"persistent"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Prefetch   PrefetchConfig   `yaml:"prefetch"`
	Quality    QualityConfig    `yaml:"quality"`
	Network    NetworkConfig    `yaml:"network"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DocumentConfig describes the document whose pages are served.
type DocumentConfig struct {
	// BasePath is the directory or URL prefix holding page assets.
	BasePath string `yaml:"base_path" env:"PAGEFLOW_BASE_PATH"`
	// Extension is the page asset file extension without the dot.
	Extension string `yaml:"extension" env:"PAGEFLOW_EXTENSION"`
	// PageCount is the total number of pages, 1-based externally.
	PageCount int `yaml:"page_count" env:"PAGEFLOW_PAGE_COUNT"`
	// IndexWidth is the zero-pad width of the 0-based file index.
	IndexWidth int `yaml:"index_width"`
}

// SourceConfig selects and configures the asset source backend.
type SourceConfig struct {
	// Backend is "http" or "s3".
	Backend string `yaml:"backend" env:"PAGEFLOW_SOURCE_BACKEND"`
	// Bucket and Region apply to the s3 backend.
	Bucket string `yaml:"bucket" env:"PAGEFLOW_SOURCE_BUCKET"`
	Region string `yaml:"region" env:"PAGEFLOW_SOURCE_REGION"`
	// Endpoint overrides the s3 endpoint for S3-compatible stores.
	Endpoint string `yaml:"endpoint" env:"PAGEFLOW_SOURCE_ENDPOINT"`
}

// CacheConfig configures the in-memory page cache.
type CacheConfig struct {
	// Capacity is the entry bound; the quality controller may resize it at
	// runtime within the fixed tier table.
	Capacity int `yaml:"capacity" env:"PAGEFLOW_CACHE_CAPACITY"`
	// MaxBytes is an optional byte bound ("64MB"); 0 disables it.
	MaxBytes string `yaml:"max_bytes"`
}

// PersistentConfig configures the durable warm cache tier.
type PersistentConfig struct {
	Enabled bool `yaml:"enabled" env:"PAGEFLOW_PERSISTENT_ENABLED"`
	// Path is the SQLite database file; empty means in-memory.
	Path       string        `yaml:"path" env:"PAGEFLOW_PERSISTENT_PATH"`
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// PipelineConfig configures the request pipeline.
type PipelineConfig struct {
	// MaxConcurrent caps in-flight network fetches.
	MaxConcurrent int `yaml:"max_concurrent" env:"PAGEFLOW_MAX_CONCURRENT"`
	// FetchTimeout bounds each fetch attempt.
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"PAGEFLOW_FETCH_TIMEOUT"`
	// RetryAttempts is the total attempt count for explicit navigation loads.
	RetryAttempts int `yaml:"retry_attempts"`
	// DecodeWorkers sizes the decode worker pool; 0 means one per core.
	DecodeWorkers int `yaml:"decode_workers"`
}

// PrefetchConfig configures the prefetch scheduler.
type PrefetchConfig struct {
	Enabled bool `yaml:"enabled" env:"PAGEFLOW_PREFETCH_ENABLED"`
	// Window is the initial forward window size.
	Window    int `yaml:"window"`
	MinWindow int `yaml:"min_window"`
	MaxWindow int `yaml:"max_window"`
	// RebalanceInterval is the adaptive window tick period.
	RebalanceInterval time.Duration `yaml:"rebalance_interval"`
	// HitRateLow widens the window below it; HitRateHigh narrows above it.
	HitRateLow  float64 `yaml:"hit_rate_low"`
	HitRateHigh float64 `yaml:"hit_rate_high"`
	// Bandwidth limits prefetch fetch throughput ("2MB"); 0 disables.
	Bandwidth string `yaml:"bandwidth"`
	// SectionCount is how many section-start pages browsing mode prefetches.
	SectionCount int `yaml:"section_count"`
}

// QualityConfig configures the quality controller.
type QualityConfig struct {
	// InitialTier is the tier before the first evaluation.
	InitialTier string `yaml:"initial_tier" env:"PAGEFLOW_INITIAL_TIER"`
	// EvalInterval is the automatic re-evaluation period.
	EvalInterval time.Duration `yaml:"eval_interval"`
	// Cooldown is the minimum gap between automatic transitions.
	Cooldown time.Duration `yaml:"cooldown"`
}

// NetworkConfig configures the network monitor.
type NetworkConfig struct {
	// ProbeURL is fetched (HEAD) for active speed measurement; empty
	// disables active probing.
	ProbeURL      string        `yaml:"probe_url" env:"PAGEFLOW_PROBE_URL"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	// ProbesPerMinute rate-limits active probes.
	ProbesPerMinute int `yaml:"probes_per_minute"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" env:"PAGEFLOW_LOG_LEVEL"`
}

// MetricsConfig configures the prometheus collector.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"PAGEFLOW_METRICS_ENABLED"`
	Port    int    `yaml:"port" env:"PAGEFLOW_METRICS_PORT"`
	Path    string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Document: DocumentConfig{
			Extension:  "webp",
			IndexWidth: 4,
		},
		Source: SourceConfig{
			Backend: "http",
			Region:  "us-east-1",
		},
		Cache: CacheConfig{
			Capacity: types.TierConfigs[types.TierMedium].CacheCapacity,
			MaxBytes: "64MB",
		},
		Persistent: PersistentConfig{
			Enabled:    true,
			MaxEntries: 15,
			MaxAge:     7 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			MaxConcurrent: 3,
			FetchTimeout:  10 * time.Second,
			RetryAttempts: 2,
		},
		Prefetch: PrefetchConfig{
			Enabled:           true,
			Window:            3,
			MinWindow:         1,
			MaxWindow:         6,
			RebalanceInterval: 10 * time.Second,
			HitRateLow:        0.70,
			HitRateHigh:       0.90,
			Bandwidth:         "2MB",
			SectionCount:      8,
		},
		Quality: QualityConfig{
			InitialTier:  string(types.TierMedium),
			EvalInterval: 5 * time.Second,
			Cooldown:     10 * time.Second,
		},
		Network: NetworkConfig{
			ProbeInterval:   30 * time.Second,
			ProbeTimeout:    3 * time.Second,
			ProbesPerMinute: 4,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9091,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile merges YAML configuration from a file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return pferrors.Newf(pferrors.ErrCodeInvalidConfig, "failed to read config file %s", filename).WithCause(err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return pferrors.Newf(pferrors.ErrCodeInvalidConfig, "failed to parse config file %s", filename).WithCause(err)
	}
	return nil
}

// LoadFromEnv merges environment overrides on top of the current values.
func (c *Configuration) LoadFromEnv() error {
	if err := env.Parse(c); err != nil {
		return pferrors.New(pferrors.ErrCodeInvalidConfig, "failed to parse environment overrides").WithCause(err)
	}
	return nil
}

// CacheMaxBytes returns the parsed byte bound of the memory cache, 0 when
// unset.
func (c *Configuration) CacheMaxBytes() (int64, error) {
	return parseSize(c.Cache.MaxBytes)
}

// PrefetchBandwidth returns the parsed prefetch bandwidth limit in bytes per
// second, 0 when unlimited.
func (c *Configuration) PrefetchBandwidth() (int64, error) {
	return parseSize(c.Prefetch.Bandwidth)
}

func parseSize(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, pferrors.Newf(pferrors.ErrCodeConfigValidation, "invalid size %q", s).WithCause(err)
	}
	return int64(n), nil
}

// Validate checks the configuration for inconsistencies.
func (c *Configuration) Validate() error {
	if c.Document.PageCount < 1 {
		return pferrors.New(pferrors.ErrCodeConfigValidation, "document page_count must be at least 1")
	}
	if c.Document.BasePath == "" && c.Source.Backend == "http" {
		return pferrors.New(pferrors.ErrCodeConfigValidation, "document base_path is required for the http backend")
	}
	switch c.Source.Backend {
	case "http":
	case "s3":
		if c.Source.Bucket == "" {
			return pferrors.New(pferrors.ErrCodeConfigValidation, "source bucket is required for the s3 backend")
		}
	default:
		return pferrors.Newf(pferrors.ErrCodeConfigValidation, "unknown source backend %q", c.Source.Backend)
	}
	if c.Cache.Capacity <= 0 {
		return pferrors.New(pferrors.ErrCodeConfigValidation, "cache capacity must be greater than 0")
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return pferrors.New(pferrors.ErrCodeConfigValidation, "pipeline max_concurrent must be greater than 0")
	}
	if c.Pipeline.FetchTimeout <= 0 {
		return pferrors.New(pferrors.ErrCodeConfigValidation, "pipeline fetch_timeout must be greater than 0")
	}
	if c.Prefetch.MinWindow < 1 {
		return pferrors.New(pferrors.ErrCodeConfigValidation, "prefetch min_window must be at least 1")
	}
	if c.Prefetch.MaxWindow < c.Prefetch.MinWindow {
		return pferrors.New(pferrors.ErrCodeConfigValidation, "prefetch max_window must not be below min_window")
	}
	if c.Prefetch.Window < c.Prefetch.MinWindow || c.Prefetch.Window > c.Prefetch.MaxWindow {
		return pferrors.New(pferrors.ErrCodeConfigValidation, "prefetch window must lie within [min_window, max_window]")
	}
	if _, ok := types.TierConfigs[types.QualityTier(c.Quality.InitialTier)]; !ok {
		return pferrors.Newf(pferrors.ErrCodeConfigValidation, "unknown initial tier %q", c.Quality.InitialTier)
	}
	if c.Quality.Cooldown < 0 || c.Quality.EvalInterval <= 0 {
		return pferrors.New(pferrors.ErrCodeConfigValidation, "quality intervals must be positive")
	}
	if _, err := c.CacheMaxBytes(); err != nil {
		return err
	}
	if _, err := c.PrefetchBandwidth(); err != nil {
		return err
	}

	level := strings.ToLower(c.Logging.Level)
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return pferrors.Newf(pferrors.ErrCodeConfigValidation,
			"invalid log level %q (must be one of: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// SaveToFile writes the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
