// Package config loads lineage settings from a YAML file, LINEAGE_*
// environment variables and built-in defaults, and turns them into the
// configured pipeline components.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Sumatoshi-tech/lineage/pkg/aggregate"
	"github.com/Sumatoshi-tech/lineage/pkg/feature"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
)

// Store backends.
const (
	BackendBolt   = "bolt"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Sentinel validation errors.
var (
	ErrInvalidThreshold   = errors.New("classify.similarity_threshold must be in (0,1]")
	ErrInvalidDiffTimeout = errors.New("classify.diff_timeout must be positive")
	ErrInvalidBucket      = errors.New("aggregate.bucket must be positive")
	ErrInvalidHalfLife    = errors.New("aggregate.half_life must be positive")
	ErrNegativeWeight     = errors.New("aggregate.weights must be non-negative")
	ErrInvalidWorkers     = errors.New("workers must be non-negative")
	ErrInvalidFileTimeout = errors.New("extract.file_timeout must be positive")
	ErrInvalidFileSize    = errors.New("extract.max_file_size is not a size")
	ErrInvalidCacheSize   = errors.New("extract.cache_size is not a size")
	ErrUnknownBackend     = errors.New("store.backend must be bolt, file or memory")
	ErrInvalidRate        = errors.New("features.github.rate must be positive")
	ErrGitHubRepo         = errors.New("features.github needs both owner and repo")
	ErrInvalidSince       = errors.New("walk.since is not a date")
)

// Config is the top-level configuration.
type Config struct {
	Walk          WalkConfig          `mapstructure:"walk"`
	Extract       ExtractConfig       `mapstructure:"extract"`
	Classify      ClassifyConfig      `mapstructure:"classify"`
	Aggregate     AggregateConfig     `mapstructure:"aggregate"`
	Store         StoreConfig         `mapstructure:"store"`
	Features      FeaturesConfig      `mapstructure:"features"`
	Query         QueryConfig         `mapstructure:"query"`
	Log           LogConfig           `mapstructure:"log"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// WalkConfig selects the part of history to index.
type WalkConfig struct {
	// Since is a date (YYYY-MM-DD or RFC 3339) or a revision. Empty walks
	// the whole history.
	Since string `mapstructure:"since"`
	// Heads are revisions to start from; empty means HEAD and all local
	// branches.
	Heads []string `mapstructure:"heads"`
}

// ExtractConfig holds entity extraction knobs.
type ExtractConfig struct {
	Workers     int           `mapstructure:"workers"`
	FileTimeout time.Duration `mapstructure:"file_timeout"`
	MaxFileSize string        `mapstructure:"max_file_size"`
	SkipVendor  bool          `mapstructure:"skip_vendor"`
	// CacheSize bounds the cache of extraction results; "0" disables it.
	CacheSize string `mapstructure:"cache_size"`
}

// ClassifyConfig holds change classification knobs.
type ClassifyConfig struct {
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	DiffTimeout         time.Duration `mapstructure:"diff_timeout"`
	Budget              time.Duration `mapstructure:"budget"`
}

// AggregateConfig holds ownership and complexity knobs.
type AggregateConfig struct {
	Bucket   time.Duration     `mapstructure:"bucket"`
	HalfLife time.Duration     `mapstructure:"half_life"`
	Workers  int               `mapstructure:"workers"`
	Weights  aggregate.Weights `mapstructure:"weights"`
}

// StoreConfig selects where the index is persisted.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// FeaturesConfig configures the feature linkers.
type FeaturesConfig struct {
	Patterns []feature.Pattern `mapstructure:"patterns"`
	Tracker  TrackerConfig     `mapstructure:"tracker"`
	GitHub   GitHubConfig      `mapstructure:"github"`
}

// TrackerConfig points at an issue tracker REST endpoint. An empty URL
// disables it.
type TrackerConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// GitHubConfig enables issue and pull request confirmation on GitHub.
type GitHubConfig struct {
	Owner string  `mapstructure:"owner"`
	Repo  string  `mapstructure:"repo"`
	Token string  `mapstructure:"token"`
	Rate  float64 `mapstructure:"rate"`
}

// Enabled reports whether owner and repo are set.
func (g GitHubConfig) Enabled() bool {
	return g.Owner != "" && g.Repo != ""
}

// QueryConfig configures answering questions.
type QueryConfig struct {
	Embedding EmbeddingConfig `mapstructure:"embedding"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint used
// to rank answer sources. An empty URL ranks by keyword overlap instead.
type EmbeddingConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
	Token string `mapstructure:"token"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// ObservabilityConfig holds export settings.
type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// OTLPHeaders is "key=value,key=value", so it can come from one
	// environment variable.
	OTLPHeaders    string  `mapstructure:"otlp_headers"`
	OTLPInsecure   bool    `mapstructure:"otlp_insecure"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	PrometheusAddr string  `mapstructure:"prometheus_addr"`
}

// MaxFileBytes parses Extract.MaxFileSize. Empty means no limit.
func (c *Config) MaxFileBytes() (int, error) {
	if strings.TrimSpace(c.Extract.MaxFileSize) == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.Extract.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFileSize, c.Extract.MaxFileSize)
	}

	return int(n), nil //nolint:gosec // sizes are far below MaxInt.
}

// CacheBytes parses Extract.CacheSize. Empty means no cache.
func (c *Config) CacheBytes() (int64, error) {
	if strings.TrimSpace(c.Extract.CacheSize) == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.Extract.CacheSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCacheSize, c.Extract.CacheSize)
	}

	return int64(n), nil //nolint:gosec // sizes are far below MaxInt64.
}

// SinceTime interprets Walk.Since as a date. ok is false when Since is
// empty or names a revision instead.
func (w WalkConfig) SinceTime() (since time.Time, ok bool) {
	t, err := query.ParseTime(w.Since)
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}

	return t, true
}

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateExtract,
		c.validateClassify,
		c.validateAggregate,
		c.validateStore,
		c.validateFeatures,
	} {
		if err := check(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateExtract() error {
	if c.Extract.Workers < 0 {
		return fmt.Errorf("extract: %w", ErrInvalidWorkers)
	}

	if c.Extract.FileTimeout <= 0 {
		return ErrInvalidFileTimeout
	}

	if _, err := c.MaxFileBytes(); err != nil {
		return err
	}

	_, err := c.CacheBytes()

	return err
}

func (c *Config) validateClassify() error {
	t := c.Classify.SimilarityThreshold
	if t <= 0 || t > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, t)
	}

	if c.Classify.DiffTimeout <= 0 {
		return ErrInvalidDiffTimeout
	}

	return nil
}

func (c *Config) validateAggregate() error {
	if c.Aggregate.Bucket <= 0 {
		return ErrInvalidBucket
	}

	if c.Aggregate.HalfLife <= 0 {
		return ErrInvalidHalfLife
	}

	if c.Aggregate.Workers < 0 {
		return fmt.Errorf("aggregate: %w", ErrInvalidWorkers)
	}

	if c.Aggregate.Weights.Validate() != nil {
		return ErrNegativeWeight
	}

	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendBolt, BackendFile, BackendMemory:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Store.Backend)
	}
}

func (c *Config) validateFeatures() error {
	gh := c.Features.GitHub
	if (gh.Owner == "") != (gh.Repo == "") {
		return ErrGitHubRepo
	}

	if gh.Enabled() && gh.Rate <= 0 {
		return ErrInvalidRate
	}

	return nil
}
