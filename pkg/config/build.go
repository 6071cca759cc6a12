package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Sumatoshi-tech/lineage/pkg/aggregate"
	"github.com/Sumatoshi-tech/lineage/pkg/classify"
	"github.com/Sumatoshi-tech/lineage/pkg/extract"
	"github.com/Sumatoshi-tech/lineage/pkg/feature"
	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
	"github.com/Sumatoshi-tech/lineage/pkg/walker"
)

// Resolver maps a revision onto a commit.
type Resolver interface {
	Resolve(ctx context.Context, rev string) (model.CommitID, error)
}

// Extractors returns the extractor registry for c.Extract.
func (c *Config) Extractors(logger *slog.Logger) (*extract.Registry, error) {
	maxSize, err := c.MaxFileBytes()
	if err != nil {
		return nil, err
	}

	cacheSize, err := c.CacheBytes()
	if err != nil {
		return nil, err
	}

	opts := []extract.Option{
		extract.WithFileTimeout(c.Extract.FileTimeout),
		extract.WithMaxFileSize(maxSize),
		extract.WithSkipVendor(c.Extract.SkipVendor),
		extract.WithCacheSize(cacheSize),
	}

	if logger != nil {
		opts = append(opts, extract.WithLogger(logger))
	}

	return extract.NewRegistry(opts...), nil
}

// Classifier returns the classifier for c.Classify.
func (c *Config) Classifier(logger *slog.Logger) *classify.Classifier {
	cl := classify.New()
	cl.Threshold = c.Classify.SimilarityThreshold
	cl.DiffTimeout = c.Classify.DiffTimeout
	cl.Logger = logger

	if c.Classify.Budget > 0 {
		cl.Budget = c.Classify.Budget
	}

	return cl
}

// Aggregator returns an aggregator over ledger for c.Aggregate.
func (c *Config) Aggregator(ledger aggregate.Ledger, logger *slog.Logger) *aggregate.Aggregator {
	agg := aggregate.New(ledger)
	agg.Bucket = c.Aggregate.Bucket
	agg.HalfLife = c.Aggregate.HalfLife
	agg.Weights = c.Aggregate.Weights
	agg.Workers = c.Aggregate.Workers

	if logger != nil {
		agg.Logger = logger
	}

	return agg
}

// Linkers registers the pattern linker and, when configured, the tracker
// and GitHub linkers.
func (c *Config) Linkers(logger *slog.Logger) (*feature.Registry, error) {
	patterns := c.Features.Patterns
	if len(patterns) == 0 {
		patterns = feature.DefaultPatterns()
	}

	pl, err := feature.NewPatternLinker(patterns)
	if err != nil {
		return nil, fmt.Errorf("features.patterns: %w", err)
	}

	reg := feature.NewRegistry(logger)
	reg.Register(feature.SourcePattern, pl)

	if c.Features.Tracker.URL != "" {
		tracker := feature.NewHTTPTracker(c.Features.Tracker.URL, c.Features.Tracker.Token)
		reg.Register(feature.SourceTracker, &feature.TrackerLinker{Tracker: tracker})
	}

	if gh := c.Features.GitHub; gh.Enabled() {
		reg.Register(feature.SourceGitHub, feature.NewGitHubLinker(gh.Owner, gh.Repo, gh.Token, gh.Rate))
	}

	return reg, nil
}

// Embedder returns the embeddings client for c.Query, or nil when none is
// configured.
func (c *Config) Embedder() query.Embedder {
	e := c.Query.Embedding
	if e.URL == "" {
		return nil
	}

	return query.NewHTTPEmbedder(e.URL, e.Model, e.Token)
}

// OpenStore opens the configured store for repoPath. The caller closes it.
func (c *Config) OpenStore(repoPath string) (index.Store, error) {
	switch c.Store.Backend {
	case BackendMemory:
		return index.NewMemoryStore(), nil
	case BackendFile:
		return index.NewFileStore(c.Store.Dir, repoPath), nil
	case BackendBolt:
		store, err := index.OpenBoltStore(c.Store.Dir, repoPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}

		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Store.Backend)
	}
}

// WalkOptions resolves c.Walk against res. A since value that is neither a
// date nor a revision is an error.
func (c *Config) WalkOptions(ctx context.Context, res Resolver, logger *slog.Logger) (walker.Options, error) {
	opts := walker.Options{Logger: logger}

	for _, rev := range c.Walk.Heads {
		id, err := res.Resolve(ctx, rev)
		if err != nil {
			return walker.Options{}, fmt.Errorf("walk.heads: %w", err)
		}

		opts.Heads = append(opts.Heads, id)
	}

	if c.Walk.Since == "" {
		return opts, nil
	}

	if t, ok := c.Walk.SinceTime(); ok {
		opts.SinceTime = t

		return opts, nil
	}

	id, err := res.Resolve(ctx, c.Walk.Since)
	if err != nil {
		return walker.Options{}, fmt.Errorf("%w: %q", ErrInvalidSince, c.Walk.Since)
	}

	opts.SinceCommit = id

	return opts, nil
}

// Telemetry returns the observability settings for mode.
func (c *Config) Telemetry(mode observability.AppMode, version string) (observability.Config, error) {
	level, err := observability.ParseLevel(c.Log.Level)
	if err != nil {
		return observability.Config{}, err
	}

	out := observability.DefaultConfig()
	out.ServiceVersion = version
	out.Mode = mode
	out.OTLPEndpoint = c.Observability.OTLPEndpoint
	out.OTLPHeaders = observability.ParseOTLPHeaders(c.Observability.OTLPHeaders)
	out.OTLPInsecure = c.Observability.OTLPInsecure
	out.SampleRatio = c.Observability.SampleRatio
	out.Prometheus = c.Observability.PrometheusAddr != ""
	out.LogLevel = level
	out.LogJSON = c.Log.JSON

	return out, nil
}
