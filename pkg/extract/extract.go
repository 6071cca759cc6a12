// Package extract splits file content into named code entities. Languages
// plug in through the Extractor interface; anything the registry cannot
// parse degrades to a single file-level entity marked as a fallback.
package extract

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Defaults for Registry options.
const (
	DefaultFileTimeout = 2 * time.Second
	DefaultMaxFileSize = 1 << 20
)

// Extractor turns the content of one file into entities.
type Extractor interface {
	Extract(ctx context.Context, path string, content []byte) ([]model.Entity, error)
}

// enryNames maps enry language names onto registry keys where they differ
// from the lower-cased enry name.
var enryNames = map[string]string{
	"tsx": "typescript",
	"jsx": "javascript",
}

// Registry resolves extractors by language and applies the fallback and
// timeout policy around them.
type Registry struct {
	extractors  map[string]Extractor
	fileTimeout time.Duration
	maxFileSize int
	skipVendor  bool
	logger      *slog.Logger
	cache       *entityCache
}

// Option configures a Registry.
type Option func(*Registry)

// WithFileTimeout bounds the time spent extracting one file.
func WithFileTimeout(d time.Duration) Option {
	return func(r *Registry) { r.fileTimeout = d }
}

// WithMaxFileSize makes larger files degrade to file-level entities.
func WithMaxFileSize(n int) Option {
	return func(r *Registry) { r.maxFileSize = n }
}

// WithSkipVendor controls whether vendored paths are skipped.
func WithSkipVendor(skip bool) Option {
	return func(r *Registry) { r.skipVendor = skip }
}

// WithCacheSize keeps up to maxBytes of extraction results, keyed by path
// and content, so identical blobs are parsed once. Zero disables caching.
func WithCacheSize(maxBytes int64) Option {
	return func(r *Registry) {
		r.cache = nil
		if maxBytes > 0 {
			r.cache = newEntityCache(maxBytes)
		}
	}
}

// WithLogger sets the logger used for fallback diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry returns a registry holding the built-in tree-sitter grammars.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		extractors:  make(map[string]Extractor),
		fileTimeout: DefaultFileTimeout,
		maxFileSize: DefaultMaxFileSize,
		skipVendor:  true,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	for _, g := range Grammars() {
		r.Register(g.Name, NewTreeSitter(g))
	}

	return r
}

// Register binds an extractor to a language key, replacing any previous one.
func (r *Registry) Register(language string, ex Extractor) {
	r.extractors[strings.ToLower(language)] = ex
}

// Languages lists the registered language keys.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.extractors))
	for lang := range r.extractors {
		out = append(out, lang)
	}

	sort.Strings(out)

	return out
}

// Detect returns the registry key for a file, or the lower-cased enry
// language when no extractor is registered for it.
func (r *Registry) Detect(filePath string, content []byte) string {
	lang := strings.ToLower(enry.GetLanguage(path.Base(filePath), content))
	if alias, ok := enryNames[lang]; ok {
		return alias
	}

	return lang
}

// Skip reports whether a file should not be tracked at all: binary
// content, or vendored paths when vendor skipping is on.
func (r *Registry) Skip(filePath string, content []byte) bool {
	if r.skipVendor && enry.IsVendor(filePath) {
		return true
	}

	return enry.IsBinary(content)
}

// Extract returns the entities of one file. It never fails: unsupported
// languages, syntax errors, oversized files and exceeded budgets all yield
// a single file entity with Fallback set. Timeouts are never cached.
func (r *Registry) Extract(ctx context.Context, filePath string, content []byte, hint string) []model.Entity {
	if r.cache == nil {
		return r.extract(ctx, filePath, content, hint)
	}

	key := keyOf(filePath, hint, content)
	if entities, ok := r.cache.get(key); ok {
		return entities
	}

	entities := r.extract(ctx, filePath, content, hint)
	if len(entities) != 1 || entities[0].FallbackReason != model.FallbackTimeout {
		r.cache.put(key, entities)
	}

	return entities
}

func (r *Registry) extract(ctx context.Context, filePath string, content []byte, hint string) []model.Entity {
	lang := strings.ToLower(hint)
	if _, ok := r.extractors[lang]; !ok {
		lang = r.Detect(filePath, content)
	}

	ex, ok := r.extractors[lang]
	if !ok {
		return []model.Entity{FileEntity(filePath, lang, content, model.FallbackUnsupported)}
	}

	if r.maxFileSize > 0 && len(content) > r.maxFileSize {
		return []model.Entity{FileEntity(filePath, lang, content, model.FallbackTooLarge)}
	}

	entities, err := r.run(ctx, ex, filePath, content)
	if err != nil {
		reason := model.FallbackParseError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			reason = model.FallbackTimeout
		}

		r.logger.Debug("extraction fallback", "path", filePath, "language", lang, "reason", reason, "error", err)

		return []model.Entity{FileEntity(filePath, lang, content, reason)}
	}

	sort.SliceStable(entities, func(i, j int) bool { return entities[i].Less(entities[j]) })

	return entities
}

type extraction struct {
	entities []model.Entity
	err      error
}

// run executes ex under the per-file budget. The extractor keeps running
// in the background if it ignores cancellation, but the caller is released
// when the budget expires.
func (r *Registry) run(ctx context.Context, ex Extractor, filePath string, content []byte) ([]model.Entity, error) {
	if r.fileTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.fileTimeout)
		defer cancel()
	}

	done := make(chan extraction, 1)

	go func() {
		entities, err := ex.Extract(ctx, filePath, content)
		done <- extraction{entities: entities, err: err}
	}()

	select {
	case res := <-done:
		return res.entities, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FileEntity builds the whole-file entity used for unstructured content.
func FileEntity(filePath, language string, content []byte, reason string) model.Entity {
	body := Normalize(string(content))
	fp := Fingerprint(body)

	return model.Entity{
		Path:               filePath,
		Name:               path.Base(filePath),
		QualifiedName:      filePath,
		Kind:               model.KindFile,
		Language:           language,
		BodyFingerprint:    fp,
		ContentFingerprint: fp,
		Span:               model.Span{StartLine: 1, EndLine: max(1, strings.Count(string(content), "\n"))},
		Metrics:            model.Metrics{Lines: CountLines(body)},
		Fallback:           reason != "",
		FallbackReason:     reason,
		Body:               body,
	}
}
