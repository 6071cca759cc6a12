package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// Embedder turns texts into vectors of one dimension.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrEmbedding reports an embedder reply that does not fit the request.
var ErrEmbedding = errors.New("embedder returned a mismatched batch")

// Source document kinds.
const (
	SourceCommit = "commit"
	SourceChange = "change"
)

const (
	maxSources = 5
	// maxDocuments bounds the candidates kept after filtering, newest first.
	maxDocuments = 200
)

// SourceDocument is a piece of history an answer draws on.
type SourceDocument struct {
	Kind      string          `json:"kind"`
	Offset    int64           `json:"offset"`
	Commit    model.CommitID  `json:"commit"`
	EntityKey model.EntityKey `json:"entity_key,omitempty"`
	Text      string          `json:"text"`
	Score     float64         `json:"score"`
}

// WithEmbedder ranks retrieved sources by embedding similarity to the
// question. Without an embedder they are ranked by keyword overlap.
func (f *Facade) WithEmbedder(e Embedder) *Facade {
	f.embedder = e

	return f
}

// Retrieve returns the commits and changes most relevant to q. Candidates
// are first narrowed by the entity, the time bounds, the author and the
// question words, then ranked.
func (f *Facade) Retrieve(ctx context.Context, q Question, ref *EntityRef) ([]SourceDocument, error) {
	docs := f.candidates(q, ref)
	if len(docs) == 0 {
		return nil, nil
	}

	if f.embedder != nil {
		if err := f.rankByEmbedding(ctx, q.Text, docs); err != nil {
			return nil, fmt.Errorf("rank sources: %w", err)
		}
	} else {
		rankByKeywords(q, docs)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}

		return docs[i].Offset > docs[j].Offset
	})

	if len(docs) > maxSources {
		docs = docs[:maxSources]
	}

	return docs, nil
}

func (f *Facade) candidates(q Question, ref *EntityRef) []SourceDocument {
	needles := append(append([]string(nil), q.Terms...), q.Keywords...)
	if ref == nil && len(needles) == 0 && q.Author == "" && q.Since.IsZero() && q.Until.IsZero() {
		return nil
	}

	filter := index.Filter{Author: q.Author, Since: q.Since, Until: q.Until}
	if ref != nil {
		filter.EntityKey = ref.Key
	}

	var docs []SourceDocument

	touched := make(map[int64]bool)
	it := f.ix.Query(filter)

	for {
		ev, err := it.Next()
		if err != nil {
			break
		}

		if ref == nil && len(needles) > 0 && !anyFold(needles, ev.Name, ev.Path) {
			continue
		}

		touched[ev.Offset] = true
		docs = append(docs, SourceDocument{
			Kind:      SourceChange,
			Offset:    ev.Offset,
			Commit:    ev.Commit,
			EntityKey: ev.EntityKey,
			Text:      changeText(ev),
		})
	}

	for _, rec := range f.ix.Commits() {
		c := rec.Commit

		if !touched[rec.Offset] && (ref != nil || !inRange(c, q) || len(needles) > 0 && !anyFold(needles, c.Message)) {
			continue
		}

		docs = append(docs, SourceDocument{
			Kind:   SourceCommit,
			Offset: rec.Offset,
			Commit: c.ID,
			Text:   commitText(c),
		})
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Offset > docs[j].Offset })

	if len(docs) > maxDocuments {
		docs = docs[:maxDocuments]
	}

	return docs
}

func inRange(c model.Commit, q Question) bool {
	switch {
	case !q.Since.IsZero() && c.When.Before(q.Since),
		!q.Until.IsZero() && c.When.After(q.Until):
		return false
	case q.Author != "":
		return strings.EqualFold(c.Author.Key(), q.Author) || strings.EqualFold(c.Author.Name, q.Author)
	}

	return true
}

func anyFold(needles []string, fields ...string) bool {
	for _, n := range needles {
		for _, s := range fields {
			if containsFold(s, n) {
				return true
			}
		}
	}

	return false
}

func changeText(ev model.ChangeEvent) string {
	text := fmt.Sprintf("%s %s %s in %s by %s on %s",
		ev.Kind, ev.EntityKind, ev.Name, ev.Path, ev.Author, ev.When.Format(time.DateOnly))

	if ev.BeforeName != "" && ev.BeforeName != ev.Name {
		text += " (was " + ev.BeforeName + ")"
	}

	return text
}

func commitText(c model.Commit) string {
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")

	return fmt.Sprintf("%s %s by %s on %s", c.ID.Short(), subject, c.Author.Key(), c.When.Format(time.DateOnly))
}

// rankByKeywords scores each document by the share of question words it
// contains.
func rankByKeywords(q Question, docs []SourceDocument) {
	var needles []string
	for _, t := range q.Terms {
		needles = append(needles, strings.Fields(strings.ToLower(t))...)
	}

	needles = append(needles, q.Keywords...)

	for i := range docs {
		if len(needles) == 0 {
			docs[i].Score = 1

			continue
		}

		hits := 0

		for _, n := range needles {
			if containsFold(docs[i].Text, n) {
				hits++
			}
		}

		docs[i].Score = float64(hits) / float64(len(needles))
	}
}

// rankByEmbedding scores each document by the cosine similarity of its
// embedding to the question's. The question and documents are embedded in
// one batch.
func (f *Facade) rankByEmbedding(ctx context.Context, question string, docs []SourceDocument) error {
	texts := make([]string, 0, len(docs)+1)
	texts = append(texts, question)

	for _, d := range docs {
		texts = append(texts, d.Text)
	}

	vectors, err := f.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	if len(vectors) != len(texts) {
		return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbedding, len(vectors), len(texts))
	}

	for i := range docs {
		docs[i].Score = cosine(vectors[0], vectors[i+1])
	}

	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, na, nb float64

	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}

	if na == 0 || nb == 0 {
		return 0
	}

	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
