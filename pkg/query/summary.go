package query

import (
	"path"
	"sort"
	"time"

	"github.com/src-d/enry/v2"

	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

const topLanguages = 10

// Contributor is one author with their commit count.
type Contributor struct {
	Author  string    `json:"author"`
	Name    string    `json:"name"`
	Commits int       `json:"commits"`
	Events  int       `json:"events"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}

// Language counts the files seen in one language.
type Language struct {
	Name  string `json:"name"`
	Files int    `json:"files"`
}

// Summary describes an indexed repository.
type Summary struct {
	Repo         string                   `json:"repo"`
	Commits      int                      `json:"commits"`
	Entities     int                      `json:"entities"`
	First        time.Time                `json:"first,omitzero"`
	Last         time.Time                `json:"last,omitzero"`
	Contributors []Contributor            `json:"contributors,omitempty"`
	Events       map[model.ChangeKind]int `json:"events,omitempty"`
	Languages    []Language               `json:"languages,omitempty"`
	Features     int                      `json:"features"`
}

func (s Summary) status() Status {
	if s.Commits == 0 {
		return StatusInsufficient
	}

	return StatusOK
}

// Summary aggregates the whole ledger. Contributors are ordered by commit
// count, languages by file count; languages are detected by extension.
func (f *Facade) Summary() Summary {
	sum := Summary{
		Repo:     f.ix.Repo(),
		Events:   make(map[model.ChangeKind]int),
		Features: len(f.join.Features()),
	}

	authors := make(map[string]*Contributor)

	for _, rec := range f.ix.Commits() {
		sum.Commits++

		when := rec.Commit.When
		if sum.First.IsZero() || when.Before(sum.First) {
			sum.First = when
		}

		if when.After(sum.Last) {
			sum.Last = when
		}

		key := rec.Commit.Author.Key()
		if key == "" {
			continue
		}

		c, ok := authors[key]
		if !ok {
			c = &Contributor{Author: key, Name: rec.Commit.Author.Name, First: when}
			authors[key] = c
		}

		c.Commits++

		if when.Before(c.First) {
			c.First = when
		}

		if when.After(c.Last) {
			c.Last = when
		}
	}

	files := make(map[string]struct{})
	keys := make(map[model.EntityKey]struct{})
	it := f.ix.Query(index.Filter{})

	for {
		ev, err := it.Next()
		if err != nil {
			break
		}

		sum.Events[ev.Kind]++
		keys[ev.EntityKey] = struct{}{}

		if c, ok := authors[ev.Author]; ok {
			c.Events++
		}

		if ev.EntityKind == model.KindFile {
			files[ev.Path] = struct{}{}
		}
	}

	sum.Entities = len(keys)

	for _, c := range authors {
		sum.Contributors = append(sum.Contributors, *c)
	}

	sort.Slice(sum.Contributors, func(i, j int) bool {
		a, b := sum.Contributors[i], sum.Contributors[j]
		if a.Commits != b.Commits {
			return a.Commits > b.Commits
		}

		return a.Author < b.Author
	})

	sum.Languages = languages(files)

	return sum
}

func languages(files map[string]struct{}) []Language {
	counts := make(map[string]int)

	for file := range files {
		lang, _ := enry.GetLanguageByExtension(path.Base(file))
		if lang == "" {
			lang = "Other"
		}

		counts[lang]++
	}

	out := make([]Language, 0, len(counts))
	for name, n := range counts {
		out = append(out, Language{Name: name, Files: n})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Files != out[j].Files {
			return out[i].Files > out[j].Files
		}

		return out[i].Name < out[j].Name
	})

	if len(out) > topLanguages {
		out = out[:topLanguages]
	}

	return out
}
