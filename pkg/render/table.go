package render

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
)

const (
	dateLayout   = "2006-01-02"
	subjectWidth = 60
	percent      = 100
)

// Table writes v as terminal tables. Types without a table layout fall
// back to YAML.
func Table(w io.Writer, v any) error {
	var out string

	switch r := v.(type) {
	case query.ChangedResult:
		out = changedTable(r)
	case query.OwnershipResult:
		out = ownershipTable(r)
	case query.ComplexityResult:
		out = complexityTable(r)
	case query.TouchingResult:
		out = touchingTable(r)
	case query.FeaturesResult:
		out = featuresTable(r)
	case query.ResolveResult:
		out = candidatesTable(r.Status, r.Candidates)
	case query.Summary:
		out = summaryTable(r)
	case query.Answer:
		out = answerTable(r)
	default:
		return YAML(w, v)
	}

	_, err := io.WriteString(w, out)

	return err
}

func newTable(header ...any) table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Format.Footer = text.FormatDefault
	tbl.AppendHeader(header)

	return tbl
}

func statusLine(s query.Status) string {
	switch s {
	case query.StatusNotFound:
		return "No matching history.\n"
	case query.StatusInsufficient:
		return "Not enough history to answer.\n"
	default:
		return ""
	}
}

func date(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(dateLayout)
}

func subject(c model.Commit) string {
	r := []rune(c.Subject())
	if len(r) > subjectWidth {
		return string(r[:subjectWidth-1]) + "…"
	}

	return string(r)
}

func changedTable(r query.ChangedResult) string {
	if r.Status != query.StatusOK {
		return statusLine(r.Status)
	}

	tbl := newTable("Date", "Commit", "Change", "Kind", "Entity", "Path", "Author")

	for _, ev := range r.Events {
		name := ev.Name
		if ev.BeforeName != "" && ev.BeforeName != ev.Name {
			name = ev.BeforeName + " → " + ev.Name
		}

		tbl.AppendRow(table.Row{date(ev.When), ev.Commit.Short(), ev.Kind, ev.EntityKind, name, ev.Path, ev.AuthorName})
	}

	tbl.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d entities", len(r.Entities)), "", humanize.Comma(int64(len(r.Events))) + " events"})

	return tbl.Render() + "\n"
}

func ownershipTable(r query.OwnershipResult) string {
	if r.Status != query.StatusOK {
		return statusLine(r.Status)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Owner: %s\n\n", r.Owner)

	current := newTable("Author", "Share")
	for _, author := range byWeight(r.Current) {
		current.AppendRow(table.Row{author, fmt.Sprintf("%.1f%%", r.Current[author]*percent)})
	}

	b.WriteString(current.Render())
	b.WriteString("\n\n")

	history := newTable("Bucket", "Top author", "Share", "Authors")

	for _, snap := range r.Snapshots {
		top, w := snap.Top()
		history.AppendRow(table.Row{date(snap.BucketStart), top, fmt.Sprintf("%.1f%%", w*percent), len(snap.Weights)})
	}

	b.WriteString(history.Render())
	b.WriteString("\n")

	return b.String()
}

// byWeight orders authors by descending weight, then by name.
func byWeight(weights map[string]float64) []string {
	authors := slices.Sorted(maps.Keys(weights))
	slices.SortStableFunc(authors, func(a, b string) int {
		switch {
		case weights[a] > weights[b]:
			return -1
		case weights[a] < weights[b]:
			return 1
		default:
			return 0
		}
	})

	return authors
}

func complexityTable(r query.ComplexityResult) string {
	if r.Status != query.StatusOK {
		return statusLine(r.Status)
	}

	tbl := newTable("Date", "Commit", "Change", "Score", "Delta")

	for _, p := range r.Points {
		tbl.AppendRow(table.Row{date(p.When), p.Commit.Short(), p.Kind, fmt.Sprintf("%.2f", p.Score), fmt.Sprintf("%+.2f", p.Delta)})
	}

	tbl.AppendFooter(table.Row{"", "", "net", "", fmt.Sprintf("%+.2f", r.Change)})

	return tbl.Render() + "\n"
}

func touchingTable(r query.TouchingResult) string {
	if r.Status != query.StatusOK {
		return statusLine(r.Status)
	}

	tbl := newTable("Date", "Commit", "Change", "Churn", "Author", "Features", "Subject")

	for _, t := range r.Commits {
		tbl.AppendRow(table.Row{
			date(t.Commit.When), t.Commit.ID.Short(), t.Kind, fmt.Sprintf("%.0f%%", t.Churn*percent),
			t.Commit.Author.Name, featureIDs(t.Features), subject(t.Commit),
		})
	}

	return tbl.Render() + "\n"
}

func featureIDs(links []model.FeatureLink) string {
	ids := make([]string, 0, len(links))
	for _, l := range links {
		if !slices.Contains(ids, l.FeatureID) {
			ids = append(ids, l.FeatureID)
		}
	}

	return strings.Join(ids, " ")
}

func featuresTable(r query.FeaturesResult) string {
	if r.Status != query.StatusOK {
		return statusLine(r.Status)
	}

	var b strings.Builder

	links := newTable("Commit", "Feature", "Confidence", "Source", "Detail")
	for _, l := range r.Links {
		links.AppendRow(table.Row{l.Commit.Short(), l.FeatureID, fmt.Sprintf("%.2f", l.Confidence), l.Source, l.Detail})
	}

	b.WriteString(links.Render())
	b.WriteString("\n")

	if len(r.Commits) > 0 {
		commits := newTable("Commit", "Date", "Author", "Subject")
		for _, c := range r.Commits {
			commits.AppendRow(table.Row{c.ID.Short(), date(c.When), c.Author.Name, subject(c)})
		}

		b.WriteString("\n")
		b.WriteString(commits.Render())
		b.WriteString("\n")
	}

	return b.String()
}

func candidatesTable(status query.Status, refs []query.EntityRef) string {
	if status != query.StatusOK && len(refs) == 0 {
		return statusLine(status)
	}

	tbl := newTable("Key", "Kind", "Name", "Path", "Events", "Last change")

	for _, ref := range refs {
		name := ref.Name
		if ref.Removed {
			name += " (removed)"
		}

		tbl.AppendRow(table.Row{ref.Key, ref.EntityKind, name, ref.Path, ref.Events, humanize.Time(ref.LastSeen)})
	}

	return tbl.Render() + "\n"
}

func summaryTable(s query.Summary) string {
	if s.Commits == 0 {
		return statusLine(query.StatusInsufficient)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%s: %s commits, %s entities, %s features\n", s.Repo,
		humanize.Comma(int64(s.Commits)), humanize.Comma(int64(s.Entities)), humanize.Comma(int64(s.Features)))
	fmt.Fprintf(&b, "History: %s to %s (last change %s)\n\n", date(s.First), date(s.Last), humanize.Time(s.Last))

	people := newTable("Author", "Commits", "Events", "First", "Last")
	for _, c := range s.Contributors {
		people.AppendRow(table.Row{c.Name, c.Commits, c.Events, date(c.First), date(c.Last)})
	}

	b.WriteString(people.Render())
	b.WriteString("\n\n")

	kinds := newTable("Change", "Events")
	for _, k := range slices.Sorted(maps.Keys(s.Events)) {
		kinds.AppendRow(table.Row{k, s.Events[k]})
	}

	b.WriteString(kinds.Render())
	b.WriteString("\n")

	if len(s.Languages) > 0 {
		langs := newTable("Language", "Files")
		for _, l := range s.Languages {
			langs.AppendRow(table.Row{l.Name, l.Files})
		}

		b.WriteString("\n")
		b.WriteString(langs.Render())
		b.WriteString("\n")
	}

	return b.String()
}

func answerTable(a query.Answer) string {
	var b strings.Builder

	if a.Entity != nil {
		fmt.Fprintf(&b, "%s %s (%s)\n\n", a.Entity.EntityKind, a.Entity.Name, a.Entity.Path)
	}

	switch {
	case a.Ownership != nil:
		b.WriteString(ownershipTable(*a.Ownership))
	case a.Complexity != nil:
		b.WriteString(complexityTable(*a.Complexity))
	case a.Touching != nil:
		b.WriteString(touchingTable(*a.Touching))
	case a.Changed != nil:
		b.WriteString(changedTable(*a.Changed))
	case a.Summary != nil:
		b.WriteString(summaryTable(*a.Summary))
	default:
		b.WriteString(statusLine(a.Status))
	}

	if len(a.Candidates) > 1 {
		b.WriteString("\nOther candidates:\n")
		b.WriteString(candidatesTable(query.StatusOK, a.Candidates[1:]))
	}

	if len(a.Sources) > 0 {
		b.WriteString("\nSources:\n")
		b.WriteString(sourcesTable(a.Sources))
	}

	return b.String()
}

func sourcesTable(sources []query.SourceDocument) string {
	tbl := newTable("Score", "Kind", "Commit", "Text")

	for _, s := range sources {
		tbl.AppendRow(table.Row{fmt.Sprintf("%.2f", s.Score), s.Kind, s.Commit.Short(), s.Text})
	}

	return tbl.Render() + "\n"
}
