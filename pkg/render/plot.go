package render

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/Sumatoshi-tech/lineage/pkg/query"
)

const (
	chartWidth  = "100%"
	chartHeight = "480px"
	// maxAuthors is the number of authors charted individually; the rest
	// share one series.
	maxAuthors  = 8
	otherAuthor = "other"
	shareStack  = "share"
	areaOpacity = 0.6
	zoomEnd     = 100
)

// Chart palette.
const (
	colorText    = "#c9d1d9"
	colorMuted   = "#8b949e"
	colorAxis    = "#30363d"
	colorScore   = "#58a6ff"
	colorBackgnd = "#0d1117"
)

func newLine(title, subtitle, yName string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:       title,
			Width:           chartWidth,
			Height:          chartHeight,
			BackgroundColor: colorBackgnd,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         title,
			Subtitle:      subtitle,
			Left:          "center",
			TitleStyle:    &opts.TextStyle{Color: colorText},
			SubtitleStyle: &opts.TextStyle{Color: colorMuted},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{
			Show:      opts.Bool(true),
			Type:      "scroll",
			Top:       "10%",
			TextStyle: &opts.TextStyle{Color: colorMuted},
		}),
		charts.WithDataZoomOpts(
			opts.DataZoom{Type: "slider", Start: 0, End: zoomEnd},
			opts.DataZoom{Type: "inside"},
		),
		charts.WithXAxisOpts(opts.XAxis{
			AxisLabel: &opts.AxisLabel{Color: colorMuted},
			AxisLine:  &opts.AxisLine{LineStyle: &opts.LineStyle{Color: colorAxis}},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name:      yName,
			AxisLabel: &opts.AxisLabel{Color: colorMuted},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorAxis}},
		}),
	)

	return line
}

// OwnershipChart plots the author shares of every snapshot as stacked
// areas.
func OwnershipChart(title string, r query.OwnershipResult) *charts.Line {
	line := newLine(title, "ownership share per bucket", "share %")

	labels := make([]string, len(r.Snapshots))
	totals := make(map[string]float64)

	for i, snap := range r.Snapshots {
		labels[i] = date(snap.BucketStart)

		for author, w := range snap.Weights {
			totals[author] += w
		}
	}

	authors := byWeight(totals)

	var rest []string
	if len(authors) > maxAuthors {
		authors, rest = authors[:maxAuthors], authors[maxAuthors:]
	}

	line.SetXAxis(labels)

	series := func(name string, share func(weights map[string]float64) float64) {
		data := make([]opts.LineData, len(r.Snapshots))
		for i, snap := range r.Snapshots {
			data[i] = opts.LineData{Value: math.Round(share(snap.Weights)*percent*10) / 10} //nolint:mnd // one decimal
		}

		line.AddSeries(name, data,
			charts.WithLineChartOpts(opts.LineChart{Stack: shareStack, Smooth: opts.Bool(true)}),
			charts.WithAreaStyleOpts(opts.AreaStyle{Opacity: opts.Float(areaOpacity)}),
		)
	}

	for _, author := range authors {
		series(author, func(w map[string]float64) float64 { return w[author] })
	}

	if len(rest) > 0 {
		series(otherAuthor, func(w map[string]float64) float64 {
			var sum float64
			for _, a := range rest {
				sum += w[a]
			}

			return sum
		})
	}

	return line
}

// ComplexityChart plots the complexity score after every change.
func ComplexityChart(title string, r query.ComplexityResult) *charts.Line {
	line := newLine(title, fmt.Sprintf("net change %+.2f", r.Change), "score")

	labels := make([]string, len(r.Points))
	data := make([]opts.LineData, len(r.Points))

	for i, p := range r.Points {
		labels[i] = date(p.When) + " " + p.Commit.Short()
		data[i] = opts.LineData{Value: p.Score, Name: string(p.Kind)}
	}

	line.SetXAxis(labels)
	line.AddSeries("complexity", data,
		charts.WithItemStyleOpts(opts.ItemStyle{Color: colorScore}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorScore}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(false)}),
	)

	return line
}

// ErrNothingToPlot is returned for a page without charts.
var ErrNothingToPlot = errors.New("nothing to plot")

// Page writes charts as one HTML page.
func Page(w io.Writer, title string, cs ...components.Charter) error {
	if len(cs) == 0 {
		return ErrNothingToPlot
	}

	page := components.NewPage()
	page.PageTitle = title
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(cs...)

	if err := page.Render(w); err != nil {
		return fmt.Errorf("render page: %w", err)
	}

	return nil
}
