package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
	"github.com/Sumatoshi-tech/lineage/pkg/render"
)

const (
	plotDirPerm        = 0o750
	plotFilePerm       = 0o600
	defaultPlotOutput  = "lineage.html"
	plotOutputFlag     = "output"
	plotOutputShort    = "o"
	plotOutputUsage    = "HTML file to write"
	plotCmdUse         = "plot <entity>"
	plotCmdShort       = "Write ownership and complexity charts of an entity as HTML"
	plotCmdArgCount    = 1
	plotOwnershipTitle = "Ownership of %s"
	plotComplexTitle   = "Complexity of %s"
)

// ErrEntityNotFound is returned when no indexed entity matches the argument.
var ErrEntityNotFound = errors.New("no indexed entity matches")

func (a *app) plotCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   plotCmdUse,
		Short: plotCmdShort,
		Args:  cobra.ExactArgs(plotCmdArgCount),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPlot(cmd, args[0], output)
		},
	}

	cmd.Flags().StringVarP(&output, plotOutputFlag, plotOutputShort, defaultPlotOutput, plotOutputUsage)

	return cmd
}

func (a *app) runPlot(cmd *cobra.Command, entity, output string) (err error) {
	ctx := cmd.Context()

	s, err := a.open(ctx, observability.ModeCLI, cmd.ErrOrStderr(), nil)
	if err != nil {
		return err
	}
	defer closeSession(ctx, s, &err)

	f := s.facade()

	res := f.ResolveEntity(entity)
	if res.Status != query.StatusOK {
		return fmt.Errorf("%w %q", ErrEntityNotFound, entity)
	}

	ref := res.Candidates[0]

	charts, err := entityCharts(ctx, f, ref)
	if err != nil {
		return err
	}

	if len(charts) == 0 {
		return fmt.Errorf("%s: %w", ref.Name, render.ErrNothingToPlot)
	}

	if err := writePlot(output, ref.Name, charts); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)

	return nil
}

func entityCharts(ctx context.Context, f *query.Facade, ref query.EntityRef) ([]components.Charter, error) {
	var charts []components.Charter

	own, err := f.OwnershipOverTime(ctx, ref.Key)
	if err != nil {
		return nil, err
	}

	if own.Status == query.StatusOK {
		charts = append(charts, render.OwnershipChart(fmt.Sprintf(plotOwnershipTitle, ref.Name), own))
	}

	cx, err := f.ComplexityTrend(ctx, ref.Key)
	if err != nil {
		return nil, err
	}

	if cx.Status == query.StatusOK {
		charts = append(charts, render.ComplexityChart(fmt.Sprintf(plotComplexTitle, ref.Name), cx))
	}

	return charts, nil
}

func writePlot(output, title string, charts []components.Charter) error {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, plotDirPerm); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, plotFilePerm)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}

	if err := render.Page(file, title, charts...); err != nil {
		return errors.Join(err, file.Close())
	}

	return file.Close()
}
