package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/lineage/pkg/config"
	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/pipeline"
	"github.com/Sumatoshi-tech/lineage/pkg/render"
)

const diagnosticsCloseTimeout = 5 * time.Second

// indexOptions holds the index command flags.
type indexOptions struct {
	since        string
	heads        []string
	workers      int
	serveMetrics string
	format       string
}

func (a *app) indexCommand() *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index new commits of the repository",
		Long: `Walk the commit graph from the configured heads, classify the entity
changes of every commit the index does not hold yet and save the index.

Re-running is incremental: indexed commits are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runIndex(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.since, "since", "", "Skip history before a date (YYYY-MM-DD, RFC3339) or a revision")
	cmd.Flags().StringSliceVar(&opts.heads, "head", nil, "Revisions to walk from (default: HEAD and local branches)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Concurrent file extractions (0 = extract.workers)")
	cmd.Flags().StringVar(&opts.serveMetrics, "serve-metrics", "",
		"Serve /metrics, /healthz and /readyz on this address while indexing (e.g. :9464)")
	cmd.Flags().StringVar(&opts.format, "format", string(render.FormatTable), "Report format: table, json or yaml")

	return cmd
}

func (opts indexOptions) apply(cfg *config.Config) {
	if opts.since != "" {
		cfg.Walk.Since = opts.since
	}

	if len(opts.heads) > 0 {
		cfg.Walk.Heads = opts.heads
	}

	if opts.workers > 0 {
		cfg.Extract.Workers = opts.workers
	}

	if opts.serveMetrics != "" {
		cfg.Observability.PrometheusAddr = opts.serveMetrics
	}
}

func (a *app) runIndex(cmd *cobra.Command, opts indexOptions) (err error) {
	format, err := render.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	s, err := a.open(ctx, observability.ModeCLI, cmd.ErrOrStderr(), opts.apply)
	if err != nil {
		return err
	}
	defer closeSession(ctx, s, &err)

	repo, release, err := a.openRepo(s.repoPath)
	if err != nil {
		return err
	}
	defer release()

	runner, err := s.runner(ctx, repo)
	if err != nil {
		return err
	}

	if addr := s.cfg.Observability.PrometheusAddr; addr != "" {
		diag, diagErr := observability.NewDiagnosticsServer(addr, s.providers.Metrics)
		if diagErr != nil {
			return diagErr
		}

		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticsCloseTimeout)
			defer cancel()

			if closeErr := diag.Close(closeCtx); closeErr != nil {
				s.providers.Logger.Warn("diagnostics server close failed", "error", closeErr)
			}
		}()

		s.providers.Logger.Info("serving diagnostics", "addr", diag.Addr())
	}

	rep, runErr := runner.Run(ctx)

	// Everything appended so far is kept, including after cancellation
	// and broken history.
	if saveErr := index.Save(context.WithoutCancel(ctx), s.store, s.ix); saveErr != nil {
		return errors.Join(runErr, saveErr)
	}

	if runErr != nil && !errors.Is(runErr, model.ErrBrokenHistory) {
		return runErr
	}

	if format != render.FormatTable {
		return render.Write(cmd.OutOrStdout(), format, rep)
	}

	writeReport(cmd.OutOrStdout(), rep)

	return nil
}

// runner wires the pipeline from the session configuration.
func (s *session) runner(ctx context.Context, repo Repository) (*pipeline.Runner, error) {
	logger := s.providers.Logger

	walk, err := s.cfg.WalkOptions(ctx, repo, logger)
	if err != nil {
		return nil, err
	}

	extractors, err := s.cfg.Extractors(logger)
	if err != nil {
		return nil, err
	}

	linkers, err := s.cfg.Linkers(logger)
	if err != nil {
		return nil, err
	}

	metrics, err := observability.NewPipelineMetrics(s.providers.Meter)
	if err != nil {
		return nil, err
	}

	return &pipeline.Runner{
		Source:     repo,
		Index:      s.ix,
		Extractors: extractors,
		Classifier: s.cfg.Classifier(logger),
		Linkers:    linkers,
		Aggregator: s.cfg.Aggregator(s.ix, logger),
		Walk:       walk,
		Workers:    s.cfg.Extract.Workers,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     s.providers.Tracer,
	}, nil
}

func writeReport(w io.Writer, rep pipeline.Report) {
	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)

	if rep.Indexed == 0 {
		ok.Fprintf(w, "Index up to date (%s commits)\n", humanize.Comma(rep.LatestOffset))
	} else {
		ok.Fprintf(w, "Indexed %s commits, %s entity changes in %s\n",
			humanize.Comma(int64(rep.Indexed)), humanize.Comma(int64(rep.Events)), rep.Elapsed.Round(time.Millisecond))
		fmt.Fprintf(w, "  files extracted: %s (%s from cache), ledger size: %s commits\n",
			humanize.Comma(int64(rep.Files)), humanize.Comma(rep.CacheHits), humanize.Comma(rep.LatestOffset))
	}

	if rep.Fallbacks > 0 {
		warn.Fprintf(w, "  %d files fell back to whole-file tracking\n", rep.Fallbacks)
	}

	if rep.TimedOut > 0 {
		warn.Fprintf(w, "  %d classifications hit the diff timeout\n", rep.TimedOut)
	}

	for _, tr := range rep.Truncations {
		warn.Fprintf(w, "  history truncated: %s is missing parent %s\n", tr.Commit.Short(), tr.Parent.Short())
	}
}
