package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/lineage/pkg/config"
	"github.com/Sumatoshi-tech/lineage/pkg/mcp"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/version"
)

func (a *app) mcpCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

The server answers from the saved index of the repository; run "lineage index"
first. Tools:
  - lineage_changed_between: entity changes in a time range
  - lineage_ownership: ownership shares of an entity over time
  - lineage_complexity_trend: complexity score after every change
  - lineage_commits_touching: commits that changed an entity
  - lineage_features: feature links of a commit, or commits of a feature
  - lineage_ask: free-text question
  - lineage_summary: repository overview`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()

			s, err := a.open(ctx, observability.ModeMCP, cmd.ErrOrStderr(), func(cfg *config.Config) {
				cfg.Log.JSON = true
				if debug {
					cfg.Log.Level = slog.LevelDebug.String()
				}
			})
			if err != nil {
				return err
			}
			defer closeSession(ctx, s, &err)

			metrics, err := observability.NewToolMetrics(s.providers.Meter)
			if err != nil {
				return err
			}

			srv := mcp.NewServer(s.facade(), mcp.ServerDeps{
				Logger:  s.providers.Logger,
				Metrics: metrics,
				Tracer:  s.providers.Tracer,
				Version: version.Version,
			})

			s.providers.Logger.Info("mcp server ready", "repo", s.repoPath, "commits", s.ix.LatestOffset())

			return srv.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging to stderr")

	return cmd
}
