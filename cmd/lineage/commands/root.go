// Package commands implements the lineage command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/lineage/pkg/config"
	"github.com/Sumatoshi-tech/lineage/pkg/gitlib"
	"github.com/Sumatoshi-tech/lineage/pkg/index"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/pipeline"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
	"github.com/Sumatoshi-tech/lineage/pkg/version"
)

// Repository is what the index command needs from a git repository.
type Repository interface {
	pipeline.Source
	config.Resolver
}

// repoOpener opens the repository at path and returns its release func.
type repoOpener func(path string) (Repository, func(), error)

// app holds the flags shared by every subcommand.
type app struct {
	configPath string
	repoPath   string
	storeDir   string
	backend    string
	noColor    bool

	openRepo repoOpener
}

// NewRootCommand builds the lineage command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommandWithDeps(openGitRepository)
}

func newRootCommandWithDeps(open repoOpener) *cobra.Command {
	a := &app{openRepo: open}

	root := &cobra.Command{
		Use:   "lineage",
		Short: "Entity-level history of a git repository",
		Long: `Lineage indexes a git repository into a ledger of entity changes
(files, classes, functions) and answers questions about it:

  index     Walk the history and update the index
  query     Structured queries: changed, ownership, complexity, touching, features, resolve
  ask       Free-text question
  summary   Repository overview
  plot      HTML charts of ownership and complexity
  mcp       Serve the queries as MCP tools on stdio`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if a.noColor {
				color.NoColor = true //nolint:reassign // intentional override of library global
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default: .lineage.yaml in the working directory or $HOME)")
	flags.StringVarP(&a.repoPath, "repo", "C", ".", "Repository path")
	flags.StringVar(&a.storeDir, "store", "", "Index store directory (overrides store.dir)")
	flags.StringVar(&a.backend, "backend", "", "Index store backend: bolt, file or memory (overrides store.backend)")
	flags.BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		a.indexCommand(),
		a.queryCommand(),
		a.askCommand(),
		a.summaryCommand(),
		a.plotCommand(),
		a.mcpCommand(),
	)

	return root
}

func openGitRepository(path string) (Repository, func(), error) {
	repo, err := gitlib.OpenRepository(path)
	if err != nil {
		return nil, nil, err
	}

	return gitlib.NewSource(repo), repo.Free, nil
}

// session is the loaded configuration, telemetry and index of one command.
type session struct {
	cfg       *config.Config
	providers observability.Providers
	store     index.Store
	ix        *index.Index
	repoPath  string
}

// open loads the configuration, applies the flag overrides and tweak,
// starts telemetry and loads the index of the repository.
func (a *app) open(
	ctx context.Context, mode observability.AppMode, logOut io.Writer, tweak func(*config.Config),
) (*session, error) {
	repoPath, err := filepath.Abs(a.repoPath)
	if err != nil {
		return nil, fmt.Errorf("repository path: %w", err)
	}

	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return nil, err
	}

	if a.storeDir != "" {
		cfg.Store.Dir = a.storeDir
	}

	if a.backend != "" {
		cfg.Store.Backend = a.backend
	}

	if tweak != nil {
		tweak(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	telemetry, err := cfg.Telemetry(mode, version.Version)
	if err != nil {
		return nil, err
	}

	telemetry.LogOutput = logOut

	providers, err := observability.Init(telemetry)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	s := &session{cfg: cfg, providers: providers, repoPath: repoPath}

	s.store, err = cfg.OpenStore(repoPath)
	if err != nil {
		return nil, errors.Join(err, s.close(ctx))
	}

	s.ix, err = index.Open(ctx, s.store, repoPath)
	if err != nil {
		return nil, errors.Join(err, s.close(ctx))
	}

	s.providers.Logger.Debug("index loaded",
		"repo", repoPath, "backend", cfg.Store.Backend, "commits", s.ix.LatestOffset())

	return s, nil
}

// facade answers queries from the loaded index.
func (s *session) facade() *query.Facade {
	return query.New(s.ix, s.cfg.Aggregator(s.ix, s.providers.Logger)).WithEmbedder(s.cfg.Embedder())
}

func (s *session) close(ctx context.Context) error {
	var errs []error

	if s.store != nil {
		errs = append(errs, s.store.Close())
	}

	if s.providers.Shutdown != nil {
		if err := s.providers.Shutdown(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}

// closeSession closes s and keeps the first error.
func closeSession(ctx context.Context, s *session, errp *error) {
	if err := s.close(ctx); err != nil && *errp == nil {
		*errp = err
	}
}
