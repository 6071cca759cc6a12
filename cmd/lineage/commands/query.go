package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/observability"
	"github.com/Sumatoshi-tech/lineage/pkg/query"
	"github.com/Sumatoshi-tech/lineage/pkg/render"
)

// Query command errors.
var (
	// ErrFeaturesSelector is returned unless exactly one of --commit and --feature is set.
	ErrFeaturesSelector = errors.New("exactly one of --commit or --feature is required")
	// ErrUnknownChangeKind rejects a --kind value.
	ErrUnknownChangeKind = errors.New("unknown change kind")
	// ErrUnknownEntityKind rejects an --entity-kind value.
	ErrUnknownEntityKind = errors.New("unknown entity kind")
)

// withFacade opens a read session, runs fn against it and renders the
// value fn returns in format.
func (a *app) withFacade(
	cmd *cobra.Command, format string, fn func(ctx context.Context, f *query.Facade) (any, error),
) (err error) {
	out, err := render.ParseFormat(format)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	s, err := a.open(ctx, observability.ModeCLI, cmd.ErrOrStderr(), nil)
	if err != nil {
		return err
	}
	defer closeSession(ctx, s, &err)

	v, err := fn(ctx, s.facade())
	if err != nil {
		return err
	}

	return render.Write(cmd.OutOrStdout(), out, v)
}

func formatFlag(cmd *cobra.Command, format *string) {
	cmd.Flags().StringVarP(format, "format", "o", string(render.FormatTable), "Output format: table, json or yaml")
}

func (a *app) queryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Structured history queries",
	}

	cmd.AddCommand(
		a.changedCommand(),
		a.entityCommand("ownership", "Ownership shares of an entity over time",
			func(ctx context.Context, f *query.Facade, key model.EntityKey) (any, error) {
				return f.OwnershipOverTime(ctx, key)
			}),
		a.entityCommand("complexity", "Complexity score of an entity after every change",
			func(ctx context.Context, f *query.Facade, key model.EntityKey) (any, error) {
				return f.ComplexityTrend(ctx, key)
			}),
		a.entityCommand("touching", "Commits that changed an entity",
			func(_ context.Context, f *query.Facade, key model.EntityKey) (any, error) {
				return f.CommitsTouching(key), nil
			}),
		a.featuresCommand(),
		a.resolveCommand(),
	)

	return cmd
}

// changedOptions holds the query changed flags.
type changedOptions struct {
	name       string
	path       string
	entityKind string
	kind       string
	author     string
	from       string
	to         string
	format     string
}

func (o changedOptions) match() (query.Match, error) {
	m := query.Match{
		Name:       o.name,
		Path:       o.path,
		EntityKind: model.EntityKind(strings.ToLower(o.entityKind)),
		Kind:       model.ChangeKind(strings.ToLower(o.kind)),
		Author:     o.author,
	}

	if m.EntityKind != "" && !m.EntityKind.Valid() {
		return query.Match{}, fmt.Errorf("%w: %q", ErrUnknownEntityKind, o.entityKind)
	}

	if m.Kind != "" && !m.Kind.Valid() {
		return query.Match{}, fmt.Errorf("%w: %q", ErrUnknownChangeKind, o.kind)
	}

	return m, nil
}

func (a *app) changedCommand() *cobra.Command {
	var opts changedOptions

	cmd := &cobra.Command{
		Use:   "changed",
		Short: "Entity changes in a time range",
		Long: `List the change events of matching entities between --from and --to.
Both bounds are inclusive; a date-only --to covers the whole day.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.match()
			if err != nil {
				return err
			}

			from, err := query.ParseTime(opts.from)
			if err != nil {
				return err
			}

			to, err := query.ParseTime(opts.to)
			if err != nil {
				return err
			}

			return a.withFacade(cmd, opts.format, func(_ context.Context, f *query.Facade) (any, error) {
				return f.ChangedBetween(m, from, query.EndOfDay(opts.to, to)), nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "Substring of the qualified entity name")
	cmd.Flags().StringVar(&opts.path, "path", "", "Substring of the file path")
	cmd.Flags().StringVar(&opts.entityKind, "entity-kind", "", "file, module, class or function")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "Change kind, e.g. added, renamed or modified")
	cmd.Flags().StringVar(&opts.author, "author", "", "Author email or name")
	cmd.Flags().StringVar(&opts.from, "from", "", "Inclusive lower bound (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&opts.to, "to", "", "Inclusive upper bound (YYYY-MM-DD or RFC3339)")
	formatFlag(cmd, &opts.format)

	return cmd
}

// entityCommand builds a query over one entity. The argument is resolved
// to the best matching entity; no match renders a not-found result.
func (a *app) entityCommand(
	use, short string, run func(ctx context.Context, f *query.Facade, key model.EntityKey) (any, error),
) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   use + " <entity>",
		Short: short,
		Long:  short + ".\n\nThe entity is an entity key, a qualified name such as Server.Start or a file path.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFacade(cmd, format, func(ctx context.Context, f *query.Facade) (any, error) {
				key, ok := f.KeyOf(args[0])
				if !ok {
					return query.ResolveResult{Status: query.StatusNotFound}, nil
				}

				return run(ctx, f, key)
			})
		},
	}

	formatFlag(cmd, &format)

	return cmd
}

func (a *app) featuresCommand() *cobra.Command {
	var commit, featureID, format string

	cmd := &cobra.Command{
		Use:   "features",
		Short: "Feature links of a commit, or the commits of a feature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (commit == "") == (featureID == "") {
				return ErrFeaturesSelector
			}

			return a.withFacade(cmd, format, func(_ context.Context, f *query.Facade) (any, error) {
				if commit != "" {
					return f.FeaturesForCommit(model.CommitID(strings.ToLower(commit))), nil
				}

				return f.CommitsForFeature(featureID), nil
			})
		},
	}

	cmd.Flags().StringVar(&commit, "commit", "", "Full commit id")
	cmd.Flags().StringVar(&featureID, "feature", "", "Feature id, e.g. #42 or AUTH-7")
	formatFlag(cmd, &format)

	return cmd
}

func (a *app) resolveCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "resolve <text>",
		Short: "Entities matching a key, name or path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFacade(cmd, format, func(_ context.Context, f *query.Facade) (any, error) {
				return f.ResolveEntity(args[0]), nil
			})
		},
	}

	formatFlag(cmd, &format)

	return cmd
}

func (a *app) askCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a free-text question about the history",
		Long: `Answer a free-text question such as:

  lineage ask 'who owns "Server.Start"?'
  lineage ask "how did the complexity of parseConfig change"
  lineage ask "show the history of handleRequest"

Quote entity names with double quotes when they are ambiguous.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withFacade(cmd, format, func(ctx context.Context, f *query.Facade) (any, error) {
				return f.Ask(ctx, strings.Join(args, " "))
			})
		},
	}

	formatFlag(cmd, &format)

	return cmd
}

func (a *app) summaryCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Overview of the indexed history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withFacade(cmd, format, func(_ context.Context, f *query.Facade) (any, error) {
				return f.Summary(), nil
			})
		},
	}

	formatFlag(cmd, &format)

	return cmd
}
