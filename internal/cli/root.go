package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/internal/observability"
	"github.com/upb/analytics-control-plane/services/catalog"
	"github.com/upb/analytics-control-plane/services/policy"
)

// RootOptions holds the global flags.
type RootOptions struct {
	Format       string // text | json
	CatalogPath  string
	RulesPath    string
	MinGroupSize int
	Verbose      bool
}

// NewRootCommand creates the govctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "govctl",
		Short: "Offline tooling for the analytics governance catalog and rules",
		Long: `govctl compiles plans, validates catalog and rule files, verifies evidence packs
and searches the catalog without a running gateway. Nothing is executed against
the analytics engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: use text or json", opts.Format)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Format, "format", "text", "output format (text|json)")
	flags.StringVar(&opts.CatalogPath, "catalog", "", "catalog file (default: embedded catalog)")
	flags.StringVar(&opts.RulesPath, "rules", "", "rule-set file (default: embedded rules)")
	flags.IntVar(&opts.MinGroupSize, "min-group-size", 10, "deployment minimum group size")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "log pipeline stages to stderr")

	cmd.AddCommand(newCompileCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newSearchCommand(opts))

	return cmd
}

func (o *RootOptions) printer(cmd *cobra.Command) *printer {
	return &printer{format: o.Format, out: cmd.OutOrStdout()}
}

func (o *RootOptions) logger() *zap.Logger {
	if !o.Verbose {
		return zap.NewNop()
	}
	logger, err := observability.NewLogger("development", "debug", "text")
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// load parses the selected catalog and rule set.
func (o *RootOptions) load() (*catalog.Catalog, *policy.RuleSet, error) {
	cat, err := catalog.LoadFile(o.CatalogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}
	rs, err := policy.LoadRuleSetFile(o.RulesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("rules: %w", err)
	}
	return cat, rs, nil
}
