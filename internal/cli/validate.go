package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// ValidateResult summarises a successfully loaded catalog and rule set.
type ValidateResult struct {
	CatalogVersion string `json:"catalog_version"`
	DataProducts   int    `json:"data_products"`
	Metrics        int    `json:"metrics"`
	RulesetVersion string `json:"ruleset_version"`
	Rules          int    `json:"rules"`
	MinGroupSize   int    `json:"min_group_size"`
}

func newValidateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the catalog and rule-set files",
		Long: `Parse the files named by --catalog and --rules with the same checks the gateway
applies on startup and reload. Exits 1 when either file is rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := root.printer(cmd)
			cat, rs, err := root.load()
			if err != nil {
				return p.fail(ExitFailure, "validation failed", err, nil)
			}

			res := ValidateResult{
				CatalogVersion: cat.Version(),
				DataProducts:   len(cat.Products()),
				Metrics:        len(cat.Metrics()),
				RulesetVersion: rs.Version(),
				Rules:          len(rs.Rules()),
				MinGroupSize:   rs.MinGroupSize(),
			}
			return p.result(res, func(w io.Writer) {
				fmt.Fprintf(w, "catalog %s: %d data products, %d metrics\n", res.CatalogVersion, res.DataProducts, res.Metrics)
				fmt.Fprintf(w, "rules %s: %d rules, min group size %d\n", res.RulesetVersion, res.Rules, res.MinGroupSize)
			})
		},
	}
}
