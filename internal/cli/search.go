package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/upb/analytics-control-plane/services/catalog"
)

func newSearchCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search [terms...]",
		Short: "Search catalog metrics and data products",
		Long:  "Keyword search over names, descriptions and fields. With no terms every entry is listed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := root.printer(cmd)
			cat, err := catalog.LoadFile(root.CatalogPath)
			if err != nil {
				return p.fail(ExitFailure, "failed to load catalog", err, nil)
			}

			results := cat.Search(strings.Join(args, " "))
			if results == nil {
				results = []catalog.SearchResult{}
			}
			return p.result(results, func(w io.Writer) {
				if len(results) == 0 {
					fmt.Fprintln(w, "no matches")
					return
				}
				for _, r := range results {
					fmt.Fprintf(w, "%-12s %s@%s", r.Kind, r.Name, r.Version)
					if r.DataProduct != "" {
						fmt.Fprintf(w, " [%s]", r.DataProduct)
					}
					if r.Description != "" {
						fmt.Fprintf(w, "  %s", r.Description)
					}
					fmt.Fprintln(w)
				}
			})
		},
	}
}
