package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services/evidence"
)

func newVerifyCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <pack.json>",
		Short: "Recompute an evidence pack's SQL hash",
		Long:  "Recompute the SHA-256 of the pack's SQL and compare it with the recorded sql_hash. Exits 1 on mismatch.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := root.printer(cmd)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return p.fail(ExitCommandError, "failed to read evidence pack", err, nil)
			}
			pack, err := models.UnmarshalEvidencePack(data)
			if err != nil {
				return p.fail(ExitCommandError, "not an evidence pack", err, nil)
			}
			if pack.SQL() == "" || pack.SQLHash() == "" {
				return p.fail(ExitCommandError, "evidence pack has no sql or sql_hash", nil, nil)
			}

			res := evidence.Verify(pack)
			if err := p.result(res, func(w io.Writer) {
				status := "valid"
				if !res.Valid {
					status = "MISMATCH"
				}
				fmt.Fprintf(w, "%s %s\n", status, pack.ID())
				fmt.Fprintf(w, "recorded:   %s\n", res.SQLHash)
				fmt.Fprintf(w, "recomputed: %s\n", res.RecomputedHash)
			}); err != nil {
				return err
			}
			if !res.Valid {
				return exitError(ExitFailure, "sql_hash does not match the SQL", nil)
			}
			return nil
		},
	}
}
