package cli

import (
	"fmt"

	"github.com/javanhut/hgstore/internal/colors"
	"github.com/spf13/cobra"
)

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of every revlog in the repository",
		Long: `Reconstructs every revision of the changelog, the manifest and every
file revlog, checking node ids and link revisions. Problems are listed and
the command fails if any were found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			report, err := r.Verify(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range report.Problems {
				fmt.Fprintf(out, "%s %s\n", colors.Failure("error:"), p)
			}
			fmt.Fprintf(out, "checked %d revlogs, %d revisions\n", report.Revlogs, report.Revisions)
			if !report.OK() {
				return fmt.Errorf("%d integrity problems found", len(report.Problems))
			}
			fmt.Fprintln(out, colors.Success("no problems found"))
			return nil
		},
	}
}
