package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute hashes of every reachable object",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			report, err := e.Verify(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "verified %d commits, %d trees, %d blobs\n",
				report.Commits, report.Trees, report.Blobs)
			if report.Clean() {
				return nil
			}
			for _, h := range report.Corrupt {
				fmt.Fprintf(out, "corrupt: %s\n", h)
			}
			return fmt.Errorf("%d corrupt objects", len(report.Corrupt))
		},
	}
}
