package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newLogCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log <branch>",
		Short: "Show commit history of a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			entries, err := e.History(args[0], limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, entry := range entries {
				when := time.Unix(entry.Commit.Timestamp, 0).UTC().Format(time.RFC3339)
				marker := ""
				if entry.Commit.IsMerge() {
					marker = " (merge)"
				}
				fmt.Fprintf(out, "%s %s %s %s%s\n",
					shortHash(entry.Hash), when, entry.Commit.Author, entry.Commit.Message, marker)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum commits to show (0 = all)")

	return cmd
}
