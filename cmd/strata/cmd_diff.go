package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/tree"
)

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <before> <after>",
		Short: "Show object-level changes between two revisions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			changes, err := e.Diff(args[0], args[1])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, c := range changes {
				switch c.Type {
				case tree.Added:
					fmt.Fprintf(out, "A %s\n", c.Path)
				case tree.Removed:
					fmt.Fprintf(out, "D %s\n", c.Path)
				case tree.Modified:
					fmt.Fprintf(out, "M %s (%s -> %s)\n",
						c.Path, shortHash(c.OldHash), shortHash(c.NewHash))
				}
			}
			return nil
		},
	}
}
