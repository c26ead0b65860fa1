package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBranchCmd() *cobra.Command {
	var deleteBranch string
	var force bool
	var from string

	cmd := &cobra.Command{
		Use:   "branch [name]",
		Short: "List, create, or delete branches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}

			if deleteBranch != "" {
				if err := e.DeleteBranch(deleteBranch, force); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted branch '%s'\n", deleteBranch)
				return nil
			}

			if len(args) == 1 {
				base := from
				if base == "" {
					base = e.Config().DefaultBranch
				}
				return e.CreateBranch(args[0], base)
			}

			branches, err := e.Branches()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, b := range branches {
				tip, err := e.ResolveBranch(b)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s\n", shortHash(tip), b)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&deleteBranch, "delete", "d", "", "delete the named branch")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "delete even if unmerged")
	cmd.Flags().StringVar(&from, "from", "", "branch or commit to branch from (default: default branch)")

	return cmd
}
