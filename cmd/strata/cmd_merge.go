package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/merge"
)

func newMergeCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "merge <source>",
		Short: "Merge a branch into another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			if target == "" {
				target = e.Config().DefaultBranch
			}

			res, err := e.Merge(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch res.Status {
			case merge.StatusUpToDate:
				fmt.Fprintf(out, "'%s' is already up to date\n", target)
			case merge.StatusFastForward:
				fmt.Fprintf(out, "fast-forwarded '%s' to %s\n", target, shortHash(res.Commit))
			case merge.StatusCompleted:
				fmt.Fprintf(out, "merged '%s' into '%s' at %s\n", args[0], target, shortHash(res.Commit))
			case merge.StatusAwaitingResolution:
				fmt.Fprintf(out, "merge of '%s' into '%s' has conflicts (session %s):\n",
					args[0], target, res.Session.ID)
				for _, c := range res.Session.Conflicts() {
					fmt.Fprintf(out, "  %s%s\n", c.Path, conflictShape(c))
				}
				fmt.Fprintf(out, "resolve with: strata resolve %s <path> --take ours|theirs|custom\n",
					res.Session.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "into", "", "target branch (default: repository default)")

	return cmd
}

func newMergeBaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge-base <rev> <rev>",
		Short: "Print the nearest common ancestor of two revisions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			base, found, err := e.MergeBase(args[0], args[1])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("'%s' and '%s' share no common ancestor", args[0], args[1])
			}
			fmt.Fprintln(cmd.OutOrStdout(), base)
			return nil
		},
	}
}

func conflictShape(c merge.Conflict) string {
	switch {
	case c.BaseHash == "":
		return " (added on both sides)"
	case c.SourceHash == "":
		return " (deleted in source, modified in target)"
	case c.TargetHash == "":
		return " (modified in source, deleted in target)"
	}
	return ""
}
