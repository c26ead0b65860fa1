package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/merge"
)

func newResolveCmd() *cobra.Command {
	var take string
	var textFile string
	var finalize bool

	cmd := &cobra.Command{
		Use:   "resolve <session> [path]",
		Short: "Resolve conflicts in an open merge session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			sessionID := args[0]

			if len(args) == 2 {
				choice := merge.ResolutionChoice(take)
				var customText string
				if choice == merge.ChoiceCustom {
					if textFile == "" {
						return fmt.Errorf("--file is required with --take custom")
					}
					raw, err := os.ReadFile(textFile)
					if err != nil {
						return err
					}
					customText = string(raw)
				}
				if err := e.ResolveConflict(sessionID, args[1], choice, customText); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s (%s)\n", args[1], take)
			}

			if !finalize {
				return nil
			}
			res, err := e.FinalizeMerge(sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merge finalized at %s\n", shortHash(res.Commit))
			return nil
		},
	}

	cmd.Flags().StringVar(&take, "take", "", "resolution: ours, theirs, or custom")
	cmd.Flags().StringVar(&textFile, "file", "", "file with replacement definition for --take custom")
	cmd.Flags().BoolVar(&finalize, "finalize", false, "commit the merge once all conflicts are resolved")

	return cmd
}

func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <session>",
		Short: "Abort an open merge session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			if err := e.AbortMerge(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "aborted merge session %s\n", args[0])
			return nil
		},
	}
}
