package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/drift"
)

func newDriftCmd() *cobra.Command {
	var branch string

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare a branch snapshot against the live database",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			if branch == "" {
				branch = e.Config().DefaultBranch
			}
			reader, closer, err := openCatalog()
			if err != nil {
				return err
			}
			defer closer()

			report, err := e.DetectDrift(cmd.Context(), branch, reader)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if report.Clean() {
				fmt.Fprintf(out, "no drift: %d objects match '%s'\n", report.Checked, branch)
				return nil
			}
			for _, f := range report.Findings {
				switch f.Class {
				case drift.ClassModified:
					fmt.Fprintf(out, "~ %s changed:%s\n", f.Path, componentList(f))
				case drift.ClassAdded:
					fmt.Fprintf(out, "+ %s exists in the database but not in '%s'\n", f.Path, branch)
				case drift.ClassDropped:
					fmt.Fprintf(out, "- %s is tracked in '%s' but missing from the database\n", f.Path, branch)
				}
			}
			return fmt.Errorf("%d drifted objects", len(report.Findings))
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "branch to compare against (default: repository default)")

	return cmd
}

func componentList(f drift.Finding) string {
	var s string
	for _, c := range f.Components {
		s += " " + string(c)
	}
	return s
}
