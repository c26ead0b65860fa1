package main

import (
	"fmt"
	"os"

	"github.com/go-git/go-billy/v6/osfs"
	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/engine"
)

func newInitCmd() *cobra.Command {
	var branch string
	var author string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an empty schema repository in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if author == "" {
				tc, err := loadToolConfig()
				if err != nil {
					return err
				}
				author = tc.Author
			}
			if author == "" {
				author = os.Getenv("USER")
			}

			_, err := engine.Init(osfs.New("."), &engine.Config{
				DefaultBranch: branch,
				Author:        author,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized empty schema repository in %s\n", engine.RepoDirName)
			return nil
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "main", "default branch name")
	cmd.Flags().StringVar(&author, "author", "", "commit author (default: strata.yaml or $USER)")

	return cmd
}
