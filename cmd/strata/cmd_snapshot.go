package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/strata/pkg/engine"
	"github.com/odvcencio/strata/pkg/schema"
)

func newSnapshotCmd() *cobra.Command {
	var branch string
	var message string
	var dir string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture a complete schema snapshot and commit it",
		Long: `Capture a complete schema snapshot and commit it to a branch.

By default definitions are read from the live database configured in
strata.yaml. With --dir, definitions are read from .sql files laid out as
<kind>/<qualified name>.sql instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			if branch == "" {
				branch = e.Config().DefaultBranch
			}
			if message == "" {
				message = "schema snapshot"
			}

			var defs []engine.Definition
			if dir != "" {
				defs, err = readDefinitionDir(dir)
			} else {
				defs, err = readCatalogDefinitions(cmd)
			}
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				return fmt.Errorf("no definitions to snapshot")
			}

			commit, err := e.Snapshot(cmd.Context(), branch, message, defs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s %s] %s (%d objects)\n",
				branch, shortHash(commit), message, len(defs))
			return nil
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "branch to commit to (default: repository default)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringVar(&dir, "dir", "", "read definitions from .sql files instead of the live catalog")

	return cmd
}

func readCatalogDefinitions(cmd *cobra.Command) ([]engine.Definition, error) {
	reader, closer, err := openCatalog()
	if err != nil {
		return nil, err
	}
	defer closer()

	refs, err := reader.ListObjects(cmd.Context())
	if err != nil {
		return nil, err
	}
	defs := make([]engine.Definition, 0, len(refs))
	for _, ref := range refs {
		text, err := reader.ReadDefinition(cmd.Context(), ref)
		if err != nil {
			return nil, err
		}
		defs = append(defs, engine.Definition{Kind: ref.Kind, Name: ref.Name, Text: text})
	}
	return defs, nil
}

func readDefinitionDir(dir string) ([]engine.Definition, error) {
	var defs []engine.Definition
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		kindDir, file, ok := strings.Cut(filepath.ToSlash(rel), "/")
		if !ok {
			return fmt.Errorf("definition file %q is not under a kind directory", rel)
		}
		kind, err := schema.ParseKind(kindDir)
		if err != nil {
			return fmt.Errorf("definition file %q: %w", rel, err)
		}
		text, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		defs = append(defs, engine.Definition{
			Kind: kind,
			Name: strings.TrimSuffix(file, ".sql"),
			Text: string(text),
		})
		return nil
	})
	return defs, err
}
