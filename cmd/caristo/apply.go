package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zoobzio/caristo/blueprint"
)

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <root> <blueprint.yaml>",
		Short: "Materialize a blueprint file under root",
		Long: `apply reads a blueprint in mini-notation and makes the tree under root
match it. Keys starting with # are settings (#type, #content, #to, #clear);
every other key is a child entry.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve root: %w", err)
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read blueprint: %w", err)
			}
			tree, err := blueprint.Parse(data)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[1], err)
			}
			stats, err := blueprint.NewOSMaterializer().Materialize(root, tree)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, replaced %d, removed %d, cleared %d, unchanged %d\n",
				stats.Created, stats.Replaced, stats.Removed, stats.Cleared, stats.Unchanged)
			return nil
		},
	}
}
