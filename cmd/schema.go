package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/wegman-software/owl-tiler/internal/store/postgis"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the tile tables and indexes",
	Long: `Create the changeset_tiles and summary_tiles tables with their indexes in
the configured schema. Existing tables are left as they are, so this is safe to
run on every deploy. The changesets and changes tables are expected to exist.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		store, err := postgis.Open(ctx, cfg, log)
		if err != nil {
			exitWithError("failed to open database", err)
		}
		defer store.Close()

		if err := store.CreateSchema(ctx); err != nil {
			exitWithError("failed to create schema", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
