package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wegman-software/owl-tiler/internal/export"
	"github.com/wegman-software/owl-tiler/internal/store/postgis"
)

var (
	exportZoom   int
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all changeset tiles of a zoom level to Parquet",
	Long: `Write every changeset tile at one zoom level to a Parquet file with the
columns changeset_id, zoom, x, y, tstamp and geom_wkb (EWKB, SRID 4326).`,
	Args: cobra.NoArgs,
	Run:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().IntVar(&exportZoom, "zoom", 16, "Zoom level to export")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output Parquet file (default changeset_tiles_z<zoom>.parquet)")
}

func runExport(cmd *cobra.Command, args []string) {
	if exportOutput == "" {
		exportOutput = fmt.Sprintf("changeset_tiles_z%d.parquet", exportZoom)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgis.Open(ctx, cfg, log)
	if err != nil {
		exitWithError("failed to open database", err)
	}
	defer store.Close()

	if _, err := export.ExportZoom(ctx, store, exportZoom, exportOutput, log); err != nil {
		exitWithError("export failed", err)
	}
}
