package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/owl-tiler/internal/metrics"
	"github.com/wegman-software/owl-tiler/internal/store/postgis"
	"github.com/wegman-software/owl-tiler/internal/summary"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Rebuild the summary tiles",
	Long: `Recompute the summary tiles from the committed changeset tiles.

Every summary tile counts the distinct changesets with a tile at the source
zoom inside it and records the most recent of them. The existing summary rows
are replaced in one transaction. Do not run this while a tiling batch is
writing at the source zoom.`,
	Run: runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)

	summaryCmd.Flags().IntVar(&cfg.SummaryZoom, "zoom", cfg.SummaryZoom, "Summary zoom level")
	summaryCmd.Flags().IntVar(&cfg.SummarySourceZoom, "source-zoom", cfg.SummarySourceZoom, "Zoom of the changeset tiles to count")
}

func runSummary(cmd *cobra.Command, args []string) {
	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgis.Open(ctx, cfg, log)
	if err != nil {
		exitWithError("failed to open database", err)
	}
	defer store.Close()

	agg := summary.NewAggregator(store, cfg.SummarySourceZoom, cfg.Workers, metrics.NewTiler(), log)
	res, err := agg.Rebuild(ctx, cfg.SummaryZoom)
	if err != nil {
		exitWithError("failed to rebuild summary", err)
	}

	log.Info("Summary complete",
		zap.Int("zoom", res.Zoom),
		zap.Int("tiles", res.Rows),
		zap.Int64("replaced", res.Removed))
}
