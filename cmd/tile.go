package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/paulmach/osm"
	"github.com/spf13/cobra"
	"github.com/wegman-software/owl-tiler/internal/batch"
	"github.com/wegman-software/owl-tiler/internal/config"
	"github.com/wegman-software/owl-tiler/internal/metrics"
	"github.com/wegman-software/owl-tiler/internal/store/postgis"
	"github.com/wegman-software/owl-tiler/internal/summary"
	"github.com/wegman-software/owl-tiler/internal/tiles"
)

var (
	zoomsStr        string
	changesetsStr   string
	withSummary     bool
	metricsInterval time.Duration
)

var tileCmd = &cobra.Command{
	Use:   "tile",
	Short: "Generate changeset tiles",
	Long: `Cut changeset geometry into tiles at one or more zoom levels.

Each changeset and zoom is tiled in its own transaction. Without --retile,
changesets that already have tiles at a zoom are left untouched, so a run can
be repeated safely. A changeset that fails is logged and skipped; the run exits
with status 1 and prints the failed ids on stdout.

Examples:
  # Tile everything not yet tiled at zoom 16
  owl-tiler tile --zooms 16 --changesets all

  # Redo two changesets at zooms 12 to 16 and refresh the summary
  owl-tiler tile --zooms 12-16 --changesets 1234,5678 --retile --summary`,
	Run: runTile,
}

func init() {
	rootCmd.AddCommand(tileCmd)

	tileCmd.Flags().StringVarP(&zoomsStr, "zooms", "z", "", "Zoom levels, e.g. 16 or 12,14-16 (default from config)")
	tileCmd.Flags().StringVar(&changesetsStr, "changesets", "all", "Comma-separated changeset ids, or \"all\"")
	tileCmd.Flags().BoolVar(&cfg.Retile, "retile", false, "Replace existing tiles instead of skipping tiled changesets")
	tileCmd.Flags().IntVar(&cfg.ChangesetLimit, "limit", cfg.ChangesetLimit, "Maximum changesets selected with --changesets all")
	tileCmd.Flags().DurationVar(&cfg.ChangesetTimeout, "timeout", cfg.ChangesetTimeout, "Time budget per changeset and zoom")
	tileCmd.Flags().IntVar(&cfg.ReduceThreshold, "reduce-threshold", cfg.ReduceThreshold, "Candidate tile count above which coarse pruning runs")
	tileCmd.Flags().BoolVar(&withSummary, "summary", false, "Rebuild the summary tiles after the batch")
	tileCmd.Flags().StringVar(&cfg.MetricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address, e.g. :9108")
	tileCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 0, "Interval for system metrics logging, e.g. 10s (0 disables)")
}

func runTile(cmd *cobra.Command, args []string) {
	if zoomsStr != "" {
		zooms, err := config.ParseZooms(zoomsStr)
		if err != nil {
			exitWithError("invalid zooms", err)
		}
		cfg.Zooms = zooms
	}
	if cmd.Flags().Changed("metrics-interval") {
		cfg.MetricsInterval = metricsInterval
	}
	ids, all, err := config.ParseChangesetIDs(changesetsStr)
	if err != nil {
		exitWithError("invalid changeset selection", err)
	}
	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewTiler()
	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	startMonitoring(bg, m)

	store, err := postgis.Open(ctx, cfg, log)
	if err != nil {
		exitWithError("failed to open database", err)
	}
	defer store.Close()

	driver := batch.NewDriver(store, batch.Options{
		Zooms:   cfg.Zooms,
		Workers: cfg.Workers,
		Timeout: cfg.ChangesetTimeout,
		Retile:  cfg.Retile,
		Limit:   cfg.ChangesetLimit,
		Reducer: &tiles.Reducer{ProbeZooms: cfg.ProbeZooms, Threshold: cfg.ReduceThreshold},
	}, m, log)

	changesetIDs := make([]osm.ChangesetID, 0, len(ids))
	for _, id := range ids {
		changesetIDs = append(changesetIDs, osm.ChangesetID(id))
	}
	if all {
		changesetIDs, err = driver.SelectAll(ctx)
		if err != nil {
			exitWithError("failed to select changesets", err)
		}
	}

	log.Info("Tiling changesets",
		zap.String("database", fmt.Sprintf("%s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)),
		zap.Int("changesets", len(changesetIDs)),
		zap.Ints("zooms", cfg.Zooms),
		zap.Int("workers", cfg.Workers),
		zap.Bool("retile", cfg.Retile))

	report, runErr := driver.Run(ctx, changesetIDs)
	if runErr != nil && !report.Cancelled {
		exitWithError("batch aborted", runErr)
	}

	if withSummary && !report.Cancelled {
		agg := summary.NewAggregator(store, cfg.SummarySourceZoom, cfg.Workers, m, log)
		if _, err := agg.Rebuild(ctx, cfg.SummaryZoom); err != nil {
			exitWithError("failed to rebuild summary", err)
		}
	}

	if failed := report.FailedIDs(); len(failed) > 0 {
		parts := make([]string, len(failed))
		for i, id := range failed {
			parts[i] = fmt.Sprint(int64(id))
		}
		fmt.Println(strings.Join(parts, ","))
	}

	if !report.OK() {
		_ = log.Sync()
		os.Exit(1)
	}
}

// startMonitoring launches the system collector and the metrics endpoint
// when they are configured. Both stop when ctx is cancelled.
func startMonitoring(ctx context.Context, m *metrics.Tiler) {
	if cfg.MetricsInterval > 0 {
		go metrics.NewCollector(cfg.MetricsInterval, log, m).Start(ctx)
	}
	if cfg.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsListen, m, log); err != nil {
				log.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}
}
