package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"
	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/export"
	"github.com/wegman-software/owl-tiler/internal/store/postgis"
	"github.com/wegman-software/owl-tiler/internal/tiles"
)

var (
	sinceStr     string
	queryLimit   int
	querySummary bool
)

var queryCmd = &cobra.Command{
	Use:   "query <z/x/y> [z/x/y]",
	Short: "Print changeset or summary tiles as GeoJSON",
	Long: `Print the tiles of a single tile address, or of the rectangle spanned by two
addresses at the same zoom, as a GeoJSON FeatureCollection on stdout.

Changeset tiles come newest first. --since accepts an RFC 3339 time or a
duration back from now, e.g. 24h.

Examples:
  owl-tiler query 16/32431/21104
  owl-tiler query 16/32430/21100 16/32440/21110 --since 168h --limit 50
  owl-tiler query 10/506/329 --summary`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringVar(&sinceStr, "since", "", "Only changesets at or after this time (RFC 3339 or duration)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum changesets, or summary rows with --summary (0 = no limit)")
	queryCmd.Flags().BoolVar(&querySummary, "summary", false, "Query summary tiles instead of changeset tiles")
}

func runQuery(cmd *cobra.Command, args []string) {
	q, err := parseQuery(args, sinceStr, queryLimit, time.Now())
	if err != nil {
		exitWithError("invalid query", err)
	}

	ctx := context.Background()
	store, err := postgis.Open(ctx, cfg, log)
	if err != nil {
		exitWithError("failed to open database", err)
	}
	defer store.Close()

	var fc *geojson.FeatureCollection
	if querySummary {
		rows, err := store.QuerySummary(ctx, q)
		if err != nil {
			exitWithError("summary query failed", err)
		}
		fc = export.SummaryToGeoJSON(rows)
	} else {
		rows, err := store.QueryTiles(ctx, q)
		if err != nil {
			exitWithError("tile query failed", err)
		}
		fc = export.TilesToGeoJSON(rows)
	}

	if err := export.WriteGeoJSON(os.Stdout, fc); err != nil {
		exitWithError("failed to write GeoJSON", err)
	}
}

// parseQuery builds a tile query from one or two z/x/y corners
func parseQuery(args []string, since string, limit int, now time.Time) (changeset.Query, error) {
	from, err := tiles.Parse(args[0])
	if err != nil {
		return changeset.Query{}, err
	}
	q := changeset.At(from)

	if len(args) > 1 {
		to, err := tiles.Parse(args[1])
		if err != nil {
			return changeset.Query{}, err
		}
		if to.Z != from.Z {
			return changeset.Query{}, fmt.Errorf("corners %s and %s are at different zooms", from, to)
		}
		q.X1, q.X2 = min(from.X, to.X), max(from.X, to.X)
		q.Y1, q.Y2 = min(from.Y, to.Y), max(from.Y, to.Y)
	}

	if since != "" {
		t, err := parseSince(since, now)
		if err != nil {
			return changeset.Query{}, err
		}
		q.Since = t
	}
	q.Limit = limit

	return q, q.Validate()
}

func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC 3339 time or positive duration", s)
	}
	return now.Add(-d), nil
}
