// Package summary rebuilds the coarse summary tiles from committed changeset
// tiles. A rebuild must not overlap a tiling batch at the source zoom.
package summary

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/logger"
	"github.com/wegman-software/owl-tiler/internal/metrics"
	"github.com/wegman-software/owl-tiler/internal/tiles"
)

// Result describes one rebuild
type Result struct {
	Zoom     int
	Rows     int
	Removed  int64
	Chunks   int
	Duration time.Duration
}

// Aggregator computes summary tiles in parallel column ranges
type Aggregator struct {
	store      changeset.SummaryStore
	sourceZoom int
	workers    int
	metrics    *metrics.Tiler
	log        *zap.Logger
}

// NewAggregator creates an aggregator reading tiles at sourceZoom
func NewAggregator(store changeset.SummaryStore, sourceZoom, workers int, m *metrics.Tiler, log *zap.Logger) *Aggregator {
	if workers < 1 {
		workers = 1
	}
	return &Aggregator{
		store:      store,
		sourceZoom: sourceZoom,
		workers:    workers,
		metrics:    m,
		log:        logger.OrNop(log),
	}
}

// Rebuild clears the summary tiles at zoom and recomputes all of them
func (a *Aggregator) Rebuild(ctx context.Context, zoom int) (*Result, error) {
	if zoom < 0 || zoom > a.sourceZoom || a.sourceZoom > tiles.MaxZoom {
		return nil, fmt.Errorf("summary zoom %d with source zoom %d: %w", zoom, a.sourceZoom, changeset.ErrInvalidCoordinate)
	}

	start := time.Now()
	ranges := columnRanges(1<<zoom, a.workers*4)
	parts := make([][]changeset.Summary, len(ranges))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			rows, err := a.store.AggregateSummary(gctx, zoom, a.sourceZoom, r[0], r[1])
			if err != nil {
				return fmt.Errorf("aggregating columns %d-%d: %w", r[0], r[1]-1, err)
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rows []changeset.Summary
	for _, p := range parts {
		rows = append(rows, p...)
	}

	removed, err := a.store.ReplaceSummary(ctx, zoom, rows)
	if err != nil {
		return nil, fmt.Errorf("replacing summary at zoom %d: %w", zoom, err)
	}

	res := &Result{
		Zoom:     zoom,
		Rows:     len(rows),
		Removed:  removed,
		Chunks:   len(ranges),
		Duration: time.Since(start),
	}
	a.metrics.SummaryRebuilt(zoom, res.Rows)
	a.log.Info("Summary rebuilt",
		zap.Int("zoom", zoom),
		zap.Int("source_zoom", a.sourceZoom),
		zap.Int("tiles", res.Rows),
		zap.Int64("removed", removed),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// columnRanges splits [0, n) into at most parts half-open ranges
func columnRanges(n, parts int) [][2]int {
	if parts < 1 {
		parts = 1
	}
	if parts > n {
		parts = n
	}
	size := (n + parts - 1) / parts

	var out [][2]int
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		out = append(out, [2]int{lo, hi})
	}
	return out
}
