// Package batch runs tile generation over many changesets and zoom levels
// with a bounded worker pool. A unit that fails is reported and skipped;
// only infrastructure errors stop the batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/generate"
	"github.com/wegman-software/owl-tiler/internal/logger"
	"github.com/wegman-software/owl-tiler/internal/metrics"
	"github.com/wegman-software/owl-tiler/internal/tiles"
)

// progressInterval is the minimum time between progress log lines
const progressInterval = 10 * time.Second

// Options configures a batch run
type Options struct {
	Zooms   []int
	Workers int
	Timeout time.Duration // per changeset and zoom; zero disables
	Retile  bool
	Limit   int // max changesets picked by SelectAll
	Reducer *tiles.Reducer
}

// Failure is a unit that ended in the Failed state
type Failure struct {
	ChangesetID osm.ChangesetID
	Zoom        int
	Err         error
}

func (f Failure) String() string {
	return fmt.Sprintf("changeset %d zoom %d: %v", f.ChangesetID, f.Zoom, f.Err)
}

// Report summarizes a batch run
type Report struct {
	Changesets int
	Units      int
	Committed  int
	Noops      int
	Fallbacks  int
	Tiles      int
	Removed    int64
	Failures   []Failure
	Cancelled  bool
	Duration   time.Duration
}

// OK reports whether every unit committed
func (r *Report) OK() bool {
	return len(r.Failures) == 0 && !r.Cancelled
}

// FailedIDs returns the distinct changesets with at least one failed unit
func (r *Report) FailedIDs() []osm.ChangesetID {
	seen := make(map[osm.ChangesetID]bool)
	var ids []osm.ChangesetID
	for _, f := range r.Failures {
		if !seen[f.ChangesetID] {
			seen[f.ChangesetID] = true
			ids = append(ids, f.ChangesetID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Driver selects changesets and fans generation out to workers
type Driver struct {
	store   changeset.Store
	gen     *generate.Generator
	opts    Options
	locks   *keyedMutex
	metrics *metrics.Tiler
	log     *zap.Logger
}

// NewDriver creates a batch driver over store
func NewDriver(store changeset.Store, opts Options, m *metrics.Tiler, log *zap.Logger) *Driver {
	log = logger.OrNop(log)
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Driver{
		store: store,
		gen: generate.New(store, generate.Options{
			Retile:  opts.Retile,
			Reducer: opts.Reducer,
			Metrics: m,
		}, log),
		opts:    opts,
		locks:   newKeyedMutex(),
		metrics: m,
		log:     log,
	}
}

// SelectAll returns the changesets an "all" run should process: those with
// geometry and, unless retiling, without tiles yet.
func (d *Driver) SelectAll(ctx context.Context) ([]osm.ChangesetID, error) {
	ids, err := d.store.SelectChangesets(ctx, d.opts.Retile, d.opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("selecting changesets: %w", err)
	}
	return ids, nil
}

// Run generates every changeset in ids at every configured zoom. Unit
// failures are collected in the report; the returned error is non-nil only
// when the batch itself could not finish. Cancelling ctx stops dispatch of
// new units while units already running complete or roll back.
func (d *Driver) Run(ctx context.Context, ids []osm.ChangesetID) (*Report, error) {
	start := time.Now()
	report := &Report{Changesets: len(ids), Units: len(ids) * len(d.opts.Zooms)}

	d.log.Info("Starting batch",
		zap.Int("changesets", len(ids)),
		zap.Ints("zooms", d.opts.Zooms),
		zap.Int("workers", d.opts.Workers),
		zap.Bool("retile", d.opts.Retile))

	var (
		mu      sync.Mutex
		done    int
		lastLog = time.Now()
	)
	tracker := NewProgressTracker(report.Units)

	record := func(res *generate.Result, err error) {
		mu.Lock()
		defer mu.Unlock()

		done++
		if err != nil {
			report.Failures = append(report.Failures, Failure{ChangesetID: res.ChangesetID, Zoom: res.Zoom, Err: err})
		} else {
			report.Committed++
			report.Tiles += res.Tiles
			report.Removed += res.Removed
			if res.Noop {
				report.Noops++
			}
		}
		if res.Fallback {
			report.Fallbacks++
		}

		if time.Since(lastLog) >= progressInterval {
			lastLog = time.Now()
			p := tracker.Calculate(done)
			d.log.Info("Progress",
				zap.Int("done", p.Done),
				zap.Int("total", p.Total),
				zap.Float64("pct", float64(int(p.Percentage*10))/10),
				zap.String("rate", FormatThroughput(p.Throughput)),
				zap.String("eta", FormatETA(p.ETA)),
				zap.Int("failed", len(report.Failures)))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)

dispatch:
	for _, id := range ids {
		for _, zoom := range d.opts.Zooms {
			if gctx.Err() != nil {
				break dispatch
			}
			id, zoom := id, zoom
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				res, err := d.runUnit(gctx, id, zoom)
				if err != nil && !d.isUnitFailure(gctx, err) {
					return fmt.Errorf("changeset %d zoom %d: %w", id, zoom, err)
				}
				record(res, err)
				return nil
			})
		}
	}

	err := g.Wait()
	report.Duration = time.Since(start)
	report.Cancelled = ctx.Err() != nil

	d.log.Info("Batch finished",
		zap.Int("units", report.Units),
		zap.Int("committed", report.Committed),
		zap.Int("noop", report.Noops),
		zap.Int("fallback", report.Fallbacks),
		zap.Int("failed", len(report.Failures)),
		zap.Int("tiles", report.Tiles),
		zap.Bool("cancelled", report.Cancelled),
		zap.Duration("duration", report.Duration))

	if err != nil {
		return report, err
	}
	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// runUnit generates one changeset and zoom under its lock and time budget.
// The unit gets its own context so that cancelling the batch does not cut a
// transaction short.
func (d *Driver) runUnit(ctx context.Context, id osm.ChangesetID, zoom int) (*generate.Result, error) {
	unlock := d.locks.Lock(unitKey{id: int64(id), zoom: zoom})
	defer unlock()

	unitCtx := context.WithoutCancel(ctx)
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(unitCtx, d.opts.Timeout)
		defer cancel()
	}

	res, err := d.gen.Generate(unitCtx, id, zoom)
	if err == nil {
		d.log.Info("Changeset tiled",
			zap.Int64("changeset_id", int64(id)),
			zap.Int("zoom", zoom),
			zap.Int("tiles", res.Tiles),
			zap.Bool("noop", res.Noop),
			zap.Bool("fallback", res.Fallback),
			zap.Duration("duration", res.Duration))
		return res, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && unitCtx.Err() != nil {
		err = fmt.Errorf("%w: exceeded %s budget", err, d.opts.Timeout)
	}
	d.log.Error("Changeset failed",
		zap.Int64("changeset_id", int64(id)),
		zap.Int("zoom", zoom),
		zap.String("state", res.State.String()),
		zap.Error(err))
	return res, err
}

// isUnitFailure reports whether err only affects its own unit. A blown
// time budget counts as a unit failure.
func (d *Driver) isUnitFailure(ctx context.Context, err error) bool {
	if changeset.IsUnitFailure(err) {
		return true
	}
	return d.opts.Timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}
