// Package generate tiles one changeset at one zoom level inside a
// transaction, falling back to collect when the union merge faults.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/loader"
	"github.com/wegman-software/owl-tiler/internal/logger"
	"github.com/wegman-software/owl-tiler/internal/metrics"
	"github.com/wegman-software/owl-tiler/internal/tiles"
)

// State is the position of a unit in the generation state machine
type State int

const (
	StateIdle State = iota
	StateStaging
	StateMaterializing
	StateMaterializingRetry
	StateCommitted
	StateFailed
)

var stateNames = [...]string{"idle", "staging", "materializing", "materializing_retry", "committed", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Result describes one generated changeset and zoom
type Result struct {
	ChangesetID osm.ChangesetID
	Zoom        int
	State       State
	Tiles       int   // rows present after the run
	Removed     int64 // rows cleared by a retile
	Fallback    bool  // materialized with collect after a union fault
	Noop        bool  // already tiled, nothing written
	Skipped     int   // entities skipped while staging
	Duration    time.Duration
}

// Options configures a Generator
type Options struct {
	Retile  bool
	Reducer *tiles.Reducer
	Metrics *metrics.Tiler
}

// Generator drives a single changeset and zoom from edits to committed tiles
type Generator struct {
	store   changeset.Store
	loader  *loader.Loader
	writer  *Writer
	reducer *tiles.Reducer
	retile  bool
	metrics *metrics.Tiler
	log     *zap.Logger
}

// New creates a generator over store
func New(store changeset.Store, opts Options, log *zap.Logger) *Generator {
	log = logger.OrNop(log)
	reducer := opts.Reducer
	if reducer == nil {
		reducer = tiles.NewReducer()
	}
	return &Generator{
		store:   store,
		loader:  loader.New(log),
		writer:  NewWriter(log),
		reducer: reducer,
		retile:  opts.Retile,
		metrics: opts.Metrics,
		log:     log,
	}
}

// Generate tiles changeset id at zoom. The first attempt merges with union;
// if it hits a geometry engine fault the transaction is rolled back and the
// whole unit is redone once with collect. The returned Result is never nil;
// its State is StateCommitted on success and StateFailed otherwise.
func (g *Generator) Generate(ctx context.Context, id osm.ChangesetID, zoom int) (*Result, error) {
	res := &Result{ChangesetID: id, Zoom: zoom, State: StateIdle}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		g.metrics.ObserveUnit(zoom, res.State.String(), res.Duration, res.written(), res.Removed, res.Fallback)
	}()

	if zoom < 0 || zoom > tiles.MaxZoom {
		res.State = StateFailed
		return res, fmt.Errorf("zoom %d: %w", zoom, changeset.ErrInvalidCoordinate)
	}

	err := g.attempt(ctx, res, MergeUnion)
	if errors.Is(err, changeset.ErrGeometryEngineFault) {
		g.log.Warn("Union failed, retrying with collect",
			zap.Int64("changeset_id", int64(id)),
			zap.Int("zoom", zoom),
			zap.Error(err))
		res.State = StateMaterializingRetry
		res.Fallback = true
		err = g.attempt(ctx, res, MergeCollect)
	}
	if err != nil {
		res.State = StateFailed
		return res, err
	}

	res.State = StateCommitted
	return res, nil
}

// attempt runs one transaction. Nothing it wrote survives an error.
func (g *Generator) attempt(ctx context.Context, res *Result, op MergeOp) (err error) {
	tx, err := g.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && err == nil {
			err = fmt.Errorf("rollback: %w", rbErr)
		}
	}()

	id, zoom := res.ChangesetID, res.Zoom

	if g.retile {
		removed, err := g.writer.ClearTiles(ctx, tx, id, zoom)
		if err != nil {
			return err
		}
		res.Removed = removed
	} else {
		existing, err := tx.CountTiles(ctx, id, zoom)
		if err != nil {
			return fmt.Errorf("counting tiles of changeset %d: %w", id, err)
		}
		if existing > 0 {
			res.Noop = true
			res.Tiles = existing
			return tx.Commit(ctx)
		}
	}

	if op == MergeUnion {
		res.State = StateStaging
	}
	staged, skipped, err := g.stage(ctx, tx, id, zoom)
	if err != nil {
		return err
	}
	res.Skipped = skipped

	if op == MergeUnion {
		res.State = StateMaterializing
	}
	written, err := g.writer.Materialize(ctx, tx, id, staged, op)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	res.Tiles = written

	g.log.Debug("Changeset tiled",
		zap.Int64("changeset_id", int64(id)),
		zap.Int("zoom", zoom),
		zap.Int("fragments", staged.Fragments()),
		zap.Int("tiles", written),
		zap.Stringer("merge", op))
	return nil
}

// stage loads the changeset's entities and clips each one to the tiles it
// touches. Entities outside the tile grid are skipped.
func (g *Generator) stage(ctx context.Context, tx changeset.Tx, id osm.ChangesetID, zoom int) (*Staging, int, error) {
	entities, stats, err := g.loader.Load(ctx, tx, id)
	if err != nil {
		return nil, 0, err
	}
	skipped := stats.Skipped

	staged := NewStaging()
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}

		err := g.stageEntity(ctx, tx, staged, e, zoom)
		if errors.Is(err, changeset.ErrInvalidCoordinate) {
			g.log.Warn("Skipping entity outside tile grid",
				zap.Int64("changeset_id", int64(id)),
				zap.String("type", string(e.Kind)),
				zap.Int64("id", e.ID),
				zap.Int("version", e.Version),
				zap.Error(err))
			g.metrics.EntitySkipped("invalid_coordinate")
			skipped++
			continue
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("%s %d v%d: %w", e.Kind, e.ID, e.Version, err)
		}
	}
	return staged, skipped, nil
}

func (g *Generator) stageEntity(ctx context.Context, tx changeset.Tx, staged *Staging, e loader.Entity, zoom int) error {
	// A node position lies in exactly one tile, no clipping needed
	if e.IsNode() {
		c := e.Bound.Center()
		t, err := tiles.PointToTile(c.Lat(), c.Lon(), zoom)
		if err != nil {
			return err
		}
		staged.Add(changeset.Fragment{Tile: t, Kind: e.Kind, Timestamp: e.Timestamp, Geom: e.Geom})
		return nil
	}

	candidates, err := tiles.Enumerate(e.Bound, zoom)
	if err != nil {
		return err
	}
	if g.reducer.Applies(candidates.Len()) {
		before := candidates.Len()
		candidates, err = g.reducer.Reduce(ctx, tx, candidates, e.Geom, zoom)
		if err != nil {
			return err
		}
		g.metrics.ObserveReduction(before, candidates.Len())
	}

	for _, t := range candidates.Slice() {
		frag, err := tx.Intersection(ctx, e.Geom, t.Bound())
		if err != nil {
			return err
		}
		if frag == nil {
			continue
		}
		staged.Add(changeset.Fragment{Tile: t, Kind: e.Kind, Timestamp: e.Timestamp, Geom: frag})
	}
	return nil
}

func (r *Result) written() int {
	if r.Noop || r.State != StateCommitted {
		return 0
	}
	return r.Tiles
}
