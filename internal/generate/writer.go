package generate

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/logger"
)

// MergeOp selects how the fragments of one tile are merged
type MergeOp int

const (
	// MergeUnion dissolves fragments into the most compact geometry
	MergeUnion MergeOp = iota
	// MergeCollect aggregates fragments without simplifying them
	MergeCollect
)

func (op MergeOp) String() string {
	if op == MergeCollect {
		return "collect"
	}
	return "union"
}

func (op MergeOp) apply(ctx context.Context, engine changeset.GeometryEngine, geoms []orb.Geometry) (orb.Geometry, error) {
	if op == MergeCollect {
		return engine.Collect(ctx, geoms)
	}
	return engine.Union(ctx, geoms)
}

// Writer persists changeset tiles through a transaction
type Writer struct {
	log *zap.Logger
}

// NewWriter creates a tile writer
func NewWriter(log *zap.Logger) *Writer {
	return &Writer{log: logger.OrNop(log)}
}

// ClearTiles deletes every tile of the changeset at zoom and returns how many
// rows were removed.
func (w *Writer) ClearTiles(ctx context.Context, tx changeset.Tx, id osm.ChangesetID, zoom int) (int64, error) {
	n, err := tx.ClearTiles(ctx, id, zoom)
	if err != nil {
		return 0, fmt.Errorf("clearing tiles of changeset %d at zoom %d: %w", id, zoom, err)
	}
	return n, nil
}

// WriteTile inserts one row. It fails with ErrDuplicateKey if the row exists.
func (w *Writer) WriteTile(ctx context.Context, tx changeset.Tx, t changeset.Tile) error {
	if changeset.IsEmpty(t.Geom) {
		return fmt.Errorf("tile %s of changeset %d: empty geometry", t.Tile, t.ChangesetID)
	}
	return tx.WriteTile(ctx, t)
}

// Materialize merges the staged fragments of each tile with op, keeps the
// latest fragment timestamp and writes one row per tile. Tiles whose merge
// comes out empty are not written. It returns the number of rows written.
func (w *Writer) Materialize(ctx context.Context, tx changeset.Tx, id osm.ChangesetID, staged *Staging, op MergeOp) (int, error) {
	written := 0
	for _, t := range staged.Tiles() {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		geoms, tstamp := staged.Geoms(t)
		merged, err := op.apply(ctx, tx, geoms)
		if err != nil {
			return written, fmt.Errorf("merging %d fragments of tile %s: %w", len(geoms), t, err)
		}
		if changeset.IsEmpty(merged) {
			w.log.Debug("Dropping empty tile",
				zap.Int64("changeset_id", int64(id)),
				zap.Stringer("tile", t))
			continue
		}

		if err := w.WriteTile(ctx, tx, changeset.Tile{
			ChangesetID: id,
			Tile:        t,
			Geom:        merged,
			Tstamp:      tstamp,
		}); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
