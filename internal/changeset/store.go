package changeset

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
)

// GeometryEngine is the set of geometry operations requested from the
// backing store. Intersection returns nil when the result is empty.
// Union may fail with an EngineFault on degenerate input; Collect must not.
type GeometryEngine interface {
	Intersects(ctx context.Context, g orb.Geometry, b orb.Bound) (bool, error)
	Intersection(ctx context.Context, g orb.Geometry, b orb.Bound) (orb.Geometry, error)
	Union(ctx context.Context, geoms []orb.Geometry) (orb.Geometry, error)
	Collect(ctx context.Context, geoms []orb.Geometry) (orb.Geometry, error)
}

// Tx is one transactional unit of work against the store. Nothing written
// through a Tx is visible to others until Commit; Rollback after Commit is a no-op.
type Tx interface {
	GeometryEngine

	// FetchEdits returns the node and way edits of a changeset, or ErrNotFound
	FetchEdits(ctx context.Context, id osm.ChangesetID) ([]Edit, error)

	CountTiles(ctx context.Context, id osm.ChangesetID, zoom int) (int, error)
	ClearTiles(ctx context.Context, id osm.ChangesetID, zoom int) (int64, error)
	// WriteTile inserts one row, failing with ErrDuplicateKey if it exists
	WriteTile(ctx context.Context, t Tile) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens transactions and selects work for a batch
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// SelectChangesets returns up to limit changesets with geometry, ordered
	// by id. Unless retile is set, changesets that already have tiles are skipped.
	SelectChangesets(ctx context.Context, retile bool, limit int) ([]osm.ChangesetID, error)
}

// SummaryStore computes and replaces summary tiles
type SummaryStore interface {
	// AggregateSummary counts changesets per cell at zoom for the cells whose
	// column lies in [xMin, xMax), from tiles at sourceZoom.
	AggregateSummary(ctx context.Context, zoom, sourceZoom, xMin, xMax int) ([]Summary, error)
	// ReplaceSummary atomically clears zoom and inserts rows
	ReplaceSummary(ctx context.Context, zoom int, rows []Summary) (int64, error)
}

// Reader is the read-only surface used by consumers of the tile index
type Reader interface {
	QueryTiles(ctx context.Context, q Query) ([]Tile, error)
	QuerySummary(ctx context.Context, q Query) ([]Summary, error)
	ChangesetTiles(ctx context.Context, id osm.ChangesetID) ([]Tile, error)
}
