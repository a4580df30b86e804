// Package changeset holds the data model shared by the tile generation engine
// and the stores it runs against.
package changeset

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/owl-tiler/internal/tiles"
)

// Edit is one changed node or way within a changeset. Geom is nil when the
// element was deleted, PrevGeom is nil when it was created.
type Edit struct {
	ID        int64
	Version   int
	Kind      osm.Type // osm.TypeNode or osm.TypeWay
	Timestamp time.Time
	Geom      orb.Geometry
	PrevGeom  orb.Geometry
}

// Validate checks the edit invariants
func (e Edit) Validate() error {
	if e.Kind != osm.TypeNode && e.Kind != osm.TypeWay {
		return fmt.Errorf("edit %d: unsupported element type %q", e.ID, e.Kind)
	}
	if IsEmpty(e.Geom) && IsEmpty(e.PrevGeom) {
		return fmt.Errorf("edit %s/%d v%d: no current or previous geometry", e.Kind, e.ID, e.Version)
	}
	return nil
}

// Fragment is the part of one edit's geometry falling inside one tile,
// staged before the per-tile merge.
type Fragment struct {
	tiles.Tile
	Kind      osm.Type
	Timestamp time.Time
	Geom      orb.Geometry
}

// Tile is a persisted changeset tile: the changeset's geometry clipped to one
// tile. At most one row exists per (ChangesetID, Z, X, Y).
type Tile struct {
	ChangesetID osm.ChangesetID
	tiles.Tile
	Geom   orb.Geometry
	Tstamp time.Time
}

// Key identifies a changeset tile row
type Key struct {
	ChangesetID osm.ChangesetID
	tiles.Tile
}

// Key returns the uniqueness key of the row
func (t Tile) Key() Key {
	return Key{ChangesetID: t.ChangesetID, Tile: t.Tile}
}

// Summary is the derived count of changesets touching a coarse grid cell
type Summary struct {
	tiles.Tile
	NumChangesets     int
	LatestChangesetID osm.ChangesetID
}

// Query selects tiles at one zoom level by an inclusive x/y range. A single
// tile is the range with X1 == X2 and Y1 == Y2.
type Query struct {
	Zoom   int
	X1, Y1 int
	X2, Y2 int
	Since  time.Time // zero means no time limit
	Limit  int       // max changesets for tile queries, max rows for summaries; zero means none
}

// At returns the query for a single tile
func At(t tiles.Tile) Query {
	return Query{Zoom: t.Z, X1: t.X, Y1: t.Y, X2: t.X, Y2: t.Y}
}

// Validate checks the query range against the tile grid
func (q Query) Validate() error {
	if _, err := tiles.New(q.Zoom, q.X1, q.Y1); err != nil {
		return err
	}
	if _, err := tiles.New(q.Zoom, q.X2, q.Y2); err != nil {
		return err
	}
	if q.X1 > q.X2 || q.Y1 > q.Y2 {
		return fmt.Errorf("%w: inverted range %d/%d-%d/%d", tiles.ErrInvalidCoordinate, q.X1, q.Y1, q.X2, q.Y2)
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	return nil
}

// Contains reports whether the tile falls inside the query range
func (q Query) Contains(t tiles.Tile) bool {
	return t.Z == q.Zoom && t.X >= q.X1 && t.X <= q.X2 && t.Y >= q.Y1 && t.Y <= q.Y2
}
