package generate

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/store/memstore"
	"github.com/wegman-software/owl-tiler/internal/tiles"
)

var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func node(id int64, lon, lat float64) changeset.Edit {
	return changeset.Edit{ID: id, Version: 1, Kind: osm.TypeNode, Timestamp: ts, Geom: orb.Point{lon, lat}}
}

func way(id int64, geom orb.LineString) changeset.Edit {
	return changeset.Edit{ID: id, Version: 1, Kind: osm.TypeWay, Timestamp: ts, Geom: geom}
}

// diagonal is short but its bound spans well over a hundred z16 tiles
var diagonal = orb.LineString{{10.0, 50.0}, {10.2, 50.15}}

func generate(t *testing.T, s *memstore.Store, opts Options, id osm.ChangesetID, zoom int) *Result {
	t.Helper()
	res, err := New(s, opts, nil).Generate(context.Background(), id, zoom)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)
	return res
}

func TestSingleNodeProducesOneTile(t *testing.T) {
	s := memstore.New()
	s.AddChangeset(1, ts, node(1, -1.85, 53.8))

	res := generate(t, s, Options{}, 1, 6)
	assert.Equal(t, 1, res.Tiles)
	assert.False(t, res.Fallback)

	want, err := tiles.PointToTile(53.8, -1.85, 6)
	require.NoError(t, err)

	rows := s.Tiles()
	require.Len(t, rows, 1)
	assert.Equal(t, want, rows[0].Tile)
	assert.Equal(t, tiles.Tile{Z: 6, X: 31, Y: 20}, rows[0].Tile)
	assert.Equal(t, orb.Point{-1.85, 53.8}, rows[0].Geom)
	assert.Equal(t, ts, rows[0].Tstamp)
	assert.Zero(t, s.Engine.IntersectsCalls.Load(), "nodes need no intersection tests")
}

func TestMovedNodeTilesBothPositions(t *testing.T) {
	s := memstore.New()
	e := node(1, -1.85, 53.8)
	e.PrevGeom = orb.Point{10.0, 50.0}
	s.AddChangeset(1, ts, e)

	res := generate(t, s, Options{}, 1, 6)
	assert.Equal(t, 2, res.Tiles)
}

func TestDiagonalWayIsReduced(t *testing.T) {
	const zoom = 16
	s := memstore.New()
	s.AddChangeset(1, ts, way(1, diagonal))

	candidates, err := tiles.Enumerate(diagonal.Bound(), zoom)
	require.NoError(t, err)
	require.Greater(t, candidates.Len(), 200)

	res := generate(t, s, Options{}, 1, zoom)
	assert.Greater(t, res.Tiles, 0)
	assert.Less(t, res.Tiles, candidates.Len()/2)

	for _, row := range s.Tiles() {
		assert.False(t, changeset.IsEmpty(row.Geom), "tile %s has empty geometry", row.Tile)
		assert.NotNil(t, clip.Geometry(row.Bound(), orb.Clone(diagonal)), "tile %s is not touched by the way", row.Tile)
	}
	assert.Positive(t, s.Engine.IntersectsCalls.Load())
}

func TestFragmentsOfOneTileAreMerged(t *testing.T) {
	s := memstore.New()
	later := ts.Add(time.Hour)
	a := way(1, orb.LineString{{10.0, 50.0}, {10.001, 50.001}})
	b := way(2, orb.LineString{{10.001, 50.0}, {10.0, 50.001}})
	b.Timestamp = later
	s.AddChangeset(1, ts, a, b)

	res := generate(t, s, Options{}, 1, 12)
	require.Equal(t, 1, res.Tiles)

	row := s.Tiles()[0]
	assert.IsType(t, orb.MultiLineString{}, row.Geom)
	assert.Equal(t, later, row.Tstamp, "tile keeps the latest fragment timestamp")
}

func TestIncrementalRunIsIdempotent(t *testing.T) {
	s := memstore.New()
	s.AddChangeset(1, ts, way(1, diagonal))

	first := generate(t, s, Options{}, 1, 14)
	writes := s.Writes.Load()

	second := generate(t, s, Options{}, 1, 14)
	assert.True(t, second.Noop)
	assert.Equal(t, first.Tiles, second.Tiles)
	assert.Equal(t, writes, s.Writes.Load(), "second run must not write")
}

func TestRetileReplacesRows(t *testing.T) {
	s := memstore.New()
	s.AddChangeset(1, ts, node(1, -1.85, 53.8))

	stale := changeset.Tile{ChangesetID: 1, Tile: tiles.Tile{Z: 6, X: 0, Y: 0}, Geom: orb.Point{-179, 84}, Tstamp: ts}
	s.PutTile(stale)
	other := changeset.Tile{ChangesetID: 1, Tile: tiles.Tile{Z: 7, X: 0, Y: 0}, Geom: orb.Point{-179, 84}, Tstamp: ts}
	s.PutTile(other)

	res := generate(t, s, Options{Retile: true}, 1, 6)
	assert.Equal(t, int64(1), res.Removed)
	assert.Equal(t, 1, res.Tiles)

	rows := s.Tiles()
	require.Len(t, rows, 2)
	assert.Equal(t, tiles.Tile{Z: 6, X: 31, Y: 20}, rows[0].Tile)
	assert.Equal(t, other.Tile, rows[1].Tile, "other zooms are left alone")

	// A second retile replaces its own output
	res = generate(t, s, Options{Retile: true}, 1, 6)
	assert.Equal(t, int64(1), res.Removed)
	assert.Len(t, s.Tiles(), 2)
}

func TestUnionFaultFallsBackToCollect(t *testing.T) {
	s := memstore.New()
	s.Engine.FaultUnion = func([]orb.Geometry) bool { return true }
	s.AddChangeset(1, ts, way(1, diagonal), node(2, 10.1, 50.07))

	res := generate(t, s, Options{}, 1, 16)
	assert.True(t, res.Fallback)
	assert.Positive(t, res.Tiles)
	assert.Positive(t, s.Engine.UnionCalls.Load())

	rows := s.Tiles()
	assert.Len(t, rows, res.Tiles, "the faulted attempt must leave nothing behind")
	for _, row := range rows {
		assert.False(t, changeset.IsEmpty(row.Geom))
	}
	assert.Equal(t, int64(1), s.Commits.Load())
}

func TestBothMergesFailing(t *testing.T) {
	s := memstore.New()
	s.Engine.FaultUnion = func([]orb.Geometry) bool { return true }
	s.Engine.FaultCollect = func([]orb.Geometry) bool { return true }
	s.AddChangeset(1, ts, node(1, -1.85, 53.8))

	res, err := New(s, Options{}, nil).Generate(context.Background(), 1, 6)
	require.Error(t, err)
	assert.ErrorIs(t, err, changeset.ErrGeometryEngineFault)
	assert.True(t, changeset.IsUnitFailure(err))
	assert.Equal(t, StateFailed, res.State)
	assert.True(t, res.Fallback)
	assert.Empty(t, s.Tiles())
	assert.Zero(t, s.Commits.Load())
}

func TestEntityOutsideGridIsSkipped(t *testing.T) {
	s := memstore.New()
	s.AddChangeset(1, ts,
		node(1, -1.85, 53.8),
		node(2, 0, 89.5),
		way(3, orb.LineString{{0, 80}, {0, 88}}),
	)

	res := generate(t, s, Options{}, 1, 6)
	assert.Equal(t, 1, res.Tiles)
	assert.Equal(t, 2, res.Skipped)
}

func TestMissingChangesetFails(t *testing.T) {
	s := memstore.New()
	res, err := New(s, Options{}, nil).Generate(context.Background(), 404, 16)
	assert.ErrorIs(t, err, changeset.ErrNotFound)
	assert.Equal(t, StateFailed, res.State)
	assert.False(t, res.Fallback)
}

func TestInvalidZoom(t *testing.T) {
	s := memstore.New()
	res, err := New(s, Options{}, nil).Generate(context.Background(), 1, 31)
	assert.ErrorIs(t, err, changeset.ErrInvalidCoordinate)
	assert.Equal(t, StateFailed, res.State)
}

func TestCancelledContextIsNotAUnitFailure(t *testing.T) {
	s := memstore.New()
	s.AddChangeset(1, ts, node(1, -1.85, 53.8))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(s, Options{}, nil).Generate(ctx, 1, 6)
	require.Error(t, err)
	assert.False(t, changeset.IsUnitFailure(err))
	assert.Equal(t, StateFailed, res.State)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "materializing_retry", StateMaterializingRetry.String())
	assert.Equal(t, "committed", StateCommitted.String())
	assert.Equal(t, "state(42)", State(42).String())
}
