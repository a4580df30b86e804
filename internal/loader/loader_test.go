package loader

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/store/memstore"
)

var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func load(t *testing.T, edits ...changeset.Edit) ([]Entity, Stats, *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()
	s.AddChangeset(1, ts, edits...)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	entities, stats, err := New(nil).Load(ctx, tx, 1)
	require.NoError(t, err)
	return entities, stats, s
}

func TestLoadMovedNode(t *testing.T) {
	entities, stats, _ := load(t, changeset.Edit{
		ID: 1, Version: 2, Kind: osm.TypeNode, Timestamp: ts,
		Geom: orb.Point{-1.85, 53.8}, PrevGeom: orb.Point{-1.86, 53.81},
	})

	require.Len(t, entities, 2)
	assert.Equal(t, orb.Point{-1.85, 53.8}, entities[0].Geom)
	assert.Equal(t, orb.Point{-1.86, 53.81}, entities[1].Geom)
	assert.True(t, entities[0].IsNode())
	assert.Equal(t, 2, stats.Nodes)
}

func TestLoadUnmovedNode(t *testing.T) {
	p := orb.Point{-1.85, 53.8}
	entities, _, _ := load(t, changeset.Edit{ID: 1, Version: 2, Kind: osm.TypeNode, Timestamp: ts, Geom: p, PrevGeom: p})
	assert.Len(t, entities, 1)
}

func TestLoadDeletedNode(t *testing.T) {
	entities, _, _ := load(t, changeset.Edit{ID: 1, Version: 3, Kind: osm.TypeNode, Timestamp: ts, PrevGeom: orb.Point{1, 1}})
	require.Len(t, entities, 1)
	assert.Equal(t, orb.Point{1, 1}, entities[0].Geom)
}

func TestLoadModifiedWayCollectsBothVersions(t *testing.T) {
	cur := orb.LineString{{0, 0}, {1, 1}}
	prev := orb.LineString{{0, 0}, {1, 2}}
	entities, stats, s := load(t, changeset.Edit{ID: 7, Version: 2, Kind: osm.TypeWay, Timestamp: ts, Geom: cur, PrevGeom: prev})

	require.Len(t, entities, 1)
	assert.Equal(t, orb.MultiLineString{cur, prev}, entities[0].Geom)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 2}}, entities[0].Bound)
	assert.Equal(t, 1, stats.Ways)
	assert.Equal(t, int64(1), s.Engine.CollectCalls.Load())
}

func TestLoadNewWayNeedsNoCollect(t *testing.T) {
	cur := orb.LineString{{0, 0}, {1, 1}}
	entities, _, s := load(t,
		changeset.Edit{ID: 7, Version: 1, Kind: osm.TypeWay, Timestamp: ts, Geom: cur},
		changeset.Edit{ID: 8, Version: 2, Kind: osm.TypeWay, Timestamp: ts, Geom: cur, PrevGeom: cur},
	)

	require.Len(t, entities, 2)
	assert.Equal(t, cur, entities[0].Geom)
	assert.Zero(t, s.Engine.CollectCalls.Load())
}

func TestLoadSkipsInvalidEdits(t *testing.T) {
	entities, stats, _ := load(t,
		changeset.Edit{ID: 1, Version: 1, Kind: osm.TypeWay, Timestamp: ts},
		changeset.Edit{ID: 2, Version: 1, Kind: osm.TypeRelation, Timestamp: ts, Geom: orb.Point{0, 0}},
		changeset.Edit{ID: 3, Version: 1, Kind: osm.TypeNode, Timestamp: ts, Geom: orb.Point{0, 0}},
	)

	assert.Len(t, entities, 1)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 3, stats.Edits)
}

func TestLoadMissingChangeset(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, _, err = New(nil).Load(ctx, tx, 404)
	assert.ErrorIs(t, err, changeset.ErrNotFound)
}

func TestLoadPropagatesCollectFault(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	s.Engine.FaultCollect = func([]orb.Geometry) bool { return true }
	s.AddChangeset(1, ts, changeset.Edit{
		ID: 7, Version: 2, Kind: osm.TypeWay, Timestamp: ts,
		Geom: orb.LineString{{0, 0}, {1, 1}}, PrevGeom: orb.LineString{{0, 0}, {2, 2}},
	})

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, _, err = New(nil).Load(ctx, tx, 1)
	assert.ErrorIs(t, err, changeset.ErrGeometryEngineFault)
}
