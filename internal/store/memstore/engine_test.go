package memstore

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/owl-tiler/internal/changeset"
)

var unit = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}

func TestIntersects(t *testing.T) {
	ctx := context.Background()
	e := &Engine{}

	tests := []struct {
		name string
		geom orb.Geometry
		want bool
	}{
		{"point inside", orb.Point{0.5, 0.5}, true},
		{"point on edge", orb.Point{1, 0.5}, true},
		{"point outside", orb.Point{2, 2}, false},
		{"line crossing", orb.LineString{{-1, 0.5}, {2, 0.5}}, true},
		{"line beside", orb.LineString{{2, 0}, {2, 1}}, false},
		// The line's bound overlaps but the line itself misses the box
		{"diagonal miss", orb.LineString{{0.8, 1.5}, {1.5, 0.8}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Intersects(ctx, tt.geom, unit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, int64(len(tests)), e.IntersectsCalls.Load())
}

func TestIntersection(t *testing.T) {
	ctx := context.Background()
	e := &Engine{}

	line := orb.LineString{{-1, 0.5}, {2, 0.5}}
	got, err := e.Intersection(ctx, line, unit)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0.5}, Max: orb.Point{1, 0.5}}, got.Bound())
	assert.Len(t, line, 2, "input must not be modified")
	assert.Equal(t, orb.Point{-1, 0.5}, line[0])

	got, err = e.Intersection(ctx, orb.LineString{{3, 3}, {4, 4}}, unit)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUnionDeduplicates(t *testing.T) {
	ctx := context.Background()
	e := &Engine{}

	a := orb.LineString{{0, 0}, {1, 1}}
	b := orb.LineString{{1, 1}, {2, 0}}
	got, err := e.Union(ctx, []orb.Geometry{a, b, orb.MultiLineString{a}})
	require.NoError(t, err)
	assert.Equal(t, orb.MultiLineString{a, b}, got)

	got, err = e.Union(ctx, []orb.Geometry{orb.Point{1, 1}, orb.Point{1, 1}})
	require.NoError(t, err)
	assert.Equal(t, orb.Point{1, 1}, got)

	got, err = e.Union(ctx, []orb.Geometry{orb.Point{1, 1}, a})
	require.NoError(t, err)
	assert.Equal(t, orb.Collection{orb.Point{1, 1}, a}, got)
}

func TestCollectKeepsEverything(t *testing.T) {
	ctx := context.Background()
	e := &Engine{}

	p := orb.Point{1, 1}
	got, err := e.Collect(ctx, []orb.Geometry{p, p, nil})
	require.NoError(t, err)
	assert.Equal(t, orb.MultiPoint{p, p}, got)

	got, err = e.Collect(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFaultHooks(t *testing.T) {
	ctx := context.Background()
	e := &Engine{
		FaultUnion:   func([]orb.Geometry) bool { return true },
		FaultCollect: func(g []orb.Geometry) bool { return len(g) > 1 },
	}
	geoms := []orb.Geometry{orb.Point{0, 0}, orb.Point{1, 1}}

	_, err := e.Union(ctx, geoms)
	assert.ErrorIs(t, err, changeset.ErrGeometryEngineFault)
	assert.True(t, changeset.IsUnitFailure(err))

	_, err = e.Collect(ctx, geoms)
	assert.ErrorIs(t, err, changeset.ErrGeometryEngineFault)

	_, err = e.Collect(ctx, geoms[:1])
	assert.NoError(t, err)

	assert.Equal(t, int64(1), e.UnionCalls.Load())
	assert.Equal(t, int64(2), e.CollectCalls.Load())
}
