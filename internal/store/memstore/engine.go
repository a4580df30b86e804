package memstore

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"

	"github.com/wegman-software/owl-tiler/internal/changeset"
)

// errTopology mimics the GEOS failure union hits on self-touching input
var errTopology = errors.New("TopologyException: found non-noded intersection")

// Engine is an in-process geometry engine built on orb's clipping. Union
// flattens and de-duplicates rather than dissolving shared boundaries.
type Engine struct {
	// FaultUnion, when set, makes Union fail for the inputs it returns true for
	FaultUnion func(geoms []orb.Geometry) bool
	// FaultCollect, when set, makes Collect fail likewise
	FaultCollect func(geoms []orb.Geometry) bool

	IntersectsCalls atomic.Int64
	UnionCalls      atomic.Int64
	CollectCalls    atomic.Int64
}

var _ changeset.GeometryEngine = (*Engine)(nil)

// Intersects reports whether g and b share at least one point
func (e *Engine) Intersects(_ context.Context, g orb.Geometry, b orb.Bound) (bool, error) {
	e.IntersectsCalls.Add(1)
	return !changeset.IsEmpty(clipTo(b, g)), nil
}

// Intersection clips g to b, returning nil when nothing is left
func (e *Engine) Intersection(_ context.Context, g orb.Geometry, b orb.Bound) (orb.Geometry, error) {
	out := clipTo(b, g)
	if changeset.IsEmpty(out) {
		return nil, nil
	}
	return out, nil
}

// Union merges geoms into one geometry, dropping exact duplicates
func (e *Engine) Union(_ context.Context, geoms []orb.Geometry) (orb.Geometry, error) {
	e.UnionCalls.Add(1)
	if e.FaultUnion != nil && e.FaultUnion(geoms) {
		return nil, &changeset.EngineFault{Op: "union", Err: errTopology}
	}

	var parts []orb.Geometry
	for _, g := range flatten(geoms) {
		dup := false
		for _, p := range parts {
			if orb.Equal(p, g) {
				dup = true
				break
			}
		}
		if !dup {
			parts = append(parts, g)
		}
	}
	return collect(parts), nil
}

// Collect aggregates geoms without any simplification
func (e *Engine) Collect(_ context.Context, geoms []orb.Geometry) (orb.Geometry, error) {
	e.CollectCalls.Add(1)
	if e.FaultCollect != nil && e.FaultCollect(geoms) {
		return nil, &changeset.EngineFault{Op: "collect", Err: errTopology}
	}

	var parts []orb.Geometry
	for _, g := range geoms {
		if !changeset.IsEmpty(g) {
			parts = append(parts, g)
		}
	}
	return collect(parts), nil
}

func clipTo(b orb.Bound, g orb.Geometry) orb.Geometry {
	if g == nil {
		return nil
	}
	if p, ok := g.(orb.Point); ok {
		if b.Contains(p) {
			return p
		}
		return nil
	}
	// clip uses its input as scratch space
	return clip.Geometry(b, orb.Clone(g))
}

// flatten splits multi geometries and collections into their members
func flatten(geoms []orb.Geometry) []orb.Geometry {
	var out []orb.Geometry
	for _, g := range geoms {
		if changeset.IsEmpty(g) {
			continue
		}
		switch g := g.(type) {
		case orb.MultiPoint:
			for _, p := range g {
				out = append(out, p)
			}
		case orb.MultiLineString:
			for _, ls := range g {
				out = append(out, ls)
			}
		case orb.MultiPolygon:
			for _, p := range g {
				out = append(out, p)
			}
		case orb.Collection:
			out = append(out, flatten(g)...)
		default:
			out = append(out, g)
		}
	}
	return out
}

// collect builds the homogeneous multi geometry when all parts share a type,
// and a collection otherwise.
func collect(parts []orb.Geometry) orb.Geometry {
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}

	var (
		mp  orb.MultiPoint
		mls orb.MultiLineString
		mpg orb.MultiPolygon
	)
	for _, g := range parts {
		switch g := g.(type) {
		case orb.Point:
			mp = append(mp, g)
		case orb.LineString:
			mls = append(mls, g)
		case orb.Polygon:
			mpg = append(mpg, g)
		default:
			return orb.Collection(parts)
		}
	}

	switch {
	case len(mp) == len(parts):
		return mp
	case len(mls) == len(parts):
		return mls
	case len(mpg) == len(parts):
		return mpg
	}
	return orb.Collection(parts)
}
