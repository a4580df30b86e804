package tiles

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
)

// DefaultProbeZooms are the coarse zoom levels tested by Reducer
var DefaultProbeZooms = []int{4, 6, 8, 10, 11, 12, 13, 14}

// DefaultReduceThreshold is the candidate count above which reduction pays off
const DefaultReduceThreshold = 64

// Intersecter answers precise geometry-versus-box intersection tests
type Intersecter interface {
	Intersects(ctx context.Context, g orb.Geometry, b orb.Bound) (bool, error)
}

// Reducer prunes bbox-enumerated candidate tiles by testing the real
// geometry against coarse tiles. A coarse tile that the geometry misses
// removes all of its descendants in one step.
type Reducer struct {
	ProbeZooms []int // ascending
	Threshold  int
}

// NewReducer returns a reducer with the default probe zooms and threshold
func NewReducer() *Reducer {
	return &Reducer{ProbeZooms: DefaultProbeZooms, Threshold: DefaultReduceThreshold}
}

// Applies reports whether a candidate set of n tiles is large enough to reduce
func (r *Reducer) Applies(n int) bool {
	return n > r.Threshold
}

// Reduce returns the subset of candidates (all at targetZoom) whose coarse
// ancestors intersect geom. It never adds tiles and never mutates candidates.
func (r *Reducer) Reduce(ctx context.Context, engine Intersecter, candidates Set, geom orb.Geometry, targetZoom int) (Set, error) {
	if geom == nil || !r.Applies(candidates.Len()) {
		return candidates, nil
	}

	out := candidates
	for _, z := range r.ProbeZooms {
		if z >= targetZoom {
			break
		}

		coarse, err := Enumerate(geom.Bound(), z)
		if err != nil {
			return nil, err
		}

		// Only probe coarse tiles that still have candidates below them
		live := out.Ancestors(z)
		pruned := make(Set)
		for _, ct := range coarse.Slice() {
			if !live.Has(ct) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ok, err := engine.Intersects(ctx, geom, ct.Bound())
			if err != nil {
				return nil, fmt.Errorf("probe tile %s: %w", ct, err)
			}
			if !ok {
				pruned.Add(ct)
			}
		}

		if pruned.Len() > 0 {
			out = out.Filter(func(t Tile) bool {
				return !pruned.Has(t.Ancestor(z))
			})
		}
		if out.Len() == 0 {
			break
		}
	}

	return out, nil
}
