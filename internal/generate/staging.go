package generate

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/tiles"
)

type stagedTile struct {
	geoms  []orb.Geometry
	tstamp time.Time
}

// Staging collects the per-entity fragments of one changeset and zoom,
// grouped by tile, until they are merged and written.
type Staging struct {
	byTile    map[tiles.Tile]*stagedTile
	fragments int
}

// NewStaging creates an empty staging area
func NewStaging() *Staging {
	return &Staging{byTile: make(map[tiles.Tile]*stagedTile)}
}

// Add stages a fragment. Empty fragments are dropped.
func (s *Staging) Add(f changeset.Fragment) {
	if changeset.IsEmpty(f.Geom) {
		return
	}
	st := s.byTile[f.Tile]
	if st == nil {
		st = &stagedTile{}
		s.byTile[f.Tile] = st
	}
	st.geoms = append(st.geoms, f.Geom)
	if f.Timestamp.After(st.tstamp) {
		st.tstamp = f.Timestamp
	}
	s.fragments++
}

// Len returns the number of distinct tiles staged
func (s *Staging) Len() int {
	return len(s.byTile)
}

// Fragments returns the number of fragments staged
func (s *Staging) Fragments() int {
	return s.fragments
}

// Tiles returns the staged tiles in order
func (s *Staging) Tiles() []tiles.Tile {
	set := make(tiles.Set, len(s.byTile))
	for t := range s.byTile {
		set.Add(t)
	}
	return set.Slice()
}

// Geoms returns the fragments staged for t and their latest timestamp
func (s *Staging) Geoms(t tiles.Tile) ([]orb.Geometry, time.Time) {
	st := s.byTile[t]
	if st == nil {
		return nil, time.Time{}
	}
	return st.geoms, st.tstamp
}
