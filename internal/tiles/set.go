package tiles

import "sort"

// Set is a de-duplicated collection of tiles
type Set map[Tile]struct{}

// NewSet creates a set holding the given tiles
func NewSet(tiles ...Tile) Set {
	s := make(Set, len(tiles))
	for _, t := range tiles {
		s[t] = struct{}{}
	}
	return s
}

// Add inserts a tile
func (s Set) Add(t Tile) {
	s[t] = struct{}{}
}

// Has reports whether the tile is in the set
func (s Set) Has(t Tile) bool {
	_, ok := s[t]
	return ok
}

// Len returns the number of tiles
func (s Set) Len() int {
	return len(s)
}

// Slice returns the tiles sorted by zoom, x and y for consistent output
func (s Set) Slice() []Tile {
	tiles := make([]Tile, 0, len(s))
	for t := range s {
		tiles = append(tiles, t)
	}
	sort.Slice(tiles, func(i, j int) bool {
		return tiles[i].Less(tiles[j])
	})
	return tiles
}

// Filter returns a new set with the tiles for which keep returns true.
// The receiver is left untouched.
func (s Set) Filter(keep func(Tile) bool) Set {
	out := make(Set, len(s))
	for t := range s {
		if keep(t) {
			out[t] = struct{}{}
		}
	}
	return out
}

// Ancestors returns the distinct tiles at zoom z containing the set's tiles
func (s Set) Ancestors(z int) Set {
	out := make(Set)
	for t := range s {
		out[t.Ancestor(z)] = struct{}{}
	}
	return out
}

// IsSubsetOf reports whether every tile of s is in o
func (s Set) IsSubsetOf(o Set) bool {
	for t := range s {
		if !o.Has(t) {
			return false
		}
	}
	return true
}
