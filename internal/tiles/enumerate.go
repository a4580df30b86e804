package tiles

import (
	"fmt"

	"github.com/paulmach/orb"
)

// TileRange represents a range of tiles at a specific zoom level
type TileRange struct {
	Z          int
	MinX, MaxX int
	MinY, MaxY int
}

// BoundToRange converts a bounding box to the range of tiles it overlaps at
// a given zoom level. Either corner outside the Mercator range is an error.
func BoundToRange(b orb.Bound, zoom int) (TileRange, error) {
	if b.Min.X() > b.Max.X() || b.Min.Y() > b.Max.Y() {
		return TileRange{}, fmt.Errorf("%w: empty bound %v", ErrInvalidCoordinate, b)
	}

	// Note: In tile coordinates, Y increases downward (north to south)
	topLeft, err := PointToTile(b.Max.Lat(), b.Min.Lon(), zoom)
	if err != nil {
		return TileRange{}, err
	}
	bottomRight, err := PointToTile(b.Min.Lat(), b.Max.Lon(), zoom)
	if err != nil {
		return TileRange{}, err
	}

	return TileRange{
		Z:    zoom,
		MinX: topLeft.X,
		MaxX: bottomRight.X,
		MinY: topLeft.Y, // Northern tiles have smaller Y
		MaxY: bottomRight.Y,
	}, nil
}

// TileCount returns the number of tiles in the range
func (r TileRange) TileCount() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Contains reports whether t lies inside the range
func (r TileRange) Contains(t Tile) bool {
	return t.Z == r.Z && t.X >= r.MinX && t.X <= r.MaxX && t.Y >= r.MinY && t.Y <= r.MaxY
}

// Tiles returns all tiles in the range
func (r TileRange) Tiles() []Tile {
	tiles := make([]Tile, 0, r.TileCount())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, Tile{Z: r.Z, X: x, Y: y})
		}
	}
	return tiles
}

// Enumerate returns every tile at zoom overlapped by the bounding box. For
// anything but an axis-aligned rectangle this over-approximates the tiles
// the geometry itself touches.
func Enumerate(b orb.Bound, zoom int) (Set, error) {
	r, err := BoundToRange(b, zoom)
	if err != nil {
		return nil, err
	}
	return NewSet(r.Tiles()...), nil
}
