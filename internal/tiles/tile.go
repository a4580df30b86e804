// Package tiles maps geographic coordinates onto the slippy-map tile grid and
// computes the tile sets touched by changeset geometry.
package tiles

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Web Mercator constants
const (
	// Maximum latitude for Web Mercator (approximately 85.051129°)
	MaxMercatorLat = 85.0511287798
	// Minimum latitude for Web Mercator
	MinMercatorLat = -85.0511287798

	// MaxZoom keeps x and y representable as uint32
	MaxZoom = 30
)

// ErrInvalidCoordinate is returned for points outside the Web Mercator
// range and for tile indices outside the grid of their zoom level.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Tile represents a map tile at a specific zoom level
type Tile struct {
	Z int // Zoom level
	X int // X coordinate (column)
	Y int // Y coordinate (row)
}

// New validates x and y against the grid at zoom z
func New(z, x, y int) (Tile, error) {
	t := Tile{Z: z, X: x, Y: y}
	if !t.Valid() {
		return Tile{}, fmt.Errorf("%w: tile %s outside grid", ErrInvalidCoordinate, t)
	}
	return t, nil
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Parse reads a tile in z/x/y format and checks it against the grid
func Parse(s string) (Tile, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return Tile{}, fmt.Errorf("tile %q: want z/x/y", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Tile{}, fmt.Errorf("tile %q: %w", s, err)
		}
		v[i] = n
	}
	return New(v[0], v[1], v[2])
}

// Valid reports whether the tile lies on the grid of its zoom level
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	n := 1 << t.Z
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// Bound returns the geographic bounding box of the tile. The north-west
// corner is TileToLatLon(x, y) and the south-east corner TileToLatLon(x+1, y+1).
func (t Tile) Bound() orb.Bound {
	north, west := TileToLatLon(t.X, t.Y, t.Z)
	south, east := TileToLatLon(t.X+1, t.Y+1, t.Z)
	return orb.Bound{
		Min: orb.Point{west, south},
		Max: orb.Point{east, north},
	}
}

// Ancestor returns the tile at the coarser zoom z that contains t.
// For z >= t.Z the tile itself is returned.
func (t Tile) Ancestor(z int) Tile {
	if z >= t.Z {
		return t
	}
	shift := uint(t.Z - z)
	return Tile{Z: z, X: t.X >> shift, Y: t.Y >> shift}
}

// Descendants returns the range of tiles at the finer zoom z covered by t
func (t Tile) Descendants(z int) TileRange {
	if z <= t.Z {
		a := t.Ancestor(z)
		return TileRange{Z: z, MinX: a.X, MaxX: a.X, MinY: a.Y, MaxY: a.Y}
	}
	shift := uint(z - t.Z)
	return TileRange{
		Z:    z,
		MinX: t.X << shift,
		MaxX: (t.X+1)<<shift - 1,
		MinY: t.Y << shift,
		MaxY: (t.Y+1)<<shift - 1,
	}
}

// Maptile converts the tile to its orb representation
func (t Tile) Maptile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z))
}

// FromMaptile converts an orb tile
func FromMaptile(mt maptile.Tile) Tile {
	return Tile{Z: int(mt.Z), X: int(mt.X), Y: int(mt.Y)}
}

// Less orders tiles by zoom, then x, then y
func (t Tile) Less(o Tile) bool {
	if t.Z != o.Z {
		return t.Z < o.Z
	}
	if t.X != o.X {
		return t.X < o.X
	}
	return t.Y < o.Y
}

// PointToTile converts latitude/longitude to tile coordinates at a given zoom level
// using the standard Web Mercator tile scheme (OSM/Google style). Points outside
// the Mercator latitude range or the longitude range are rejected, not clamped.
func PointToTile(lat, lon float64, zoom int) (Tile, error) {
	if zoom < 0 || zoom > MaxZoom {
		return Tile{}, fmt.Errorf("%w: zoom %d", ErrInvalidCoordinate, zoom)
	}
	if math.IsNaN(lat) || math.IsNaN(lon) ||
		lat > MaxMercatorLat || lat < MinMercatorLat || lon < -180 || lon > 180 {
		return Tile{}, fmt.Errorf("%w: lat=%f lon=%f", ErrInvalidCoordinate, lat, lon)
	}

	n := float64(int(1) << zoom) // 2^zoom
	last := int(n) - 1

	// Calculate X tile coordinate; lon=180 belongs to the last column
	x := int((lon + 180.0) / 360.0 * n)
	if x > last {
		x = last
	}

	// Calculate Y tile coordinate using Mercator projection
	latRad := lat * math.Pi / 180.0
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))
	if y > last {
		y = last
	}
	if y < 0 {
		y = 0
	}

	return Tile{Z: zoom, X: x, Y: y}, nil
}

// TileToLatLon returns the north-west corner of tile (x, y) at zoom.
// x and y may equal 2^zoom to address the far edge of the grid.
func TileToLatLon(x, y, zoom int) (lat, lon float64) {
	n := float64(int(1) << zoom)
	lon = float64(x)/n*360.0 - 180.0
	lat = math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n))) * 180.0 / math.Pi
	return lat, lon
}
