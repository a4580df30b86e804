// Package wkb converts geometries to and from PostGIS extended WKB
package wkb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
)

// Common SRID constants
const (
	SRID4326 = 4326 // WGS84
	SRID3857 = 3857 // Web Mercator
)

// ErrInvalidGeometry marks bytes or geometries that cannot cross the EWKB boundary
var ErrInvalidGeometry = errors.New("invalid geometry")

// Encode encodes g as little-endian EWKB tagged with SRID 4326.
// A nil geometry encodes to nil so it maps onto SQL NULL.
func Encode(g orb.Geometry) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	data, err := ewkb.Marshal(g, SRID4326, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode %s: %w", ErrInvalidGeometry, g.GeoJSONType(), err)
	}
	return data, nil
}

// EncodeAll encodes each geometry, for use as a bytea[] parameter
func EncodeAll(geoms []orb.Geometry) ([][]byte, error) {
	out := make([][]byte, 0, len(geoms))
	for _, g := range geoms {
		data, err := Encode(g)
		if err != nil {
			return nil, err
		}
		if data != nil {
			out = append(out, data)
		}
	}
	return out, nil
}

// Decode decodes EWKB or plain WKB. Nil or empty input decodes to a nil geometry.
func Decode(data []byte) (orb.Geometry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, srid, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode: %w", ErrInvalidGeometry, err)
	}
	if srid != 0 && srid != SRID4326 {
		return nil, fmt.Errorf("%w: unexpected SRID %d, want %d", ErrInvalidGeometry, srid, SRID4326)
	}
	return g, nil
}
