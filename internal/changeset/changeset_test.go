package changeset

import (
	"errors"
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/owl-tiler/internal/tiles"
	"github.com/wegman-software/owl-tiler/internal/wkb"
)

func TestEditValidate(t *testing.T) {
	tests := []struct {
		name    string
		edit    Edit
		wantErr bool
	}{
		{name: "created node", edit: Edit{ID: 1, Kind: osm.TypeNode, Geom: orb.Point{1, 2}}},
		{name: "deleted way", edit: Edit{ID: 2, Kind: osm.TypeWay, PrevGeom: orb.LineString{{0, 0}, {1, 1}}}},
		{name: "no geometry", edit: Edit{ID: 3, Kind: osm.TypeWay}, wantErr: true},
		{name: "empty geometry", edit: Edit{ID: 4, Kind: osm.TypeWay, Geom: orb.LineString{}}, wantErr: true},
		{name: "relation", edit: Edit{ID: 5, Kind: osm.TypeRelation, Geom: orb.Point{0, 0}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.edit.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsEmpty(t *testing.T) {
	empty := []orb.Geometry{
		nil,
		orb.MultiPoint{},
		orb.LineString{},
		orb.MultiLineString{orb.LineString{}},
		orb.Polygon{},
		orb.Collection{orb.LineString{}, nil},
	}
	for i, g := range empty {
		if !IsEmpty(g) {
			t.Errorf("case %d: %T should be empty", i, g)
		}
	}

	full := []orb.Geometry{
		orb.Point{0, 0},
		orb.LineString{{0, 0}, {1, 1}},
		orb.Collection{orb.LineString{}, orb.Point{1, 1}},
	}
	for i, g := range full {
		if IsEmpty(g) {
			t.Errorf("case %d: %T should not be empty", i, g)
		}
	}
}

func TestEngineFaultClassification(t *testing.T) {
	cause := errors.New("TopologyException: side location conflict")
	err := fmt.Errorf("materialize: %w", &EngineFault{Op: "union", Err: cause})

	if !errors.Is(err, ErrGeometryEngineFault) {
		t.Error("engine fault should match ErrGeometryEngineFault")
	}
	if !errors.Is(err, cause) {
		t.Error("engine fault should unwrap to its cause")
	}
	if !IsUnitFailure(err) {
		t.Error("engine fault is a unit failure")
	}
	if IsUnitFailure(errors.New("connection reset by peer")) {
		t.Error("infrastructure errors are not unit failures")
	}
	if !IsUnitFailure(fmt.Errorf("x: %w", tiles.ErrInvalidCoordinate)) {
		t.Error("invalid coordinate is a unit failure")
	}
	if _, err := wkb.Decode([]byte{0xff}); !IsUnitFailure(err) {
		t.Errorf("undecodable geometry is a unit failure: %v", err)
	}
}

func TestQueryValidate(t *testing.T) {
	q := At(tiles.Tile{Z: 4, X: 3, Y: 9})
	if err := q.Validate(); err != nil {
		t.Errorf("single tile query invalid: %v", err)
	}
	if !q.Contains(tiles.Tile{Z: 4, X: 3, Y: 9}) || q.Contains(tiles.Tile{Z: 5, X: 3, Y: 9}) {
		t.Error("Contains mismatch")
	}

	bad := []Query{
		{Zoom: 4, X1: 0, Y1: 0, X2: 16, Y2: 0},
		{Zoom: 4, X1: 5, Y1: 0, X2: 4, Y2: 0},
		{Zoom: 4, Limit: -1},
	}
	for i, q := range bad {
		if err := q.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
