// Package export renders changeset tiles for consumers: GeoJSON for the
// query command and Parquet for bulk dumps.
package export

import (
	"encoding/json"
	"io"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/wegman-software/owl-tiler/internal/changeset"
)

// TilesToGeoJSON returns one Feature per changeset tile, carrying the tile
// fragment as geometry and the tile extent as bbox.
func TilesToGeoJSON(rows []changeset.Tile) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range rows {
		f := geojson.NewFeature(r.Geom)
		f.BBox = geojson.NewBBox(r.Maptile().Bound())
		f.Properties["changeset_id"] = int64(r.ChangesetID)
		f.Properties["zoom"] = r.Z
		f.Properties["x"] = r.X
		f.Properties["y"] = r.Y
		f.Properties["tstamp"] = r.Tstamp.UTC().Format(time.RFC3339)
		fc.Append(f)
	}
	return fc
}

// SummaryToGeoJSON returns one polygon Feature per summary tile
func SummaryToGeoJSON(rows []changeset.Summary) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range rows {
		b := r.Maptile().Bound()
		f := geojson.NewFeature(b.ToPolygon())
		f.Properties["zoom"] = r.Z
		f.Properties["x"] = r.X
		f.Properties["y"] = r.Y
		f.Properties["num_changesets"] = r.NumChangesets
		f.Properties["latest_changeset_id"] = int64(r.LatestChangesetID)
		fc.Append(f)
	}
	return fc
}

// WriteGeoJSON writes fc as a single JSON document
func WriteGeoJSON(w io.Writer, fc *geojson.FeatureCollection) error {
	data, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
