package export

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/store/memstore"
	"github.com/wegman-software/owl-tiler/internal/tiles"
	"github.com/wegman-software/owl-tiler/internal/wkb"
)

var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleTile(id osm.ChangesetID, z, x, y int) changeset.Tile {
	tile := tiles.Tile{Z: z, X: x, Y: y}
	return changeset.Tile{ChangesetID: id, Tile: tile, Geom: tile.Bound().Center(), Tstamp: ts}
}

func TestTilesToGeoJSON(t *testing.T) {
	row := sampleTile(42, 6, 31, 20)
	fc := TilesToGeoJSON([]changeset.Tile{row})
	require.Len(t, fc.Features, 1)

	f := fc.Features[0]
	assert.Equal(t, row.Geom, f.Geometry)
	assert.Equal(t, int64(42), f.Properties["changeset_id"])
	assert.Equal(t, 31, f.Properties["x"])
	assert.Equal(t, "2024-03-01T12:00:00Z", f.Properties["tstamp"])

	bound := f.BBox.Bound()
	assert.True(t, bound.Contains(row.Geom.(orb.Point)))
}

func TestWriteGeoJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fc := TilesToGeoJSON([]changeset.Tile{sampleTile(1, 16, 100, 200), sampleTile(2, 16, 100, 201)})
	require.NoError(t, WriteGeoJSON(&buf, fc))

	back, err := geojson.UnmarshalFeatureCollection(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, back.Features, 2)
	assert.Equal(t, 2.0, back.Features[1].Properties.MustFloat64("changeset_id"))
}

func TestSummaryToGeoJSON(t *testing.T) {
	fc := SummaryToGeoJSON([]changeset.Summary{{Tile: tiles.Tile{Z: 10, X: 1, Y: 2}, NumChangesets: 3, LatestChangesetID: 9}})
	require.Len(t, fc.Features, 1)

	poly, ok := fc.Features[0].Geometry.(orb.Polygon)
	require.True(t, ok)
	assert.InDelta(t, tiles.Tile{Z: 10, X: 1, Y: 2}.Bound().Min.Lon(), poly.Bound().Min.Lon(), 1e-9)
	assert.Equal(t, 3, fc.Features[0].Properties["num_changesets"])
}

func readParquet(t *testing.T, path string) (int64, *array.Int64) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	pf, err := file.NewParquetReader(f)
	require.NoError(t, err)
	defer pf.Close()

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, nil)
	require.NoError(t, err)

	tbl, err := reader.ReadTable(context.Background())
	require.NoError(t, err)
	t.Cleanup(tbl.Release)

	require.Equal(t, "geom_wkb", tbl.Schema().Field(5).Name)
	ids := tbl.Column(0).Data().Chunk(0).(*array.Int64)
	return tbl.NumRows(), ids
}

func TestTileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.parquet")
	w, err := NewTileWriter(path, 2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(sampleTile(osm.ChangesetID(i+1), 16, i, i)))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, 5, w.Count())

	n, ids := readParquet(t, path)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, int64(1), ids.Value(0))
}

func TestExportZoom(t *testing.T) {
	s := memstore.New()
	s.PutTile(sampleTile(1, 8, 0, 0))
	s.PutTile(sampleTile(2, 8, 200, 17))
	s.PutTile(sampleTile(3, 9, 5, 5)) // other zoom

	path := filepath.Join(t.TempDir(), "z8.parquet")
	n, err := ExportZoom(context.Background(), s, 8, path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, _ := readParquet(t, path)
	assert.Equal(t, int64(2), rows)

	_, err = ExportZoom(context.Background(), s, 31, path, nil)
	assert.ErrorIs(t, err, changeset.ErrInvalidCoordinate)
}

func TestWKBColumnDecodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.parquet")
	w, err := NewTileWriter(path, 0)
	require.NoError(t, err)
	row := sampleTile(7, 12, 2161, 1389)
	require.NoError(t, w.Write(row))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	pf, err := file.NewParquetReader(f)
	require.NoError(t, err)
	defer pf.Close()
	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, nil)
	require.NoError(t, err)
	tbl, err := reader.ReadTable(context.Background())
	require.NoError(t, err)
	defer tbl.Release()

	geoms := tbl.Column(5).Data().Chunk(0).(*array.Binary)
	g, err := wkb.Decode(geoms.Value(0))
	require.NoError(t, err)
	assert.True(t, orb.Equal(row.Geom, g))
}
