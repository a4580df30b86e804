package export

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/logger"
	"github.com/wegman-software/owl-tiler/internal/tiles"
	"github.com/wegman-software/owl-tiler/internal/wkb"
)

// DefaultBatchSize is the number of rows per Parquet record batch
const DefaultBatchSize = 10000

// exportColumns is the width of the x-column strip fetched per query
const exportColumns = 64

var tileSchema = arrow.NewSchema([]arrow.Field{
	{Name: "changeset_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "zoom", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
	{Name: "x", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
	{Name: "y", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
	{Name: "tstamp", Type: arrow.FixedWidthTypes.Timestamp_ms, Nullable: false},
	{Name: "geom_wkb", Type: arrow.BinaryTypes.Binary, Nullable: false},
}, nil)

// TileWriter writes changeset tiles with EWKB geometry to a Parquet file
type TileWriter struct {
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
	total     int
}

// NewTileWriter creates a zstd-compressed Parquet writer at path
func NewTileWriter(path string, batchSize int) (*TileWriter, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(tileSchema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &TileWriter{
		file:      f,
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, tileSchema),
		batchSize: batchSize,
	}, nil
}

// Write appends one tile row
func (w *TileWriter) Write(t changeset.Tile) error {
	geom, err := wkb.Encode(t.Geom)
	if err != nil {
		return err
	}

	w.builder.Field(0).(*array.Int64Builder).Append(int64(t.ChangesetID))
	w.builder.Field(1).(*array.Int32Builder).Append(int32(t.Z))
	w.builder.Field(2).(*array.Int32Builder).Append(int32(t.X))
	w.builder.Field(3).(*array.Int32Builder).Append(int32(t.Y))
	w.builder.Field(4).(*array.TimestampBuilder).Append(arrow.Timestamp(t.Tstamp.UnixMilli()))
	w.builder.Field(5).(*array.BinaryBuilder).Append(geom)

	w.count++
	w.total++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

// Count returns the number of rows written so far
func (w *TileWriter) Count() int {
	return w.total
}

func (w *TileWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close flushes pending rows and closes the file
func (w *TileWriter) Close() error {
	defer w.builder.Release()
	if err := w.flush(); err != nil {
		return err
	}
	if err := w.writer.Close(); err != nil {
		return err
	}
	// The parquet writer may already have closed the file
	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// ExportZoom writes every changeset tile at zoom to a Parquet file at path,
// fetching the grid in strips of columns. It returns the number of rows.
func ExportZoom(ctx context.Context, src changeset.Reader, zoom int, path string, log *zap.Logger) (int, error) {
	log = logger.OrNop(log)
	if zoom < 0 || zoom > tiles.MaxZoom {
		return 0, fmt.Errorf("zoom %d: %w", zoom, changeset.ErrInvalidCoordinate)
	}

	w, err := NewTileWriter(path, DefaultBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet file: %w", err)
	}

	n := 1 << zoom
	for lo := 0; lo < n; lo += exportColumns {
		hi := min(lo+exportColumns, n) - 1
		rows, err := src.QueryTiles(ctx, changeset.Query{Zoom: zoom, X1: lo, X2: hi, Y1: 0, Y2: n - 1})
		if err != nil {
			w.Close()
			return w.Count(), fmt.Errorf("reading columns %d-%d: %w", lo, hi, err)
		}
		for _, r := range rows {
			if err := w.Write(r); err != nil {
				w.Close()
				return w.Count(), err
			}
		}
	}

	if err := w.Close(); err != nil {
		return w.Count(), err
	}
	log.Info("Exported tiles", zap.Int("zoom", zoom), zap.Int("rows", w.Count()), zap.String("path", path))
	return w.Count(), nil
}
