package postgis

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/osm"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/tiles"
)

// aggregateSummarySQL groups source-zoom tiles into their coarse cell and
// picks the changeset with the latest tile, higher id on ties.
func aggregateSummarySQL(schema string) string {
	return fmt.Sprintf(`
		WITH per_changeset AS (
			SELECT x >> $1 AS cx, y >> $1 AS cy, changeset_id, max(tstamp) AS tstamp
			FROM %s
			WHERE zoom = $2 AND x >= $3 AND x < $4
			GROUP BY 1, 2, changeset_id
		)
		SELECT cx, cy, count(*)::int,
			(array_agg(changeset_id ORDER BY tstamp DESC, changeset_id DESC))[1]
		FROM per_changeset
		GROUP BY cx, cy
		ORDER BY cx, cy`, qualify(schema, ChangesetTilesTable))
}

// AggregateSummary counts changesets per cell at zoom for cell columns in
// [xMin, xMax), from the tiles at sourceZoom
func (s *Store) AggregateSummary(ctx context.Context, zoom, sourceZoom, xMin, xMax int) ([]changeset.Summary, error) {
	if zoom > sourceZoom {
		return nil, fmt.Errorf("summary zoom %d finer than source zoom %d", zoom, sourceZoom)
	}
	shift := sourceZoom - zoom

	rows, err := s.pool.Query(ctx, aggregateSummarySQL(s.schema), shift, sourceZoom, xMin<<shift, xMax<<shift)
	if err != nil {
		return nil, mapError("aggregate summary", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (changeset.Summary, error) {
		var (
			sum    changeset.Summary
			latest int64
		)
		err := row.Scan(&sum.X, &sum.Y, &sum.NumChangesets, &latest)
		sum.Z = zoom
		sum.LatestChangesetID = osm.ChangesetID(latest)
		return sum, err
	})
	if err != nil {
		return nil, mapError("aggregate summary", err)
	}
	return out, nil
}

// ReplaceSummary deletes the summary tiles at zoom and copies in rows, in
// one transaction
func (s *Store) ReplaceSummary(ctx context.Context, zoom int, rows []changeset.Summary) (int64, error) {
	for _, r := range rows {
		if r.Z != zoom {
			return 0, fmt.Errorf("summary row %s not at zoom %d: %w", r.Tile, zoom, tiles.ErrInvalidCoordinate)
		}
	}

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer pgTx.Rollback(ctx)

	tag, err := pgTx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE zoom = $1", s.table(SummaryTilesTable)), zoom)
	if err != nil {
		return 0, mapError("clear summary", err)
	}

	target := pgx.Identifier{SummaryTilesTable}
	if s.schema != "" {
		target = pgx.Identifier{s.schema, SummaryTilesTable}
	}
	_, err = pgTx.CopyFrom(ctx, target,
		[]string{"zoom", "x", "y", "num_changesets", "latest_changeset_id"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{int16(r.Z), int32(r.X), int32(r.Y), int32(r.NumChangesets), int64(r.LatestChangesetID)}, nil
		}),
	)
	if err != nil {
		return 0, mapError("copy summary", err)
	}

	if err := pgTx.Commit(ctx); err != nil {
		return 0, mapError("commit summary", err)
	}
	return tag.RowsAffected(), nil
}
