package postgis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/osm"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/wkb"
)

const tileColumns = "changeset_id, zoom, x, y, tstamp, ST_AsEWKB(geom)"

// queryTilesSQL limits by changeset, not by row: $7 picks the most recent
// changesets in the range and every one of their tiles there is returned.
func queryTilesSQL(schema string) string {
	table := qualify(schema, ChangesetTilesTable)
	return fmt.Sprintf(`
		WITH picked AS (
			SELECT changeset_id FROM %[2]s
			WHERE zoom = $1 AND x BETWEEN $2 AND $3 AND y BETWEEN $4 AND $5
				AND ($6::timestamptz IS NULL OR tstamp >= $6)
			GROUP BY changeset_id
			ORDER BY max(tstamp) DESC, changeset_id DESC
			LIMIT $7
		)
		SELECT %[1]s FROM %[2]s
		WHERE zoom = $1 AND x BETWEEN $2 AND $3 AND y BETWEEN $4 AND $5
			AND ($6::timestamptz IS NULL OR tstamp >= $6)
			AND changeset_id IN (SELECT changeset_id FROM picked)
		ORDER BY tstamp DESC, changeset_id DESC, x, y`, tileColumns, table)
}

func querySummarySQL(schema string) string {
	return fmt.Sprintf(`
		SELECT zoom, x, y, num_changesets, latest_changeset_id FROM %s
		WHERE zoom = $1 AND x BETWEEN $2 AND $3 AND y BETWEEN $4 AND $5
		ORDER BY x, y
		LIMIT $6`, qualify(schema, SummaryTilesTable))
}

func scanTile(row pgx.CollectableRow) (changeset.Tile, error) {
	var (
		t      changeset.Tile
		id     int64
		z      int16
		tstamp time.Time
		geom   []byte
	)
	if err := row.Scan(&id, &z, &t.X, &t.Y, &tstamp, &geom); err != nil {
		return t, err
	}
	t.ChangesetID = osm.ChangesetID(id)
	t.Z = int(z)
	t.Tstamp = tstamp.UTC()

	g, err := wkb.Decode(geom)
	if err != nil {
		return t, fmt.Errorf("tile %s of changeset %d: %w", t.Tile, id, err)
	}
	t.Geom = g
	return t, nil
}

// QueryTiles returns the changeset tiles in the query range, newest first
func (s *Store) QueryTiles(ctx context.Context, q changeset.Query) ([]changeset.Tile, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var since any
	if !q.Since.IsZero() {
		since = q.Since
	}
	rows, err := s.pool.Query(ctx, queryTilesSQL(s.schema),
		q.Zoom, q.X1, q.X2, q.Y1, q.Y2, since, limitParam(q.Limit))
	if err != nil {
		return nil, mapError("query tiles", err)
	}
	out, err := pgx.CollectRows(rows, scanTile)
	if err != nil {
		return nil, mapError("query tiles", err)
	}
	return out, nil
}

// QuerySummary returns the summary tiles in the query range
func (s *Store) QuerySummary(ctx context.Context, q changeset.Query) ([]changeset.Summary, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, querySummarySQL(s.schema),
		q.Zoom, q.X1, q.X2, q.Y1, q.Y2, limitParam(q.Limit))
	if err != nil {
		return nil, mapError("query summary", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (changeset.Summary, error) {
		var (
			sum    changeset.Summary
			z      int16
			latest int64
		)
		err := row.Scan(&z, &sum.X, &sum.Y, &sum.NumChangesets, &latest)
		sum.Z = int(z)
		sum.LatestChangesetID = osm.ChangesetID(latest)
		return sum, err
	})
	if err != nil {
		return nil, mapError("query summary", err)
	}
	return out, nil
}

// ChangesetTiles returns every tile of one changeset, coarse zooms first
func (s *Store) ChangesetTiles(ctx context.Context, id osm.ChangesetID) ([]changeset.Tile, error) {
	var found int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE id = $1", s.table(ChangesetsTable)), int64(id),
	).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("changeset %d: %w", id, changeset.ErrNotFound)
	}
	if err != nil {
		return nil, mapError("fetch changeset", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE changeset_id = $1 ORDER BY zoom, x, y",
		tileColumns, s.table(ChangesetTilesTable)), int64(id))
	if err != nil {
		return nil, mapError("changeset tiles", err)
	}
	out, err := pgx.CollectRows(rows, scanTile)
	if err != nil {
		return nil, mapError("changeset tiles", err)
	}
	return out, nil
}
