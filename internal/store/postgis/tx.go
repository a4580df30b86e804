package postgis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/wkb"
)

type tx struct {
	tx pgx.Tx
	s  *Store
}

// editKind maps the single-letter element code of the changes table
func editKind(code string) osm.Type {
	switch code {
	case "N":
		return osm.TypeNode
	case "W":
		return osm.TypeWay
	case "R":
		return osm.TypeRelation
	}
	return osm.Type(code)
}

func (t *tx) FetchEdits(ctx context.Context, id osm.ChangesetID) ([]changeset.Edit, error) {
	var found int64
	err := t.tx.QueryRow(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE id = $1", t.s.table(ChangesetsTable)),
		int64(id),
	).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("changeset %d: %w", id, changeset.ErrNotFound)
	}
	if err != nil {
		return nil, mapError("fetch changeset", err)
	}

	rows, err := t.tx.Query(ctx, fmt.Sprintf(`
		SELECT id, type, version, tstamp, ST_AsEWKB(geom), ST_AsEWKB(prev_geom)
		FROM %s
		WHERE changeset_id = $1
		ORDER BY tstamp, type, id, version`, t.s.table(ChangesTable)),
		int64(id),
	)
	if err != nil {
		return nil, mapError("fetch edits", err)
	}

	defer rows.Close()

	var edits []changeset.Edit
	for rows.Next() {
		var (
			e          changeset.Edit
			code       string
			tstamp     time.Time
			geom, prev []byte
		)
		if err := rows.Scan(&e.ID, &code, &e.Version, &tstamp, &geom, &prev); err != nil {
			return nil, mapError("fetch edits", err)
		}
		e.Kind = editKind(code)
		e.Timestamp = tstamp.UTC()

		// A row whose geometry cannot be read costs only that entity
		if err := decodeEdit(&e, geom, prev); err != nil {
			t.s.log.Warn("Skipping edit with unreadable geometry",
				zap.Int64("changeset_id", int64(id)),
				zap.String("type", string(e.Kind)),
				zap.Int64("id", e.ID),
				zap.Error(err))
			continue
		}
		edits = append(edits, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("fetch edits", err)
	}
	return edits, nil
}

// decodeEdit fills the current and previous geometry of e from EWKB
func decodeEdit(e *changeset.Edit, geom, prev []byte) error {
	var err error
	if e.Geom, err = wkb.Decode(geom); err != nil {
		return fmt.Errorf("%s %d v%d geom: %w", e.Kind, e.ID, e.Version, err)
	}
	if e.PrevGeom, err = wkb.Decode(prev); err != nil {
		return fmt.Errorf("%s %d v%d prev_geom: %w", e.Kind, e.ID, e.Version, err)
	}
	return nil
}

func (t *tx) CountTiles(ctx context.Context, id osm.ChangesetID, zoom int) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s WHERE changeset_id = $1 AND zoom = $2", t.s.table(ChangesetTilesTable)),
		int64(id), zoom,
	).Scan(&n)
	if err != nil {
		return 0, mapError("count tiles", err)
	}
	return n, nil
}

func (t *tx) ClearTiles(ctx context.Context, id osm.ChangesetID, zoom int) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE changeset_id = $1 AND zoom = $2", t.s.table(ChangesetTilesTable)),
		int64(id), zoom,
	)
	if err != nil {
		return 0, mapError("clear tiles", err)
	}
	return tag.RowsAffected(), nil
}

func (t *tx) WriteTile(ctx context.Context, tile changeset.Tile) error {
	geom, err := wkb.Encode(tile.Geom)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (changeset_id, zoom, x, y, tstamp, geom)
			VALUES ($1, $2, $3, $4, $5, ST_GeomFromEWKB($6))`, t.s.table(ChangesetTilesTable)),
		int64(tile.ChangesetID), tile.Z, tile.X, tile.Y, tile.Tstamp, geom,
	)
	return mapError(fmt.Sprintf("write tile %s", tile.Tile), err)
}

func (t *tx) Commit(ctx context.Context) error {
	return mapError("commit", t.tx.Commit(ctx))
}

// Rollback is a no-op on a committed transaction
func (t *tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
