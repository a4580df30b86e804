package postgis

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"

	"github.com/wegman-software/owl-tiler/internal/wkb"
)

const (
	intersectsSQL = `SELECT ST_Intersects(ST_GeomFromEWKB($1), ST_MakeEnvelope($2, $3, $4, $5, 4326))`

	intersectionSQL = `
		SELECT ST_AsEWKB(g)
		FROM (SELECT ST_Intersection(ST_GeomFromEWKB($1), ST_MakeEnvelope($2, $3, $4, $5, 4326)) AS g) clipped
		WHERE NOT ST_IsEmpty(g)`

	unionSQL   = `SELECT ST_AsEWKB(ST_Union(ST_GeomFromEWKB(b))) FROM unnest($1::bytea[]) AS b`
	collectSQL = `SELECT ST_AsEWKB(ST_Collect(ST_GeomFromEWKB(b))) FROM unnest($1::bytea[]) AS b`
)

func envelope(b orb.Bound) []any {
	return []any{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

func (t *tx) Intersects(ctx context.Context, g orb.Geometry, b orb.Bound) (bool, error) {
	geom, err := wkb.Encode(g)
	if err != nil {
		return false, err
	}

	var hit bool
	args := append([]any{geom}, envelope(b)...)
	if err := t.tx.QueryRow(ctx, intersectsSQL, args...).Scan(&hit); err != nil {
		return false, mapError("intersects", err)
	}
	return hit, nil
}

func (t *tx) Intersection(ctx context.Context, g orb.Geometry, b orb.Bound) (orb.Geometry, error) {
	geom, err := wkb.Encode(g)
	if err != nil {
		return nil, err
	}

	var out []byte
	args := append([]any{geom}, envelope(b)...)
	err = t.tx.QueryRow(ctx, intersectionSQL, args...).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("intersection", err)
	}
	return wkb.Decode(out)
}

func (t *tx) Union(ctx context.Context, geoms []orb.Geometry) (orb.Geometry, error) {
	return t.aggregate(ctx, "union", unionSQL, geoms)
}

func (t *tx) Collect(ctx context.Context, geoms []orb.Geometry) (orb.Geometry, error) {
	return t.aggregate(ctx, "collect", collectSQL, geoms)
}

func (t *tx) aggregate(ctx context.Context, op, sql string, geoms []orb.Geometry) (orb.Geometry, error) {
	encoded, err := wkb.EncodeAll(geoms)
	if err != nil {
		return nil, err
	}
	if len(encoded) == 0 {
		return nil, nil
	}

	var out []byte
	if err := t.tx.QueryRow(ctx, sql, encoded).Scan(&out); err != nil {
		return nil, mapError(op, err)
	}
	return wkb.Decode(out)
}
