package postgis

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// schemaStatements returns the idempotent DDL for the tables this service
// owns. The upstream changesets and changes tables are not created here.
func schemaStatements(schema string) []string {
	tiles := qualify(schema, ChangesetTilesTable)
	summary := qualify(schema, SummaryTilesTable)

	var stmts []string
	stmts = append(stmts, "CREATE EXTENSION IF NOT EXISTS postgis")
	if schema != "" && schema != "public" {
		stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize()))
	}

	return append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			changeset_id BIGINT NOT NULL,
			zoom SMALLINT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			tstamp TIMESTAMPTZ NOT NULL,
			geom GEOMETRY(Geometry, 4326) NOT NULL,
			PRIMARY KEY (changeset_id, zoom, x, y)
		)`, tiles),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (zoom, x, y)",
			pgx.Identifier{ChangesetTilesTable + "_zxy_idx"}.Sanitize(), tiles),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (geom)",
			pgx.Identifier{ChangesetTilesTable + "_geom_idx"}.Sanitize(), tiles),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			zoom SMALLINT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			num_changesets INTEGER NOT NULL,
			latest_changeset_id BIGINT NOT NULL,
			PRIMARY KEY (zoom, x, y)
		)`, summary),
	)
}

// CreateSchema creates the tile tables and indexes if they are missing
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.schema) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	s.log.Info("Schema ready", zap.String("schema", s.schema))
	return nil
}
