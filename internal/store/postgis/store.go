// Package postgis implements the changeset stores on PostgreSQL with
// PostGIS. Geometry crosses the wire as EWKB parameters and every geometry
// operation runs inside the unit's transaction.
package postgis

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/config"
	"github.com/wegman-software/owl-tiler/internal/logger"
)

// Table names
const (
	ChangesetsTable     = "changesets"      // upstream, read only
	ChangesTable        = "changes"         // upstream, read only
	ChangesetTilesTable = "changeset_tiles" // written by tiling
	SummaryTilesTable   = "summary_tiles"   // written by summary rebuilds
)

// Store is a pgx pool bound to one schema
type Store struct {
	pool   *pgxpool.Pool
	schema string
	log    *zap.Logger
}

var (
	_ changeset.Store        = (*Store)(nil)
	_ changeset.SummaryStore = (*Store)(nil)
	_ changeset.Reader       = (*Store)(nil)
)

// Open connects a pool sized for cfg.Workers concurrent transactions
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Store, error) {
	// One connection per worker plus headroom for the summary and reads
	return OpenDSN(ctx, cfg.ConnectionString(), cfg.DBSchema, cfg.Workers+2, log)
}

// OpenDSN connects to the database at dsn and binds the store to schema
func OpenDSN(ctx context.Context, dsn, schema string, maxConns int, log *zap.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach PostgreSQL: %w", err)
	}

	return &Store{pool: pool, schema: schema, log: logger.OrNop(log)}, nil
}

// Close closes the pool
func (s *Store) Close() {
	s.pool.Close()
}

// table returns the quoted, schema-qualified table name
func (s *Store) table(name string) string {
	return qualify(s.schema, name)
}

func qualify(schema, name string) string {
	if schema == "" {
		return pgx.Identifier{name}.Sanitize()
	}
	return pgx.Identifier{schema, name}.Sanitize()
}

// Begin opens a read-committed transaction for one unit of work
func (s *Store) Begin(ctx context.Context) (changeset.Tx, error) {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &tx{tx: pgTx, s: s}, nil
}

// SelectChangesets returns changesets with a bbox in id order. Unless
// retile is set, changesets that already have tiles are left out.
func (s *Store) SelectChangesets(ctx context.Context, retile bool, limit int) ([]osm.ChangesetID, error) {
	rows, err := s.pool.Query(ctx, selectChangesetsSQL(s.schema, retile), limitParam(limit))
	if err != nil {
		return nil, mapError("select changesets", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, mapError("select changesets", err)
	}

	out := make([]osm.ChangesetID, len(ids))
	for i, id := range ids {
		out[i] = osm.ChangesetID(id)
	}
	return out, nil
}

func selectChangesetsSQL(schema string, retile bool) string {
	sql := fmt.Sprintf("SELECT cs.id FROM %s cs WHERE cs.bbox IS NOT NULL", qualify(schema, ChangesetsTable))
	if !retile {
		sql += fmt.Sprintf(" AND NOT EXISTS (SELECT 1 FROM %s t WHERE t.changeset_id = cs.id)",
			qualify(schema, ChangesetTilesTable))
	}
	return sql + " ORDER BY cs.id LIMIT $1"
}

// limitParam maps a non-positive limit to NULL, which LIMIT treats as none
func limitParam(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
