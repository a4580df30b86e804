package postgis

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/owl-tiler/internal/changeset"
	"github.com/wegman-software/owl-tiler/internal/wkb"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantIs     error
		unitFailed bool
	}{
		{
			name:       "unique violation",
			err:        &pgconn.PgError{Code: "23505", Detail: "Key (changeset_id, zoom, x, y)=(1, 16, 2, 3) already exists."},
			wantIs:     changeset.ErrDuplicateKey,
			unitFailed: true,
		},
		{
			name:       "GEOS internal error",
			err:        &pgconn.PgError{Code: "XX000", Message: "GEOSUnaryUnion: TopologyException: found non-noded intersection"},
			wantIs:     changeset.ErrGeometryEngineFault,
			unitFailed: true,
		},
		{
			name:       "topology exception with another code",
			err:        &pgconn.PgError{Code: "22000", Message: "TopologyException: side location conflict"},
			wantIs:     changeset.ErrGeometryEngineFault,
			unitFailed: true,
		},
		{
			name:       "invalid geometry data",
			err:        &pgconn.PgError{Code: "22023", Message: "Operation on mixed SRID geometries"},
			wantIs:     changeset.ErrInvalidGeometry,
			unitFailed: true,
		},
		{
			name:       "syntax error",
			err:        &pgconn.PgError{Code: "42601", Message: "syntax error"},
			unitFailed: false,
		},
		{
			name:       "connection loss",
			err:        errors.New("unexpected EOF"),
			unitFailed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError("op", tt.err)
			if !errors.Is(got, tt.err) && tt.wantIs == nil {
				t.Errorf("mapError lost the cause: %v", got)
			}
			if tt.wantIs != nil && !errors.Is(got, tt.wantIs) {
				t.Errorf("mapError = %v, want %v", got, tt.wantIs)
			}
			if changeset.IsUnitFailure(got) != tt.unitFailed {
				t.Errorf("IsUnitFailure = %v, want %v", !tt.unitFailed, tt.unitFailed)
			}
		})
	}

	if mapError("op", nil) != nil {
		t.Error("mapError(nil) should be nil")
	}
}

func TestEngineFaultKeepsPgError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "XX000", Message: "GEOS error"}
	got := mapError("union", pgErr)

	var fault *changeset.EngineFault
	if !errors.As(got, &fault) || fault.Op != "union" {
		t.Fatalf("mapError = %#v, want EngineFault for union", got)
	}
	var back *pgconn.PgError
	if !errors.As(got, &back) || back != pgErr {
		t.Error("EngineFault should unwrap to the PgError")
	}
}

func TestQualify(t *testing.T) {
	tests := []struct {
		schema, name, want string
	}{
		{"public", "changeset_tiles", `"public"."changeset_tiles"`},
		{"", "summary_tiles", `"summary_tiles"`},
		{`owl"; DROP`, "changes", `"owl""; DROP"."changes"`},
	}
	for _, tt := range tests {
		if got := qualify(tt.schema, tt.name); got != tt.want {
			t.Errorf("qualify(%q, %q) = %s, want %s", tt.schema, tt.name, got, tt.want)
		}
	}
}

func TestSelectChangesetsSQL(t *testing.T) {
	incremental := selectChangesetsSQL("owl", false)
	if !strings.Contains(incremental, "NOT EXISTS") || !strings.Contains(incremental, `"owl"."changeset_tiles"`) {
		t.Errorf("incremental selection should skip tiled changesets: %s", incremental)
	}
	if retile := selectChangesetsSQL("owl", true); strings.Contains(retile, "NOT EXISTS") {
		t.Errorf("retile selection should include tiled changesets: %s", retile)
	}
	for _, sql := range []string{incremental, selectChangesetsSQL("owl", true)} {
		if !strings.HasSuffix(sql, "ORDER BY cs.id LIMIT $1") {
			t.Errorf("selection must be ordered and limited: %s", sql)
		}
	}
}

func TestQueryTilesSQLLimitsChangesets(t *testing.T) {
	sql := queryTilesSQL("owl")
	if !strings.Contains(sql, "GROUP BY changeset_id") || !strings.Contains(sql, "LIMIT $7") {
		t.Errorf("limit should apply to distinct changesets: %s", sql)
	}
	if !strings.Contains(sql, "changeset_id IN (SELECT changeset_id FROM picked)") {
		t.Errorf("rows should be restricted to the picked changesets: %s", sql)
	}
	if strings.HasSuffix(strings.TrimSpace(sql), "LIMIT $7") {
		t.Errorf("outer query must not cap tile rows: %s", sql)
	}
}

func TestLimitParam(t *testing.T) {
	if limitParam(0) != nil || limitParam(-1) != nil {
		t.Error("non-positive limits should map to NULL")
	}
	if limitParam(1000) != 1000 {
		t.Error("positive limit should pass through")
	}
}

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements("owl")
	joined := strings.Join(stmts, "\n")

	for _, want := range []string{
		`CREATE SCHEMA IF NOT EXISTS "owl"`,
		"PRIMARY KEY (changeset_id, zoom, x, y)",
		"PRIMARY KEY (zoom, x, y)",
		"USING GIST (geom)",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("schema DDL missing %q", want)
		}
	}
	for _, stmt := range stmts {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Errorf("statement is not idempotent: %s", stmt)
		}
	}

	if strings.Contains(strings.Join(schemaStatements("public"), "\n"), "CREATE SCHEMA") {
		t.Error("public schema should not be created")
	}
}

func TestEditKind(t *testing.T) {
	if editKind("N") != osm.TypeNode || editKind("W") != osm.TypeWay || editKind("R") != osm.TypeRelation {
		t.Error("element codes not mapped")
	}
	if editKind("X") == osm.TypeNode {
		t.Error("unknown code must not map to a node")
	}
}

func TestDecodeEdit(t *testing.T) {
	good, err := wkb.Encode(orb.Point{-1.85, 53.8})
	if err != nil {
		t.Fatal(err)
	}

	e := changeset.Edit{ID: 7, Version: 2, Kind: osm.TypeNode}
	if err := decodeEdit(&e, good, nil); err != nil {
		t.Fatalf("decodeEdit: %v", err)
	}
	if e.Geom == nil || e.PrevGeom != nil {
		t.Errorf("decodeEdit = %v / %v, want point / nil", e.Geom, e.PrevGeom)
	}

	bad := changeset.Edit{ID: 8, Version: 1, Kind: osm.TypeWay}
	err = decodeEdit(&bad, good, []byte{0x01, 0x02, 0x00})
	if !errors.Is(err, changeset.ErrInvalidGeometry) {
		t.Fatalf("decodeEdit error = %v, want ErrInvalidGeometry", err)
	}
	if !strings.Contains(err.Error(), "way 8 v1 prev_geom") {
		t.Errorf("error should name the edit and column: %v", err)
	}
	if !changeset.IsUnitFailure(err) {
		t.Error("unreadable geometry must not fail the batch")
	}
}
