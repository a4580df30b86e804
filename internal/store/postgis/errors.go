package postgis

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wegman-software/owl-tiler/internal/changeset"
)

const (
	codeUniqueViolation = "23505"
	codeInternalError   = "XX000"
	classDataException  = "22"
)

// mapError classifies a database error into the changeset error taxonomy.
// Errors it does not recognise are wrapped unchanged.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, changeset.ErrDuplicateKey, pgErr.Detail)
		case isEngineFault(pgErr):
			return &changeset.EngineFault{Op: op, Err: err}
		case strings.HasPrefix(pgErr.Code, classDataException):
			// Invalid geometry, mixed SRIDs and similar input errors
			return fmt.Errorf("%s: %w: %w", op, changeset.ErrInvalidGeometry, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isEngineFault matches the errors GEOS raises through PostGIS on
// degenerate input
func isEngineFault(e *pgconn.PgError) bool {
	return e.Code == codeInternalError ||
		strings.Contains(e.Message, "GEOS") ||
		strings.Contains(e.Message, "TopologyException")
}
