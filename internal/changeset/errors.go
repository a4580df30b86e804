package changeset

import (
	"errors"
	"fmt"

	"github.com/wegman-software/owl-tiler/internal/tiles"
	"github.com/wegman-software/owl-tiler/internal/wkb"
)

var (
	// ErrGeometryEngineFault marks a failure inside the geometry engine, as
	// opposed to missing data or an empty result. Retryable once via collect.
	ErrGeometryEngineFault = errors.New("geometry engine fault")

	// ErrDuplicateKey means a tile row already exists for the key; the
	// caller skipped the clear before re-writing.
	ErrDuplicateKey = errors.New("duplicate tile key")

	// ErrInvalidCoordinate marks geometry outside the representable grid
	ErrInvalidCoordinate = tiles.ErrInvalidCoordinate

	// ErrInvalidGeometry marks stored or computed geometry the store cannot
	// encode, decode or process
	ErrInvalidGeometry = wkb.ErrInvalidGeometry

	// ErrNotFound means a changeset or entity referenced by id does not exist
	ErrNotFound = errors.New("not found")
)

// EngineFault wraps an error raised by a geometry engine operation
type EngineFault struct {
	Op  string
	Err error
}

func (e *EngineFault) Error() string {
	return fmt.Sprintf("geometry engine fault in %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause
func (e *EngineFault) Unwrap() []error {
	return []error{ErrGeometryEngineFault, e.Err}
}

// IsUnitFailure reports whether err is confined to a single changeset and
// zoom. Anything else (connection loss, cancellation) concerns the whole batch.
func IsUnitFailure(err error) bool {
	return errors.Is(err, ErrGeometryEngineFault) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrInvalidCoordinate) ||
		errors.Is(err, ErrInvalidGeometry) ||
		errors.Is(err, ErrNotFound)
}
