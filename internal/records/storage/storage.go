// Package storage declares the record persistence boundary consumed by the
// collaboration core. Implementations live in subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/caseforge/caseforge/internal/records/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict indicates an update lost a compare-and-set race:
// the stored version no longer matches the expected one.
var ErrVersionConflict = errors.New("record version conflict")

// RecordStore persists editable records.
type RecordStore interface {
	// Put inserts or replaces a record wholesale. New records get
	// version 1 when none is set.
	Put(ctx context.Context, record domain.Record) error
	// Get fetches a record by id.
	Get(ctx context.Context, id string) (domain.Record, error)
	// Update replaces a record's fields iff the stored version equals
	// expectedVersion, bumping the version. Returns the stored record.
	Update(ctx context.Context, record domain.Record, expectedVersion int64) (domain.Record, error)
	// List returns all records of one kind.
	List(ctx context.Context, kind domain.Kind) ([]domain.Record, error)
}
