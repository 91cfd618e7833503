// Package domain defines the entities of a bulk migration run.
package domain

import (
	"github.com/allisson/fieldvault/internal/errors"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
)

// MaxPageSize bounds the number of records held in memory per page.
const MaxPageSize = 10000

// Direction identifies what a migration run does to sensitive fields.
type Direction string

const (
	// DirectionMigrate converts plaintext sensitive fields into envelopes.
	DirectionMigrate Direction = "migrate"
	// DirectionRollback converts envelopes back into plaintext.
	DirectionRollback Direction = "rollback"
	// DirectionReencrypt seals envelopes written under a retired key version with the active key.
	DirectionReencrypt Direction = "reencrypt"
)

// StoredRecord is a record as held by the record repository, addressed by an id that is
// unique within its entity and orders the keyset pagination.
//
// DecodeErr is set, and Fields nil, when the stored document could not be decoded. The record
// still occupies its place in the page so pagination moves past it.
type StoredRecord struct {
	ID        string
	Fields    recordDomain.Record
	DecodeErr error
}

// RecordError describes one record that could not be migrated.
type RecordError struct {
	ID  string
	Err error
}

// RunResult summarizes a migration run. Total is the number of candidate records when the run
// started, Processed the number of records whose fields were rewritten, Errors the number of
// records that failed.
type RunResult struct {
	Entity    string
	Direction Direction
	Total     int
	Processed int
	Errors    int
	Failures  []RecordError
}

// Migration error definitions.
var (
	// ErrMigrationRecord wraps a failure confined to one record. It never aborts a run.
	ErrMigrationRecord = errors.New("migration record failed")

	// ErrUndecodableRecord indicates a stored document that is not a JSON object.
	ErrUndecodableRecord = errors.Wrap(errors.ErrIntegrity, "undecodable stored record")

	// ErrInvalidPageSize indicates a page size outside 1..MaxPageSize.
	ErrInvalidPageSize = errors.Wrap(errors.ErrInvalidInput, "invalid page size")
)

// ValidatePageSize checks pageSize against MaxPageSize.
func ValidatePageSize(pageSize int) error {
	if pageSize < 1 || pageSize > MaxPageSize {
		return errors.Wrapf(ErrInvalidPageSize, "%d not in 1..%d", pageSize, MaxPageSize)
	}
	return nil
}
