// Package domain defines the records processed by the engine.
package domain

import (
	"context"
	"maps"
	"sort"

	"github.com/allisson/fieldvault/internal/errors"
	fieldcipherDomain "github.com/allisson/fieldvault/internal/fieldcipher/domain"
)

// Record is a structured record as exchanged with the persistence layer: field name to value.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// FailedFields returns, in lexical order, the fields replaced by the decryption failure
// sentinel during retrieval.
func FailedFields(r Record) []string {
	var failed []string
	for field, value := range r {
		if s, ok := value.(string); ok && s == fieldcipherDomain.DecryptionFailedSentinel {
			failed = append(failed, field)
		}
	}
	sort.Strings(failed)
	return failed
}

// Record processor error definitions.
var (
	// ErrRequiredFieldMissing indicates a field the policy marks required is absent or nil.
	ErrRequiredFieldMissing = errors.Wrap(errors.ErrInvalidInput, "required field missing")
)

type actorKey struct{}

// WithActor stores the identity performing the operation, recorded on ledger events.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// GetActor retrieves the actor stored by WithActor.
func GetActor(ctx context.Context) (string, bool) {
	actorID, ok := ctx.Value(actorKey{}).(string)
	return actorID, ok
}
