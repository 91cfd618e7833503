// Package usecase drives bulk migration runs over stored records.
package usecase

import (
	"context"

	migrationDomain "github.com/allisson/fieldvault/internal/migration/domain"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
	registryDomain "github.com/allisson/fieldvault/internal/registry/domain"
)

// RecordRepository pages through the stored records of an entity and rewrites fields.
type RecordRepository interface {
	Count(ctx context.Context, entity string) (int, error)
	ListPage(ctx context.Context, entity, afterID string, limit int) ([]migrationDomain.StoredRecord, error)
	UpdateFields(ctx context.Context, entity, id string, fields recordDomain.Record) error
}

// PolicySource lists the sensitive fields of an entity.
type PolicySource interface {
	SensitivePolicies(entity string) []registryDomain.FieldPolicy
}

// Engine converts stored records between plaintext and protected form.
//
// Pages are processed sequentially and each page is committed in its own transaction, so a
// run stopped between pages leaves every committed page consistent. A failure confined to one
// record is counted in the result and never aborts the run.
type Engine interface {
	// MigrateEntity encrypts the plaintext sensitive fields of every record of entity. Fields
	// that already hold envelopes are skipped, so a second run processes nothing.
	MigrateEntity(ctx context.Context, entity string, pageSize int) (migrationDomain.RunResult, error)

	// RollbackEntity decrypts the protected sensitive fields of every record of entity back to
	// plaintext. Plaintext fields are skipped.
	RollbackEntity(ctx context.Context, entity string, pageSize int) (migrationDomain.RunResult, error)

	// ReencryptEntity seals every envelope written under a retired key version with the active
	// key of its context. Once it reports no errors the retired versions can be purged.
	ReencryptEntity(ctx context.Context, entity string, pageSize int) (migrationDomain.RunResult, error)

	// MigrateEntities runs MigrateEntity for each entity concurrently. Results keep the order
	// of entities.
	MigrateEntities(ctx context.Context, entities []string, pageSize int) ([]migrationDomain.RunResult, error)
}
