package usecase

import (
	"context"
	"time"

	"github.com/allisson/fieldvault/internal/metrics"
	migrationDomain "github.com/allisson/fieldvault/internal/migration/domain"
)

// engineWithMetrics decorates Engine with metrics instrumentation.
type engineWithMetrics struct {
	next    Engine
	metrics metrics.BusinessMetrics
}

// NewEngineWithMetrics wraps an Engine with metrics recording.
func NewEngineWithMetrics(next Engine, m metrics.BusinessMetrics) Engine {
	return &engineWithMetrics{
		next:    next,
		metrics: m,
	}
}

func (e *engineWithMetrics) MigrateEntity(
	ctx context.Context,
	entity string,
	pageSize int,
) (migrationDomain.RunResult, error) {
	start := time.Now()
	result, err := e.next.MigrateEntity(ctx, entity, pageSize)
	e.record(ctx, "migrate_entity", start, result, err)
	return result, err
}

func (e *engineWithMetrics) RollbackEntity(
	ctx context.Context,
	entity string,
	pageSize int,
) (migrationDomain.RunResult, error) {
	start := time.Now()
	result, err := e.next.RollbackEntity(ctx, entity, pageSize)
	e.record(ctx, "rollback_entity", start, result, err)
	return result, err
}

func (e *engineWithMetrics) ReencryptEntity(
	ctx context.Context,
	entity string,
	pageSize int,
) (migrationDomain.RunResult, error) {
	start := time.Now()
	result, err := e.next.ReencryptEntity(ctx, entity, pageSize)
	e.record(ctx, "reencrypt_entity", start, result, err)
	return result, err
}

// MigrateEntities records the batch as one operation with the summed counts.
func (e *engineWithMetrics) MigrateEntities(
	ctx context.Context,
	entities []string,
	pageSize int,
) ([]migrationDomain.RunResult, error) {
	start := time.Now()
	results, err := e.next.MigrateEntities(ctx, entities, pageSize)

	var total migrationDomain.RunResult
	for _, r := range results {
		total.Processed += r.Processed
		total.Errors += r.Errors
	}
	e.record(ctx, "migrate_entities", start, total, err)
	return results, err
}

func (e *engineWithMetrics) record(
	ctx context.Context,
	operation string,
	start time.Time,
	result migrationDomain.RunResult,
	err error,
) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case result.Errors > 0:
		status = "partial"
	}

	e.metrics.RecordOperation(ctx, "migration", operation, status)
	e.metrics.RecordDuration(ctx, "migration", operation, time.Since(start), status)
	e.metrics.RecordItems(ctx, "migration", operation+"_processed", int64(result.Processed))
	e.metrics.RecordItems(ctx, "migration", operation+"_errors", int64(result.Errors))
}
