package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/allisson/fieldvault/internal/database"
	apperrors "github.com/allisson/fieldvault/internal/errors"
	fieldcipherDomain "github.com/allisson/fieldvault/internal/fieldcipher/domain"
	fieldcipherService "github.com/allisson/fieldvault/internal/fieldcipher/service"
	migrationDomain "github.com/allisson/fieldvault/internal/migration/domain"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
)

// Options tunes migration runs.
type Options struct {
	// PagesPerSecond limits how fast pages are read. Zero disables the limit.
	PagesPerSecond float64

	// Concurrency bounds the entities migrated at once by MigrateEntities. Zero means one
	// goroutine per entity.
	Concurrency int
}

// transform returns the fields of one record that must be rewritten.
type transform func(ctx context.Context, fields recordDomain.Record) (recordDomain.Record, error)

type engine struct {
	repo      RecordRepository
	txManager database.TxManager
	policies  PolicySource
	cipher    fieldcipherService.FieldCipher
	logger    *slog.Logger
	opts      Options
}

// NewEngine creates a migration Engine.
func NewEngine(
	repo RecordRepository,
	txManager database.TxManager,
	policies PolicySource,
	cipher fieldcipherService.FieldCipher,
	logger *slog.Logger,
	opts Options,
) Engine {
	return &engine{
		repo:      repo,
		txManager: txManager,
		policies:  policies,
		cipher:    cipher,
		logger:    logger,
		opts:      opts,
	}
}

func (e *engine) MigrateEntity(ctx context.Context, entity string, pageSize int) (migrationDomain.RunResult, error) {
	policies := e.policies.SensitivePolicies(entity)
	return e.run(ctx, entity, pageSize, migrationDomain.DirectionMigrate, func(
		ctx context.Context,
		fields recordDomain.Record,
	) (recordDomain.Record, error) {
		changed := recordDomain.Record{}
		for _, policy := range policies {
			value, ok := fields[policy.Field]
			if !ok || value == nil || fieldcipherDomain.IsProtected(value) {
				continue
			}
			env, err := e.cipher.EncryptValue(ctx, value, policy.Context)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", policy.Field, err)
			}
			changed[policy.Field] = env
		}
		return changed, nil
	})
}

func (e *engine) RollbackEntity(ctx context.Context, entity string, pageSize int) (migrationDomain.RunResult, error) {
	policies := e.policies.SensitivePolicies(entity)
	return e.run(ctx, entity, pageSize, migrationDomain.DirectionRollback, func(
		ctx context.Context,
		fields recordDomain.Record,
	) (recordDomain.Record, error) {
		changed := recordDomain.Record{}
		for _, policy := range policies {
			env, marked, err := fieldcipherDomain.EnvelopeFromValue(fields[policy.Field])
			if !marked {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", policy.Field, err)
			}
			value, err := e.cipher.DecryptValue(ctx, env)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", policy.Field, err)
			}
			changed[policy.Field] = value
		}
		return changed, nil
	})
}

func (e *engine) ReencryptEntity(ctx context.Context, entity string, pageSize int) (migrationDomain.RunResult, error) {
	policies := e.policies.SensitivePolicies(entity)
	return e.run(ctx, entity, pageSize, migrationDomain.DirectionReencrypt, func(
		ctx context.Context,
		fields recordDomain.Record,
	) (recordDomain.Record, error) {
		changed := recordDomain.Record{}
		for _, policy := range policies {
			env, marked, err := fieldcipherDomain.EnvelopeFromValue(fields[policy.Field])
			if !marked {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", policy.Field, err)
			}
			sealed, rewritten, err := e.cipher.ReencryptField(ctx, env)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", policy.Field, err)
			}
			if rewritten {
				changed[policy.Field] = sealed
			}
		}
		return changed, nil
	})
}

func (e *engine) MigrateEntities(
	ctx context.Context,
	entities []string,
	pageSize int,
) ([]migrationDomain.RunResult, error) {
	if err := migrationDomain.ValidatePageSize(pageSize); err != nil {
		return nil, err
	}

	results := make([]migrationDomain.RunResult, len(entities))
	g, gctx := errgroup.WithContext(ctx)
	if e.opts.Concurrency > 0 {
		g.SetLimit(e.opts.Concurrency)
	}

	for i, entity := range entities {
		g.Go(func() error {
			result, err := e.MigrateEntity(gctx, entity, pageSize)
			results[i] = result
			if err != nil {
				return fmt.Errorf("entity %s: %w", entity, err)
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

func (e *engine) run(
	ctx context.Context,
	entity string,
	pageSize int,
	direction migrationDomain.Direction,
	fn transform,
) (migrationDomain.RunResult, error) {
	result := migrationDomain.RunResult{Entity: entity, Direction: direction}
	if err := migrationDomain.ValidatePageSize(pageSize); err != nil {
		return result, err
	}

	total, err := e.repo.Count(ctx, entity)
	if err != nil {
		return result, apperrors.Wrapf(err, "failed to count %s records", entity)
	}
	result.Total = total

	var limiter *rate.Limiter
	if e.opts.PagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.opts.PagesPerSecond), 1)
	}

	e.logger.Info("migration run started",
		slog.String("entity", entity),
		slog.String("direction", string(direction)),
		slog.Int("total", total),
		slog.Int("page_size", pageSize),
	)

	afterID := ""
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			e.logStopped(result, err)
			return result, err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				e.logStopped(result, ctx.Err())
				return result, ctx.Err()
			}
		}

		records, err := e.repo.ListPage(ctx, entity, afterID, pageSize)
		if err != nil {
			return result, apperrors.Wrapf(err, "failed to read %s page %d", entity, page)
		}
		if len(records) == 0 {
			break
		}

		processed, failures := e.processPage(ctx, entity, records, fn)
		result.Processed += processed
		result.Errors += len(failures)
		result.Failures = append(result.Failures, failures...)

		e.logger.Info("migration page committed",
			slog.String("entity", entity),
			slog.String("direction", string(direction)),
			slog.Int("page", page),
			slog.Int("records", len(records)),
			slog.Int("processed", processed),
			slog.Int("errors", len(failures)),
		)

		afterID = records[len(records)-1].ID
		if len(records) < pageSize {
			break
		}
	}

	e.logger.Info("migration run completed",
		slog.String("entity", entity),
		slog.String("direction", string(direction)),
		slog.Int("total", result.Total),
		slog.Int("processed", result.Processed),
		slog.Int("errors", result.Errors),
	)
	return result, nil
}

// processPage transforms every record of the page and writes the changed ones in a single
// transaction. A failed write rolls the transaction back; the page is then written again
// without the failing record. A failure that names no record, such as a failed commit, counts
// every record still pending.
func (e *engine) processPage(
	ctx context.Context,
	entity string,
	records []migrationDomain.StoredRecord,
	fn transform,
) (int, []migrationDomain.RecordError) {
	var (
		updates  []pageUpdate
		failures []migrationDomain.RecordError
	)
	for _, record := range records {
		if record.DecodeErr != nil {
			failures = append(failures, e.recordFailure(entity, record.ID, record.DecodeErr))
			continue
		}
		changed, err := fn(ctx, record.Fields)
		if err != nil {
			failures = append(failures, e.recordFailure(entity, record.ID, err))
			continue
		}
		if len(changed) > 0 {
			updates = append(updates, pageUpdate{id: record.ID, fields: changed})
		}
	}

	for len(updates) > 0 {
		failed, err := e.writePage(ctx, entity, updates)
		if err == nil {
			return len(updates), failures
		}
		if failed < 0 {
			e.logger.Error("migration page rolled back",
				slog.String("entity", entity),
				slog.Int("records", len(updates)),
				slog.Any("error", err),
			)
			for _, u := range updates {
				failures = append(failures, migrationDomain.RecordError{
					ID:  u.id,
					Err: fmt.Errorf("%w: %s/%s: page rolled back: %w", migrationDomain.ErrMigrationRecord, entity, u.id, err),
				})
			}
			return 0, failures
		}

		failures = append(failures, e.recordFailure(entity, updates[failed].id, err))
		updates = append(updates[:failed:failed], updates[failed+1:]...)
	}
	return 0, failures
}

type pageUpdate struct {
	id     string
	fields recordDomain.Record
}

// writePage applies updates in one transaction. On failure it returns the index of the update
// whose write failed, or -1 when the transaction itself failed.
func (e *engine) writePage(ctx context.Context, entity string, updates []pageUpdate) (int, error) {
	failed := -1
	err := e.txManager.WithTx(ctx, func(ctx context.Context) error {
		for i, u := range updates {
			if err := e.repo.UpdateFields(ctx, entity, u.id, u.fields); err != nil {
				failed = i
				return err
			}
		}
		return nil
	})
	if err == nil {
		return -1, nil
	}
	return failed, err
}

func (e *engine) recordFailure(entity, id string, err error) migrationDomain.RecordError {
	wrapped := fmt.Errorf("%w: %s/%s: %w", migrationDomain.ErrMigrationRecord, entity, id, err)
	e.logger.Error("migration record failed",
		slog.String("entity", entity),
		slog.String("record_id", id),
		slog.Any("error", err),
	)
	return migrationDomain.RecordError{ID: id, Err: wrapped}
}

func (e *engine) logStopped(result migrationDomain.RunResult, err error) {
	e.logger.Warn("migration run stopped",
		slog.String("entity", result.Entity),
		slog.String("direction", string(result.Direction)),
		slog.Int("processed", result.Processed),
		slog.Int("errors", result.Errors),
		slog.Any("error", err),
	)
}
