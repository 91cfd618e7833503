package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	migrationDomain "github.com/allisson/fieldvault/internal/migration/domain"
	migrationUsecase "github.com/allisson/fieldvault/internal/migration/usecase"
)

type runFunc func(ctx context.Context, entity string, pageSize int) (migrationDomain.RunResult, error)

type runResultOutput struct {
	Entity    string                `json:"entity"`
	Direction string                `json:"direction"`
	Total     int                   `json:"total"`
	Processed int                   `json:"processed"`
	Errors    int                   `json:"errors"`
	Failures  []recordFailureOutput `json:"failures,omitempty"`
}

type recordFailureOutput struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// RunMigrateEntity encrypts the plaintext sensitive fields of the given entities. More than
// one entity runs concurrently.
func RunMigrateEntity(
	ctx context.Context,
	engine migrationUsecase.Engine,
	logger *slog.Logger,
	writer io.Writer,
	entities []string,
	pageSize int,
	format string,
) error {
	if err := checkRunArgs(entities, pageSize, format); err != nil {
		return err
	}

	var results []migrationDomain.RunResult
	var err error
	if len(entities) == 1 {
		var result migrationDomain.RunResult
		result, err = engine.MigrateEntity(ctx, entities[0], pageSize)
		results = []migrationDomain.RunResult{result}
	} else {
		results, err = engine.MigrateEntities(ctx, entities, pageSize)
	}

	return finishRun(logger, writer, results, err, format)
}

// RunRollbackEntity decrypts the protected sensitive fields of the given entities.
func RunRollbackEntity(
	ctx context.Context,
	engine migrationUsecase.Engine,
	logger *slog.Logger,
	writer io.Writer,
	entities []string,
	pageSize int,
	format string,
) error {
	if err := checkRunArgs(entities, pageSize, format); err != nil {
		return err
	}
	results, err := runSequential(ctx, engine.RollbackEntity, entities, pageSize)
	return finishRun(logger, writer, results, err, format)
}

// RunReencryptEntity moves envelopes sealed under retired key versions to the active keys.
func RunReencryptEntity(
	ctx context.Context,
	engine migrationUsecase.Engine,
	logger *slog.Logger,
	writer io.Writer,
	entities []string,
	pageSize int,
	format string,
) error {
	if err := checkRunArgs(entities, pageSize, format); err != nil {
		return err
	}
	results, err := runSequential(ctx, engine.ReencryptEntity, entities, pageSize)
	return finishRun(logger, writer, results, err, format)
}

func checkRunArgs(entities []string, pageSize int, format string) error {
	if err := validateFormat(format); err != nil {
		return err
	}
	if len(entities) == 0 {
		return fmt.Errorf("at least one entity is required")
	}
	return migrationDomain.ValidatePageSize(pageSize)
}

// runSequential stops at the first entity whose run fails and returns what completed so far.
func runSequential(
	ctx context.Context,
	run runFunc,
	entities []string,
	pageSize int,
) ([]migrationDomain.RunResult, error) {
	results := make([]migrationDomain.RunResult, 0, len(entities))
	for _, entity := range entities {
		result, err := run(ctx, entity, pageSize)
		results = append(results, result)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// finishRun prints the results, including partial ones, and turns record failures into a
// command error so the process exits non-zero.
func finishRun(
	logger *slog.Logger,
	writer io.Writer,
	results []migrationDomain.RunResult,
	runErr error,
	format string,
) error {
	failed := 0
	for _, result := range results {
		failed += result.Errors
		logger.Info("migration result",
			slog.String("entity", result.Entity),
			slog.String("direction", string(result.Direction)),
			slog.Int("total", result.Total),
			slog.Int("processed", result.Processed),
			slog.Int("errors", result.Errors),
		)
	}

	if err := outputRunResults(writer, results, format); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("migration run stopped: %w", runErr)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d record(s) failed", migrationDomain.ErrMigrationRecord, failed)
	}
	return nil
}

func outputRunResults(writer io.Writer, results []migrationDomain.RunResult, format string) error {
	if format == "json" {
		out := make([]runResultOutput, 0, len(results))
		for _, result := range results {
			item := runResultOutput{
				Entity:    result.Entity,
				Direction: string(result.Direction),
				Total:     result.Total,
				Processed: result.Processed,
				Errors:    result.Errors,
			}
			for _, failure := range result.Failures {
				item.Failures = append(item.Failures, recordFailureOutput{ID: failure.ID, Error: failure.Err.Error()})
			}
			out = append(out, item)
		}
		return writeJSON(writer, map[string]any{"results": out})
	}

	for _, result := range results {
		_, err := fmt.Fprintf(writer, "%s %s: %d/%d processed, %d error(s)\n",
			result.Direction, result.Entity, result.Processed, result.Total, result.Errors)
		if err != nil {
			return err
		}
		for _, failure := range result.Failures {
			if _, err := fmt.Fprintf(writer, "  %s: %v\n", failure.ID, failure.Err); err != nil {
				return err
			}
		}
	}
	return nil
}
