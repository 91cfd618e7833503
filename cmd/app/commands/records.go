package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
	recordUsecase "github.com/allisson/fieldvault/internal/record/usecase"
)

// RunProtectRecord reads a stream of JSON records, protects the sensitive fields of entity and
// writes one protected record per line.
func RunProtectRecord(
	ctx context.Context,
	processor recordUsecase.Processor,
	logger *slog.Logger,
	streams IOTuple,
	entity string,
) error {
	if entity == "" {
		return fmt.Errorf("entity is required")
	}

	count, err := streamRecords(streams, func(record recordDomain.Record) (recordDomain.Record, error) {
		return processor.ProtectForStorage(ctx, record, entity)
	})
	if err != nil {
		return err
	}

	logger.Info("records protected", slog.String("entity", entity), slog.Int("count", count))
	return nil
}

// RunUnprotectRecord reads a stream of JSON records and writes them back with every envelope
// decrypted. Fields that fail to decrypt are written as the failure sentinel.
func RunUnprotectRecord(
	ctx context.Context,
	processor recordUsecase.Processor,
	logger *slog.Logger,
	streams IOTuple,
) error {
	failed := 0
	count, err := streamRecords(streams, func(record recordDomain.Record) (recordDomain.Record, error) {
		out := processor.UnprotectForRetrieval(ctx, record)
		failed += len(recordDomain.FailedFields(out))
		return out, nil
	})
	if err != nil {
		return err
	}

	if failed > 0 {
		logger.Warn("records unprotected with failed fields", slog.Int("count", count), slog.Int("failed_fields", failed))
		return nil
	}
	logger.Info("records unprotected", slog.Int("count", count))
	return nil
}

// streamRecords decodes numbers as json.Number so they are written back unchanged.
func streamRecords(
	streams IOTuple,
	transform func(recordDomain.Record) (recordDomain.Record, error),
) (int, error) {
	decoder := json.NewDecoder(streams.Reader)
	decoder.UseNumber()
	encoder := json.NewEncoder(streams.Writer)

	count := 0
	for {
		var record recordDomain.Record
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("failed to decode record %d: %w", count+1, err)
		}

		out, err := transform(record)
		if err != nil {
			return count, fmt.Errorf("record %d: %w", count+1, err)
		}
		if err := encoder.Encode(out); err != nil {
			return count, fmt.Errorf("failed to encode record %d: %w", count+1, err)
		}
		count++
	}
}
