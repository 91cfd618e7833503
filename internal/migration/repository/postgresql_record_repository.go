package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/allisson/fieldvault/internal/database"
	apperrors "github.com/allisson/fieldvault/internal/errors"
	migrationDomain "github.com/allisson/fieldvault/internal/migration/domain"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
)

// PostgreSQLRecordRepository stores records in a JSONB column.
type PostgreSQLRecordRepository struct {
	db *sql.DB
}

// NewPostgreSQLRecordRepository creates a new PostgreSQL record repository.
func NewPostgreSQLRecordRepository(db *sql.DB) *PostgreSQLRecordRepository {
	return &PostgreSQLRecordRepository{db: db}
}

// Insert stores a new record.
func (p *PostgreSQLRecordRepository) Insert(ctx context.Context, entity string, record migrationDomain.StoredRecord) error {
	querier := database.GetTx(ctx, p.db)

	data, err := encodeFields(record.Fields)
	if err != nil {
		return err
	}

	query := `INSERT INTO records (entity, id, fields, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $4)`

	if _, err := querier.ExecContext(ctx, query, entity, record.ID, string(data), time.Now().UTC()); err != nil {
		return apperrors.Wrap(err, "failed to insert record")
	}
	return nil
}

// Count returns the number of records of entity.
func (p *PostgreSQLRecordRepository) Count(ctx context.Context, entity string) (int, error) {
	querier := database.GetTx(ctx, p.db)

	var count int
	err := querier.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE entity = $1`, entity).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to count records")
	}
	return count, nil
}

// ListPage returns up to limit records of entity with an id greater than afterID, in id order.
func (p *PostgreSQLRecordRepository) ListPage(
	ctx context.Context,
	entity, afterID string,
	limit int,
) ([]migrationDomain.StoredRecord, error) {
	querier := database.GetTx(ctx, p.db)

	query := `SELECT id, fields FROM records
			  WHERE entity = $1 AND id > $2
			  ORDER BY id ASC
			  LIMIT $3`

	rows, err := querier.QueryContext(ctx, query, entity, afterID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list records")
	}
	defer func() {
		_ = rows.Close()
	}()

	return scanRecords(rows)
}

// UpdateFields merges fields into the stored document of the record.
func (p *PostgreSQLRecordRepository) UpdateFields(
	ctx context.Context,
	entity, id string,
	fields recordDomain.Record,
) error {
	querier := database.GetTx(ctx, p.db)

	data, err := encodeFields(fields)
	if err != nil {
		return err
	}

	query := `UPDATE records
			  SET fields = fields || $1::jsonb, updated_at = $2
			  WHERE entity = $3 AND id = $4`

	result, err := querier.ExecContext(ctx, query, string(data), time.Now().UTC(), entity, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to update record fields")
	}
	return checkAffected(result)
}

func scanRecords(rows *sql.Rows) ([]migrationDomain.StoredRecord, error) {
	var records []migrationDomain.StoredRecord
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan record")
		}
		records = append(records, storedRecord(id, data))
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate records")
	}
	return records, nil
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, "failed to get affected rows")
	}
	if affected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
