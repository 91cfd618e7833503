package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/allisson/fieldvault/internal/database"
	apperrors "github.com/allisson/fieldvault/internal/errors"
	migrationDomain "github.com/allisson/fieldvault/internal/migration/domain"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
)

// MySQLRecordRepository stores records in a JSON column.
type MySQLRecordRepository struct {
	db *sql.DB
}

// NewMySQLRecordRepository creates a new MySQL record repository.
func NewMySQLRecordRepository(db *sql.DB) *MySQLRecordRepository {
	return &MySQLRecordRepository{db: db}
}

// Insert stores a new record.
func (m *MySQLRecordRepository) Insert(ctx context.Context, entity string, record migrationDomain.StoredRecord) error {
	querier := database.GetTx(ctx, m.db)

	data, err := encodeFields(record.Fields)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `INSERT INTO records (entity, id, fields, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?)`

	if _, err := querier.ExecContext(ctx, query, entity, record.ID, string(data), now, now); err != nil {
		return apperrors.Wrap(err, "failed to insert record")
	}
	return nil
}

// Count returns the number of records of entity.
func (m *MySQLRecordRepository) Count(ctx context.Context, entity string) (int, error) {
	querier := database.GetTx(ctx, m.db)

	var count int
	err := querier.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE entity = ?`, entity).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to count records")
	}
	return count, nil
}

// ListPage returns up to limit records of entity with an id greater than afterID, in id order.
func (m *MySQLRecordRepository) ListPage(
	ctx context.Context,
	entity, afterID string,
	limit int,
) ([]migrationDomain.StoredRecord, error) {
	querier := database.GetTx(ctx, m.db)

	query := `SELECT id, fields FROM records
			  WHERE entity = ? AND id > ?
			  ORDER BY id ASC
			  LIMIT ?`

	rows, err := querier.QueryContext(ctx, query, entity, afterID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list records")
	}
	defer func() {
		_ = rows.Close()
	}()

	return scanRecords(rows)
}

// UpdateFields replaces the given top-level fields of the stored document. Each field is set
// with its own JSON_SET path so object values replace the stored value instead of being merged
// into it.
func (m *MySQLRecordRepository) UpdateFields(
	ctx context.Context,
	entity, id string,
	fields recordDomain.Record,
) error {
	if len(fields) == 0 {
		return nil
	}
	querier := database.GetTx(ctx, m.db)

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var set strings.Builder
	set.WriteString("fields")
	args := make([]any, 0, len(names)+3)
	for _, name := range names {
		value, err := json.Marshal(fields[name])
		if err != nil {
			return apperrors.Wrapf(err, "failed to encode field %s", name)
		}
		set.WriteString(", ")
		set.WriteString(jsonPath(name))
		set.WriteString(", CAST(? AS JSON)")
		args = append(args, string(value))
	}
	args = append(args, time.Now().UTC(), entity, id)

	query := `UPDATE records
			  SET fields = JSON_SET(` + set.String() + `), updated_at = ?
			  WHERE entity = ? AND id = ?`

	result, err := querier.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(err, "failed to update record fields")
	}
	return checkAffected(result)
}

// jsonPath returns a quoted top-level JSON path literal for a member name.
func jsonPath(name string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `'`, `''`).Replace(name)
	return `'$."` + escaped + `"'`
}
