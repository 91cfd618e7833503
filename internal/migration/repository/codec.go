// Package repository persists the records walked by migration runs.
//
// Every implementation stores one JSON document of fields per (entity, id) and pages through
// an entity in id order. UpdateFields merges the given fields into the stored document and
// leaves every other field untouched.
package repository

import (
	"bytes"
	"encoding/json"
	"fmt"

	apperrors "github.com/allisson/fieldvault/internal/errors"
	migrationDomain "github.com/allisson/fieldvault/internal/migration/domain"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
)

// decodeFields keeps numbers as json.Number so a decrypt/encrypt cycle writes back the exact
// digits it read.
func decodeFields(data []byte) (recordDomain.Record, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	fields := recordDomain.Record{}
	if err := decoder.Decode(&fields); err != nil {
		return nil, apperrors.Wrap(err, "failed to decode record fields")
	}
	return fields, nil
}

func encodeFields(fields recordDomain.Record) ([]byte, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to encode record fields")
	}
	return data, nil
}

// storedRecord decodes one stored document. A document that does not decode is kept in the page
// with DecodeErr set.
func storedRecord(id string, data []byte) migrationDomain.StoredRecord {
	fields, err := decodeFields(data)
	if err != nil {
		return migrationDomain.StoredRecord{
			ID:        id,
			DecodeErr: fmt.Errorf("%w: record %s: %w", migrationDomain.ErrUndecodableRecord, id, err),
		}
	}
	return migrationDomain.StoredRecord{ID: id, Fields: fields}
}
