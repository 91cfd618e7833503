package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	apperrors "github.com/allisson/fieldvault/internal/errors"
	migrationDomain "github.com/allisson/fieldvault/internal/migration/domain"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
)

// MemoryRecordRepository keeps records in process. Records are stored in their JSON form so
// reads return the same value types a SQL repository would.
type MemoryRecordRepository struct {
	mu       sync.RWMutex
	entities map[string]map[string][]byte
}

// NewMemoryRecordRepository creates an empty in-memory record repository.
func NewMemoryRecordRepository() *MemoryRecordRepository {
	return &MemoryRecordRepository{entities: map[string]map[string][]byte{}}
}

// Insert stores a new record.
func (m *MemoryRecordRepository) Insert(_ context.Context, entity string, record migrationDomain.StoredRecord) error {
	data, err := encodeFields(record.Fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, ok := m.entities[entity]
	if !ok {
		records = map[string][]byte{}
		m.entities[entity] = records
	}
	if _, exists := records[record.ID]; exists {
		return fmt.Errorf("%w: record %s/%s", apperrors.ErrConflict, entity, record.ID)
	}
	records[record.ID] = data
	return nil
}

// Get returns one record.
func (m *MemoryRecordRepository) Get(_ context.Context, entity, id string) (recordDomain.Record, error) {
	m.mu.RLock()
	data, ok := m.entities[entity][id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return decodeFields(data)
}

// Count returns the number of records of entity.
func (m *MemoryRecordRepository) Count(_ context.Context, entity string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities[entity]), nil
}

// ListPage returns up to limit records of entity with an id greater than afterID, in id order.
func (m *MemoryRecordRepository) ListPage(
	_ context.Context,
	entity, afterID string,
	limit int,
) ([]migrationDomain.StoredRecord, error) {
	m.mu.RLock()
	records := m.entities[entity]
	ids := make([]string, 0, len(records))
	for id := range records {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		raw[i] = records[id]
	}
	m.mu.RUnlock()

	page := make([]migrationDomain.StoredRecord, 0, len(ids))
	for i, id := range ids {
		page = append(page, storedRecord(id, raw[i]))
	}
	return page, nil
}

// UpdateFields replaces the given top-level fields of the stored record.
func (m *MemoryRecordRepository) UpdateFields(
	_ context.Context,
	entity, id string,
	fields recordDomain.Record,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.entities[entity][id]
	if !ok {
		return apperrors.ErrNotFound
	}
	current, err := decodeFields(data)
	if err != nil {
		return err
	}
	maps.Copy(current, fields)

	updated, err := encodeFields(current)
	if err != nil {
		return err
	}
	m.entities[entity][id] = updated
	return nil
}
