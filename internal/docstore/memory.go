package docstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-memory Store suitable for tests and local demos.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[uuid.UUID]Record
}

// NewMemory constructs an empty memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[uuid.UUID]Record)}
}

// Load retrieves a record.
func (m *Memory) Load(_ context.Context, collection string, id uuid.UUID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.collections[collection][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Save upserts the record after checking the stored version.
func (m *Memory) Save(_ context.Context, collection string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[uuid.UUID]Record)
		m.collections[collection] = coll
	}
	if existing, ok := coll[rec.ID]; ok && existing.Version != rec.Version-1 {
		return ErrVersionMismatch
	}
	coll[rec.ID] = cloneRecord(rec)
	return nil
}

// Query returns all records matching the filter.
func (m *Memory) Query(_ context.Context, collection string, filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.collections[collection] {
		if filter == nil || filter(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func cloneRecord(rec Record) Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}
