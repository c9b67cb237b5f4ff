package tool

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/petal-labs/depot/core"
)

// Store persists the tool registry.
type Store interface {
	List(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, id core.ToolID) (Record, bool, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id core.ToolID) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[core.ToolID]Record
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[core.ToolID]Record)}
}

// List returns every record sorted by id.
func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	slices.SortFunc(out, func(a, b Record) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, nil
}

// Get returns the record for id.
func (s *MemoryStore) Get(ctx context.Context, id core.ToolID) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// Upsert inserts or replaces a record.
func (s *MemoryStore) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(rec.ID)) == "" {
		return errors.New("tool: record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Delete removes a record. Deleting a missing id is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id core.ToolID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
