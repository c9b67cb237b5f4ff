package item

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/petal-labs/depot/core"
)

// MemoryStore keeps items in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[core.ItemID]Info
}

// NewMemoryStore returns a store seeded with items.
func NewMemoryStore(items ...Info) *MemoryStore {
	s := &MemoryStore{items: make(map[core.ItemID]Info, len(items))}
	for _, it := range items {
		s.items[it.ID] = it.Clone()
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, id core.ItemID) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return Info{}, badID(id)
	}
	return it.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, info Info) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(info.ID)) == "" {
		return errors.New("item: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[info.ID] = info.Clone()
	return nil
}

func (s *MemoryStore) SetPercent(ctx context.Context, id core.ItemID, percent uint8) error {
	return s.update(ctx, id, func(it *Info) {
		it.Percent = min(percent, 100)
	})
}

func (s *MemoryStore) AddFlags(ctx context.Context, id core.ItemID, flags Flag) error {
	return s.update(ctx, id, func(it *Info) { it.Flags |= flags })
}

func (s *MemoryStore) DelFlags(ctx context.Context, id core.ItemID, flags Flag) error {
	return s.update(ctx, id, func(it *Info) { it.Flags &^= flags })
}

func (s *MemoryStore) update(ctx context.Context, id core.ItemID, fn func(*Info)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return badID(id)
	}
	fn(&it)
	s.items[id] = it
	return nil
}

var _ Store = (*MemoryStore)(nil)
