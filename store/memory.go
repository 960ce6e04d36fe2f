package store

import (
	"context"
	"sync"
)

// Compile-time contract assertion.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store. Rows are kept in insertion order.
type Memory struct {
	mu     sync.RWMutex
	items  []Item
	index  map[int64]int
	nextID int64
}

// NewMemory creates an empty in-memory store. Ids start at 1.
func NewMemory() *Memory {
	return &Memory{
		index:  make(map[int64]int),
		nextID: 1,
	}
}

// List returns a copy of every item ordered by id.
func (m *Memory) List(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Item, len(m.items))
	for i, item := range m.items {
		out[i] = item.Clone()
	}
	return out, nil
}

// Get returns the item with the given id.
func (m *Memory) Get(ctx context.Context, id int64) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return m.items[i].Clone(), nil
}

// Insert appends a new item with the next id.
func (m *Memory) Insert(ctx context.Context, name string, parent *int64) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	item := Item{ID: m.nextID, Name: name}
	if parent != nil {
		item.Parent = ParentID(*parent)
	}
	m.nextID++
	m.index[item.ID] = len(m.items)
	m.items = append(m.items, item)
	return item.Clone(), nil
}

// Update applies patch in place.
func (m *Memory) Update(ctx context.Context, id int64, patch Patch) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	m.items[i] = patch.Apply(m.items[i])
	return m.items[i].Clone(), nil
}

// Delete removes the row and reindexes the rows after it.
func (m *Memory) Delete(ctx context.Context, id int64) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	deleted := m.items[i]
	m.items = append(m.items[:i], m.items[i+1:]...)
	delete(m.index, id)
	for j := i; j < len(m.items); j++ {
		m.index[m.items[j].ID] = j
	}
	return deleted, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
