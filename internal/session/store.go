package session

import (
	"context"
	"sync"
	"time"
)

// Store persists session records. Implementations must give read-your-writes
// consistency per id, and Replace must be atomic.
type Store interface {
	Get(ctx context.Context, id string) (Data, error)
	Save(ctx context.Context, id string, data Data, ttl time.Duration) error
	// Replace stores data under newID and removes oldID in one step.
	Replace(ctx context.Context, oldID, newID string, data Data, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	// Purge drops expired records and returns how many were removed.
	Purge(ctx context.Context) (int, error)
}

type memoryItem struct {
	data      Data
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return Data{}, ErrNotFound
	}
	if !m.now().Before(item.expiresAt) {
		delete(m.items, id)
		return Data{}, ErrNotFound
	}
	return item.data, nil
}

func (m *MemoryStore) Save(_ context.Context, id string, data Data, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[id] = memoryItem{data: data, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Replace(_ context.Context, oldID, newID string, data Data, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, oldID)
	m.items[newID] = memoryItem{data: data, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, id)
	return nil
}

func (m *MemoryStore) Purge(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of records held, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
