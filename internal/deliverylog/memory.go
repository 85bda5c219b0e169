package deliverylog

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. Used in tests and for the "memory"
// storage driver.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[Key]Entry{}}
}

func (m *MemoryStore) Find(ctx context.Context, key Key) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryStore) InsertIfAbsent(ctx context.Context, e Entry) (bool, error) {
	if err := Validate(e.Key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.Key]; ok {
		return false, nil
	}
	e.Version = 1
	m.entries[e.Key] = e
	return true, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, version int64, next Entry) (bool, error) {
	if err := Validate(next.Key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[next.Key]
	if !ok || cur.Version != version {
		return false, nil
	}
	next.Version = version + 1
	m.entries[next.Key] = next
	return true, nil
}

func (m *MemoryStore) Record(ctx context.Context, e Entry) error {
	if err := Validate(e.Key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Version = m.entries[e.Key].Version + 1
	m.entries[e.Key] = e
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
