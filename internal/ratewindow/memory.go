package ratewindow

import (
	"context"
	"sync"
	"time"
)

const defaultMaxKeys = 5000

// MemoryStore keeps timestamps in process. Each key has its own mutex so
// unrelated subjects never contend.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	maxKeys int
}

type bucket struct {
	mu     sync.Mutex
	events []time.Time
	last   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: map[string]*bucket{}, maxKeys: defaultMaxKeys}
}

func (m *MemoryStore) bucket(key string, cutoff time.Time) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buckets[key]
	if b == nil {
		if len(m.buckets) >= m.maxKeys {
			m.evictLocked(cutoff)
		}
		b = &bucket{}
		m.buckets[key] = b
	}
	return b
}

// evictLocked drops keys whose newest event fell out of the window. Buckets
// that have never recorded an event belong to an Admit in flight.
func (m *MemoryStore) evictLocked(cutoff time.Time) {
	for k, b := range m.buckets {
		if b.mu.TryLock() {
			if !b.last.IsZero() && b.last.Before(cutoff) {
				delete(m.buckets, k)
			}
			b.mu.Unlock()
		}
	}
}

// lock returns the key's bucket locked, retrying when eviction replaced it
// between lookup and lock.
func (m *MemoryStore) lock(key string, cutoff time.Time) *bucket {
	for {
		b := m.bucket(key, cutoff)
		b.mu.Lock()
		m.mu.Lock()
		cur := m.buckets[key]
		m.mu.Unlock()
		if cur == b {
			return b
		}
		b.mu.Unlock()
	}
}

func (b *bucket) trim(cutoff time.Time) {
	n := 0
	for _, ts := range b.events {
		if !ts.Before(cutoff) {
			b.events[n] = ts
			n++
		}
	}
	b.events = b.events[:n]
}

func (m *MemoryStore) Admit(ctx context.Context, key string, cutoff, at time.Time, limit int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b := m.lock(key, cutoff)
	defer b.mu.Unlock()

	b.trim(cutoff)
	if len(b.events) >= limit {
		return false, nil
	}
	b.events = append(b.events, at)
	if at.After(b.last) {
		b.last = at
	}
	return true, nil
}

func (m *MemoryStore) Count(ctx context.Context, key string, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	b := m.buckets[key]
	m.mu.Unlock()
	if b == nil {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ts := range b.events {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n, nil
}
