package maintenance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySource is an in-process Source.
type MemorySource struct {
	mu    sync.RWMutex
	items map[string]Candidate
	err   error
}

func NewMemorySource(items ...Candidate) *MemorySource {
	m := &MemorySource{items: map[string]Candidate{}}
	for _, c := range items {
		m.items[c.ID] = c
	}
	return m
}

// Put inserts or replaces a candidate.
func (m *MemorySource) Put(c Candidate) {
	m.mu.Lock()
	m.items[c.ID] = c
	m.mu.Unlock()
}

// Complete marks a record done. It reports false for unknown ids.
func (m *MemorySource) Complete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return false
	}
	c.IsCompleted = true
	m.items[id] = c
	return true
}

// FailWith makes subsequent ListPending calls return err. nil clears it.
func (m *MemorySource) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MemorySource) ListPending(ctx context.Context, asOf time.Time) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Candidate, 0, len(m.items))
	for _, c := range m.items {
		if !c.IsCompleted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].ScheduledDate.Before(out[j].ScheduledDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
