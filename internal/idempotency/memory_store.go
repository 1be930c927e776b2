package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore keeps records in process. Expired entries are dropped lazily
// and by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Reserve(_ context.Context, key string, rec *Record, ttl time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		cp := e.rec
		return &cp, nil
	}
	m.entries[key] = &memoryEntry{rec: *rec, expiresAt: now.Add(ttl)}
	return nil, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, rec *Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{rec: *rec, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.rec.State == StatePending {
		delete(m.entries, key)
	}
	return nil
}

// Sweep removes expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

var _ Store = (*MemoryStore)(nil)
