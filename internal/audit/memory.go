package audit

import (
	"context"
	"sync"

	"github.com/cropstack/settlement/internal/uow"
)

// MemoryLog stores audit entries in memory for demo/testing.
type MemoryLog struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLog creates an in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	l.entries = append(l.entries, &cp)
	entry.ID = cp.ID

	uow.OnRollback(ctx, func() { l.remove(cp.ID) })
	return nil
}

func (l *MemoryLog) remove(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// ForEntity returns the trail for one entity, oldest first.
func (l *MemoryLog) ForEntity(_ context.Context, entityType, entityID string, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	for _, e := range l.entries {
		if e.EntityType != entityType || e.EntityID != entityID {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (l *MemoryLog) Entries() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Entry, len(l.entries))
	copy(result, l.entries)
	return result
}

var _ Log = (*MemoryLog)(nil)
