package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/cropstack/settlement/internal/uow"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	entries []*Transaction // append order
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.Kind == KindHold {
		for _, e := range m.entries {
			if e.Kind == KindHold && e.OrderID == tx.OrderID {
				return ErrDuplicateHold
			}
		}
	}
	cp := *tx
	m.entries = append(m.entries, &cp)

	uow.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.entries {
			if e.ID == cp.ID {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (m *MemoryStore) ReleaseHeld(ctx context.Context, orderID string, at time.Time) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []*Transaction
	for _, e := range m.entries {
		if e.OrderID != orderID || e.Status != StatusHeld {
			continue
		}
		e.Status = StatusReleased
		releasedAt := at
		e.ReleasedAt = &releasedAt

		entry := e
		uow.OnRollback(ctx, func() {
			m.mu.Lock()
			entry.Status = StatusHeld
			entry.ReleasedAt = nil
			m.mu.Unlock()
		})

		cp := *e
		released = append(released, &cp)
	}
	return released, nil
}

func (m *MemoryStore) Balance(_ context.Context, sellerID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var mine []*Transaction
	for _, e := range m.entries {
		if e.SellerID == sellerID {
			mine = append(mine, e)
		}
	}
	b := Summarize(sellerID, mine)
	return &b, nil
}

// ListBySeller returns newest first; limit 0 returns everything.
func (m *MemoryStore) ListBySeller(_ context.Context, sellerID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.SellerID != sellerID {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, e := range m.entries {
		if e.OrderID == orderID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// LockSeller is a no-op: the memory runner already runs one unit at a time.
func (m *MemoryStore) LockSeller(context.Context, string) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
