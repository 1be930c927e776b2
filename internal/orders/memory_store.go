package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cropstack/settlement/internal/uow"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	m.orders[o.ID] = &cp
	uow.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.orders, cp.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, o *Order, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if current.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrInvalidTransition, from, current.Status)
	}

	prev := *current
	cp := *o
	m.orders[o.ID] = &cp
	uow.OnRollback(ctx, func() {
		m.mu.Lock()
		m.orders[prev.ID] = &prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if f.BuyerID != "" && o.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && o.SellerID != f.SellerID {
			continue
		}
		if f.ListingID != "" && o.ListingID != f.ListingID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if !f.Cursor.After(o.CreatedAt, o.ID) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Overdue(now) {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ReservationExpiresAt.Before(*result[j].ReservationExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
