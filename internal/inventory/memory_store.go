package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cropstack/settlement/internal/uow"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
	}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.listings[l.ID] = &cp
	uow.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.listings, cp.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for _, l := range m.listings {
		if f.SellerID != "" && l.SellerID != f.SellerID {
			continue
		}
		if f.Category != "" && l.Category != f.Category {
			continue
		}
		if f.SellableOnly && !l.Sellable() {
			continue
		}
		cp := *l
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// Reserve checks and decrements under one write lock.
func (m *MemoryStore) Reserve(ctx context.Context, id string, qty int64) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	if !l.Sellable() {
		return nil, ErrListingUnavailable
	}
	if qty > l.Quantity {
		return nil, ErrInsufficientStock
	}
	l.Quantity -= qty
	l.UpdatedAt = time.Now().UTC()
	m.onRollback(ctx, id, func(l *Listing) { l.Quantity += qty })

	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Restore(ctx context.Context, id string, qty int64) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	l.Quantity += qty
	l.UpdatedAt = time.Now().UTC()
	m.onRollback(ctx, id, func(l *Listing) { l.Quantity -= qty })

	cp := *l
	return &cp, nil
}

func (m *MemoryStore) SetActive(ctx context.Context, id string, active bool) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	if active && l.Collateral {
		return nil, ErrAlreadyCollateral
	}
	prev := l.Active
	l.Active = active
	l.UpdatedAt = time.Now().UTC()
	m.onRollback(ctx, id, func(l *Listing) { l.Active = prev })

	cp := *l
	return &cp, nil
}

func (m *MemoryStore) MarkCollateral(ctx context.Context, id string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	if l.Collateral {
		return nil, ErrAlreadyCollateral
	}
	prevActive := l.Active
	l.Collateral = true
	l.Active = false
	l.UpdatedAt = time.Now().UTC()
	m.onRollback(ctx, id, func(l *Listing) {
		l.Collateral = false
		l.Active = prevActive
	})

	cp := *l
	return &cp, nil
}

func (m *MemoryStore) ClearCollateral(ctx context.Context, id string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	if !l.Collateral {
		return nil, ErrNotCollateral
	}
	l.Collateral = false
	l.UpdatedAt = time.Now().UTC()
	m.onRollback(ctx, id, func(l *Listing) { l.Collateral = true })

	cp := *l
	return &cp, nil
}

// onRollback registers an undo that re-acquires the store lock. Callers
// hold m.mu; the undo only runs after they return.
func (m *MemoryStore) onRollback(ctx context.Context, id string, undo func(l *Listing)) {
	uow.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if l, ok := m.listings[id]; ok {
			undo(l)
		}
	})
}

var _ Store = (*MemoryStore)(nil)
