package collateral

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cropstack/settlement/internal/uow"
)

// MemoryStore is an in-memory pledge store for demo/development mode.
type MemoryStore struct {
	pledges map[string]*Pledge
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory pledge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pledges: make(map[string]*Pledge)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Pledge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pledges[p.ID]; exists {
		return fmt.Errorf("pledge %s already exists", p.ID)
	}
	cp := *p
	m.pledges[p.ID] = &cp
	uow.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.pledges, cp.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Pledge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pledges[id]
	if !ok {
		return nil, ErrPledgeNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Pledge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Pledge
	for _, p := range m.pledges {
		if f.OwnerID != "" && p.OwnerID != f.OwnerID {
			continue
		}
		if f.ListingID != "" && p.Listing.ListingID != f.ListingID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Transition(ctx context.Context, p *Pledge, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.pledges[p.ID]
	if !ok {
		return ErrPledgeNotFound
	}
	if current.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrInvalidTransition, from, current.Status)
	}
	prev := *current
	cp := *p
	m.pledges[p.ID] = &cp
	uow.OnRollback(ctx, func() {
		m.mu.Lock()
		m.pledges[prev.ID] = &prev
		m.mu.Unlock()
	})
	return nil
}

var _ Store = (*MemoryStore)(nil)
