package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory purchase store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	byIntent  map[string]*Purchase
	purchases []*Purchase
}

// NewMemoryStore creates a new in-memory purchase store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byIntent: make(map[string]*Purchase)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.byIntent[p.PaymentIntentID] = &cp
	m.purchases = append(m.purchases, &cp)
	return nil
}

func (m *MemoryStore) GetByIntent(ctx context.Context, intentID string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byIntent[intentID]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, intentID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.byIntent[intentID]
	if !ok {
		return false, ErrPurchaseNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ListByOrg(ctx context.Context, orgID string, limit int) ([]*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Purchase
	for i := len(m.purchases) - 1; i >= 0 && len(result) < limit; i-- {
		if m.purchases[i].OrgID != orgID {
			continue
		}
		cp := *m.purchases[i]
		result = append(result, &cp)
	}
	return result, nil
}
