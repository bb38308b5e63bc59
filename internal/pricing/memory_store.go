package pricing

import (
	"context"
	"sync"
)

// MemoryMarkupStore is an in-memory markup store for demo/development
// mode and tests.
type MemoryMarkupStore struct {
	mu      sync.RWMutex
	markups map[string]float64
}

// NewMemoryMarkupStore creates an empty in-memory markup store.
func NewMemoryMarkupStore() *MemoryMarkupStore {
	return &MemoryMarkupStore{markups: make(map[string]float64)}
}

// Set stores a markup override for a tier.
func (m *MemoryMarkupStore) Set(tier string, pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markups[tier] = pct
}

func (m *MemoryMarkupStore) GetMarkupPct(ctx context.Context, tier string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pct, ok := m.markups[tier]
	if !ok {
		return 0, ErrTierNotFound
	}
	return pct, nil
}
