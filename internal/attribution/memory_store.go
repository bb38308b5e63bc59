package attribution

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/cobaltops/opscenter/internal/credits"
)

// MemoryStore is an in-memory attribution log for demo/development
// mode.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates a new in-memory attribution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query, limit, offset int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	skipped := 0
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.events[i]
		if !m.matches(e, q) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) SummarizeByUser(ctx context.Context, q Query) ([]*Summary, error) {
	return m.summarize(q, func(e *Event) string { return e.UserID })
}

func (m *MemoryStore) SummarizeByService(ctx context.Context, q Query) ([]*Summary, error) {
	return m.summarize(q, func(e *Event) string { return e.Service })
}

func (m *MemoryStore) summarize(q Query, key func(*Event) string) ([]*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]*big.Int)
	counts := make(map[string]int64)
	tokens := make(map[string]int64)

	for _, e := range m.events {
		if !m.matches(e, q) {
			continue
		}
		k := key(e)
		amt, ok := credits.Parse(e.CreditsUsed)
		if !ok {
			continue
		}
		if totals[k] == nil {
			totals[k] = new(big.Int)
		}
		totals[k].Add(totals[k], amt)
		counts[k]++
		tokens[k] += e.TokensUsed
	}

	result := make([]*Summary, 0, len(totals))
	for k, total := range totals {
		result = append(result, &Summary{
			Key:         k,
			Events:      counts[k],
			TokensUsed:  tokens[k],
			CreditsUsed: credits.Format(total),
		})
	}
	// Biggest spenders first, ties broken by key for stable output.
	sort.Slice(result, func(i, j int) bool {
		a, _ := credits.Parse(result[i].CreditsUsed)
		b, _ := credits.Parse(result[j].CreditsUsed)
		if c := a.Cmp(b); c != 0 {
			return c > 0
		}
		return result[i].Key < result[j].Key
	})
	return result, nil
}

func (m *MemoryStore) matches(e *Event, q Query) bool {
	if q.OrgID != "" && e.OrgID != q.OrgID {
		return false
	}
	if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.CreatedAt.After(q.To) {
		return false
	}
	return true
}
