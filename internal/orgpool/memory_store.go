package orgpool

import (
	"context"
	"sync"
	"time"

	"github.com/cobaltops/opscenter/internal/idgen"
	"github.com/cobaltops/opscenter/internal/syncutil"
)

// MemoryStore is an in-memory pool store for demo/development mode.
// Per-org operations serialize on a sharded lock keyed by org ID, the
// same discipline the Postgres store gets from row locks.
type MemoryStore struct {
	locks syncutil.ShardedMutex
	mu    sync.RWMutex

	pools   map[string]*Pool
	members map[string]map[string]*Member     // orgID -> userID -> member
	allocs  map[string]map[string]*Allocation // orgID -> userID -> allocation
}

// NewMemoryStore creates a new in-memory pool store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:   make(map[string]*Pool),
		members: make(map[string]map[string]*Member),
		allocs:  make(map[string]map[string]*Allocation),
	}
}

func (m *MemoryStore) GetPool(ctx context.Context, orgID string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[orgID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	cp := *pool
	return &cp, nil
}

func (m *MemoryStore) AddCredits(ctx context.Context, orgID string, amountMC, purchasedMC int64) (*Pool, error) {
	unlock := m.locks.Lock(orgID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[orgID]
	if !ok {
		now := time.Now()
		pool = &Pool{OrgID: orgID, LastRefresh: now, CreatedAt: now}
		m.pools[orgID] = pool
	}

	pool.TotalMC += amountMC
	pool.LifetimeBoughtMC += purchasedMC
	pool.UpdatedAt = time.Now()

	cp := *pool
	return &cp, nil
}

func (m *MemoryStore) Allocate(ctx context.Context, orgID, userID string, amountMC int64, period ResetPeriod, notes string) (*Allocation, error) {
	unlock := m.locks.Lock(orgID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[orgID]
	if !ok {
		return nil, ErrPoolNotFound
	}

	now := time.Now()
	prev := m.allocs[orgID][userID]

	// Re-allocation moves the pool counter by the delta against the
	// member's previous cap.
	delta := amountMC
	if prev != nil && prev.Active {
		delta = amountMC - prev.AllocatedMC
	}
	if delta > pool.AvailableMC() {
		return nil, ErrInsufficientPool
	}
	pool.AllocatedMC += delta
	pool.UpdatedAt = now

	alloc := &Allocation{
		ID:          idgen.WithPrefix("alloc_"),
		OrgID:       orgID,
		UserID:      userID,
		AllocatedMC: amountMC,
		ResetPeriod: period,
		LastReset:   now,
		NextReset:   period.Next(now),
		Active:      true,
		Notes:       notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prev != nil {
		alloc.UsedMC = prev.UsedMC
		alloc.CreatedAt = prev.CreatedAt
	}

	if m.allocs[orgID] == nil {
		m.allocs[orgID] = make(map[string]*Allocation)
	}
	m.allocs[orgID][userID] = alloc

	cp := *alloc
	return &cp, nil
}

func (m *MemoryStore) DebitMember(ctx context.Context, orgID, userID string, amountMC int64) (*Allocation, error) {
	unlock := m.locks.Lock(orgID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[orgID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	alloc := m.allocs[orgID][userID]
	if alloc == nil || !alloc.Active {
		return nil, ErrAllocationNotFound
	}

	if amountMC > alloc.RemainingMC() {
		// Over the member cap: only permitted when the pool allows
		// overage, and never past the pool's overage limit.
		overBy := alloc.UsedMC + amountMC - alloc.AllocatedMC
		if !pool.AllowOverage || overBy > pool.OverageLimitMC {
			return nil, ErrInsufficientPool
		}
	}
	if amountMC > pool.SpendableMC() {
		return nil, ErrInsufficientPool
	}

	now := time.Now()
	alloc.UsedMC += amountMC
	alloc.UpdatedAt = now
	pool.UsedMC += amountMC
	pool.LifetimeSpentMC += amountMC
	pool.UpdatedAt = now

	cp := *alloc
	return &cp, nil
}

func (m *MemoryStore) DebitPool(ctx context.Context, orgID string, amountMC int64) (*Pool, error) {
	unlock := m.locks.Lock(orgID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[orgID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	if amountMC > pool.SpendableMC() {
		return nil, ErrInsufficientPool
	}

	pool.UsedMC += amountMC
	pool.LifetimeSpentMC += amountMC
	pool.UpdatedAt = time.Now()

	cp := *pool
	return &cp, nil
}

func (m *MemoryStore) GetAllocation(ctx context.Context, orgID, userID string) (*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alloc := m.allocs[orgID][userID]
	if alloc == nil || !alloc.Active {
		return nil, ErrAllocationNotFound
	}
	cp := *alloc
	return &cp, nil
}

func (m *MemoryStore) ListAllocations(ctx context.Context, orgID string) ([]*Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Allocation
	for _, alloc := range m.allocs[orgID] {
		cp := *alloc
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) AddMember(ctx context.Context, member *Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.members[member.OrgID] == nil {
		m.members[member.OrgID] = make(map[string]*Member)
	}
	cp := *member
	m.members[member.OrgID][member.UserID] = &cp
	return nil
}

func (m *MemoryStore) IsMember(ctx context.Context, orgID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[orgID][userID]
	return ok, nil
}

func (m *MemoryStore) ListMembers(ctx context.Context, orgID string) ([]*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Member
	for _, member := range m.members[orgID] {
		cp := *member
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ResetDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, byUser := range m.allocs {
		for _, alloc := range byUser {
			if !alloc.Active || alloc.ResetPeriod == ResetNever {
				continue
			}
			if alloc.NextReset.IsZero() || alloc.NextReset.After(now) {
				continue
			}
			alloc.UsedMC = 0
			alloc.LastReset = now
			alloc.NextReset = alloc.ResetPeriod.Next(alloc.NextReset)
			alloc.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) RefreshDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, pool := range m.pools {
		if pool.MonthlyRefreshMC <= 0 {
			continue
		}
		if pool.LastRefresh.AddDate(0, 1, 0).After(now) {
			continue
		}
		pool.TotalMC += pool.MonthlyRefreshMC
		pool.LastRefresh = now
		pool.UpdatedAt = now
		count++
	}
	return count, nil
}
