// Package orgpool manages shared organization credit pools and the
// per-member allocations carved out of them.
//
// Pool balances are stored as integer millicredits (1 credit = 1000
// millicredits) so no floating point ever touches a stored balance;
// the API surface converts to decimal credit strings at the boundary.
package orgpool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cobaltops/opscenter/internal/credits"
	"github.com/cobaltops/opscenter/internal/identity"
	"github.com/cobaltops/opscenter/internal/traces"
)

var (
	ErrPoolNotFound       = errors.New("orgpool: pool not found")
	ErrAllocationNotFound = errors.New("orgpool: allocation not found")
	ErrNotMember          = errors.New("orgpool: user is not an organization member")
	ErrInsufficientPool   = errors.New("orgpool: insufficient credits")
	ErrInvalidAmount      = errors.New("orgpool: amount must be positive")
)

// ResetPeriod is the cadence on which an allocation's spent counter
// returns to zero.
type ResetPeriod string

const (
	ResetDaily   ResetPeriod = "daily"
	ResetWeekly  ResetPeriod = "weekly"
	ResetMonthly ResetPeriod = "monthly"
	ResetNever   ResetPeriod = "never"
)

// ParseResetPeriod validates a reset period string. Empty defaults to
// monthly.
func ParseResetPeriod(s string) (ResetPeriod, bool) {
	switch ResetPeriod(s) {
	case "":
		return ResetMonthly, true
	case ResetDaily, ResetWeekly, ResetMonthly, ResetNever:
		return ResetPeriod(s), true
	}
	return "", false
}

// Next returns the reset time one period after from. Never returns the
// zero time for ResetNever.
func (p ResetPeriod) Next(from time.Time) time.Time {
	switch p {
	case ResetDaily:
		return from.AddDate(0, 0, 1)
	case ResetWeekly:
		return from.AddDate(0, 0, 7)
	case ResetMonthly:
		return from.AddDate(0, 1, 0)
	}
	return time.Time{}
}

// Pool is an organization's shared credit balance, in millicredits.
// Available capacity for new allocations is Total - Allocated; spend
// capacity is Total - Used.
type Pool struct {
	OrgID             string    `json:"orgId"`
	TotalMC           int64     `json:"totalMillicredits"`
	AllocatedMC       int64     `json:"allocatedMillicredits"`
	UsedMC            int64     `json:"usedMillicredits"`
	MonthlyRefreshMC  int64     `json:"monthlyRefreshMillicredits"`
	LastRefresh       time.Time `json:"lastRefresh"`
	AllowOverage      bool      `json:"allowOverage"`
	OverageLimitMC    int64     `json:"overageLimitMillicredits"`
	LifetimeBoughtMC  int64     `json:"lifetimePurchasedMillicredits"`
	LifetimeSpentMC   int64     `json:"lifetimeSpentMillicredits"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// AvailableMC is the unallocated headroom new allocations draw from.
func (p *Pool) AvailableMC() int64 {
	return p.TotalMC - p.AllocatedMC
}

// SpendableMC is what the organization as a whole can still spend.
func (p *Pool) SpendableMC() int64 {
	return p.TotalMC - p.UsedMC
}

// Member is a user's membership in an organization.
type Member struct {
	OrgID    string    `json:"orgId"`
	UserID   string    `json:"userId"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Allocation is one member's sub-balance carved out of the pool.
type Allocation struct {
	ID          string      `json:"id"`
	OrgID       string      `json:"orgId"`
	UserID      string      `json:"userId"`
	AllocatedMC int64       `json:"allocatedMillicredits"`
	UsedMC      int64       `json:"usedMillicredits"`
	ResetPeriod ResetPeriod `json:"resetPeriod"`
	LastReset   time.Time   `json:"lastReset"`
	NextReset   time.Time   `json:"nextReset,omitempty"`
	Active      bool        `json:"active"`
	Notes       string      `json:"notes,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// RemainingMC is what the member can still spend before hitting their
// cap (ignoring any pool-level overage policy).
func (a *Allocation) RemainingMC() int64 {
	return a.AllocatedMC - a.UsedMC
}

// Store persists pools, members, and allocations. AddCredits, Allocate,
// and DebitMember must be atomic per organization: concurrent calls for
// the same org serialize on the pool row, different orgs proceed
// independently.
type Store interface {
	GetPool(ctx context.Context, orgID string) (*Pool, error)

	// AddCredits atomically increments the pool's total (upserting the
	// pool on first use). purchasedMC > 0 marks the addition as a paid
	// purchase for lifetime accounting.
	AddCredits(ctx context.Context, orgID string, amountMC, purchasedMC int64) (*Pool, error)

	// Allocate checks amountMC against the pool's unallocated headroom
	// and, in the same transaction, upserts the member's allocation and
	// adjusts the pool's allocated counter. Re-allocating an existing
	// member replaces their cap; the pool counter moves by the delta.
	Allocate(ctx context.Context, orgID, userID string, amountMC int64, period ResetPeriod, notes string) (*Allocation, error)

	// DebitMember spends amountMC from the member's allocation and the
	// pool in one transaction. Overage beyond the member cap is allowed
	// only when the pool permits it, up to its overage limit.
	DebitMember(ctx context.Context, orgID, userID string, amountMC int64) (*Allocation, error)

	// DebitPool spends amountMC from the pool directly, bypassing member
	// allocations. Used for charges made under the org identity itself.
	DebitPool(ctx context.Context, orgID string, amountMC int64) (*Pool, error)

	GetAllocation(ctx context.Context, orgID, userID string) (*Allocation, error)
	ListAllocations(ctx context.Context, orgID string) ([]*Allocation, error)

	AddMember(ctx context.Context, m *Member) error
	IsMember(ctx context.Context, orgID, userID string) (bool, error)
	ListMembers(ctx context.Context, orgID string) ([]*Member, error)

	// ResetDue zeroes the spent counter of every active allocation whose
	// next reset has passed and advances its schedule. Returns how many
	// were reset.
	ResetDue(ctx context.Context, now time.Time) (int, error)

	// RefreshDue tops up every pool with a monthly refresh configured
	// whose last refresh is at least a month old. Returns how many were
	// refreshed.
	RefreshDue(ctx context.Context, now time.Time) (int, error)
}

// BalanceCache mirrors the ledger's cache contract for org identities.
type BalanceCache interface {
	Invalidate(ctx context.Context, ident string)
}

// EventEmitter publishes committed pool events to realtime listeners.
type EventEmitter interface {
	EmitPoolEvent(event, orgID, userID string, amountMC int64)
}

// Service wraps the store with unit conversion, cache eviction, and
// event fan-out.
type Service struct {
	store  Store
	cache  BalanceCache // nil = cache disabled
	events EventEmitter // nil = no realtime feed
	logger *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithCache attaches a balance cache for org identity eviction.
func WithCache(c BalanceCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEvents attaches a realtime event emitter.
func WithEvents(e EventEmitter) Option {
	return func(s *Service) { s.events = e }
}

// New creates the org pool service.
func New(store Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetBalance returns the org's spendable balance as a decimal credit
// string.
func (s *Service) GetBalance(ctx context.Context, orgID string) (string, error) {
	defer observeOp("get_balance")()

	pool, err := s.store.GetPool(ctx, orgID)
	if err != nil {
		return "", err
	}
	return credits.FromMillicredits(pool.SpendableMC()), nil
}

// GetPool returns the full pool record.
func (s *Service) GetPool(ctx context.Context, orgID string) (*Pool, error) {
	return s.store.GetPool(ctx, orgID)
}

// AddCredits adds decimal credits to the pool, converting to
// millicredits at this boundary. purchaseAmount is the decimal credit
// amount actually paid for, zero for grants.
func (s *Service) AddCredits(ctx context.Context, orgID, amount, purchaseAmount string) (*Pool, error) {
	defer observeOp("add_credits")()

	amountMC, ok := credits.ToMillicredits(amount)
	if !ok || amountMC <= 0 {
		return nil, ErrInvalidAmount
	}
	purchasedMC, ok := credits.ToMillicredits(purchaseAmount)
	if !ok || purchasedMC < 0 {
		return nil, ErrInvalidAmount
	}

	pool, err := s.store.AddCredits(ctx, orgID, amountMC, purchasedMC)
	if err != nil {
		return nil, err
	}

	s.logger.Info("pool credited", "org", orgID, "amountMC", amountMC, "purchasedMC", purchasedMC)
	s.afterWrite(ctx, "pool_credit", orgID, "", amountMC)
	return pool, nil
}

// Allocate carves amount decimal credits out of the pool for a member.
// The target must already be an org member.
func (s *Service) Allocate(ctx context.Context, orgID, userID, amount string, period ResetPeriod, notes string) (*Allocation, error) {
	defer observeOp("allocate")()
	ctx, span := traces.StartSpan(ctx, "orgpool.allocate",
		traces.Org(orgID), traces.User(userID), traces.Amount(amount))
	defer span.End()

	amountMC, ok := credits.ToMillicredits(amount)
	if !ok || amountMC <= 0 {
		return nil, ErrInvalidAmount
	}

	member, err := s.store.IsMember(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotMember
	}

	alloc, err := s.store.Allocate(ctx, orgID, userID, amountMC, period, notes)
	if err != nil {
		if errors.Is(err, ErrInsufficientPool) {
			insufficientTotal.Inc()
		}
		return nil, err
	}

	s.logger.Info("credits allocated", "org", orgID, "user", userID, "amountMC", amountMC, "period", string(period))
	s.afterWrite(ctx, "allocate", orgID, userID, amountMC)
	return alloc, nil
}

// DebitMember spends amount decimal credits from a member's allocation.
// The returned allocation reflects the post-debit state.
func (s *Service) DebitMember(ctx context.Context, orgID, userID, amount string) (*Allocation, error) {
	defer observeOp("debit_member")()
	ctx, span := traces.StartSpan(ctx, "orgpool.debit_member",
		traces.Org(orgID), traces.User(userID), traces.Amount(amount))
	defer span.End()

	amountMC, ok := credits.ToMillicredits(amount)
	if !ok || amountMC <= 0 {
		return nil, ErrInvalidAmount
	}

	alloc, err := s.store.DebitMember(ctx, orgID, userID, amountMC)
	if err != nil {
		if errors.Is(err, ErrInsufficientPool) {
			insufficientTotal.Inc()
		}
		return nil, err
	}

	s.afterWrite(ctx, "debit", orgID, userID, amountMC)
	return alloc, nil
}

// DebitPool spends amount decimal credits straight from the pool,
// without touching any member allocation. Charges made under the org's
// own identity land here.
func (s *Service) DebitPool(ctx context.Context, orgID, amount string) (*Pool, error) {
	defer observeOp("debit_pool")()
	ctx, span := traces.StartSpan(ctx, "orgpool.debit_pool",
		traces.Org(orgID), traces.Amount(amount))
	defer span.End()

	amountMC, ok := credits.ToMillicredits(amount)
	if !ok || amountMC <= 0 {
		return nil, ErrInvalidAmount
	}

	pool, err := s.store.DebitPool(ctx, orgID, amountMC)
	if err != nil {
		if errors.Is(err, ErrInsufficientPool) {
			insufficientTotal.Inc()
		}
		return nil, err
	}

	s.afterWrite(ctx, "debit", orgID, "", amountMC)
	return pool, nil
}

// AddMember registers a user as an org member.
func (s *Service) AddMember(ctx context.Context, orgID, userID, role string) (*Member, error) {
	if role == "" {
		role = "member"
	}
	m := &Member{OrgID: orgID, UserID: userID, Role: role, JoinedAt: time.Now()}
	if err := s.store.AddMember(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMembers returns the org's membership roster.
func (s *Service) ListMembers(ctx context.Context, orgID string) ([]*Member, error) {
	return s.store.ListMembers(ctx, orgID)
}

// GetAllocation returns one member's allocation.
func (s *Service) GetAllocation(ctx context.Context, orgID, userID string) (*Allocation, error) {
	return s.store.GetAllocation(ctx, orgID, userID)
}

// ListAllocations returns every allocation under the org.
func (s *Service) ListAllocations(ctx context.Context, orgID string) ([]*Allocation, error) {
	return s.store.ListAllocations(ctx, orgID)
}

func (s *Service) afterWrite(ctx context.Context, op, orgID, userID string, amountMC int64) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, identity.Organization(orgID).String())
	}
	if s.events != nil {
		s.events.EmitPoolEvent(op, orgID, userID, amountMC)
	}
}
