// Package ledger tracks spendable credit balances for individual users.
//
// Flow:
//  1. First balance read lazily provisions an account with a trial grant
//  2. Usage debits the balance after a cost calculation
//  3. Purchases/bonuses credit the balance
//  4. Every movement appends an immutable transaction row
//
// The debit path is the one operation that must serialize per identity:
// stores lock the balance row for the duration of the check-then-write.
// Organization identities are routed to the org credit pool before the
// ledger is consulted; this package only ever sees individual users.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/cobaltops/opscenter/internal/credits"
	"github.com/cobaltops/opscenter/internal/traces"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient credits")
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
)

// TrialGrant is the starting balance for lazily provisioned accounts.
const TrialGrant = "5.000000"

// DefaultTier is assigned to lazily provisioned accounts.
const DefaultTier = "trial"

// TierFree bypasses the sufficiency check; its debits clamp at zero
// instead of being rejected. All other tiers reject before mutation.
const TierFree = "free"

// TransactionType classifies a ledger movement.
type TransactionType string

const (
	TxnUsage    TransactionType = "usage"
	TxnPurchase TransactionType = "purchase"
	TxnRefund   TransactionType = "refund"
	TxnBonus    TransactionType = "bonus"
)

// Account is a user's credit balance. Accounts are never hard-deleted;
// suspension is modeled via tier.
type Account struct {
	Identity         string    `json:"identity"`
	CreditsRemaining string    `json:"creditsRemaining"`
	Tier             string    `json:"tier"`
	MonthlyCap       string    `json:"monthlyCap,omitempty"`
	LastReset        time.Time `json:"lastReset"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Transaction is one immutable ledger movement. Amount is signed:
// negative for debits, positive for credits.
type Transaction struct {
	ID         string          `json:"id"`
	Identity   string          `json:"identity"`
	Amount     string          `json:"amount"`
	Type       TransactionType `json:"type"`
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	TokensUsed int64           `json:"tokensUsed,omitempty"`
	Cost       string          `json:"cost,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Usage describes the event behind a usage debit, recorded on the
// transaction and forwarded to metering.
type Usage struct {
	Provider   string
	Model      string
	TokensUsed int64
	Endpoint   string
}

// Store persists accounts and transactions.
//
// Debit must be atomic: lock the balance row, check sufficiency (free
// tier excepted), write the new balance, and append the transaction in
// one unit. GetOrCreate must be idempotent under concurrent first
// access (exactly one row, one grant).
type Store interface {
	GetOrCreate(ctx context.Context, ident string) (acct *Account, created bool, err error)
	Get(ctx context.Context, ident string) (*Account, error)
	Debit(ctx context.Context, ident string, amount string, txn *Transaction) (newBalance string, err error)
	Credit(ctx context.Context, ident string, amount string, txn *Transaction) (newBalance string, err error)
	History(ctx context.Context, ident string, limit, offset int) ([]*Transaction, error)
}

// BalanceCache fronts balance reads. Implementations must swallow their
// own infrastructure failures: a cache outage degrades performance,
// never correctness.
type BalanceCache interface {
	Get(ctx context.Context, ident string) (balance string, ok bool)
	Set(ctx context.Context, ident string, balance string)
	Invalidate(ctx context.Context, ident string)
}

// UsageMeter forwards usage events to an external metering sink.
// Record is best-effort and must never block or fail the caller.
type UsageMeter interface {
	Record(ident string, txnID string, u Usage, cost string)
}

// EventEmitter publishes committed ledger events to realtime listeners.
type EventEmitter interface {
	EmitLedgerEvent(event string, ident string, amount string, txnID string)
}

// Service is the account ledger. Construct once at startup with its
// store and cache dependencies; safe for concurrent use.
type Service struct {
	store  Store
	cache  BalanceCache // nil = cache disabled
	meter  UsageMeter   // nil = metering disabled
	events EventEmitter // nil = no realtime feed
	logger *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithCache attaches a balance cache.
func WithCache(c BalanceCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithMeter attaches a usage metering sink.
func WithMeter(m UsageMeter) Option {
	return func(s *Service) { s.meter = m }
}

// WithEvents attaches a realtime event emitter.
func WithEvents(e EventEmitter) Option {
	return func(s *Service) { s.events = e }
}

// New creates the ledger service.
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

// GetBalance returns the user's current balance, cache-first. A miss
// provisions the account with the trial grant if it does not exist.
// Cached reads may be up to the cache TTL stale; the debit path never
// uses them.
func (s *Service) GetBalance(ctx context.Context, ident string) (string, error) {
	defer observeOp("get_balance")()

	if s.cache != nil {
		if bal, ok := s.cache.Get(ctx, ident); ok {
			return bal, nil
		}
	}

	acct, created, err := s.store.GetOrCreate(ctx, ident)
	if err != nil {
		return "", err
	}
	if created {
		s.logger.Info("account provisioned with trial grant", "identity", ident)
		accountsProvisioned.Inc()
	}

	if s.cache != nil {
		s.cache.Set(ctx, ident, acct.CreditsRemaining)
	}
	return acct.CreditsRemaining, nil
}

// GetAccount returns the full account record, provisioning it if needed.
func (s *Service) GetAccount(ctx context.Context, ident string) (*Account, error) {
	acct, _, err := s.store.GetOrCreate(ctx, ident)
	return acct, err
}

// Debit atomically removes credits from a user's balance and appends a
// usage transaction. Rejects with ErrInsufficientFunds before any
// mutation when the balance is short and the tier is not free; the free
// tier clamps at zero instead.
//
// After the store transaction commits, the cache entry is invalidated
// synchronously and the usage event is forwarded to metering
// best-effort. Neither side effect can fail the debit.
func (s *Service) Debit(ctx context.Context, ident string, amount string, u Usage) (newBalance, txnID string, err error) {
	defer observeOp("debit")()
	ctx, span := traces.StartSpan(ctx, "ledger.debit",
		traces.Identity(ident), traces.Amount(amount), traces.Model(u.Model))
	defer span.End()

	amt, ok := credits.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return "", "", ErrInvalidAmount
	}

	txn := &Transaction{
		Identity:   ident,
		Amount:     credits.Format(new(big.Int).Neg(amt)),
		Type:       TxnUsage,
		Provider:   u.Provider,
		Model:      u.Model,
		TokensUsed: u.TokensUsed,
		Cost:       credits.Format(amt),
	}
	if u.Endpoint != "" {
		txn.Metadata = map[string]any{"endpoint": u.Endpoint}
	}

	newBalance, err = s.store.Debit(ctx, ident, credits.Format(amt), txn)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			insufficientTotal.Inc()
		}
		return "", "", err
	}

	s.afterWrite(ctx, "debit", ident, txn)
	if s.meter != nil {
		s.meter.Record(ident, txn.ID, u, txn.Cost)
	}
	return newBalance, txn.ID, nil
}

// Credit adds credits to a user's balance, creating the account with
// the credited amount if it does not exist yet.
func (s *Service) Credit(ctx context.Context, ident string, amount string, txnType TransactionType, reason string) (string, error) {
	defer observeOp("credit")()
	ctx, span := traces.StartSpan(ctx, "ledger.credit",
		traces.Identity(ident), traces.Amount(amount))
	defer span.End()

	amt, ok := credits.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	if txnType == "" {
		txnType = TxnBonus
	}

	txn := &Transaction{
		Identity: ident,
		Amount:   credits.Format(amt),
		Type:     txnType,
	}
	if reason != "" {
		txn.Metadata = map[string]any{"reason": reason}
	}

	newBalance, err := s.store.Credit(ctx, ident, credits.Format(amt), txn)
	if err != nil {
		return "", err
	}

	s.afterWrite(ctx, "credit", ident, txn)
	return newBalance, nil
}

// GetHistory returns the most recent transactions first.
func (s *Service) GetHistory(ctx context.Context, ident string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.History(ctx, ident, limit, offset)
}

// afterWrite runs the post-commit side effects shared by debit and
// credit: synchronous cache eviction and the realtime broadcast.
func (s *Service) afterWrite(ctx context.Context, op, ident string, txn *Transaction) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, ident)
	}
	if s.events != nil {
		s.events.EmitLedgerEvent(op, ident, txn.Amount, txn.ID)
	}
}
