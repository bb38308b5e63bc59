package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/cobaltops/opscenter/internal/credits"
	"github.com/cobaltops/opscenter/internal/idgen"
	"github.com/cobaltops/opscenter/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Per-identity operations serialize on a sharded lock, mirroring the
// row-lock discipline of the Postgres store; identities on different
// shards proceed independently.
type MemoryStore struct {
	locks    syncutil.ShardedMutex
	mu       sync.RWMutex
	accounts map[string]*Account
	txns     []*Transaction
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, ident string) (*Account, bool, error) {
	unlock := m.locks.Lock(ident)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[ident]; ok {
		cp := *acct
		return &cp, false, nil
	}

	now := time.Now()
	acct := &Account{
		Identity:         ident,
		CreditsRemaining: TrialGrant,
		Tier:             DefaultTier,
		LastReset:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.accounts[ident] = acct

	m.txns = append(m.txns, &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		Identity:  ident,
		Amount:    TrialGrant,
		Type:      TxnBonus,
		Metadata:  map[string]any{"reason": "trial_grant"},
		CreatedAt: now,
	})

	cp := *acct
	return &cp, true, nil
}

func (m *MemoryStore) Get(ctx context.Context, ident string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[ident]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Debit(ctx context.Context, ident string, amount string, txn *Transaction) (string, error) {
	unlock := m.locks.Lock(ident)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[ident]
	if !ok {
		return "", ErrAccountNotFound
	}

	bal, _ := credits.Parse(acct.CreditsRemaining)
	amt, _ := credits.Parse(amount)

	if bal.Cmp(amt) < 0 {
		if acct.Tier != TierFree {
			return "", ErrInsufficientFunds
		}
		// Free tier clamps at zero instead of rejecting. The
		// transaction records the clamped movement, not the request.
		amt = bal
		txn.Amount = credits.Format(new(big.Int).Neg(amt))
		txn.Cost = credits.Format(amt)
	}

	newBal := new(big.Int).Sub(bal, amt)
	acct.CreditsRemaining = credits.Format(newBal)
	acct.UpdatedAt = time.Now()

	m.appendTxn(txn)
	return acct.CreditsRemaining, nil
}

func (m *MemoryStore) Credit(ctx context.Context, ident string, amount string, txn *Transaction) (string, error) {
	unlock := m.locks.Lock(ident)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[ident]
	if !ok {
		now := time.Now()
		acct = &Account{
			Identity:  ident,
			Tier:      DefaultTier,
			LastReset: now,
			CreatedAt: now,
		}
		acct.CreditsRemaining = "0.000000"
		m.accounts[ident] = acct
	}

	bal, _ := credits.Parse(acct.CreditsRemaining)
	amt, _ := credits.Parse(amount)
	bal.Add(bal, amt)

	acct.CreditsRemaining = credits.Format(bal)
	acct.UpdatedAt = time.Now()

	m.appendTxn(txn)
	return acct.CreditsRemaining, nil
}

func (m *MemoryStore) History(ctx context.Context, ident string, limit, offset int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	skipped := 0
	for i := len(m.txns) - 1; i >= 0 && len(result) < limit; i-- {
		if m.txns[i].Identity != ident {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		result = append(result, m.txns[i])
	}
	return result, nil
}

// appendTxn stamps and records a transaction. Callers hold m.mu.
func (m *MemoryStore) appendTxn(txn *Transaction) {
	if txn.ID == "" {
		txn.ID = idgen.WithPrefix("txn_")
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	m.txns = append(m.txns, txn)
}
