//go:build integration

package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cobaltops/opscenter/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgresGetOrCreate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	acct, created, err := store.GetOrCreate(ctx, "it-user-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created {
		t.Error("expected account to be created")
	}
	if acct.CreditsRemaining != TrialGrant {
		t.Errorf("balance = %s, want %s", acct.CreditsRemaining, TrialGrant)
	}
	if acct.Tier != DefaultTier {
		t.Errorf("tier = %s, want %s", acct.Tier, DefaultTier)
	}

	_, created, err = store.GetOrCreate(ctx, "it-user-1")
	if err != nil {
		t.Fatalf("GetOrCreate second call: %v", err)
	}
	if created {
		t.Error("second call must not create again")
	}

	txns, err := store.History(ctx, "it-user-1", 10, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(txns) != 1 || txns[0].Type != TxnBonus {
		t.Errorf("expected exactly one bonus transaction, got %d", len(txns))
	}
}

func TestPostgresDebitLifecycle(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if _, _, err := store.GetOrCreate(ctx, "it-user-2"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	bal, err := store.Debit(ctx, "it-user-2", "2.000000", &Transaction{
		Identity: "it-user-2", Amount: "-2.000000", Type: TxnUsage, Cost: "2.000000",
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if bal != "3.000000" {
		t.Errorf("balance = %s, want 3.000000", bal)
	}

	_, err = store.Debit(ctx, "it-user-2", "4.000000", &Transaction{
		Identity: "it-user-2", Amount: "-4.000000", Type: TxnUsage, Cost: "4.000000",
	})
	if err != ErrInsufficientFunds {
		t.Fatalf("over-balance debit err = %v, want ErrInsufficientFunds", err)
	}

	acct, err := store.Get(ctx, "it-user-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acct.CreditsRemaining != "3.000000" {
		t.Errorf("balance mutated by rejected debit: %s", acct.CreditsRemaining)
	}
}

func TestPostgresCreditUpsert(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	bal, err := store.Credit(ctx, "it-user-3", "4.250000", &Transaction{
		Identity: "it-user-3", Amount: "4.250000", Type: TxnPurchase,
	})
	if err != nil {
		t.Fatalf("Credit fresh identity: %v", err)
	}
	if bal != "4.250000" {
		t.Errorf("balance = %s, want 4.250000", bal)
	}

	bal, err = store.Credit(ctx, "it-user-3", "0.750000", &Transaction{
		Identity: "it-user-3", Amount: "0.750000", Type: TxnPurchase,
	})
	if err != nil {
		t.Fatalf("Credit existing identity: %v", err)
	}
	if bal != "5.000000" {
		t.Errorf("balance = %s, want 5.000000", bal)
	}
}

func TestPostgresFreeTierClampRecordsMovement(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, _, err := store.GetOrCreate(ctx, "it-free-1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE user_credits SET tier = $2 WHERE identity = $1`, "it-free-1", TierFree); err != nil {
		t.Fatalf("set tier: %v", err)
	}

	txn := &Transaction{
		Identity: "it-free-1", Amount: "-100.000000", Type: TxnUsage, Cost: "100.000000",
	}
	bal, err := store.Debit(ctx, "it-free-1", "100.000000", txn)
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if bal != "0.000000" {
		t.Errorf("clamped balance = %s, want 0.000000", bal)
	}
	if txn.Amount != "-"+TrialGrant || txn.Cost != TrialGrant {
		t.Errorf("clamped txn = (%s, %s), want (-%s, %s)", txn.Amount, txn.Cost, TrialGrant, TrialGrant)
	}

	txns, err := store.History(ctx, "it-free-1", 10, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txns))
	}
	if txns[0].Amount != "-"+TrialGrant {
		t.Errorf("recorded amount = %s, want -%s", txns[0].Amount, TrialGrant)
	}
}

func TestPostgresConcurrentProvisioning(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	const readers = 16
	var wg sync.WaitGroup
	createdCount := int32(0)
	errs := make([]error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acct, created, err := store.GetOrCreate(ctx, "it-race-1")
			if err != nil {
				errs[i] = err
				return
			}
			if created {
				atomic.AddInt32(&createdCount, 1)
			}
			if acct.CreditsRemaining != TrialGrant {
				errs[i] = fmt.Errorf("balance = %s, want %s", acct.CreditsRemaining, TrialGrant)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("GetOrCreate[%d]: %v", i, err)
		}
	}
	if createdCount != 1 {
		t.Errorf("created reported %d times, want exactly 1", createdCount)
	}

	txns, err := store.History(ctx, "it-race-1", 10, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(txns) != 1 {
		t.Errorf("grant transactions = %d, want exactly 1", len(txns))
	}
}

func TestPostgresDebitUnknownIdentity(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := store.Debit(context.Background(), "it-missing", "1.000000", &Transaction{})
	if err != ErrAccountNotFound {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}
