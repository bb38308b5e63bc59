//go:build integration

package orgpool

import (
	"context"
	"testing"
	"time"

	"github.com/cobaltops/opscenter/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgresPoolLifecycle(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	pool, err := store.AddCredits(ctx, "it-org-1", 10000, 10000)
	if err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if pool.TotalMC != 10000 || pool.LifetimeBoughtMC != 10000 {
		t.Errorf("pool = total %d / bought %d, want 10000/10000", pool.TotalMC, pool.LifetimeBoughtMC)
	}

	// Top-ups accumulate on the same row.
	pool, err = store.AddCredits(ctx, "it-org-1", 5000, 0)
	if err != nil {
		t.Fatalf("AddCredits top-up: %v", err)
	}
	if pool.TotalMC != 15000 || pool.LifetimeBoughtMC != 10000 {
		t.Errorf("after top-up: total %d / bought %d, want 15000/10000", pool.TotalMC, pool.LifetimeBoughtMC)
	}

	alloc, err := store.Allocate(ctx, "it-org-1", "alice", 4000, ResetMonthly, "ml team")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if alloc.AllocatedMC != 4000 || alloc.Notes != "ml team" {
		t.Errorf("allocation = %+v", alloc)
	}

	alloc, err = store.DebitMember(ctx, "it-org-1", "alice", 1500)
	if err != nil {
		t.Fatalf("DebitMember: %v", err)
	}
	if alloc.UsedMC != 1500 || alloc.RemainingMC() != 2500 {
		t.Errorf("after debit: used %d, remaining %d", alloc.UsedMC, alloc.RemainingMC())
	}

	pool, err = store.DebitPool(ctx, "it-org-1", 2000)
	if err != nil {
		t.Fatalf("DebitPool: %v", err)
	}
	if pool.UsedMC != 3500 || pool.LifetimeSpentMC != 3500 {
		t.Errorf("pool after debits: used %d / spent %d, want 3500/3500", pool.UsedMC, pool.LifetimeSpentMC)
	}

	if _, err := store.DebitPool(ctx, "it-org-1", 12000); err != ErrInsufficientPool {
		t.Errorf("overdraw error = %v, want ErrInsufficientPool", err)
	}
	if _, err := store.DebitPool(ctx, "no-such-org", 100); err != ErrPoolNotFound {
		t.Errorf("missing org error = %v, want ErrPoolNotFound", err)
	}
}

func TestPostgresReallocateMovesDelta(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.AddCredits(ctx, "it-org-2", 10000, 0); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if _, err := store.Allocate(ctx, "it-org-2", "bob", 6000, ResetNever, ""); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	// Shrinking the cap frees headroom on the pool.
	if _, err := store.Allocate(ctx, "it-org-2", "bob", 2000, ResetNever, ""); err != nil {
		t.Fatalf("re-Allocate: %v", err)
	}
	pool, err := store.GetPool(ctx, "it-org-2")
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if pool.AllocatedMC != 2000 {
		t.Errorf("allocated = %d, want 2000", pool.AllocatedMC)
	}
}

func TestPostgresMembers(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	m := &Member{OrgID: "it-org-3", UserID: "carol", Role: "admin", JoinedAt: time.Now()}
	if err := store.AddMember(ctx, m); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	ok, err := store.IsMember(ctx, "it-org-3", "carol")
	if err != nil || !ok {
		t.Errorf("IsMember = %v, %v; want true", ok, err)
	}
	ok, _ = store.IsMember(ctx, "it-org-3", "stranger")
	if ok {
		t.Error("stranger reported as member")
	}

	members, err := store.ListMembers(ctx, "it-org-3")
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 || members[0].Role != "admin" {
		t.Errorf("members = %+v", members)
	}
}

func TestPostgresResetDue(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.AddCredits(ctx, "it-org-4", 10000, 0); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if _, err := store.Allocate(ctx, "it-org-4", "dave", 3000, ResetDaily, ""); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := store.DebitMember(ctx, "it-org-4", "dave", 1000); err != nil {
		t.Fatalf("DebitMember: %v", err)
	}

	// Nothing is due yet.
	n, err := store.ResetDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("ResetDue: %v", err)
	}
	if n != 0 {
		t.Errorf("reset %d allocations, want 0", n)
	}

	// Two days out the daily allocation is due.
	n, err = store.ResetDue(ctx, time.Now().AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("ResetDue: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d allocations, want 1", n)
	}
	alloc, err := store.GetAllocation(ctx, "it-org-4", "dave")
	if err != nil {
		t.Fatalf("GetAllocation: %v", err)
	}
	if alloc.UsedMC != 0 {
		t.Errorf("used after reset = %d, want 0", alloc.UsedMC)
	}
}
