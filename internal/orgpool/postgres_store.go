package orgpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cobaltops/opscenter/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. The pool row is the
// serialization point: every mutation locks it with SELECT ... FOR
// UPDATE first, so sufficiency checks and counter updates cannot race
// within one org while different orgs proceed independently.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pool store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const poolColumns = `org_id, total_millicredits, allocated_millicredits, used_millicredits,
	monthly_refresh_millicredits, last_refresh, allow_overage, overage_limit_millicredits,
	lifetime_purchased_millicredits, lifetime_spent_millicredits, created_at, updated_at`

const allocColumns = `id, org_id, user_id, allocated_millicredits, used_millicredits,
	reset_period, last_reset, COALESCE(next_reset, 'epoch'::TIMESTAMPTZ), is_active,
	COALESCE(notes, ''), created_at, updated_at`

func (p *PostgresStore) GetPool(ctx context.Context, orgID string) (*Pool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM organization_credit_pools WHERE org_id = $1`, orgID)
	return scanPool(row)
}

func (p *PostgresStore) AddCredits(ctx context.Context, orgID string, amountMC, purchasedMC int64) (*Pool, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO organization_credit_pools
			(org_id, total_millicredits, lifetime_purchased_millicredits, last_refresh, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW(), NOW())
		ON CONFLICT (org_id) DO UPDATE SET
			total_millicredits              = organization_credit_pools.total_millicredits + $2,
			lifetime_purchased_millicredits = organization_credit_pools.lifetime_purchased_millicredits + $3,
			updated_at                      = NOW()
		RETURNING `+poolColumns, orgID, amountMC, purchasedMC)
	return scanPool(row)
}

func (p *PostgresStore) Allocate(ctx context.Context, orgID, userID string, amountMC int64, period ResetPeriod, notes string) (*Allocation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var totalMC, allocatedMC int64
	err = tx.QueryRowContext(ctx, `
		SELECT total_millicredits, allocated_millicredits
		FROM organization_credit_pools WHERE org_id = $1
		FOR UPDATE
	`, orgID).Scan(&totalMC, &allocatedMC)
	if err == sql.ErrNoRows {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock pool: %w", err)
	}

	var prevAllocated int64
	err = tx.QueryRowContext(ctx, `
		SELECT allocated_millicredits FROM user_credit_allocations
		WHERE org_id = $1 AND user_id = $2 AND is_active
	`, orgID, userID).Scan(&prevAllocated)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read allocation: %w", err)
	}

	delta := amountMC - prevAllocated
	if delta > totalMC-allocatedMC {
		return nil, ErrInsufficientPool
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE organization_credit_pools
		SET allocated_millicredits = allocated_millicredits + $2, updated_at = NOW()
		WHERE org_id = $1
	`, orgID, delta)
	if err != nil {
		return nil, fmt.Errorf("failed to update pool: %w", err)
	}

	var nextReset any
	if t := period.Next(time.Now()); !t.IsZero() {
		nextReset = t
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO user_credit_allocations
			(id, org_id, user_id, allocated_millicredits, used_millicredits,
			 reset_period, last_reset, next_reset, is_active, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, NOW(), $6, TRUE, NULLIF($7, ''), NOW(), NOW())
		ON CONFLICT (org_id, user_id) DO UPDATE SET
			allocated_millicredits = $4,
			reset_period           = $5,
			last_reset             = NOW(),
			next_reset             = $6,
			is_active              = TRUE,
			notes                  = NULLIF($7, ''),
			updated_at             = NOW()
		RETURNING `+allocColumns,
		idgen.WithPrefix("alloc_"), orgID, userID, amountMC, string(period), nextReset, notes)

	alloc, err := scanAllocation(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return alloc, nil
}

func (p *PostgresStore) DebitMember(ctx context.Context, orgID, userID string, amountMC int64) (*Allocation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var totalMC, usedMC, overageLimitMC int64
	var allowOverage bool
	err = tx.QueryRowContext(ctx, `
		SELECT total_millicredits, used_millicredits, allow_overage, overage_limit_millicredits
		FROM organization_credit_pools WHERE org_id = $1
		FOR UPDATE
	`, orgID).Scan(&totalMC, &usedMC, &allowOverage, &overageLimitMC)
	if err == sql.ErrNoRows {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock pool: %w", err)
	}

	var allocAllocated, allocUsed int64
	err = tx.QueryRowContext(ctx, `
		SELECT allocated_millicredits, used_millicredits
		FROM user_credit_allocations
		WHERE org_id = $1 AND user_id = $2 AND is_active
	`, orgID, userID).Scan(&allocAllocated, &allocUsed)
	if err == sql.ErrNoRows {
		return nil, ErrAllocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read allocation: %w", err)
	}

	if allocUsed+amountMC > allocAllocated {
		overBy := allocUsed + amountMC - allocAllocated
		if !allowOverage || overBy > overageLimitMC {
			return nil, ErrInsufficientPool
		}
	}
	if usedMC+amountMC > totalMC {
		return nil, ErrInsufficientPool
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE organization_credit_pools
		SET used_millicredits           = used_millicredits + $2,
		    lifetime_spent_millicredits = lifetime_spent_millicredits + $2,
		    updated_at                  = NOW()
		WHERE org_id = $1
	`, orgID, amountMC)
	if err != nil {
		return nil, fmt.Errorf("failed to update pool: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE user_credit_allocations
		SET used_millicredits = used_millicredits + $3, updated_at = NOW()
		WHERE org_id = $1 AND user_id = $2 AND is_active
		RETURNING `+allocColumns, orgID, userID, amountMC)

	alloc, err := scanAllocation(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return alloc, nil
}

func (p *PostgresStore) DebitPool(ctx context.Context, orgID string, amountMC int64) (*Pool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var totalMC, usedMC int64
	err = tx.QueryRowContext(ctx, `
		SELECT total_millicredits, used_millicredits
		FROM organization_credit_pools WHERE org_id = $1
		FOR UPDATE
	`, orgID).Scan(&totalMC, &usedMC)
	if err == sql.ErrNoRows {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock pool: %w", err)
	}

	if usedMC+amountMC > totalMC {
		return nil, ErrInsufficientPool
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE organization_credit_pools
		SET used_millicredits           = used_millicredits + $2,
		    lifetime_spent_millicredits = lifetime_spent_millicredits + $2,
		    updated_at                  = NOW()
		WHERE org_id = $1
		RETURNING `+poolColumns, orgID, amountMC)

	pool, err := scanPool(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return pool, nil
}

func (p *PostgresStore) GetAllocation(ctx context.Context, orgID, userID string) (*Allocation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+allocColumns+` FROM user_credit_allocations
		WHERE org_id = $1 AND user_id = $2 AND is_active
	`, orgID, userID)
	alloc, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, ErrAllocationNotFound
	}
	return alloc, err
}

func (p *PostgresStore) ListAllocations(ctx context.Context, orgID string) ([]*Allocation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+allocColumns+` FROM user_credit_allocations
		WHERE org_id = $1 AND is_active
		ORDER BY user_id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []*Allocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, alloc)
	}
	return allocs, rows.Err()
}

func (p *PostgresStore) AddMember(ctx context.Context, m *Member) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO organization_members (org_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role = $3
	`, m.OrgID, m.UserID, m.Role, m.JoinedAt)
	return err
}

func (p *PostgresStore) IsMember(ctx context.Context, orgID, userID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM organization_members WHERE org_id = $1 AND user_id = $2`,
		orgID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (p *PostgresStore) ListMembers(ctx context.Context, orgID string) ([]*Member, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT org_id, user_id, role, joined_at FROM organization_members
		WHERE org_id = $1 ORDER BY joined_at
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m := &Member{}
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (p *PostgresStore) ResetDue(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE user_credit_allocations
		SET used_millicredits = 0,
		    last_reset        = $1,
		    next_reset        = next_reset + CASE reset_period
		        WHEN 'daily'   THEN INTERVAL '1 day'
		        WHEN 'weekly'  THEN INTERVAL '7 days'
		        WHEN 'monthly' THEN INTERVAL '1 month'
		    END,
		    updated_at        = $1
		WHERE is_active AND reset_period != 'never' AND next_reset <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) RefreshDue(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE organization_credit_pools
		SET total_millicredits = total_millicredits + monthly_refresh_millicredits,
		    last_refresh       = $1,
		    updated_at         = $1
		WHERE monthly_refresh_millicredits > 0 AND last_refresh + INTERVAL '1 month' <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*Pool, error) {
	pool := &Pool{}
	err := row.Scan(&pool.OrgID, &pool.TotalMC, &pool.AllocatedMC, &pool.UsedMC,
		&pool.MonthlyRefreshMC, &pool.LastRefresh, &pool.AllowOverage, &pool.OverageLimitMC,
		&pool.LifetimeBoughtMC, &pool.LifetimeSpentMC, &pool.CreatedAt, &pool.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func scanAllocation(row rowScanner) (*Allocation, error) {
	alloc := &Allocation{}
	var period string
	err := row.Scan(&alloc.ID, &alloc.OrgID, &alloc.UserID, &alloc.AllocatedMC, &alloc.UsedMC,
		&period, &alloc.LastReset, &alloc.NextReset, &alloc.Active, &alloc.Notes,
		&alloc.CreatedAt, &alloc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	alloc.ResetPeriod = ResetPeriod(period)
	if alloc.NextReset.Unix() == 0 {
		alloc.NextReset = time.Time{}
	}
	return alloc, nil
}
