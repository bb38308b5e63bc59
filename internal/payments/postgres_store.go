package payments

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pur *Purchase) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_purchases
			(id, org_id, credits, amount_cents, currency, payment_intent_id, status, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7, $8, $9)
	`, pur.ID, pur.OrgID, pur.Credits, pur.AmountCents, pur.Currency,
		pur.PaymentIntentID, pur.Status, pur.CreatedAt, pur.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record purchase: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByIntent(ctx context.Context, intentID string) (*Purchase, error) {
	pur := &Purchase{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, org_id, credits, amount_cents, currency, payment_intent_id, status, created_at, updated_at
		FROM credit_purchases WHERE payment_intent_id = $1
	`, intentID).Scan(&pur.ID, &pur.OrgID, &pur.Credits, &pur.AmountCents, &pur.Currency,
		&pur.PaymentIntentID, &pur.Status, &pur.CreatedAt, &pur.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPurchaseNotFound
	}
	return pur, err
}

func (p *PostgresStore) SetStatus(ctx context.Context, intentID, from, to string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE credit_purchases SET status = $3, updated_at = NOW()
		WHERE payment_intent_id = $1 AND status = $2
	`, intentID, from, to)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *PostgresStore) ListByOrg(ctx context.Context, orgID string, limit int) ([]*Purchase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, org_id, credits, amount_cents, currency, payment_intent_id, status, created_at, updated_at
		FROM credit_purchases WHERE org_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var purchases []*Purchase
	for rows.Next() {
		pur := &Purchase{}
		if err := rows.Scan(&pur.ID, &pur.OrgID, &pur.Credits, &pur.AmountCents, &pur.Currency,
			&pur.PaymentIntentID, &pur.Status, &pur.CreatedAt, &pur.UpdatedAt); err != nil {
			return nil, err
		}
		purchases = append(purchases, pur)
	}
	return purchases, rows.Err()
}
