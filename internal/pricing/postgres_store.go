package pricing

import (
	"context"
	"database/sql"
)

// PostgresMarkupStore reads tier markup overrides from the
// subscription_tiers table.
type PostgresMarkupStore struct {
	db *sql.DB
}

// NewPostgresMarkupStore creates a Postgres-backed markup store.
func NewPostgresMarkupStore(db *sql.DB) *PostgresMarkupStore {
	return &PostgresMarkupStore{db: db}
}

func (p *PostgresMarkupStore) GetMarkupPct(ctx context.Context, tier string) (float64, error) {
	var pct float64
	err := p.db.QueryRowContext(ctx, `
		SELECT markup_pct FROM subscription_tiers WHERE tier = $1
	`, tier).Scan(&pct)
	if err == sql.ErrNoRows {
		return 0, ErrTierNotFound
	}
	if err != nil {
		return 0, err
	}
	return pct, nil
}
