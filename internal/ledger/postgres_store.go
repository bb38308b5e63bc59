package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cobaltops/opscenter/internal/credits"
	"github.com/cobaltops/opscenter/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Balances live in
// user_credits (NUMERIC(20,6), CHECK >= 0) and movements in
// credit_transactions. The debit path locks the balance row with
// SELECT ... FOR UPDATE so that check-then-write is atomic per
// identity; the schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, ident string) (*Account, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	// Idempotent provisioning: concurrent first reads race on this
	// insert and exactly one wins; the losers fall through to the
	// select below. RETURNING only yields a row for the winner.
	var inserted string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_credits (identity, credits_remaining, tier, last_reset, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $3, NOW(), NOW(), NOW())
		ON CONFLICT (identity) DO NOTHING
		RETURNING identity
	`, ident, TrialGrant, DefaultTier).Scan(&inserted)

	created := err == nil
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to provision account: %w", err)
	}

	if created {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, identity, amount, transaction_type, metadata, created_at)
			VALUES ($1, $2, $3::NUMERIC(20,6), 'bonus', '{"reason":"trial_grant"}', NOW())
		`, idgen.WithPrefix("txn_"), ident, TrialGrant)
		if err != nil {
			return nil, false, fmt.Errorf("failed to record trial grant: %w", err)
		}
	}

	acct, err := scanAccount(tx.QueryRowContext(ctx, `
		SELECT identity, credits_remaining, tier, COALESCE(monthly_cap::TEXT, ''), last_reset, created_at, updated_at
		FROM user_credits WHERE identity = $1
	`, ident))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return acct, created, nil
}

func (p *PostgresStore) Get(ctx context.Context, ident string) (*Account, error) {
	acct, err := scanAccount(p.db.QueryRowContext(ctx, `
		SELECT identity, credits_remaining, tier, COALESCE(monthly_cap::TEXT, ''), last_reset, created_at, updated_at
		FROM user_credits WHERE identity = $1
	`, ident))
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

// Debit locks the balance row, checks sufficiency, and writes the new
// balance plus the transaction row in one unit. Free-tier accounts are
// clamped at zero instead of rejected.
func (p *PostgresStore) Debit(ctx context.Context, ident string, amount string, txn *Transaction) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var balanceStr, tier string
	err = tx.QueryRowContext(ctx, `
		SELECT credits_remaining, tier FROM user_credits
		WHERE identity = $1
		FOR UPDATE
	`, ident).Scan(&balanceStr, &tier)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock balance row: %w", err)
	}

	bal, ok := credits.Parse(balanceStr)
	if !ok {
		return "", fmt.Errorf("corrupt balance for %s: %q", ident, balanceStr)
	}
	amt, _ := credits.Parse(amount)

	if bal.Cmp(amt) < 0 {
		if tier != TierFree {
			return "", ErrInsufficientFunds
		}
		// Clamped debit: the transaction must record what actually
		// moved or history stops reconciling with the balance.
		amt = bal
		txn.Amount = credits.Format(new(big.Int).Neg(amt))
		txn.Cost = credits.Format(amt)
	}

	newBalance := credits.Format(new(big.Int).Sub(bal, amt))
	_, err = tx.ExecContext(ctx, `
		UPDATE user_credits SET credits_remaining = $2::NUMERIC(20,6), updated_at = NOW()
		WHERE identity = $1
	`, ident, newBalance)
	if err != nil {
		return "", fmt.Errorf("failed to update balance: %w", err)
	}

	if err := insertTxn(ctx, tx, txn); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return newBalance, nil
}

// Credit adds funds, creating the account with the credited amount if
// it does not exist.
func (p *PostgresStore) Credit(ctx context.Context, ident string, amount string, txn *Transaction) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var newBalance string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_credits (identity, credits_remaining, tier, last_reset, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), $3, NOW(), NOW(), NOW())
		ON CONFLICT (identity) DO UPDATE SET
			credits_remaining = user_credits.credits_remaining + $2::NUMERIC(20,6),
			updated_at        = NOW()
		RETURNING credits_remaining
	`, ident, amount, DefaultTier).Scan(&newBalance)
	if err != nil {
		return "", fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := insertTxn(ctx, tx, txn); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return newBalance, nil
}

func (p *PostgresStore) History(ctx context.Context, ident string, limit, offset int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, identity, amount, transaction_type,
		       COALESCE(provider, ''), COALESCE(model, ''),
		       COALESCE(tokens_used, 0), COALESCE(cost::TEXT, ''),
		       COALESCE(metadata::TEXT, ''), created_at
		FROM credit_transactions
		WHERE identity = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, ident, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var metaStr string
		if err := rows.Scan(&t.ID, &t.Identity, &t.Amount, &t.Type,
			&t.Provider, &t.Model, &t.TokensUsed, &t.Cost, &metaStr, &t.CreatedAt); err != nil {
			return nil, err
		}
		if metaStr != "" {
			_ = json.Unmarshal([]byte(metaStr), &t.Metadata)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// insertTxn stamps and appends a transaction row within tx.
func insertTxn(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	if txn.ID == "" {
		txn.ID = idgen.WithPrefix("txn_")
	}

	var meta any
	if txn.Metadata != nil {
		b, err := json.Marshal(txn.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		meta = string(b)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions
			(id, identity, amount, transaction_type, provider, model, tokens_used, cost, metadata, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4, NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, '')::NUMERIC(20,6), $9::JSONB, NOW())
	`, txn.ID, txn.Identity, txn.Amount, txn.Type, txn.Provider, txn.Model, txn.TokensUsed, txn.Cost, meta)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func scanAccount(row *sql.Row) (*Account, error) {
	acct := &Account{}
	err := row.Scan(&acct.Identity, &acct.CreditsRemaining, &acct.Tier,
		&acct.MonthlyCap, &acct.LastReset, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return acct, nil
}
