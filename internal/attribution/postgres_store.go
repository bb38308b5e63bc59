package attribution

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. The table carries no
// UPDATE or DELETE path; only inserts and reads.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed attribution store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_usage_attribution
			(id, org_id, user_id, service, model, tokens_used, credits_used, transaction_id, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7::NUMERIC(20,6), $8, $9)
	`, e.ID, e.OrgID, e.UserID, e.Service, e.Model, e.TokensUsed, e.CreditsUsed, e.TransactionID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append attribution event: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, q Query, limit, offset int) ([]*Event, error) {
	where, args := whereClause(q)
	args = append(args, limit, offset)

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, COALESCE(org_id, ''), user_id, service, COALESCE(model, ''),
		       tokens_used, credits_used, transaction_id, created_at
		FROM credit_usage_attribution
		%s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.OrgID, &e.UserID, &e.Service, &e.Model,
			&e.TokensUsed, &e.CreditsUsed, &e.TransactionID, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *PostgresStore) SummarizeByUser(ctx context.Context, q Query) ([]*Summary, error) {
	return p.summarize(ctx, q, "user_id")
}

func (p *PostgresStore) SummarizeByService(ctx context.Context, q Query) ([]*Summary, error) {
	return p.summarize(ctx, q, "service")
}

func (p *PostgresStore) summarize(ctx context.Context, q Query, column string) ([]*Summary, error) {
	where, args := whereClause(q)

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*), COALESCE(SUM(tokens_used), 0), COALESCE(SUM(credits_used), 0)::TEXT
		FROM credit_usage_attribution
		%s
		GROUP BY %s
		ORDER BY SUM(credits_used) DESC, %s
	`, column, where, column, column), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Summary
	for rows.Next() {
		s := &Summary{}
		if err := rows.Scan(&s.Key, &s.Events, &s.TokensUsed, &s.CreditsUsed); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func whereClause(q Query) (string, []any) {
	where := "WHERE 1=1"
	var args []any
	if q.OrgID != "" {
		args = append(args, q.OrgID)
		where += fmt.Sprintf(" AND org_id = $%d", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		where += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		where += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	return where, args
}
