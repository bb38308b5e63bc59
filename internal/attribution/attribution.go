// Package attribution keeps the append-only usage attribution log: one
// record per successful debit, answering "who spent what on which
// service". Reports aggregate over this log but never feed back into
// balances; the ledger and pool tables stay authoritative.
package attribution

import (
	"context"
	"log/slog"
	"time"

	"github.com/cobaltops/opscenter/internal/idgen"
)

// Event is one attributed spend. Events are never updated or deleted.
type Event struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"orgId,omitempty"`
	UserID        string    `json:"userId"`
	Service       string    `json:"service"`
	Model         string    `json:"model,omitempty"`
	TokensUsed    int64     `json:"tokensUsed"`
	CreditsUsed   string    `json:"creditsUsed"`
	TransactionID string    `json:"transactionId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Summary is an aggregate over one grouping key.
type Summary struct {
	Key         string `json:"key"`
	Events      int64  `json:"events"`
	TokensUsed  int64  `json:"tokensUsed"`
	CreditsUsed string `json:"creditsUsed"`
}

// Query bounds an aggregation. Zero times mean unbounded.
type Query struct {
	OrgID string
	From  time.Time
	To    time.Time
}

// Store persists the append-only log. Append must never mutate an
// existing row.
type Store interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, q Query, limit, offset int) ([]*Event, error)
	SummarizeByUser(ctx context.Context, q Query) ([]*Summary, error)
	SummarizeByService(ctx context.Context, q Query) ([]*Summary, error)
}

// Service wraps the store with ID stamping and logging. Recording is
// called after a debit commits; a failed append is logged and dropped
// rather than unwinding the debit.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New creates the attribution service.
func New(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Record appends one attributed spend.
func (s *Service) Record(ctx context.Context, e *Event) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	if err := s.store.Append(ctx, e); err != nil {
		recordFailures.Inc()
		s.logger.Error("failed to record usage attribution",
			"org", e.OrgID, "user", e.UserID, "txn", e.TransactionID, "error", err)
		return
	}
	recordsTotal.Inc()
}

// List returns raw events for an org, newest first.
func (s *Service) List(ctx context.Context, q Query, limit, offset int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.List(ctx, q, limit, offset)
}

// ByUser aggregates credits spent per user.
func (s *Service) ByUser(ctx context.Context, q Query) ([]*Summary, error) {
	return s.store.SummarizeByUser(ctx, q)
}

// ByService aggregates credits spent per service.
func (s *Service) ByService(ctx context.Context, q Query) ([]*Summary, error) {
	return s.store.SummarizeByService(ctx, q)
}
