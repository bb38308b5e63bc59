// Package payments sells credits into organization pools via Stripe.
// A purchase is a PaymentIntent plus a local credit_purchases row; the
// pool is only credited when Stripe confirms the intent through the
// webhook, so an abandoned checkout never mints credits.
package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/cobaltops/opscenter/internal/credits"
	"github.com/cobaltops/opscenter/internal/idgen"
)

var (
	ErrPurchaseNotFound = errors.New("payments: purchase not found")
	ErrInvalidAmount    = errors.New("payments: amount must be positive")
)

// Purchase states.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// CentsPerCredit is the retail price of one credit in USD cents.
const CentsPerCredit = 100

// Purchase is one attempted credit purchase for an org pool.
type Purchase struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"orgId"`
	Credits         string    `json:"credits"`
	AmountCents     int64     `json:"amountCents"`
	Currency        string    `json:"currency"`
	PaymentIntentID string    `json:"paymentIntentId"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store persists purchases.
type Store interface {
	Create(ctx context.Context, p *Purchase) error
	GetByIntent(ctx context.Context, intentID string) (*Purchase, error)
	// SetStatus transitions a purchase and reports whether the row
	// actually moved (false when already in a terminal state, which is
	// how webhook retries stay idempotent).
	SetStatus(ctx context.Context, intentID, from, to string) (bool, error)
	ListByOrg(ctx context.Context, orgID string, limit int) ([]*Purchase, error)
}

// PoolCrediter lands confirmed purchases in the org's pool.
type PoolCrediter interface {
	AddCredits(ctx context.Context, orgID, amount, purchaseAmount string) error
}

// IntentClient creates PaymentIntents. Wrapped so tests can stub the
// Stripe API.
type IntentClient interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeIntentClient struct{}

func (stripeIntentClient) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

// Service drives the purchase lifecycle.
type Service struct {
	store   Store
	pools   PoolCrediter
	intents IntentClient
	logger  *slog.Logger
}

// Option configures the service.
type Option func(*Service)

// WithIntentClient overrides the Stripe client.
func WithIntentClient(c IntentClient) Option {
	return func(s *Service) { s.intents = c }
}

// New creates the payments service. apiKey configures the global Stripe
// client; pass "" when a custom IntentClient is supplied.
func New(store Store, pools PoolCrediter, apiKey string, logger *slog.Logger, opts ...Option) *Service {
	if apiKey != "" {
		stripe.Key = apiKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, pools: pools, intents: stripeIntentClient{}, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePurchase opens a PaymentIntent for the given decimal credit
// amount and records the pending purchase. The returned purchase
// carries the intent ID the frontend needs to complete payment.
func (s *Service) CreatePurchase(ctx context.Context, orgID, amount string) (*Purchase, string, error) {
	mc, ok := credits.ToMillicredits(amount)
	if !ok || mc <= 0 {
		return nil, "", ErrInvalidAmount
	}
	amountCents := mc * CentsPerCredit / 1000

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.Context = ctx
	params.AddMetadata("orgId", orgID)
	params.AddMetadata("credits", credits.FromMillicredits(mc))

	intent, err := s.intents.New(params)
	if err != nil {
		purchasesTotal.WithLabelValues("intent_error").Inc()
		return nil, "", err
	}

	now := time.Now()
	p := &Purchase{
		ID:              idgen.WithPrefix("pur_"),
		OrgID:           orgID,
		Credits:         credits.FromMillicredits(mc),
		AmountCents:     amountCents,
		Currency:        string(stripe.CurrencyUSD),
		PaymentIntentID: intent.ID,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, "", err
	}

	purchasesTotal.WithLabelValues("created").Inc()
	s.logger.Info("credit purchase opened", "org", orgID, "credits", p.Credits, "intent", intent.ID)
	return p, intent.ClientSecret, nil
}

// ConfirmIntent lands a succeeded PaymentIntent: marks the purchase
// completed and credits the org pool. Safe to call repeatedly for the
// same intent.
func (s *Service) ConfirmIntent(ctx context.Context, intentID string) error {
	moved, err := s.store.SetStatus(ctx, intentID, StatusPending, StatusCompleted)
	if err != nil {
		return err
	}
	if !moved {
		// Retry of an already-settled intent.
		return nil
	}

	p, err := s.store.GetByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if err := s.pools.AddCredits(ctx, p.OrgID, p.Credits, p.Credits); err != nil {
		return err
	}

	purchasesTotal.WithLabelValues("completed").Inc()
	s.logger.Info("credit purchase completed", "org", p.OrgID, "credits", p.Credits, "intent", intentID)
	return nil
}

// FailIntent marks a purchase failed after Stripe reports the intent
// could not be charged.
func (s *Service) FailIntent(ctx context.Context, intentID string) error {
	moved, err := s.store.SetStatus(ctx, intentID, StatusPending, StatusFailed)
	if err != nil {
		return err
	}
	if moved {
		purchasesTotal.WithLabelValues("failed").Inc()
	}
	return nil
}

// ListByOrg returns the org's purchase history, newest first.
func (s *Service) ListByOrg(ctx context.Context, orgID string, limit int) ([]*Purchase, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByOrg(ctx, orgID, limit)
}
