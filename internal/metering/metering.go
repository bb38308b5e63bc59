// Package metering forwards usage events to an external metering/
// billing sink. Delivery is strictly best-effort: the forward happens
// after the debit has committed, runs on its own goroutine with a short
// timeout, and failure carries no rollback semantics. A circuit breaker
// keeps a dead sink from burning a goroutine per debit.
package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cobaltops/opscenter/internal/circuitbreaker"
	"github.com/cobaltops/opscenter/internal/identity"
	"github.com/cobaltops/opscenter/internal/ledger"
	"github.com/cobaltops/opscenter/internal/retry"
	"github.com/cobaltops/opscenter/internal/security"
)

const (
	// requestTimeout bounds one delivery attempt. The sink must never
	// be able to hold up anything on the ledger side.
	requestTimeout = 5 * time.Second

	// deliverAttempts and retryBaseDelay govern transient-failure
	// retries within a single delivery goroutine. 4xx responses are
	// permanent and never retried.
	deliverAttempts = 3
	retryBaseDelay  = 250 * time.Millisecond

	breakerKey = "metering"
)

// Event is the wire shape sent to the sink.
type Event struct {
	OrgID         string         `json:"orgId,omitempty"`
	Identity      string         `json:"identity"`
	EventCode     string         `json:"eventCode"`
	TransactionID string         `json:"transactionId"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// Sink delivers usage events to an external HTTP endpoint. Implements
// the ledger's UsageMeter contract.
type Sink struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	breaker    *circuitbreaker.Breaker
	retryDelay time.Duration
	logger     *slog.Logger
}

// Option configures the sink.
type Option func(*Sink)

// WithAPIKey sets a bearer token for the sink.
func WithAPIKey(key string) Option {
	return func(s *Sink) { s.apiKey = key }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

// NewSink creates a metering sink. The endpoint is validated against
// SSRF targets up front since it comes from configuration.
func NewSink(endpoint string, logger *slog.Logger, opts ...Option) (*Sink, error) {
	if err := security.ValidateEndpointURL(endpoint); err != nil {
		return nil, fmt.Errorf("metering endpoint rejected: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: requestTimeout},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		retryDelay: retryBaseDelay,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Record forwards one usage event without blocking the caller. Failures
// are counted and logged, never returned.
func (s *Sink) Record(ident string, txnID string, u ledger.Usage, cost string) {
	if !s.breaker.Allow(breakerKey) {
		droppedTotal.Inc()
		return
	}

	ev := Event{
		Identity:      ident,
		EventCode:     "credits.usage",
		TransactionID: txnID,
		Properties: map[string]any{
			"provider":   u.Provider,
			"model":      u.Model,
			"tokensUsed": u.TokensUsed,
			"endpoint":   u.Endpoint,
			"cost":       cost,
		},
	}
	if id, err := identity.Parse(ident); err == nil && id.IsOrganization() {
		ev.OrgID = id.OrgID()
	}

	go s.deliver(ev)
}

func (s *Sink) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverAttempts*(requestTimeout+s.retryDelay))
	defer cancel()

	err := retry.Do(ctx, deliverAttempts, s.retryDelay, func() error {
		return s.post(ctx, ev)
	})
	if err != nil {
		s.breaker.RecordFailure(breakerKey)
		failedTotal.Inc()
		s.logger.Warn("metering forward failed",
			"identity", ev.Identity, "txn", ev.TransactionID, "error", err)
		return
	}
	s.breaker.RecordSuccess(breakerKey)
	forwardedTotal.Inc()
}

func (s *Sink) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("sink returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors will not succeed on retry.
		return retry.Permanent(fmt.Errorf("sink returned %d", resp.StatusCode))
	}
	return nil
}
