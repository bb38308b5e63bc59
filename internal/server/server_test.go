package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cobaltops/opscenter/internal/attribution"
	"github.com/cobaltops/opscenter/internal/config"
	"github.com/cobaltops/opscenter/internal/ledger"
	"github.com/cobaltops/opscenter/internal/orgpool"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "development",
		LogLevel:     "error",
		CacheTTL:     time.Minute,
		RateLimitRPS: 1000,
	}
}

// newTestServer creates a server with in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	s.router.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w, _ := doJSON(t, s, "GET", "/health/ready", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/credits/:identity/balance",
		"GET:/v1/credits/:identity/history",
		"POST:/v1/cost/estimate",
		"POST:/v1/usage/charge",
		"POST:/v1/admin/credits",
		"GET:/v1/org-billing/credits/:org_id",
		"GET:/v1/org-billing/credits/:org_id/allocations",
		"GET:/v1/org-billing/credits/:org_id/members",
		"GET:/v1/org-billing/credits/:org_id/usage",
		"GET:/v1/org-billing/credits/:org_id/usage/events",
		"POST:/v1/admin/org-billing/credits/:org_id",
		"POST:/v1/admin/org-billing/credits/:org_id/allocate",
		"POST:/v1/admin/org-billing/credits/:org_id/members",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestPaymentRoutesAbsentWithoutStripe(t *testing.T) {
	s := newTestServer(t)

	for _, route := range s.router.Routes() {
		if route.Path == "/v1/payments/webhook" {
			t.Error("Webhook route registered without a Stripe key")
		}
	}
}

// ---------------------------------------------------------------------------
// Charge flow tests
// ---------------------------------------------------------------------------

func TestChargeFlow_UserIdentity(t *testing.T) {
	s := newTestServer(t)

	// First balance read provisions the trial grant.
	w, resp := doJSON(t, s, "GET", "/v1/credits/alice@example.com/balance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d: %v", w.Code, resp)
	}
	if resp["balance"] != "5.000000" {
		t.Errorf("Expected trial grant 5.000000, got %v", resp["balance"])
	}

	w, resp = doJSON(t, s, "POST", "/v1/usage/charge",
		`{"identity":"alice@example.com","model":"gpt-4o","tokensUsed":100000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("charge: expected 200, got %d: %v", w.Code, resp)
	}
	if resp["charged"] == nil || resp["transactionId"] == nil {
		t.Errorf("Expected charged and transactionId in response, got %v", resp)
	}

	// The charge lands in the transaction history.
	w, resp = doJSON(t, s, "GET", "/v1/credits/alice@example.com/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", w.Code)
	}
	txns := resp["transactions"].([]interface{})
	if len(txns) != 2 { // trial grant + charge
		t.Errorf("Expected 2 transactions, got %d", len(txns))
	}
}

func TestChargeFlow_OrgPool(t *testing.T) {
	s := newTestServer(t)

	// Seed pool, member, and allocation via admin routes (no secret in dev).
	w, _ := doJSON(t, s, "POST", "/v1/admin/org-billing/credits/acme", `{"credits":"10"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add credits: expected 201, got %d", w.Code)
	}
	w, _ = doJSON(t, s, "POST", "/v1/admin/org-billing/credits/acme/members", `{"userId":"bob@example.com"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add member: expected 201, got %d", w.Code)
	}
	w, _ = doJSON(t, s, "POST", "/v1/admin/org-billing/credits/acme/allocate",
		`{"userId":"bob@example.com","credits":"5"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("allocate: expected 201, got %d", w.Code)
	}

	// Charge against the org, attributed to bob.
	w, resp := doJSON(t, s, "POST", "/v1/usage/charge",
		`{"identity":"org_acme","userId":"bob@example.com","model":"gpt-4o","tokensUsed":100000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("org charge: expected 200, got %d: %v", w.Code, resp)
	}
	if resp["orgId"] != "acme" {
		t.Errorf("Expected orgId acme, got %v", resp["orgId"])
	}

	// The org balance reads from the pool, not a personal account.
	w, resp = doJSON(t, s, "GET", "/v1/credits/org_acme/balance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("org balance: expected 200, got %d", w.Code)
	}
	if resp["balance"] == "5.000000" {
		t.Error("Org balance should come from the pool, not a provisioned trial account")
	}

	// The charge shows up in the org's attribution log.
	w, resp = doJSON(t, s, "GET", "/v1/org-billing/credits/acme/usage?by=user", "")
	if w.Code != http.StatusOK {
		t.Fatalf("usage: expected 200, got %d", w.Code)
	}
	usage := resp["usage"].([]interface{})
	if len(usage) != 1 {
		t.Fatalf("Expected 1 usage row, got %d", len(usage))
	}
	row := usage[0].(map[string]interface{})
	if row["key"] != "bob@example.com" {
		t.Errorf("Expected usage attributed to bob, got %v", row["key"])
	}
}

func TestChargeFlow_ZeroCostNoOp(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "GET", "/v1/credits/carol@example.com/balance", "")

	// One eco token on a cheap model prices to 0.000000. The charge
	// succeeds without a debit or a transaction.
	w, resp := doJSON(t, s, "POST", "/v1/usage/charge",
		`{"identity":"carol@example.com","model":"groq/llama-3-8b","tokensUsed":1,"powerLevel":"eco"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("zero-cost charge: expected 200, got %d: %v", w.Code, resp)
	}
	if resp["charged"] != "0.000000" {
		t.Errorf("Expected charged 0.000000, got %v", resp["charged"])
	}
	if resp["transactionId"] != "" {
		t.Errorf("Expected empty transactionId, got %v", resp["transactionId"])
	}
	if resp["balance"] != "5.000000" {
		t.Errorf("Expected untouched balance 5.000000, got %v", resp["balance"])
	}

	w, resp = doJSON(t, s, "GET", "/v1/credits/carol@example.com/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", w.Code)
	}
	if txns := resp["transactions"].([]interface{}); len(txns) != 1 {
		t.Errorf("Expected only the trial grant in history, got %d transactions", len(txns))
	}
}

func TestChargeFlow_OrgSubMillicreditCost(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/admin/org-billing/credits/acme", `{"credits":"1"}`)

	// 100 eco tokens on a cheap model price below one millicredit.
	// The pool bills one millicredit instead of rejecting the charge.
	w, resp := doJSON(t, s, "POST", "/v1/usage/charge",
		`{"identity":"org_acme","model":"groq/llama-3-8b","tokensUsed":100,"powerLevel":"eco"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("sub-millicredit org charge: expected 200, got %d: %v", w.Code, resp)
	}
	if resp["balance"] != "0.999000" {
		t.Errorf("Expected pool balance 0.999000, got %v", resp["balance"])
	}
}

func TestOrgHistoryNotOnPersonalLedger(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/admin/org-billing/credits/acme", `{"credits":"1"}`)

	w, resp := doJSON(t, s, "GET", "/v1/credits/org_acme/history", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("org history: expected 400, got %d: %v", w.Code, resp)
	}
	if resp["error"] != "org_identity" {
		t.Errorf("Expected org_identity error, got %v", resp["error"])
	}
}

func TestChargeFlow_OrgInsufficientPool(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, "POST", "/v1/admin/org-billing/credits/tiny", `{"credits":"0.001"}`)

	w, resp := doJSON(t, s, "POST", "/v1/usage/charge",
		`{"identity":"org_tiny","model":"gpt-4o","tokensUsed":10000000}`)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d: %v", w.Code, resp)
	}
	if resp["error"] != "insufficient_credits" {
		t.Errorf("Expected insufficient_credits, got %v", resp["error"])
	}
}

// ---------------------------------------------------------------------------
// Admin gate tests
// ---------------------------------------------------------------------------

func TestAdminSecretGate(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "s3cret"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	body := `{"identity":"alice@example.com","amount":"1.0"}`

	// Missing secret
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/credits", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	// Wrong secret
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/admin/credits", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "wrong")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong secret, got %d", w.Code)
	}

	// Correct secret
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/admin/credits", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "s3cret")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("Expected 201 with correct secret, got %d: %s", w.Code, w.Body.String())
	}

	// Public reads stay open
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/credits/alice@example.com/balance", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for public route, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Org charge adapter tests
// ---------------------------------------------------------------------------

type captureMeter struct {
	ident, txnID, cost string
	calls              int
}

func (m *captureMeter) Record(ident string, txnID string, u ledger.Usage, cost string) {
	m.ident, m.txnID, m.cost = ident, txnID, cost
	m.calls++
}

func TestOrgChargeStampsMeterEventID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pools := orgpool.New(orgpool.NewMemoryStore(), logger)
	attrib := attribution.New(attribution.NewMemoryStore(), logger)
	meter := &captureMeter{}
	a := &orgChargerAdapter{pools: pools, attrib: attrib, meter: meter}
	ctx := context.Background()

	if _, err := pools.AddCredits(ctx, "acme", "1", ""); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}

	remaining, err := a.ChargeOrg(ctx, "acme", "", "0.000007", ledger.Usage{Model: "groq/llama-3-8b"})
	if err != nil {
		t.Fatalf("ChargeOrg: %v", err)
	}
	// Sub-millicredit costs bill one whole millicredit.
	if remaining != "0.999000" {
		t.Errorf("remaining = %s, want 0.999000", remaining)
	}
	if meter.calls != 1 {
		t.Fatalf("meter calls = %d, want 1", meter.calls)
	}
	if meter.txnID == "" {
		t.Error("meter event has no transaction id")
	}
	if meter.cost != "0.001000" {
		t.Errorf("meter cost = %s, want 0.001000", meter.cost)
	}

	events, err := attrib.List(ctx, attribution.Query{OrgID: "acme"}, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("attribution events = %d, want 1", len(events))
	}
	if events[0].ID != meter.txnID {
		t.Errorf("meter txnID = %s, want attribution event %s", meter.txnID, events[0].ID)
	}
	if events[0].CreditsUsed != "0.001000" {
		t.Errorf("attributed credits = %s, want 0.001000", events[0].CreditsUsed)
	}
}

func TestOrgChargeZeroCostDebitsNothing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pools := orgpool.New(orgpool.NewMemoryStore(), logger)
	attrib := attribution.New(attribution.NewMemoryStore(), logger)
	meter := &captureMeter{}
	a := &orgChargerAdapter{pools: pools, attrib: attrib, meter: meter}
	ctx := context.Background()

	if _, err := pools.AddCredits(ctx, "acme", "1", ""); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}

	remaining, err := a.ChargeOrg(ctx, "acme", "", "0.000000", ledger.Usage{})
	if err != nil {
		t.Fatalf("ChargeOrg: %v", err)
	}
	if remaining != "1.000000" {
		t.Errorf("remaining = %s, want 1.000000", remaining)
	}
	if meter.calls != 0 {
		t.Errorf("meter calls = %d, want 0", meter.calls)
	}
	events, err := attrib.List(ctx, attribution.Query{OrgID: "acme"}, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("attribution events = %d, want 0", len(events))
	}
}
