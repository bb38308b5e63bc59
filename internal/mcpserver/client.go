package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Ops-Center platform.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	APIKey   string // API key, e.g. "sk_..."
	Identity string // Caller's identity, e.g. "alice@example.com" or "org_acme"
}

// OpsClient is a pure HTTP client for the Ops-Center billing API.
type OpsClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewOpsClient creates a new client for the Ops-Center platform.
func NewOpsClient(cfg Config) *OpsClient {
	return &OpsClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *OpsClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetBalance returns the current credit balance for an identity.
func (c *OpsClient) GetBalance(ctx context.Context, identity string) (json.RawMessage, error) {
	path := "/v1/credits/" + identity + "/balance"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetHistory returns the most recent ledger transactions for an identity.
func (c *OpsClient) GetHistory(ctx context.Context, identity string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/credits/" + identity + "/history"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// EstimateCost prices a hypothetical request without charging anyone.
func (c *OpsClient) EstimateCost(ctx context.Context, tokensUsed int64, model, powerLevel, identity string) (json.RawMessage, error) {
	body := map[string]any{
		"tokensUsed": tokensUsed,
		"model":      model,
	}
	if powerLevel != "" {
		body["powerLevel"] = powerLevel
	}
	if identity != "" {
		body["identity"] = identity
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/cost/estimate", nil, body)
}

// ChargeUsage debits the identity for metered usage.
func (c *OpsClient) ChargeUsage(ctx context.Context, identity, model string, tokensUsed int64, powerLevel, provider string) (json.RawMessage, error) {
	body := map[string]any{
		"identity":   identity,
		"model":      model,
		"tokensUsed": tokensUsed,
	}
	if powerLevel != "" {
		body["powerLevel"] = powerLevel
	}
	if provider != "" {
		body["provider"] = provider
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/usage/charge", nil, body)
}

// GetOrgPool returns the org's shared credit pool.
func (c *OpsClient) GetOrgPool(ctx context.Context, orgID string) (json.RawMessage, error) {
	path := "/v1/org-billing/credits/" + orgID
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetOrgUsage returns aggregated usage for an org, grouped by user or service.
func (c *OpsClient) GetOrgUsage(ctx context.Context, orgID, by, from, to string) (json.RawMessage, error) {
	q := url.Values{}
	if by != "" {
		q.Set("by", by)
	}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	path := "/v1/org-billing/credits/" + orgID + "/usage"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}
