package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *OpsClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *OpsClient) *Handlers {
	return &Handlers{client: client}
}

// identityOrDefault falls back to the configured identity when the tool
// call omits one.
func (h *Handlers) identityOrDefault(req mcp.CallToolRequest) string {
	if ident := req.GetString("identity", ""); ident != "" {
		return ident
	}
	return h.client.cfg.Identity
}

// HandleCheckBalance returns the credit balance for an identity.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident := h.identityOrDefault(req)
	if ident == "" {
		return mcp.NewToolResultError("identity is required (none configured)"), nil
	}

	raw, err := h.client.GetBalance(ctx, ident)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleEstimateCost prices a hypothetical request.
func (h *Handlers) HandleEstimateCost(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokens := req.GetInt("tokens_used", 0)
	model := req.GetString("model", "")
	if model == "" {
		return mcp.NewToolResultError("model is required"), nil
	}
	powerLevel := req.GetString("power_level", "")
	ident := h.identityOrDefault(req)

	raw, err := h.client.EstimateCost(ctx, int64(tokens), model, powerLevel, ident)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to estimate cost: %v", err)), nil
	}

	text, err := formatEstimate(raw, int64(tokens))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse estimate: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleChargeUsage debits an identity for completed usage.
func (h *Handlers) HandleChargeUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident := req.GetString("identity", "")
	if ident == "" {
		return mcp.NewToolResultError("identity is required"), nil
	}
	model := req.GetString("model", "")
	if model == "" {
		return mcp.NewToolResultError("model is required"), nil
	}
	tokens := req.GetInt("tokens_used", 0)
	if tokens <= 0 {
		return mcp.NewToolResultError("tokens_used must be positive"), nil
	}
	powerLevel := req.GetString("power_level", "")
	provider := req.GetString("provider", "")

	raw, err := h.client.ChargeUsage(ctx, ident, model, int64(tokens), powerLevel, provider)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Charge failed: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse charge result: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Charged %s credits to %s\n", getString(resp, "charged"), ident)
	fmt.Fprintf(&sb, "Remaining balance: %s credits\n", getString(resp, "balance"))
	if id := getString(resp, "transactionId"); id != "" {
		fmt.Fprintf(&sb, "Transaction ID: %s\n", id)
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetHistory lists recent ledger transactions.
func (h *Handlers) HandleGetHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident := h.identityOrDefault(req)
	if ident == "" {
		return mcp.NewToolResultError("identity is required (none configured)"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetHistory(ctx, ident, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetOrgPool returns an org's shared credit pool.
func (h *Handlers) HandleGetOrgPool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID := req.GetString("org_id", "")
	if orgID == "" {
		return mcp.NewToolResultError("org_id is required"), nil
	}

	raw, err := h.client.GetOrgPool(ctx, orgID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get org pool: %v", err)), nil
	}

	text, err := formatPool(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse pool: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetOrgUsage returns aggregated usage for an org.
func (h *Handlers) HandleGetOrgUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID := req.GetString("org_id", "")
	if orgID == "" {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	by := req.GetString("by", "user")
	from := req.GetString("from", "")
	to := req.GetString("to", "")

	raw, err := h.client.GetOrgUsage(ctx, orgID, by, from, to)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get org usage: %v", err)), nil
	}

	text, err := formatUsage(raw, by)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Credit Balance:\n")
	if v := getString(resp, "identity"); v != "" {
		fmt.Fprintf(&sb, "  Identity: %s\n", v)
	}
	fmt.Fprintf(&sb, "  Balance:  %s credits\n", getString(resp, "balance"))
	if v := getString(resp, "tier"); v != "" {
		fmt.Fprintf(&sb, "  Tier:     %s\n", v)
	}

	return sb.String(), nil
}

func formatEstimate(raw json.RawMessage, tokens int64) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Cost Estimate:\n")
	fmt.Fprintf(&sb, "  Cost:        %s credits\n", getString(resp, "cost"))
	fmt.Fprintf(&sb, "  Tokens:      %d\n", tokens)
	if v := getString(resp, "model"); v != "" {
		fmt.Fprintf(&sb, "  Model:       %s\n", v)
	}
	if v := getString(resp, "powerLevel"); v != "" {
		fmt.Fprintf(&sb, "  Power level: %s\n", v)
	}
	if v := getString(resp, "tier"); v != "" {
		fmt.Fprintf(&sb, "  Tier:        %s\n", v)
	}

	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Identity     string           `json:"identity"`
		Transactions []map[string]any `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected history response format")
	}

	if len(resp.Transactions) == 0 {
		return "No transactions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d transaction(s) for %s:\n\n", len(resp.Transactions), resp.Identity)
	for i, txn := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. [%s] %s credits\n", i+1, getString(txn, "type"), getString(txn, "amount"))
		if v := getString(txn, "model"); v != "" {
			fmt.Fprintf(&sb, "   Model: %s", v)
			if tok, ok := getFloat(txn, "tokensUsed"); ok && tok > 0 {
				fmt.Fprintf(&sb, " (%.0f tokens)", tok)
			}
			sb.WriteString("\n")
		}
		if v := getString(txn, "createdAt"); v != "" {
			fmt.Fprintf(&sb, "   At: %s\n", v)
		}
		if i < len(resp.Transactions)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatPool(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Pool might be at top level or nested under "pool"
	pool := resp
	if p, ok := resp["pool"].(map[string]any); ok {
		pool = p
	}

	var sb strings.Builder
	sb.WriteString("Organization Credit Pool:\n")
	if v := getString(pool, "orgId"); v != "" {
		fmt.Fprintf(&sb, "  Org:       %s\n", v)
	}
	fmt.Fprintf(&sb, "  Total:     %s credits\n", getString(pool, "totalCredits"))
	fmt.Fprintf(&sb, "  Allocated: %s credits\n", getString(pool, "allocatedCredits"))
	fmt.Fprintf(&sb, "  Used:      %s credits\n", getString(pool, "usedCredits"))
	fmt.Fprintf(&sb, "  Spendable: %s credits\n", getString(pool, "spendableCredits"))
	if v, ok := pool["allowOverage"].(bool); ok && v {
		fmt.Fprintf(&sb, "  Overage:   allowed up to %s credits\n", getString(pool, "overageLimit"))
	}

	return sb.String(), nil
}

func formatUsage(raw json.RawMessage, by string) (string, error) {
	var resp struct {
		OrgID string           `json:"orgId"`
		Usage []map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected usage response format")
	}

	if len(resp.Usage) == 0 {
		return "No usage recorded in this window.", nil
	}

	noun := "member"
	if by == "service" {
		noun = "service"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage for %s by %s:\n\n", resp.OrgID, noun)
	for i, row := range resp.Usage {
		events, _ := getFloat(row, "events")
		tokens, _ := getFloat(row, "tokensUsed")
		fmt.Fprintf(&sb, "%d. %s\n", i+1, getString(row, "key"))
		fmt.Fprintf(&sb, "   Credits: %s | Events: %.0f | Tokens: %.0f\n",
			getString(row, "creditsUsed"), events, tokens)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
