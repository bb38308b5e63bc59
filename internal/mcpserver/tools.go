package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Ops-Center MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check the current credit balance for a user or organization on Ops-Center. "+
			"Accepts a user identity (email) or an org identity (org_ prefix). "+
			"New users are provisioned with a trial grant on first lookup."),
	mcp.WithString("identity",
		mcp.Description("Identity to look up (e.g. 'alice@example.com' or 'org_acme'). Defaults to your own identity.")),
)

var ToolEstimateCost = mcp.NewTool("estimate_cost",
	mcp.WithDescription(
		"Estimate the credit cost of an AI request before running it. "+
			"Pricing depends on token count, model, power level, and the caller's subscription tier. "+
			"Nothing is charged."),
	mcp.WithNumber("tokens_used",
		mcp.Required(),
		mcp.Description("Number of tokens the request would consume")),
	mcp.WithString("model",
		mcp.Required(),
		mcp.Description("Model name (e.g. 'gpt-4o', 'claude-sonnet')")),
	mcp.WithString("power_level",
		mcp.Description("Power level: 'eco', 'balanced', or 'precision' (default 'balanced')"),
		mcp.Enum("eco", "balanced", "precision")),
	mcp.WithString("identity",
		mcp.Description("Price using this identity's subscription tier. Defaults to your own identity.")),
)

var ToolChargeUsage = mcp.NewTool("charge_usage",
	mcp.WithDescription(
		"Charge credits for completed AI usage. Computes the cost from tokens, model, and "+
			"power level, then debits the identity's balance atomically. "+
			"Fails with a clear message when the balance cannot cover the cost."),
	mcp.WithString("identity",
		mcp.Required(),
		mcp.Description("Identity to charge (user email or org_ prefixed org)")),
	mcp.WithString("model",
		mcp.Required(),
		mcp.Description("Model that served the request")),
	mcp.WithNumber("tokens_used",
		mcp.Required(),
		mcp.Description("Tokens consumed by the request")),
	mcp.WithString("power_level",
		mcp.Description("Power level: 'eco', 'balanced', or 'precision'"),
		mcp.Enum("eco", "balanced", "precision")),
	mcp.WithString("provider",
		mcp.Description("Upstream provider name for attribution (e.g. 'openai')")),
)

var ToolGetHistory = mcp.NewTool("get_history",
	mcp.WithDescription(
		"List recent credit transactions for an identity, newest first. "+
			"Shows debits, purchases, refunds, and bonus grants with balances after each."),
	mcp.WithString("identity",
		mcp.Description("Identity to look up. Defaults to your own identity.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolGetOrgPool = mcp.NewTool("get_org_pool",
	mcp.WithDescription(
		"Get an organization's shared credit pool: total purchased, allocated to members, "+
			"used, and what remains spendable."),
	mcp.WithString("org_id",
		mcp.Required(),
		mcp.Description("Organization ID without the org_ prefix (e.g. 'acme')")),
)

var ToolGetOrgUsage = mcp.NewTool("get_org_usage",
	mcp.WithDescription(
		"Get aggregated credit usage for an organization, grouped per member or per service. "+
			"Use this to see who or what is spending the org's credits."),
	mcp.WithString("org_id",
		mcp.Required(),
		mcp.Description("Organization ID without the org_ prefix (e.g. 'acme')")),
	mcp.WithString("by",
		mcp.Description("Grouping: 'user' (default) or 'service'"),
		mcp.Enum("user", "service")),
	mcp.WithString("from",
		mcp.Description("Window start, RFC3339 (e.g. '2025-01-01T00:00:00Z')")),
	mcp.WithString("to",
		mcp.Description("Window end, RFC3339")),
)
