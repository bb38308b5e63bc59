package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cobaltops/opscenter/internal/credits"
	"github.com/cobaltops/opscenter/internal/identity"
	"github.com/cobaltops/opscenter/internal/pricing"
	"github.com/cobaltops/opscenter/internal/validation"
)

// CostEstimator prices a unit of work before it is charged.
type CostEstimator interface {
	Cost(ctx context.Context, tokensUsed int64, model string, level pricing.PowerLevel, tier string) (string, error)
}

// OrgCharger routes charges made under an org identity to the org's
// shared credit pool (or a member allocation when userID is set).
// Implementations translate their failures into this package's error
// values so the HTTP mapping stays in one place.
type OrgCharger interface {
	ChargeOrg(ctx context.Context, orgID, userID, cost string, u Usage) (remaining string, err error)
	OrgBalance(ctx context.Context, orgID string) (string, error)
}

// OrgTier prices charges billed to an org pool.
const OrgTier = "enterprise"

// Handler provides HTTP endpoints for balance, history, and charging.
type Handler struct {
	svc    *Service
	calc   CostEstimator
	orgs   OrgCharger // nil = org charges fall through to the ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(svc *Service, calc CostEstimator, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, calc: calc, logger: logger}
}

// WithOrgCharger routes org-identity charges to the shared pool.
func (h *Handler) WithOrgCharger(oc OrgCharger) *Handler {
	h.orgs = oc
	return h
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits/:identity/balance", h.GetBalance)
	r.GET("/credits/:identity/history", h.GetHistory)
	r.POST("/cost/estimate", h.EstimateCost)
	r.POST("/usage/charge", h.Charge)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/credits", h.AdminCredit)
}

// GetBalance handles GET /credits/:identity/balance.
// Unknown identities are provisioned on first read.
func (h *Handler) GetBalance(c *gin.Context) {
	ident := c.Param("identity")
	if !validation.IsValidIdentity(ident) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identity",
			"message": "Identity contains invalid characters",
		})
		return
	}

	var (
		balance string
		err     error
	)
	// Org identities read the shared pool's spendable balance.
	if id, perr := identity.Parse(ident); perr == nil && id.IsOrganization() && h.orgs != nil {
		balance, err = h.orgs.OrgBalance(c.Request.Context(), id.OrgID())
	} else {
		balance, err = h.svc.GetBalance(c.Request.Context(), ident)
	}
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "No account exists for this identity",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity": ident,
		"balance":  balance,
	})
}

// GetHistory handles GET /credits/:identity/history?limit=&offset=.
func (h *Handler) GetHistory(c *gin.Context) {
	ident := c.Param("identity")
	if !validation.IsValidIdentity(ident) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identity",
			"message": "Identity contains invalid characters",
		})
		return
	}

	// Org spend lives in the attribution log, not a personal ledger.
	if id, perr := identity.Parse(ident); perr == nil && id.IsOrganization() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "org_identity",
			"message": "Organization spend is recorded in the usage attribution log; use the org-billing usage endpoints",
		})
		return
	}

	limit, offset := 0, 0
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if s := c.Query("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			offset = n
		}
	}

	txns, err := h.svc.GetHistory(c.Request.Context(), ident, limit, offset)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "No account exists for this identity",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_error",
			"message": "Failed to retrieve transaction history",
		})
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"identity":     ident,
		"transactions": txns,
		"count":        len(txns),
	})
}

// EstimateRequest prices a unit of work without charging for it.
type EstimateRequest struct {
	TokensUsed int64  `json:"tokensUsed" binding:"required"`
	Model      string `json:"model" binding:"required"`
	PowerLevel string `json:"powerLevel"`
	Identity   string `json:"identity"`
	Tier       string `json:"tier"`
}

// EstimateCost handles POST /cost/estimate. Tier resolution order:
// explicit tier, then the identity's account tier, then the default.
func (h *Handler) EstimateCost(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	level, err := pricing.ParsePowerLevel(req.PowerLevel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_power_level",
			"message": "powerLevel must be one of: eco, balanced, precision",
		})
		return
	}

	tier := req.Tier
	if tier == "" {
		tier = DefaultTier
		if req.Identity != "" {
			if acct, err := h.svc.GetAccount(c.Request.Context(), req.Identity); err == nil {
				tier = acct.Tier
			}
		}
	}

	cost, err := h.calc.Cost(c.Request.Context(), req.TokensUsed, req.Model, level, tier)
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidTokens) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tokens",
				"message": "tokensUsed must be non-negative",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "estimate_error",
			"message": "Failed to estimate cost",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cost":       cost,
		"model":      req.Model,
		"powerLevel": string(level),
		"tier":       tier,
	})
}

// ChargeRequest debits an identity for metered usage.
type ChargeRequest struct {
	Identity   string `json:"identity" binding:"required"`
	UserID     string `json:"userId"` // org member to bill, when Identity is an org
	Provider   string `json:"provider"`
	Model      string `json:"model" binding:"required"`
	TokensUsed int64  `json:"tokensUsed" binding:"required"`
	PowerLevel string `json:"powerLevel"`
	Endpoint   string `json:"endpoint"`
}

// Charge handles POST /usage/charge: price the work for the account's
// tier, then debit in one pass.
func (h *Handler) Charge(c *gin.Context) {
	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidIdentity(req.Identity) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identity",
			"message": "Identity contains invalid characters",
		})
		return
	}

	level, err := pricing.ParsePowerLevel(req.PowerLevel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_power_level",
			"message": "powerLevel must be one of: eco, balanced, precision",
		})
		return
	}

	u := Usage{
		Provider:   req.Provider,
		Model:      req.Model,
		TokensUsed: req.TokensUsed,
		Endpoint:   req.Endpoint,
	}

	// Org identities bill the shared pool, not a personal account.
	if id, perr := identity.Parse(req.Identity); perr == nil && id.IsOrganization() && h.orgs != nil {
		h.chargeOrg(c, id.OrgID(), req, level, u)
		return
	}

	// Provision on first touch so new identities get the trial grant
	// before their first charge.
	acct, err := h.svc.GetAccount(c.Request.Context(), req.Identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "account_error",
			"message": "Failed to load account",
		})
		return
	}

	cost, err := h.calc.Cost(c.Request.Context(), req.TokensUsed, req.Model, level, acct.Tier)
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidTokens) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tokens",
				"message": "tokensUsed must be non-negative",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pricing_error",
			"message": "Failed to price usage",
		})
		return
	}

	// Tiny token counts can price to exactly zero. Nothing to debit,
	// so succeed without touching the ledger.
	if credits.IsZero(cost) {
		c.JSON(http.StatusOK, gin.H{
			"charged":       cost,
			"balance":       acct.CreditsRemaining,
			"transactionId": "",
		})
		return
	}

	newBalance, txnID, err := h.svc.Debit(c.Request.Context(), req.Identity, cost, u)
	if err != nil {
		h.writeChargeError(c, err, cost)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"charged":       cost,
		"balance":       newBalance,
		"transactionId": txnID,
	})
}

// chargeOrg prices the work at the org tier and debits the shared pool.
func (h *Handler) chargeOrg(c *gin.Context, orgID string, req ChargeRequest, level pricing.PowerLevel, u Usage) {
	cost, err := h.calc.Cost(c.Request.Context(), req.TokensUsed, req.Model, level, OrgTier)
	if err != nil {
		if errors.Is(err, pricing.ErrInvalidTokens) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tokens",
				"message": "tokensUsed must be non-negative",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pricing_error",
			"message": "Failed to price usage",
		})
		return
	}

	remaining, err := h.orgs.ChargeOrg(c.Request.Context(), orgID, req.UserID, cost, u)
	if err != nil {
		h.writeChargeError(c, err, cost)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"charged": cost,
		"balance": remaining,
		"orgId":   orgID,
	})
}

// writeChargeError maps debit failures onto the charge endpoint's
// response contract.
func (h *Handler) writeChargeError(c *gin.Context, err error, cost string) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_credits",
			"message": "Not enough credits for this operation",
			"cost":    cost,
		})
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "No account exists for this identity",
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Computed cost is not a valid amount",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "charge_error",
			"message": "Failed to charge usage",
		})
	}
}

// AdminCreditRequest adds credits to an identity out of band.
type AdminCreditRequest struct {
	Identity string `json:"identity" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Reason   string `json:"reason"`
}

// AdminCredit handles POST /admin/credits.
func (h *Handler) AdminCredit(c *gin.Context) {
	var req AdminCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidIdentity(req.Identity) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identity",
			"message": "Identity contains invalid characters",
		})
		return
	}
	if !validation.IsValidAmount(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "admin_grant"
	}

	newBalance, err := h.svc.Credit(c.Request.Context(), req.Identity, req.Amount, TxnBonus, reason)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive decimal number",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "credit_error",
			"message": "Failed to credit account",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":   "credited",
		"identity": req.Identity,
		"balance":  newBalance,
	})
}
