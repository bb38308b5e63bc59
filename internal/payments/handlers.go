package payments

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/cobaltops/opscenter/internal/validation"
)

// maxWebhookBody caps webhook payload reads.
const maxWebhookBody = 64 * 1024

// Handler provides HTTP endpoints for credit purchases and the Stripe
// webhook.
type Handler struct {
	svc           *Service
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a new payments handler.
func NewHandler(svc *Service, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, webhookSecret: webhookSecret, logger: logger}
}

// RegisterRoutes sets up the webhook and purchase-history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.Webhook)
	r.GET("/org-billing/credits/:org_id/purchases", h.ListPurchases)
}

// RegisterAdminRoutes sets up admin-only purchase routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/org-billing/credits/:org_id/purchase", h.CreatePurchase)
}

// CreatePurchaseRequest opens a purchase for decimal credits.
type CreatePurchaseRequest struct {
	Credits string `json:"credits" binding:"required"`
}

// CreatePurchase handles POST /admin/org-billing/credits/:org_id/purchase.
func (h *Handler) CreatePurchase(c *gin.Context) {
	var req CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidAmount(req.Credits) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "credits must be a positive decimal number",
		})
		return
	}

	purchase, clientSecret, err := h.svc.CreatePurchase(c.Request.Context(), c.Param("org_id"), req.Credits)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "credits must be a positive decimal number",
			})
			return
		}
		h.logger.Error("purchase creation failed", "org", c.Param("org_id"), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "payment_error",
			"message": "Failed to open payment",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"purchase":     purchase,
		"clientSecret": clientSecret,
	})
}

// ListPurchases handles GET /org-billing/credits/:org_id/purchases.
func (h *Handler) ListPurchases(c *gin.Context) {
	purchases, err := h.svc.ListByOrg(c.Request.Context(), c.Param("org_id"), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "purchase_error",
			"message": "Failed to list purchases",
		})
		return
	}
	if purchases == nil {
		purchases = []*Purchase{}
	}
	c.JSON(http.StatusOK, gin.H{"purchases": purchases, "count": len(purchases)})
}

// Webhook handles POST /payments/webhook. Stripe retries deliveries, so
// every branch below is idempotent.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		webhooksTotal.WithLabelValues("read_error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		webhooksTotal.WithLabelValues("bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
	default:
		webhooksTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		webhooksTotal.WithLabelValues("bad_payload").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	ctx := c.Request.Context()
	switch event.Type {
	case "payment_intent.succeeded":
		err = h.svc.ConfirmIntent(ctx, intent.ID)
	case "payment_intent.payment_failed":
		err = h.svc.FailIntent(ctx, intent.ID)
	}
	if err != nil {
		if errors.Is(err, ErrPurchaseNotFound) {
			// Not one of ours; acknowledge so Stripe stops retrying.
			webhooksTotal.WithLabelValues("unknown_intent").Inc()
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		webhooksTotal.WithLabelValues("error").Inc()
		h.logger.Error("webhook processing failed", "intent", intent.ID, "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing_failed"})
		return
	}

	webhooksTotal.WithLabelValues("processed").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}
