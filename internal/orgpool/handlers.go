package orgpool

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cobaltops/opscenter/internal/credits"
	"github.com/cobaltops/opscenter/internal/validation"
)

// Handler provides HTTP endpoints for org billing.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new org pool handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up read-only org billing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/org-billing/credits/:org_id", h.GetPool)
	r.GET("/org-billing/credits/:org_id/allocations", h.ListAllocations)
	r.GET("/org-billing/credits/:org_id/members", h.ListMembers)
}

// RegisterAdminRoutes sets up admin-only org billing routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/org-billing/credits/:org_id", h.AddCredits)
	r.POST("/admin/org-billing/credits/:org_id/allocate", h.Allocate)
	r.POST("/admin/org-billing/credits/:org_id/members", h.AddMember)
}

// poolView is the wire shape of a pool, with millicredit counters
// converted to decimal credit strings.
type poolView struct {
	OrgID             string `json:"orgId"`
	TotalCredits      string `json:"totalCredits"`
	AllocatedCredits  string `json:"allocatedCredits"`
	UsedCredits       string `json:"usedCredits"`
	AvailableCredits  string `json:"availableCredits"`
	SpendableCredits  string `json:"spendableCredits"`
	AllowOverage      bool   `json:"allowOverage"`
	OverageLimit      string `json:"overageLimit"`
	LifetimePurchased string `json:"lifetimePurchased"`
	LifetimeSpent     string `json:"lifetimeSpent"`
}

func viewPool(p *Pool) poolView {
	return poolView{
		OrgID:             p.OrgID,
		TotalCredits:      credits.FromMillicredits(p.TotalMC),
		AllocatedCredits:  credits.FromMillicredits(p.AllocatedMC),
		UsedCredits:       credits.FromMillicredits(p.UsedMC),
		AvailableCredits:  credits.FromMillicredits(p.AvailableMC()),
		SpendableCredits:  credits.FromMillicredits(p.SpendableMC()),
		AllowOverage:      p.AllowOverage,
		OverageLimit:      credits.FromMillicredits(p.OverageLimitMC),
		LifetimePurchased: credits.FromMillicredits(p.LifetimeBoughtMC),
		LifetimeSpent:     credits.FromMillicredits(p.LifetimeSpentMC),
	}
}

// allocationView is the wire shape of an allocation.
type allocationView struct {
	ID               string `json:"id"`
	UserID           string `json:"userId"`
	AllocatedCredits string `json:"allocatedCredits"`
	UsedCredits      string `json:"usedCredits"`
	RemainingCredits string `json:"remainingCredits"`
	ResetPeriod      string `json:"resetPeriod"`
	NextReset        string `json:"nextReset,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

func viewAllocation(a *Allocation) allocationView {
	v := allocationView{
		ID:               a.ID,
		UserID:           a.UserID,
		AllocatedCredits: credits.FromMillicredits(a.AllocatedMC),
		UsedCredits:      credits.FromMillicredits(a.UsedMC),
		RemainingCredits: credits.FromMillicredits(a.RemainingMC()),
		ResetPeriod:      string(a.ResetPeriod),
		Notes:            a.Notes,
	}
	if !a.NextReset.IsZero() {
		v.NextReset = a.NextReset.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

// GetPool handles GET /org-billing/credits/:org_id.
func (h *Handler) GetPool(c *gin.Context) {
	pool, err := h.svc.GetPool(c.Request.Context(), c.Param("org_id"))
	if err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "pool_not_found",
				"message": "No credit pool exists for this organization",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pool_error",
			"message": "Failed to retrieve credit pool",
		})
		return
	}
	c.JSON(http.StatusOK, viewPool(pool))
}

// ListAllocations handles GET /org-billing/credits/:org_id/allocations.
func (h *Handler) ListAllocations(c *gin.Context) {
	allocs, err := h.svc.ListAllocations(c.Request.Context(), c.Param("org_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "allocation_error",
			"message": "Failed to list allocations",
		})
		return
	}

	views := make([]allocationView, 0, len(allocs))
	for _, a := range allocs {
		views = append(views, viewAllocation(a))
	}
	c.JSON(http.StatusOK, gin.H{"allocations": views, "count": len(views)})
}

// ListMembers handles GET /org-billing/credits/:org_id/members.
func (h *Handler) ListMembers(c *gin.Context) {
	members, err := h.svc.ListMembers(c.Request.Context(), c.Param("org_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "member_error",
			"message": "Failed to list members",
		})
		return
	}
	if members == nil {
		members = []*Member{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members, "count": len(members)})
}

// AddCreditsRequest tops up an org pool.
type AddCreditsRequest struct {
	Credits        string `json:"credits" binding:"required"`
	PurchaseAmount string `json:"purchaseAmount"`
}

// AddCredits handles POST /admin/org-billing/credits/:org_id.
func (h *Handler) AddCredits(c *gin.Context) {
	var req AddCreditsRequest
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

	pool, err := h.svc.AddCredits(c.Request.Context(), c.Param("org_id"), req.Credits, req.PurchaseAmount)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "credits must be a positive decimal number",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pool_error",
			"message": "Failed to add credits",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "credited", "pool": viewPool(pool)})
}

// AllocateRequest carves credits out of the pool for one member.
type AllocateRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Credits     string `json:"credits" binding:"required"`
	ResetPeriod string `json:"resetPeriod"`
	Notes       string `json:"notes"`
}

// Allocate handles POST /admin/org-billing/credits/:org_id/allocate.
func (h *Handler) Allocate(c *gin.Context) {
	var req AllocateRequest
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
	period, ok := ParseResetPeriod(req.ResetPeriod)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_reset_period",
			"message": "resetPeriod must be one of: daily, weekly, monthly, never",
		})
		return
	}

	alloc, err := h.svc.Allocate(c.Request.Context(), c.Param("org_id"), req.UserID, req.Credits, period, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotMember):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "not_a_member",
				"message": "Target user is not a member of this organization",
			})
		case errors.Is(err, ErrPoolNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "pool_not_found",
				"message": "No credit pool exists for this organization",
			})
		case errors.Is(err, ErrInsufficientPool):
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient_credits",
				"message": "Pool does not have enough unallocated credits",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "credits must be a positive decimal number",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "allocation_error",
				"message": "Failed to allocate credits",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "allocated", "allocation": viewAllocation(alloc)})
}

// AddMemberRequest registers a user under an organization.
type AddMemberRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   string `json:"role"`
}

// AddMember handles POST /admin/org-billing/credits/:org_id/members.
func (h *Handler) AddMember(c *gin.Context) {
	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidIdentity(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identity",
			"message": "userId contains invalid characters",
		})
		return
	}

	member, err := h.svc.AddMember(c.Request.Context(), c.Param("org_id"), req.UserID, req.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "member_error",
			"message": "Failed to add member",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "added", "member": member})
}
