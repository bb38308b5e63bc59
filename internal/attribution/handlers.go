package attribution

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints over the attribution log.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new attribution handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes sets up attribution routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/org-billing/credits/:org_id/usage", h.GetUsage)
	r.GET("/org-billing/credits/:org_id/usage/events", h.ListEvents)
}

func parseQuery(c *gin.Context) Query {
	q := Query{OrgID: c.Param("org_id")}
	if s := c.Query("from"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			q.From = t
		}
	}
	if s := c.Query("to"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			q.To = t
		}
	}
	return q
}

// GetUsage handles GET /org-billing/credits/:org_id/usage. Grouping
// defaults to per-user; ?by=service groups by service instead.
func (h *Handler) GetUsage(c *gin.Context) {
	q := parseQuery(c)

	var (
		summaries []*Summary
		err       error
		by        = c.DefaultQuery("by", "user")
	)
	switch by {
	case "user":
		summaries, err = h.svc.ByUser(c.Request.Context(), q)
	case "service":
		summaries, err = h.svc.ByService(c.Request.Context(), q)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_grouping",
			"message": "by must be one of: user, service",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "usage_error",
			"message": "Failed to aggregate usage",
		})
		return
	}
	if summaries == nil {
		summaries = []*Summary{}
	}

	c.JSON(http.StatusOK, gin.H{
		"orgId":   q.OrgID,
		"by":      by,
		"usage":   summaries,
		"count":   len(summaries),
	})
}

// ListEvents handles GET /org-billing/credits/:org_id/usage/events.
func (h *Handler) ListEvents(c *gin.Context) {
	q := parseQuery(c)

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

	events, err := h.svc.List(c.Request.Context(), q, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "usage_error",
			"message": "Failed to list usage events",
		})
		return
	}
	if events == nil {
		events = []*Event{}
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
