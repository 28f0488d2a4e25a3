package policy

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/attnlabs/pacebreak/internal/validation"
)

// Handler provides HTTP endpoints for policy administration.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new policy handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterProtectedRoutes sets up the authenticated policy routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/policy", h.GetPolicy)
	r.PUT("/policy", h.PutPolicy)
}

// GetPolicy handles GET /v1/policy — returns the caller's effective policy.
func (h *Handler) GetPolicy(c *gin.Context) {
	userID := c.GetString("authUserID")

	p, err := h.resolver.ForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "policy_failed",
			"message": "Failed to resolve policy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// PutRequest is the body for PUT /v1/policy.
type PutRequest struct {
	SessionLimitMinutes    int     `json:"session_limit_minutes" binding:"required"`
	ReopenThreshold        int     `json:"reopen_threshold" binding:"required"`
	ScrollVelocityLimit    float64 `json:"scroll_velocity_limit" binding:"required"`
	BedtimeStart           string  `json:"bedtime_start" binding:"required"`
	BedtimeEnd             string  `json:"bedtime_end" binding:"required"`
	Timezone               string  `json:"timezone" binding:"required"`
	EscalationEnabled      bool    `json:"escalation_enabled"`
	EscalationDelayMinutes int     `json:"escalation_delay_minutes"`
}

// PutPolicy handles PUT /v1/policy — replaces the caller's policy row.
func (h *Handler) PutPolicy(c *gin.Context) {
	userID := c.GetString("authUserID")

	var req PutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Positive("session_limit_minutes", req.SessionLimitMinutes),
		validation.Positive("reopen_threshold", req.ReopenThreshold),
		validation.ValidHHMM("bedtime_start", req.BedtimeStart),
		validation.ValidHHMM("bedtime_end", req.BedtimeEnd),
		validation.ValidTimezone("timezone", req.Timezone),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p := &Policy{
		UserID:                 userID,
		SessionLimitMinutes:    req.SessionLimitMinutes,
		ReopenThreshold:        req.ReopenThreshold,
		ScrollVelocityLimit:    req.ScrollVelocityLimit,
		BedtimeStart:           req.BedtimeStart,
		BedtimeEnd:             req.BedtimeEnd,
		Timezone:               req.Timezone,
		EscalationEnabled:      req.EscalationEnabled,
		EscalationDelayMinutes: req.EscalationDelayMinutes,
	}

	if err := h.resolver.Put(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "policy_failed",
			"message": "Failed to store policy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"policy": p})
}
