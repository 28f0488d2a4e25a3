package intervention

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for intervention reads and responses.
type Handler struct {
	store    Store
	recorder *Recorder

	// onRespond, when set, is invoked after a successful response so the
	// orchestrator can advance the user's state machine. Failures there
	// never surface to the client.
	onRespond func(userID, interventionID, action string)
}

// NewHandler creates a new intervention handler.
func NewHandler(store Store, recorder *Recorder) *Handler {
	return &Handler{store: store, recorder: recorder}
}

// OnRespond registers a post-response hook.
func (h *Handler) OnRespond(fn func(userID, interventionID, action string)) {
	h.onRespond = fn
}

// RegisterProtectedRoutes sets up the authenticated intervention routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/interventions", h.List)
	r.GET("/interventions/:id", h.Get)
	r.POST("/interventions/:id/respond", h.Respond)
	r.GET("/feedback", h.Feedback)
}

// List handles GET /v1/interventions — the caller's interventions,
// newest first. ?limit= caps the page, default 50.
func (h *Handler) List(c *gin.Context) {
	userID := c.GetString("authUserID")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer up to 500",
			})
			return
		}
		limit = n
	}

	interventions, err := h.store.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "intervention_failed",
			"message": "Failed to list interventions",
		})
		return
	}
	if interventions == nil {
		interventions = []*Intervention{}
	}

	c.JSON(http.StatusOK, gin.H{"interventions": interventions, "count": len(interventions)})
}

// Get handles GET /v1/interventions/:id.
func (h *Handler) Get(c *gin.Context) {
	userID := c.GetString("authUserID")

	iv, err := h.store.Get(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, ErrInterventionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Intervention not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "intervention_failed",
			"message": "Failed to load intervention",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"intervention": iv})
}

// RespondRequest is the body for POST /v1/interventions/:id/respond.
type RespondRequest struct {
	Action  string         `json:"action" binding:"required"`
	Context map[string]any `json:"context"`
}

// Respond handles POST /v1/interventions/:id/respond — applies a user
// response (acknowledge, dismiss, snooze, action_taken).
func (h *Handler) Respond(c *gin.Context) {
	userID := c.GetString("authUserID")
	interventionID := c.Param("id")

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !ValidAction(req.Action) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "action must be one of acknowledge, dismiss, snooze, action_taken",
		})
		return
	}

	newStatus, err := h.recorder.Respond(c.Request.Context(), userID, interventionID, req.Action, req.Context)
	if errors.Is(err, ErrInterventionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Intervention not found",
		})
		return
	}
	if errors.Is(err, ErrIllegalTransition) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "illegal_transition",
			"message": "Intervention is already in a terminal status",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "intervention_failed",
			"message": "Failed to record response",
		})
		return
	}

	if h.onRespond != nil {
		h.onRespond(userID, interventionID, req.Action)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "new_status": newStatus})
}

// Feedback handles GET /v1/feedback — the caller's recent feedback
// records, newest first.
func (h *Handler) Feedback(c *gin.Context) {
	userID := c.GetString("authUserID")

	records, err := h.recorder.History(c.Request.Context(), userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "intervention_failed",
			"message": "Failed to list feedback",
		})
		return
	}
	if records == nil {
		records = []*Feedback{}
	}

	c.JSON(http.StatusOK, gin.H{"feedback": records, "count": len(records)})
}
