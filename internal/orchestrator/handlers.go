package orchestrator

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the per-user machine state.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new orchestrator handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterProtectedRoutes sets up the authenticated state route.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/state", h.GetState)
}

// GetState handles GET /v1/state — the caller's state-machine cursor.
func (h *Handler) GetState(c *gin.Context) {
	userID := c.GetString("authUserID")

	st, err := h.orch.State(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "state_failed",
			"message": "Failed to load agent state",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"state": st})
}
