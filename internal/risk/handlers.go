package risk

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for risk state reads.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new risk handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterProtectedRoutes sets up the authenticated risk routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/risk", h.GetRisk)
	r.GET("/risk/history", h.GetHistory)
}

// GetRisk handles GET /v1/risk — the caller's current risk state.
// A user with no evaluations yet reads as low/0 rather than 404.
func (h *Handler) GetRisk(c *gin.Context) {
	userID := c.GetString("authUserID")

	st, err := h.engine.State(c.Request.Context(), userID)
	if errors.Is(err, ErrStateNotFound) {
		c.JSON(http.StatusOK, gin.H{"risk": &State{
			UserID: userID,
			Level:  LevelLow,
		}})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "risk_failed",
			"message": "Failed to load risk state",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"risk": st})
}

// GetHistory handles GET /v1/risk/history — recent level changes,
// newest first. ?limit= caps the page, default 50.
func (h *Handler) GetHistory(c *gin.Context) {
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

	entries, err := h.engine.History(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "risk_failed",
			"message": "Failed to load risk history",
		})
		return
	}
	if entries == nil {
		entries = []*HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}
