package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/attnlabs/pacebreak/internal/validation"
)

// Handler provides HTTP endpoints for accounts and keys.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRequest is the body for POST /v1/users.
type RegisterRequest struct {
	DisplayName string `json:"display_name"`
	Timezone    string `json:"timezone"`
}

// Register handles POST /v1/users — creates a user and returns the API key once.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.DisplayName = validation.SanitizeString(req.DisplayName, 256)
	if req.Timezone != "" && !validation.IsValidTimezone(req.Timezone) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "timezone must be a valid IANA timezone",
		})
		return
	}

	user, rawKey, err := h.manager.Register(c.Request.Context(), req.DisplayName, req.Timezone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "registration_failed",
			"message": "Failed to create user",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":    user,
		"api_key": rawKey,
		"notice":  "Store this API key securely. It will not be shown again.",
	})
}

// RotateKey handles POST /v1/users/me/keys/rotate.
func (h *Handler) RotateKey(c *gin.Context) {
	userID := UserID(c)

	rawKey, err := h.manager.RotateKey(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "rotation_failed",
			"message": "Failed to rotate API key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"api_key": rawKey,
		"notice":  "Previous keys are revoked. Store this API key securely.",
	})
}

// Me handles GET /v1/users/me.
func (h *Handler) Me(c *gin.Context) {
	user, err := h.manager.GetUser(c.Request.Context(), UserID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}
