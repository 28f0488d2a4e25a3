package guardian

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/validation"
)

// Handler provides HTTP endpoints for guardian link management.
type Handler struct {
	store Store
}

// NewHandler creates a new guardian handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up the authenticated guardian routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/guardian", h.CreateLink)
	r.GET("/guardian", h.ListLinks)
	r.DELETE("/guardian/:id", h.RemoveLink)
}

// CreateLinkRequest is the body for POST /v1/guardian.
type CreateLinkRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required"`
	Phone string `json:"phone"`
}

// CreateLink handles POST /v1/guardian — attaches a guardian contact.
func (h *Handler) CreateLink(c *gin.Context) {
	userID := c.GetString("authUserID")

	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.Required("email", req.Email),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	l := &Link{
		ID:        idgen.WithPrefix(idgen.PrefixGuardian),
		UserID:    userID,
		Name:      validation.SanitizeString(req.Name, 128),
		Email:     validation.SanitizeString(req.Email, 256),
		Phone:     validation.SanitizeString(req.Phone, 32),
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), l); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "guardian_failed",
			"message": "Failed to create guardian link",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"guardian": l})
}

// ListLinks handles GET /v1/guardian — the caller's guardian links.
func (h *Handler) ListLinks(c *gin.Context) {
	userID := c.GetString("authUserID")

	links, err := h.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "guardian_failed",
			"message": "Failed to list guardian links",
		})
		return
	}
	if links == nil {
		links = []*Link{}
	}

	c.JSON(http.StatusOK, gin.H{"guardians": links, "count": len(links)})
}

// RemoveLink handles DELETE /v1/guardian/:id — deactivates a link.
func (h *Handler) RemoveLink(c *gin.Context) {
	userID := c.GetString("authUserID")
	linkID := c.Param("id")

	err := h.store.Deactivate(c.Request.Context(), userID, linkID)
	if errors.Is(err, ErrLinkNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Guardian link not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "guardian_failed",
			"message": "Failed to remove guardian link",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": true})
}
