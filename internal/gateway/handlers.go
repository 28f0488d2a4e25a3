package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/attnlabs/pacebreak/internal/event"
	"github.com/attnlabs/pacebreak/internal/pagination"
	"github.com/attnlabs/pacebreak/internal/session"
	"github.com/attnlabs/pacebreak/internal/validation"
)

// Handler provides the event ingestion and session read endpoints.
type Handler struct {
	service  *Service
	sessions *session.Registry
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service, sessions *session.Registry) *Handler {
	return &Handler{service: service, sessions: sessions}
}

// RegisterProtectedRoutes sets up the authenticated gateway routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/events", h.IngestEvents)
	r.GET("/events", h.ListEvents)
	r.GET("/sessions/current", h.CurrentSession)
}

// IngestEvents handles POST /v1/events. The body is either a single
// event object or {"events": [...]} for a batch.
func (h *Handler) IngestEvents(c *gin.Context) {
	userID := c.GetString("authUserID")

	incoming, ok := h.bindEvents(c)
	if !ok {
		return
	}

	for i := range incoming {
		if errs := validateIncoming(&incoming[i]); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
	}

	res := h.service.Ingest(c.Request.Context(), userID, incoming)

	status := http.StatusOK
	if !res.Success {
		// Partial failures still return the per-event results.
		status = http.StatusMultiStatus
	}
	c.JSON(status, res)
}

// bindEvents accepts both request shapes and enforces the batch cap.
func (h *Handler) bindEvents(c *gin.Context) ([]IncomingEvent, bool) {
	var batch struct {
		Events []IncomingEvent `json:"events"`
	}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return nil, false
	}

	if err := json.Unmarshal(raw, &batch); err == nil && len(batch.Events) > 0 {
		if len(batch.Events) > validation.MaxBatchSize {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Batch exceeds maximum size",
			})
			return nil, false
		}
		return batch.Events, true
	}

	var single IncomingEvent
	if err := json.Unmarshal(raw, &single); err != nil || single.EventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return nil, false
	}
	return []IncomingEvent{single}, true
}

func validateIncoming(in *IncomingEvent) validation.ValidationErrors {
	checks := []validation.Check{
		validation.Required("event_type", in.EventType),
		validation.Required("device_identifier", in.DeviceIdentifier),
		validation.ValidDeviceIdentifier("device_identifier", in.DeviceIdentifier),
	}
	errs := validation.Validate(checks...)
	if in.EventType != "" && !event.Valid(event.Type(in.EventType)) {
		errs = append(errs, validation.ValidationError{
			Field:   "event_type",
			Message: "unrecognized event type",
		})
	}
	return errs
}

// ListEvents handles GET /v1/events?limit=&cursor= with keyset cursor
// pagination, newest first.
func (h *Handler) ListEvents(c *gin.Context) {
	userID := c.GetString("authUserID")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 200",
			})
			return
		}
		limit = n
	}

	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid cursor",
		})
		return
	}
	var beforeAt time.Time
	var beforeID string
	if cur != nil {
		beforeAt, beforeID = cur.CreatedAt, cur.ID
	}

	// Fetch one extra row to detect whether another page exists.
	events, err := h.service.ListEvents(c.Request.Context(), userID, beforeAt, beforeID, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list events",
		})
		return
	}

	page, next, more := pagination.ComputePage(events, limit, func(e *event.Event) (time.Time, string) {
		return e.OccurredAt, e.ID
	})
	if page == nil {
		page = []*event.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events":     page,
		"nextCursor": next,
		"hasMore":    more,
	})
}

// CurrentSession handles GET /v1/sessions/current?device_identifier=...
// The lazy idle-timeout close applies before the lookup, so a session
// backgrounded past its timeout reads as absent.
func (h *Handler) CurrentSession(c *gin.Context) {
	userID := c.GetString("authUserID")

	deviceIdentifier := c.Query("device_identifier")
	if !validation.IsValidDeviceIdentifier(deviceIdentifier) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "device_identifier query parameter is required",
		})
		return
	}

	device, err := h.sessions.RegisterDevice(c.Request.Context(), userID, deviceIdentifier, "", time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "session_failed",
			"message": "Failed to resolve device",
		})
		return
	}

	sess, err := h.sessions.Current(c.Request.Context(), userID, device.ID, time.Now())
	if errors.Is(err, session.ErrNoActiveSession) {
		c.JSON(http.StatusOK, gin.H{"session": nil})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "session_failed",
			"message": "Failed to load session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}
