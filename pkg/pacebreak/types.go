// Package pacebreak implements the Pacebreak API types and client.
// This is the foundation for device agents and guardian integrations.
package pacebreak

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// User is a registered account.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Timezone    string    `json:"timezone,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Event is one raw device event for ingestion.
type Event struct {
	EventType        string         `json:"event_type"`
	DeviceIdentifier string         `json:"device_identifier"`
	Platform         string         `json:"platform,omitempty"`
	ScreenName       string         `json:"screen_name,omitempty"`
	EventData        map[string]any `json:"event_data,omitempty"`
	Timestamp        *time.Time     `json:"timestamp,omitempty"`
}

// EventResult is the per-event slot in an ingest response.
type EventResult struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IngestResult summarizes one batch of ingested events.
type IngestResult struct {
	Success   bool          `json:"success"`
	SessionID string        `json:"session_id,omitempty"`
	DeviceID  string        `json:"device_id,omitempty"`
	Results   []EventResult `json:"results"`
}

// RiskFactors breaks the risk score into its components, each in [0,25].
type RiskFactors struct {
	SessionDuration int `json:"session_duration"`
	ReopenFrequency int `json:"reopen_frequency"`
	LateNight       int `json:"late_night"`
	ScrollVelocity  int `json:"scroll_velocity"`
}

// RiskState is the current aggregate risk for the authenticated user.
type RiskState struct {
	UserID      string      `json:"userId"`
	Score       int         `json:"score"`
	Level       string      `json:"level"`
	Factors     RiskFactors `json:"factors"`
	EvaluatedAt time.Time   `json:"evaluatedAt"`
}

// Session is one device usage session.
type Session struct {
	ID               string     `json:"id"`
	DeviceID         string     `json:"deviceId"`
	State            string     `json:"state"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	ReopenCount      int        `json:"reopenCount"`
	DurationSeconds  int        `json:"durationSeconds"`
	LastBackgroundAt *time.Time `json:"lastBackgroundAt,omitempty"`
}

// Intervention is one delivered or pending nudge.
type Intervention struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId,omitempty"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	RiskLevel  string    `json:"riskLevel"`
	RiskScore  int       `json:"riskScore"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	ActionText string    `json:"actionText,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Policy is the per-user evaluation policy.
type Policy struct {
	SessionLimitMinutes    int     `json:"sessionLimitMinutes"`
	ReopenThreshold        int     `json:"reopenThreshold"`
	ScrollVelocityLimit    float64 `json:"scrollVelocityLimit"`
	BedtimeStart           string  `json:"bedtimeStart"`
	BedtimeEnd             string  `json:"bedtimeEnd"`
	Timezone               string  `json:"timezone"`
	EscalationEnabled      bool    `json:"escalationEnabled"`
	EscalationDelayMinutes int     `json:"escalationDelayMinutes"`
}

// WebhookEvent is the payload delivered to registered webhook endpoints.
type WebhookEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Error represents a Pacebreak API error response
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DecodeError extracts the API error from a non-2xx response. When the
// body is not the standard {error, message} shape, a generic error with
// the HTTP status is returned.
func DecodeError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("http %d: failed to read response: %w", resp.StatusCode, err)
	}

	var apiErr Error
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == "" {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return &apiErr
}

// SignPayload computes the webhook signature for a payload, as sent in
// the X-Pacebreak-Signature header.
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a webhook delivery against the subscription
// secret. Use the raw request body, before any JSON decoding.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
