package pacebreak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a minimal Pacebreak API client for device agents and
// guardian integrations.
type Client struct {
	httpClient *http.Client

	// Configuration
	BaseURL string // e.g. https://api.pacebreak.example
	APIKey  string // uk_-prefixed key; empty for registration-only clients
}

// NewClient creates a Pacebreak API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		BaseURL: baseURL,
		APIKey:  apiKey,
	}
}

// RegisterUser creates a new account. The returned API key is shown
// only once; the client stores it for subsequent calls.
func (c *Client) RegisterUser(ctx context.Context, displayName, timezone string) (*User, string, error) {
	body := map[string]string{"display_name": displayName, "timezone": timezone}
	var out struct {
		User   *User  `json:"user"`
		APIKey string `json:"api_key"`
	}
	if err := c.do(ctx, "POST", "/v1/users", body, &out); err != nil {
		return nil, "", err
	}
	c.APIKey = out.APIKey
	return out.User, out.APIKey, nil
}

// SendEvents ingests a batch of device events.
func (c *Client) SendEvents(ctx context.Context, events []Event) (*IngestResult, error) {
	var out IngestResult
	if err := c.do(ctx, "POST", "/v1/events", map[string]any{"events": events}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TrackEvent ingests a single device event.
func (c *Client) TrackEvent(ctx context.Context, e Event) (*IngestResult, error) {
	return c.SendEvents(ctx, []Event{e})
}

// GetRisk returns the current risk state.
func (c *Client) GetRisk(ctx context.Context) (*RiskState, error) {
	var out struct {
		Risk *RiskState `json:"risk"`
	}
	if err := c.do(ctx, "GET", "/v1/risk", nil, &out); err != nil {
		return nil, err
	}
	return out.Risk, nil
}

// GetCurrentSession returns the active session for a device, or nil
// when none is active.
func (c *Client) GetCurrentSession(ctx context.Context, deviceIdentifier string) (*Session, error) {
	path := "/v1/sessions/current?device_identifier=" + url.QueryEscape(deviceIdentifier)
	var out struct {
		Session *Session `json:"session"`
	}
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

// ListInterventions returns recent interventions, newest first.
func (c *Client) ListInterventions(ctx context.Context, limit int) ([]Intervention, error) {
	path := "/v1/interventions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Interventions []Intervention `json:"interventions"`
	}
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Interventions, nil
}

// RespondToIntervention records the user's response to an intervention.
// action is one of acknowledge, dismiss, snooze, action_taken.
func (c *Client) RespondToIntervention(ctx context.Context, interventionID, action string) error {
	path := "/v1/interventions/" + url.PathEscape(interventionID) + "/respond"
	return c.do(ctx, "POST", path, map[string]string{"action": action}, nil)
}

// GetPolicy returns the caller's effective policy.
func (c *Client) GetPolicy(ctx context.Context) (*Policy, error) {
	var out struct {
		Policy *Policy `json:"policy"`
	}
	if err := c.do(ctx, "GET", "/v1/policy", nil, &out); err != nil {
		return nil, err
	}
	return out.Policy, nil
}

// CreateWebhook registers a webhook subscription and returns its ID and
// signing secret. The secret is shown only once.
func (c *Client) CreateWebhook(ctx context.Context, endpoint string, events []string) (id, secret string, err error) {
	body := map[string]any{"url": endpoint, "events": events}
	var out struct {
		Webhook struct {
			ID string `json:"id"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	if err := c.do(ctx, "POST", "/v1/webhooks", body, &out); err != nil {
		return "", "", err
	}
	return out.Webhook.ID, out.Secret, nil
}

// do performs one authenticated JSON round trip. out may be nil when
// the response body is not needed.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DecodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
