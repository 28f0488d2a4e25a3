package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Pacebreak platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "uk_..."
}

// PacebreakClient is a pure HTTP client for the Pacebreak platform API.
type PacebreakClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPacebreakClient creates a new client for the Pacebreak platform.
func NewPacebreakClient(cfg Config) *PacebreakClient {
	return &PacebreakClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *PacebreakClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetRisk returns the user's current risk state.
func (c *PacebreakClient) GetRisk(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/risk", nil, nil)
}

// GetRiskHistory returns recent risk level changes, newest first.
func (c *PacebreakClient) GetRiskHistory(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/risk/history", q, nil)
}

// GetCurrentSession returns the active session for a device, if any.
func (c *PacebreakClient) GetCurrentSession(ctx context.Context, deviceIdentifier string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("device_identifier", deviceIdentifier)
	return c.doRequest(ctx, http.MethodGet, "/v1/sessions/current", q, nil)
}

// ListInterventions returns the user's interventions, newest first.
func (c *PacebreakClient) ListInterventions(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/interventions", q, nil)
}

// RespondToIntervention records a user response on an intervention.
func (c *PacebreakClient) RespondToIntervention(ctx context.Context, interventionID, action string) (json.RawMessage, error) {
	path := "/v1/interventions/" + interventionID + "/respond"
	body := map[string]string{"action": action}
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// GetPolicy returns the user's effective behavioral policy.
func (c *PacebreakClient) GetPolicy(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/policy", nil, nil)
}

// PutPolicy replaces the user's behavioral policy.
func (c *PacebreakClient) PutPolicy(ctx context.Context, policy map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPut, "/v1/policy", nil, policy)
}

// GetAgentState returns the orchestrator state machine state for the user.
func (c *PacebreakClient) GetAgentState(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/state", nil, nil)
}

// GetOverview returns the per-user stats overview.
func (c *PacebreakClient) GetOverview(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/stats", nil, nil)
}
