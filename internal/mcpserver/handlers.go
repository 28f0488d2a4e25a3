package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PacebreakClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PacebreakClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetRiskState returns the user's current risk state.
func (h *Handlers) HandleGetRiskState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetRisk(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk state: %v", err)), nil
	}

	text, err := formatRiskState(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk state: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetRiskHistory returns recent risk level changes.
func (h *Handlers) HandleGetRiskHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetRiskHistory(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk history: %v", err)), nil
	}

	text, err := formatRiskHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetCurrentSession returns the active session for a device.
func (h *Handlers) HandleGetCurrentSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceIdentifier := req.GetString("device_identifier", "")
	if deviceIdentifier == "" {
		return mcp.NewToolResultError("device_identifier is required"), nil
	}

	raw, err := h.client.GetCurrentSession(ctx, deviceIdentifier)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}

	text, err := formatSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListInterventions lists the user's interventions.
func (h *Handlers) HandleListInterventions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListInterventions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list interventions: %v", err)), nil
	}

	text, err := formatInterventionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse interventions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRespondToIntervention records a response on an intervention.
func (h *Handlers) HandleRespondToIntervention(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	interventionID := req.GetString("intervention_id", "")
	if interventionID == "" {
		return mcp.NewToolResultError("intervention_id is required"), nil
	}
	action := req.GetString("action", "")
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	raw, err := h.client.RespondToIntervention(ctx, interventionID, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record response: %v", err)), nil
	}

	var resp struct {
		NewStatus string `json:"new_status"`
	}
	_ = json.Unmarshal(raw, &resp)

	return mcp.NewToolResultText(fmt.Sprintf(
		"Response recorded.\n"+
			"Intervention: %s\n"+
			"Action: %s\n"+
			"New status: %s",
		interventionID, action, resp.NewStatus)), nil
}

// HandleGetPolicy returns the user's effective policy.
func (h *Handlers) HandleGetPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPolicy(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get policy: %v", err)), nil
	}

	text, err := formatPolicy(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse policy: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSetPolicy replaces the user's policy.
func (h *Handlers) HandleSetPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionLimit := req.GetInt("session_limit_minutes", 0)
	reopenThreshold := req.GetInt("reopen_threshold", 0)
	scrollLimit := req.GetFloat("scroll_velocity_limit", 0)
	bedtimeStart := req.GetString("bedtime_start", "")
	bedtimeEnd := req.GetString("bedtime_end", "")
	timezone := req.GetString("timezone", "")

	if sessionLimit <= 0 || reopenThreshold <= 0 || bedtimeStart == "" || bedtimeEnd == "" || timezone == "" {
		return mcp.NewToolResultError(
			"session_limit_minutes, reopen_threshold, scroll_velocity_limit, " +
				"bedtime_start, bedtime_end, and timezone are all required"), nil
	}

	body := map[string]any{
		"session_limit_minutes":    sessionLimit,
		"reopen_threshold":         reopenThreshold,
		"scroll_velocity_limit":    scrollLimit,
		"bedtime_start":            bedtimeStart,
		"bedtime_end":              bedtimeEnd,
		"timezone":                 timezone,
		"escalation_enabled":       req.GetBool("escalation_enabled", false),
		"escalation_delay_minutes": req.GetInt("escalation_delay_minutes", 15),
	}

	raw, err := h.client.PutPolicy(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update policy: %v", err)), nil
	}

	text, err := formatPolicy(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse policy: %v", err)), nil
	}

	return mcp.NewToolResultText("Policy updated.\n\n" + text), nil
}

// HandleGetAgentState returns the orchestrator state for the user.
func (h *Handlers) HandleGetAgentState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetAgentState(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent state: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleGetOverview returns the combined per-user overview.
func (h *Handlers) HandleGetOverview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetOverview(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get overview: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatRiskState(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Risk struct {
			Score   int    `json:"score"`
			Level   string `json:"level"`
			Factors struct {
				SessionDuration int `json:"session_duration"`
				ReopenFrequency int `json:"reopen_frequency"`
				LateNight       int `json:"late_night"`
				ScrollVelocity  int `json:"scroll_velocity"`
			} `json:"factors"`
			EvaluatedAt string `json:"evaluatedAt"`
		} `json:"risk"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	r := wrapper.Risk

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk level: %s (score %d/100)\n\n", r.Level, r.Score)
	fmt.Fprintf(&sb, "Factors:\n")
	fmt.Fprintf(&sb, "  Session duration:  %d/25\n", r.Factors.SessionDuration)
	fmt.Fprintf(&sb, "  Reopen frequency:  %d/25\n", r.Factors.ReopenFrequency)
	fmt.Fprintf(&sb, "  Late-night usage:  %d/25\n", r.Factors.LateNight)
	fmt.Fprintf(&sb, "  Scroll velocity:   %d/25\n", r.Factors.ScrollVelocity)
	if r.EvaluatedAt != "" {
		fmt.Fprintf(&sb, "\nEvaluated at: %s", r.EvaluatedAt)
	}
	return sb.String(), nil
}

func formatRiskHistory(raw json.RawMessage) (string, error) {
	var wrapper struct {
		History []struct {
			PreviousLevel string `json:"previousLevel"`
			NewLevel      string `json:"newLevel"`
			Score         int    `json:"score"`
			TriggerEvent  string `json:"triggerEvent"`
			CreatedAt     string `json:"createdAt"`
		} `json:"history"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	if len(wrapper.History) == 0 {
		return "No risk level changes recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d level change(s), newest first:\n\n", len(wrapper.History))
	for i, e := range wrapper.History {
		fmt.Fprintf(&sb, "%d. %s -> %s (score %d)\n", i+1, e.PreviousLevel, e.NewLevel, e.Score)
		fmt.Fprintf(&sb, "   Trigger: %s | At: %s\n", e.TriggerEvent, e.CreatedAt)
	}
	return sb.String(), nil
}

func formatSession(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Session *struct {
			ID               string  `json:"id"`
			State            string  `json:"state"`
			StartedAt        string  `json:"startedAt"`
			ReopenCount      int     `json:"reopenCount"`
			LastBackgroundAt *string `json:"lastBackgroundAt"`
		} `json:"session"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	if wrapper.Session == nil {
		return "No active session on this device.", nil
	}
	s := wrapper.Session

	var sb strings.Builder
	fmt.Fprintf(&sb, "Active session %s\n", s.ID)
	fmt.Fprintf(&sb, "Started at: %s\n", s.StartedAt)
	fmt.Fprintf(&sb, "Reopens this session: %d\n", s.ReopenCount)
	if s.LastBackgroundAt != nil {
		fmt.Fprintf(&sb, "Backgrounded since: %s", *s.LastBackgroundAt)
	} else {
		sb.WriteString("Currently in foreground")
	}
	return sb.String(), nil
}

func formatInterventionList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Interventions []struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			Status    string `json:"status"`
			RiskLevel string `json:"riskLevel"`
			RiskScore int    `json:"riskScore"`
			Title     string `json:"title"`
			CreatedAt string `json:"createdAt"`
		} `json:"interventions"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	if len(wrapper.Interventions) == 0 {
		return "No interventions recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d intervention(s), newest first:\n\n", len(wrapper.Interventions))
	for i, iv := range wrapper.Interventions {
		fmt.Fprintf(&sb, "%d. [%s] %s (%s)\n", i+1, iv.Status, iv.Title, iv.Type)
		fmt.Fprintf(&sb, "   ID: %s\n", iv.ID)
		fmt.Fprintf(&sb, "   Risk at creation: %s (%d) | Created: %s\n", iv.RiskLevel, iv.RiskScore, iv.CreatedAt)
		if i < len(wrapper.Interventions)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatPolicy(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Policy struct {
			SessionLimitMinutes    int     `json:"sessionLimitMinutes"`
			ReopenThreshold        int     `json:"reopenThreshold"`
			ScrollVelocityLimit    float64 `json:"scrollVelocityLimit"`
			BedtimeStart           string  `json:"bedtimeStart"`
			BedtimeEnd             string  `json:"bedtimeEnd"`
			Timezone               string  `json:"timezone"`
			EscalationEnabled      bool    `json:"escalationEnabled"`
			EscalationDelayMinutes int     `json:"escalationDelayMinutes"`
		} `json:"policy"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}
	p := wrapper.Policy

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session limit: %d minutes\n", p.SessionLimitMinutes)
	fmt.Fprintf(&sb, "Reopen threshold: %d per hour\n", p.ReopenThreshold)
	fmt.Fprintf(&sb, "Scroll velocity limit: %.0f px/s\n", p.ScrollVelocityLimit)
	fmt.Fprintf(&sb, "Bedtime window: %s - %s (%s)\n", p.BedtimeStart, p.BedtimeEnd, p.Timezone)
	if p.EscalationEnabled {
		fmt.Fprintf(&sb, "Guardian escalation: enabled (%d minute delay)", p.EscalationDelayMinutes)
	} else {
		sb.WriteString("Guardian escalation: disabled")
	}
	return sb.String(), nil
}

// formatJSON pretty-prints a raw JSON payload, falling back to the raw text.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
