package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL: ts.URL,
		APIKey: "uk_test_key",
	}
	client := NewPacebreakClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewPacebreakClient(Config{APIURL: ts.URL, APIKey: "uk_secret123"})
	_, err := client.GetRisk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer uk_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "unauthorized",
			"message": "API key required",
		})
	}))
	defer ts.Close()

	client := NewPacebreakClient(Config{APIURL: ts.URL, APIKey: "bad"})
	_, err := client.GetRisk(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "API key required")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewPacebreakClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.GetRisk(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewPacebreakClient(Config{APIURL: "http://127.0.0.1:1", APIKey: "k"})
	_, err := client.GetRisk(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewPacebreakClient(Config{APIURL: ts.URL, APIKey: "k"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.GetRisk(ctx)
	require.Error(t, err)
}

func TestClient_GetCurrentSession_QueryParam(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/current", r.URL.Path)
		assert.Equal(t, "device-abc", r.URL.Query().Get("device_identifier"))
		_, _ = w.Write([]byte(`{"session":null}`))
	}))
	defer ts.Close()

	client := NewPacebreakClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.GetCurrentSession(context.Background(), "device-abc")
	require.NoError(t, err)
}

func TestClient_RespondToIntervention_BodyAndPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/interventions/int_123/respond", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"action":"dismiss"}`, string(body))
		_, _ = w.Write([]byte(`{"success":true,"new_status":"dismissed"}`))
	}))
	defer ts.Close()

	client := NewPacebreakClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.RespondToIntervention(context.Background(), "int_123", "dismiss")
	require.NoError(t, err)
}

func TestClient_ListInterventions_Limit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"interventions":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewPacebreakClient(Config{APIURL: ts.URL, APIKey: "k"})
	_, err := client.ListInterventions(context.Background(), 5)
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetRiskState_Formats(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"risk":{
			"userId":"usr_1","score":65,"level":"high",
			"factors":{"session_duration":20,"reopen_frequency":15,"late_night":25,"scroll_velocity":5},
			"evaluatedAt":"2026-03-10T02:15:00Z"}}`))
	}))
	defer done()

	result, err := h.HandleGetRiskState(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "high (score 65/100)")
	assert.Contains(t, text, "Late-night usage:  25/25")
	assert.Contains(t, text, "2026-03-10T02:15:00Z")
}

func TestHandleGetRiskState_APIError(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "risk_failed", "message": "boom"})
	}))
	defer done()

	result, err := h.HandleGetRiskState(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "boom")
}

func TestHandleGetRiskHistory_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"history":[],"count":0}`))
	}))
	defer done()

	result, err := h.HandleGetRiskHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No risk level changes")
}

func TestHandleGetRiskHistory_Entries(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"history":[
			{"previousLevel":"medium","newLevel":"high","score":55,"triggerEvent":"scroll","createdAt":"2026-03-10T02:00:00Z"},
			{"previousLevel":"low","newLevel":"medium","score":30,"triggerEvent":"app_open","createdAt":"2026-03-10T01:00:00Z"}
		]}`))
	}))
	defer done()

	result, err := h.HandleGetRiskHistory(context.Background(), makeRequest(map[string]any{"limit": 10}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "2 level change(s)")
	assert.Contains(t, text, "medium -> high (score 55)")
	assert.Contains(t, text, "Trigger: scroll")
}

func TestHandleGetCurrentSession_RequiresDevice(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer done()

	result, err := h.HandleGetCurrentSession(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "device_identifier is required")
}

func TestHandleGetCurrentSession_NoSession(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session":null}`))
	}))
	defer done()

	result, err := h.HandleGetCurrentSession(context.Background(),
		makeRequest(map[string]any{"device_identifier": "device-abc"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No active session")
}

func TestHandleGetCurrentSession_Active(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session":{
			"id":"ses_1","state":"active","startedAt":"2026-03-10T14:00:00Z",
			"reopenCount":3,"lastBackgroundAt":"2026-03-10T15:00:00Z"}}`))
	}))
	defer done()

	result, err := h.HandleGetCurrentSession(context.Background(),
		makeRequest(map[string]any{"device_identifier": "device-abc"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Active session ses_1")
	assert.Contains(t, text, "Reopens this session: 3")
	assert.Contains(t, text, "Backgrounded since")
}

func TestHandleListInterventions_Formats(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"interventions":[
			{"id":"int_1","type":"hard_block","status":"pending","riskLevel":"critical","riskScore":80,
			 "title":"Time for a real break","createdAt":"2026-03-10T02:00:00Z"}
		],"count":1}`))
	}))
	defer done()

	result, err := h.HandleListInterventions(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "1 intervention(s)")
	assert.Contains(t, text, "[pending] Time for a real break (hard_block)")
	assert.Contains(t, text, "critical (80)")
}

func TestHandleRespondToIntervention_RequiredArgs(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer done()

	result, _ := h.HandleRespondToIntervention(context.Background(), makeRequest(nil))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "intervention_id is required")

	result, _ = h.HandleRespondToIntervention(context.Background(),
		makeRequest(map[string]any{"intervention_id": "int_1"}))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "action is required")
}

func TestHandleRespondToIntervention_Success(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"new_status":"acknowledged"}`))
	}))
	defer done()

	result, err := h.HandleRespondToIntervention(context.Background(),
		makeRequest(map[string]any{"intervention_id": "int_1", "action": "acknowledge"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "New status: acknowledged")
}

func TestHandleRespondToIntervention_Terminal(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "illegal_transition",
			"message": "Intervention is already in a terminal status",
		})
	}))
	defer done()

	result, _ := h.HandleRespondToIntervention(context.Background(),
		makeRequest(map[string]any{"intervention_id": "int_1", "action": "dismiss"}))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "terminal status")
}

func TestHandleGetPolicy_Formats(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"policy":{
			"sessionLimitMinutes":60,"reopenThreshold":5,"scrollVelocityLimit":1000,
			"bedtimeStart":"23:00","bedtimeEnd":"06:00","timezone":"UTC",
			"escalationEnabled":true,"escalationDelayMinutes":15}}`))
	}))
	defer done()

	result, err := h.HandleGetPolicy(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Session limit: 60 minutes")
	assert.Contains(t, text, "23:00 - 06:00 (UTC)")
	assert.Contains(t, text, "escalation: enabled (15 minute delay)")
}

func TestHandleSetPolicy_RequiresThresholds(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer done()

	result, _ := h.HandleSetPolicy(context.Background(),
		makeRequest(map[string]any{"session_limit_minutes": 30}))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "required")
}

func TestHandleSetPolicy_SendsBody(t *testing.T) {
	var gotBody map[string]any
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/v1/policy", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"policy":{
			"sessionLimitMinutes":30,"reopenThreshold":3,"scrollVelocityLimit":800,
			"bedtimeStart":"22:00","bedtimeEnd":"07:00","timezone":"UTC",
			"escalationEnabled":false}}`))
	}))
	defer done()

	result, err := h.HandleSetPolicy(context.Background(), makeRequest(map[string]any{
		"session_limit_minutes": 30,
		"reopen_threshold":      3,
		"scroll_velocity_limit": 800,
		"bedtime_start":         "22:00",
		"bedtime_end":           "07:00",
		"timezone":              "UTC",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, float64(30), gotBody["session_limit_minutes"])
	assert.Equal(t, "22:00", gotBody["bedtime_start"])
	assert.Contains(t, resultText(t, result), "Policy updated")
	assert.Contains(t, resultText(t, result), "Session limit: 30 minutes")
}

func TestHandleGetAgentState_PassesThrough(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/state", r.URL.Path)
		_, _ = w.Write([]byte(`{"state":{"current":"monitoring"}}`))
	}))
	defer done()

	result, err := h.HandleGetAgentState(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "monitoring")
}

func TestHandleGetOverview_PassesThrough(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stats", r.URL.Path)
		_, _ = w.Write([]byte(`{"open_interventions":2,"realtime":{"connected_clients":1}}`))
	}))
	defer done()

	result, err := h.HandleGetOverview(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "open_interventions")
}
