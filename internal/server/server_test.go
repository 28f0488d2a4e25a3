package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/attnlabs/pacebreak/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:      "8080",
		Env:       "test",
		LogLevel:  "error",
		LogFormat: "text",

		RateLimitRPM:   10000,
		AllowedOrigins: []string{"*"},

		DefaultSessionLimitMinutes: 60,
		DefaultReopenThreshold:     5,
		DefaultScrollVelocityLimit: 1000,
		DefaultBedtimeStart:        "23:00",
		DefaultBedtimeEnd:          "06:00",
		DefaultTimezone:            "UTC",
		DefaultEscalationDelayMin:  15,
		SessionIdleTimeout:         5 * time.Minute,
		RiskEvaluationWindow:       time.Hour,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s
}

func doJSON(t *testing.T, s *Server, method, path, apiKey string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &parsed)
	}
	return w, parsed
}

// registerUser creates a user and returns its API key.
func registerUser(t *testing.T, s *Server) string {
	t.Helper()
	w, body := doJSON(t, s, http.MethodPost, "/v1/users", "", map[string]any{
		"display_name": "Test User",
		"timezone":     "UTC",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status %d body %s", w.Code, w.Body.String())
	}
	key, _ := body["api_key"].(string)
	if key == "" {
		t.Fatal("registration did not return an API key")
	}
	return key
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, body := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: status %d", w.Code)
	}
	if body["status"] != "healthy" {
		t.Fatalf("health status = %v", body["status"])
	}

	w, _ = doJSON(t, s, http.MethodGet, "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("liveness: status %d", w.Code)
	}

	// Readiness flips only once Run has started.
	w, _ = doJSON(t, s, http.MethodGet, "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness before Run: status %d", w.Code)
	}
}

func TestRegisterAndAuthFlow(t *testing.T) {
	s := newTestServer(t)
	key := registerUser(t, s)

	w, body := doJSON(t, s, http.MethodGet, "/v1/users/me", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: status %d body %s", w.Code, w.Body.String())
	}
	if body["user"] == nil {
		t.Fatal("me: missing user")
	}

	// Without a key the protected surface rejects.
	w, _ = doJSON(t, s, http.MethodGet, "/v1/users/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("me without key: status %d", w.Code)
	}
	w, _ = doJSON(t, s, http.MethodGet, "/v1/risk", "uk_bogus", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("risk with bogus key: status %d", w.Code)
	}
}

func TestEventIngestToRiskRead(t *testing.T) {
	s := newTestServer(t)
	key := registerUser(t, s)

	w, body := doJSON(t, s, http.MethodPost, "/v1/events", key, map[string]any{
		"event_type":        "app_open",
		"device_identifier": "device-test-0001",
		"platform":          "ios",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ingest: status %d body %s", w.Code, w.Body.String())
	}
	if body["session_id"] == "" || body["session_id"] == nil {
		t.Fatalf("ingest: missing session_id in %v", body)
	}

	// Risk read always succeeds; a fresh user sits at low/0.
	w, body = doJSON(t, s, http.MethodGet, "/v1/risk", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("risk: status %d body %s", w.Code, w.Body.String())
	}
	riskState, _ := body["risk"].(map[string]any)
	if riskState == nil {
		t.Fatalf("risk: missing state in %v", body)
	}

	// The current session is visible on the read surface.
	w, body = doJSON(t, s, http.MethodGet, "/v1/sessions/current?device_identifier=device-test-0001", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("current session: status %d", w.Code)
	}
	if body["session"] == nil {
		t.Fatalf("current session: nil session in %v", body)
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	s := newTestServer(t)
	key := registerUser(t, s)

	// The effective policy starts from the configured default.
	w, body := doJSON(t, s, http.MethodGet, "/v1/policy", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get policy: status %d body %s", w.Code, w.Body.String())
	}
	pol, _ := body["policy"].(map[string]any)
	if pol == nil {
		t.Fatalf("get policy: missing policy in %v", body)
	}
	if got := pol["sessionLimitMinutes"]; got != float64(60) {
		t.Fatalf("default session limit = %v, want 60", got)
	}

	w, _ = doJSON(t, s, http.MethodPut, "/v1/policy", key, map[string]any{
		"session_limit_minutes": 30,
		"reopen_threshold":      3,
		"scroll_velocity_limit": 800,
		"bedtime_start":         "22:00",
		"bedtime_end":           "07:00",
		"timezone":              "America/New_York",
		"escalation_enabled":    true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("put policy: status %d body %s", w.Code, w.Body.String())
	}

	_, body = doJSON(t, s, http.MethodGet, "/v1/policy", key, nil)
	pol, _ = body["policy"].(map[string]any)
	if got := pol["sessionLimitMinutes"]; got != float64(30) {
		t.Fatalf("updated session limit = %v, want 30", got)
	}
}

func TestGuardianLifecycle(t *testing.T) {
	s := newTestServer(t)
	key := registerUser(t, s)

	w, body := doJSON(t, s, http.MethodPost, "/v1/guardian", key, map[string]any{
		"name":  "Casey Parent",
		"email": "casey@example.com",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create guardian: status %d body %s", w.Code, w.Body.String())
	}
	link, _ := body["guardian"].(map[string]any)
	linkID, _ := link["id"].(string)
	if linkID == "" {
		t.Fatalf("create guardian: missing id in %v", body)
	}

	_, body = doJSON(t, s, http.MethodGet, "/v1/guardian", key, nil)
	if body["count"] != float64(1) {
		t.Fatalf("guardian count = %v, want 1", body["count"])
	}

	w, _ = doJSON(t, s, http.MethodDelete, fmt.Sprintf("/v1/guardian/%s", linkID), key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove guardian: status %d", w.Code)
	}

	w, _ = doJSON(t, s, http.MethodDelete, fmt.Sprintf("/v1/guardian/%s", linkID), key, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("remove twice: status %d, want 404", w.Code)
	}
}

func TestStatsOverview(t *testing.T) {
	s := newTestServer(t)
	key := registerUser(t, s)

	w, body := doJSON(t, s, http.MethodGet, "/v1/stats", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status %d body %s", w.Code, w.Body.String())
	}
	if body["realtime"] == nil {
		t.Fatalf("stats: missing realtime section in %v", body)
	}
}

func TestWebhookLifecycle(t *testing.T) {
	s := newTestServer(t)
	key := registerUser(t, s)

	w, body := doJSON(t, s, http.MethodPost, "/v1/webhooks", key, map[string]any{
		"url":    "https://hooks.example.com/pacebreak",
		"events": []string{"risk.level_changed", "intervention.created"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create webhook: status %d body %s", w.Code, w.Body.String())
	}
	if secret, _ := body["secret"].(string); secret == "" {
		t.Fatal("create webhook: secret must be returned once at creation")
	}
	hook, _ := body["webhook"].(map[string]any)
	hookID, _ := hook["id"].(string)
	if hookID == "" {
		t.Fatalf("create webhook: missing id in %v", body)
	}

	// The list surface never exposes the secret.
	_, body = doJSON(t, s, http.MethodGet, "/v1/webhooks", key, nil)
	hooks, _ := body["webhooks"].([]any)
	if len(hooks) != 1 {
		t.Fatalf("webhook list = %v", body)
	}
	if _, leaked := hooks[0].(map[string]any)["secret"]; leaked {
		t.Fatal("webhook list must not expose secrets")
	}

	// Internal targets are rejected.
	w, _ = doJSON(t, s, http.MethodPost, "/v1/webhooks", key, map[string]any{
		"url":    "http://169.254.169.254/latest",
		"events": []string{"session.ended"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("internal target: status %d, want 400", w.Code)
	}
	w, _ = doJSON(t, s, http.MethodPost, "/v1/webhooks", key, map[string]any{
		"url":    "https://hooks.example.com/pacebreak",
		"events": []string{"made.up_event"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown event: status %d, want 400", w.Code)
	}

	// Another user cannot delete the subscription.
	otherKey := registerUser(t, s)
	w, _ = doJSON(t, s, http.MethodDelete, "/v1/webhooks/"+hookID, otherKey, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete: status %d, want 404", w.Code)
	}

	w, _ = doJSON(t, s, http.MethodDelete, "/v1/webhooks/"+hookID, key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete webhook: status %d", w.Code)
	}
}

func TestEventHistoryPaging(t *testing.T) {
	s := newTestServer(t)
	key := registerUser(t, s)

	for i := 0; i < 3; i++ {
		w, _ := doJSON(t, s, http.MethodPost, "/v1/events", key, map[string]any{
			"event_type":        "screen_view",
			"device_identifier": "device-test-0001",
			"screen_name":       fmt.Sprintf("screen-%d", i),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ingest %d: status %d body %s", i, w.Code, w.Body.String())
		}
	}

	w, body := doJSON(t, s, http.MethodGet, "/v1/events?limit=2", key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list events: status %d body %s", w.Code, w.Body.String())
	}
	events, _ := body["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("page size = %d, want 2", len(events))
	}
	if body["hasMore"] != true {
		t.Fatalf("hasMore = %v, want true", body["hasMore"])
	}
	cursor, _ := body["nextCursor"].(string)
	if cursor == "" {
		t.Fatal("missing nextCursor on a partial page")
	}

	w, body = doJSON(t, s, http.MethodGet, "/v1/events?limit=2&cursor="+cursor, key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second page: status %d body %s", w.Code, w.Body.String())
	}
	events, _ = body["events"].([]any)
	if len(events) != 1 || body["hasMore"] != false {
		t.Fatalf("second page = %d events, hasMore = %v", len(events), body["hasMore"])
	}

	w, _ = doJSON(t, s, http.MethodGet, "/v1/events?cursor=%25garbage", key, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor: status %d, want 400", w.Code)
	}
}

// The realtime endpoint accepts the API key as a token query parameter,
// since browser WebSocket clients cannot set headers on the handshake.
func TestWebSocketTokenQueryAuth(t *testing.T) {
	s := newTestServer(t)
	key := registerUser(t, s)

	w, _ := doJSON(t, s, http.MethodGet, "/ws", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no credential: status %d, want 401", w.Code)
	}

	w, _ = doJSON(t, s, http.MethodGet, "/ws?token=uk_bogus", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bogus token: status %d, want 401", w.Code)
	}

	// A valid token clears authentication; without WebSocket handshake
	// headers the request then fails at the upgrade instead.
	w, _ = doJSON(t, s, http.MethodGet, "/ws?token="+key, "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("valid token without upgrade: status %d, want 400", w.Code)
	}

	// The header path still works.
	w, _ = doJSON(t, s, http.MethodGet, "/ws", key, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("valid header without upgrade: status %d, want 400", w.Code)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := newTestServer(t)
	w, _ := doJSON(t, s, http.MethodGet, "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown route: status %d", w.Code)
	}
}
