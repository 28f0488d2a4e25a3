package pacebreak

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantMsg    string
	}{
		{
			name:       "structured API error",
			statusCode: http.StatusUnauthorized,
			body:       `{"error":"unauthorized","message":"Invalid API key"}`,
			wantMsg:    "unauthorized: Invalid API key",
		},
		{
			name:       "non-JSON body",
			statusCode: http.StatusBadGateway,
			body:       `upstream exploded`,
			wantMsg:    "http 502",
		},
		{
			name:       "JSON without error field",
			statusCode: http.StatusInternalServerError,
			body:       `{"oops":true}`,
			wantMsg:    "http 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.statusCode,
				Body:       io.NopCloser(bytes.NewBufferString(tt.body)),
			}
			err := DecodeError(resp)
			require.Error(t, err)
			assert.Equal(t, tt.wantMsg, err.Error())
		})
	}
}

func TestError(t *testing.T) {
	err := &Error{
		Code:    "validation_error",
		Message: "event_type is required",
	}

	assert.Equal(t, "validation_error: event_type is required", err.Error())
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"risk.level_changed","data":{"newLevel":"high"}}`)
	secret := "test_webhook_secret" //nolint:gosec // test credential

	sig := SignPayload(payload, secret)

	assert.True(t, VerifySignature(payload, secret, sig))
	assert.False(t, VerifySignature(payload, "wrong_secret", sig))
	assert.False(t, VerifySignature([]byte(`{"tampered":true}`), secret, sig))
	assert.False(t, VerifySignature(payload, secret, "not-a-signature"))
}

// Integration-style tests with mock server

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"risk":{"score":10,"level":"low"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "uk_test_key")
	risk, err := client.GetRisk(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer uk_test_key", gotAuth)
	assert.Equal(t, 10, risk.Score)
	assert.Equal(t, "low", risk.Level)
}

func TestClient_SendEvents(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"session_id":"ses_1","results":[{"success":true,"event_id":"evt_1"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "uk_test_key")
	res, err := client.SendEvents(context.Background(), []Event{
		{EventType: "app_open", DeviceIdentifier: "device-aaaa-0001", Platform: "ios"},
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "ses_1", res.SessionID)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "evt_1", res.Results[0].EventID)

	assert.Contains(t, string(gotBody), `"event_type":"app_open"`)
	assert.Contains(t, string(gotBody), `"device_identifier":"device-aaaa-0001"`)
}

func TestClient_APIErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized","message":"Invalid API key"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "uk_bad_key")
	_, err := client.GetRisk(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unauthorized", apiErr.Code)
}

func TestClient_NullSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "device-aaaa-0001", r.URL.Query().Get("device_identifier"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"session":null}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "uk_test_key")
	sess, err := client.GetCurrentSession(context.Background(), "device-aaaa-0001")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestClient_RegisterUserStoresKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"user":{"id":"usr_1","displayName":"Jo"},"api_key":"uk_new_key"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	user, key, err := client.RegisterUser(context.Background(), "Jo", "UTC")
	require.NoError(t, err)

	assert.Equal(t, "usr_1", user.ID)
	assert.Equal(t, "uk_new_key", key)
	assert.Equal(t, "uk_new_key", client.APIKey)
}

// Benchmark

func BenchmarkVerifySignature(b *testing.B) {
	payload := []byte(`{"type":"intervention.created","data":{"interventionId":"ivn_1","riskLevel":"high"}}`)
	secret := "bench_secret"
	sig := SignPayload(payload, secret)

	for i := 0; i < b.N; i++ {
		VerifySignature(payload, secret, sig)
	}
}
