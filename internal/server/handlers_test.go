package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHealthHandler verifies the health endpoint responds with plain text.
func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	HealthHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "running")
}

// TestWebSocketHandlerRejectsNonGet verifies method filtering on the upgrade
// endpoint.
func TestWebSocketHandlerRejectsNonGet(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/ws", nil)
	rec := httptest.NewRecorder()

	WebSocketHandler(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// TestRegisterHandler verifies identity creation over HTTP, including the
// first-identity-elevated rule surfaced through the response snapshot.
func TestRegisterHandler(t *testing.T) {
	InitHub(newFakeIdentityStore(), newFakeMessageLog())
	t.Cleanup(func() { hub = nil })

	body := strings.NewReader(`{"display_name":"Ada","channel_key":""}`)
	req := httptest.NewRequest(http.MethodPost, "/register", body)
	rec := httptest.NewRecorder()

	RegisterHandler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var created identityPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Ada", created.DisplayName)
	assert.Equal(t, 0, created.Tier)

	// second registration lands in the member tier
	body = strings.NewReader(`{"display_name":"Ben","channel_key":"444"}`)
	rec = httptest.NewRecorder()
	RegisterHandler(rec, httptest.NewRequest(http.MethodPost, "/register", body))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, 1, created.Tier)
	assert.Equal(t, "444", created.ChannelKey)
}

// TestRegisterHandlerRejections covers method filtering and malformed
// payloads.
func TestRegisterHandlerRejections(t *testing.T) {
	InitHub(newFakeIdentityStore(), newFakeMessageLog())
	t.Cleanup(func() { hub = nil })

	rec := httptest.NewRecorder()
	RegisterHandler(rec, httptest.NewRequest(http.MethodGet, "/register", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	RegisterHandler(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestSetupRoutes verifies the route table resolves its handlers.
func TestSetupRoutes(t *testing.T) {
	mux := SetupRoutes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
