// Package testhelpers provides common utilities and helper functions for
// testing the caucus server.
//
// This package contains reusable test utilities that are shared across the
// integration tests. It provides functions for creating test servers, driving
// the registration endpoint, and speaking the event protocol over WebSocket
// connections to reduce code duplication in test files.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Event is the decoded outbound envelope pushed by the server.
type Event struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Frame is the inbound envelope accepted by the server.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
// It fails the test with a descriptive error message if the content types don't match.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// RegisterIdentity creates an identity through the registration endpoint and
// returns its assigned id.
func RegisterIdentity(t *testing.T, baseURL, displayName, channelKey string) string {
	t.Helper()

	body, err := json.Marshal(map[string]string{
		"display_name": displayName,
		"channel_key":  channelKey,
	})
	if err != nil {
		t.Fatalf("Failed to marshal registration payload: %v", err)
	}

	resp, err := http.Post(baseURL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to register identity: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Registration returned status %d", resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode registration response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Registration response carried no id")
	}
	return created.ID
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	// Set a proper origin header for testing
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ConnectWebSocketWithOrigin dials with an explicit Origin header so origin
// filtering can be exercised.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", origin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendFrame sends one inbound envelope over the WebSocket connection.
func SendFrame(conn *websocket.Conn, frameType string, payload any) error {
	return conn.WriteJSON(Frame{Type: frameType, Payload: payload})
}

// Authenticate sends the authenticate frame for the identity id.
func Authenticate(conn *websocket.Conn, identityID string) error {
	return SendFrame(conn, "authenticate", map[string]string{"identity_id": identityID})
}

// ReceiveEvent reads the next event from the connection, failing the test on
// timeout or a malformed envelope.
func ReceiveEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}

	var event Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return event
}

// WaitForEvent reads events until one of the wanted kind arrives, skipping
// unrelated traffic such as presence announcements from other tests' timing.
func WaitForEvent(t *testing.T, conn *websocket.Conn, kind string) Event {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("Failed to set read deadline: %v", err)
		}
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("Failed to read event while waiting for %q: %v", kind, err)
		}
		if event.Kind == kind {
			return event
		}
	}
	t.Fatalf("Timed out waiting for %q event", kind)
	return Event{}
}

// ExpectSilence asserts that no event arrives on the connection within the
// window. The deadline expiry permanently fails the connection for reading,
// so this must be the last read a test performs on it.
func ExpectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}

	var event Event
	err := conn.ReadJSON(&event)
	if err == nil {
		t.Fatalf("Expected silence, received %s event: %s", event.Kind, string(event.Payload))
	}
	if !isTimeout(err) {
		t.Fatalf("Expected a read timeout, got: %v", err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// DecodePayload unmarshals an event payload into the target, failing the
// test on error.
func DecodePayload(t *testing.T, event Event, target any) {
	t.Helper()
	if err := json.Unmarshal(event.Payload, target); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", event.Kind, err)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// WebSocketURL converts an http test-server URL into its ws equivalent.
func WebSocketURL(baseURL string) string {
	return fmt.Sprintf("ws%s/ws", baseURL[len("http"):])
}
