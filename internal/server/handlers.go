// Package server exposes HTTP handlers: WebSocket upgrades, health checks,
// and the identity-registration surface of the credential collaborator.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler handles WebSocket upgrade requests and hands the resulting
// connection to the hub, which launches its read/write pumps. Intent handling
// (authenticate, send_message, cast_vote, create_proposal) happens on the
// connection's own frames afterward.
func WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if hub == nil {
		http.Error(w, "Server is not ready.", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, hub, r.RemoteAddr)

	// Register the client with the hub; the hub will launch the pump goroutines.
	client.hub.register <- client
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Caucus server is running!")
}

type registerRequest struct {
	DisplayName string `json:"display_name"`
	ChannelKey  string `json:"channel_key"`
}

// RegisterHandler creates a new identity in the credential store and returns
// its snapshot. Clients authenticate their WebSocket connection with the
// returned id.
func RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed. Registration only accepts POST requests.", http.StatusMethodNotAllowed)
		return
	}

	if hub == nil {
		http.Error(w, "Server is not ready.", http.StatusServiceUnavailable)
		return
	}

	var req registerRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, "Malformed registration payload.", http.StatusBadRequest)
		return
	}

	ident, err := hub.identities.Create(r.Context(), req.DisplayName, req.ChannelKey)
	if err != nil {
		log.Printf("Error creating identity: %v", err)
		http.Error(w, "Registration failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(identitySnapshot(ident)); err != nil {
		log.Printf("Error writing registration response: %v", err)
	}
}
