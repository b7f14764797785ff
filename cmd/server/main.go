package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/caucusnet/caucus/internal/chatlog"
	"github.com/caucusnet/caucus/internal/identity"
	"github.com/caucusnet/caucus/internal/server"
)

func main() {
	log.Println("Starting caucus server...")

	// Load configuration from the environment
	config := server.NewConfigFromEnv()
	server.SetConfig(config)

	// Open the collaborator stores
	identities, err := identity.Open(config.IdentityDBPath)
	if err != nil {
		log.Fatalf("Error opening identity store: %v", err)
	}
	defer func() { _ = identities.Close() }()

	messages, err := chatlog.Open(config.MessageDBPath)
	if err != nil {
		log.Fatalf("Error opening message log: %v", err)
	}
	defer func() { _ = messages.Close() }()

	// Wire and start the hub
	server.InitHub(identities, messages)
	server.StartHub()

	// Setup routes and create the HTTP server
	mux := server.SetupRoutes()
	httpServer := server.CreateServer(config.Port, mux)

	// Shut down cleanly on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stop
		log.Printf("Received %s, shutting down...", sig)
		if err := server.ShutdownServer(httpServer, config.ShutdownTimeout); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
		if err := server.GetHub().Shutdown(config.ShutdownTimeout); err != nil {
			log.Printf("Hub shutdown error: %v", err)
		}
	}()

	if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}
