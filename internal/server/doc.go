// Package server implements the core HTTP and WebSocket functionality for the
// caucus presence and broadcast engine.
//
// The implementation is organized into specialized files for configuration,
// hub management, the connection registry, clients, session intent dispatch,
// routing, and HTTP handlers to keep the codebase maintainable and testable
// as the project grows.
package server
