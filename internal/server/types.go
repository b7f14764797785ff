// Package server defines the collaborator interfaces and shared helpers that
// are reused across client, hub, and session logic.
package server

import (
	"context"
	"strings"
	"time"

	"github.com/caucusnet/caucus/internal/chatlog"
	"github.com/caucusnet/caucus/internal/identity"
)

// IdentityStore is the credential-store collaborator as seen by the hub. The
// hub only performs synchronous lookups and online-flag writes against it.
type IdentityStore interface {
	GetByID(ctx context.Context, id string) (identity.Identity, error)
	SetOnline(ctx context.Context, id string, online bool) error
	Count(ctx context.Context) (int, error)
	Create(ctx context.Context, displayName, channelKey string) (identity.Identity, error)
}

// MessageLog is the durable-log collaborator: append-and-read with a
// retention sweep, nothing else.
type MessageLog interface {
	Append(ctx context.Context, authorID, body string) (chatlog.Message, error)
	RecentSince(ctx context.Context, cutoff time.Time) ([]chatlog.Message, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
