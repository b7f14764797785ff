// Package identity implements the credential-store collaborator: durable
// identity profiles with an online flag, backed by SQLite. The broadcast core
// only ever holds cached snapshots of these records, refreshed on
// authentication.
package identity

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced identity id does not resolve.
var ErrNotFound = errors.New("identity not found")

// Identity is one account profile. ID is immutable; Tier zero marks the
// elevated full-account tier; ChannelKey is empty for identities that never
// joined a channel.
type Identity struct {
	ID          string
	DisplayName string
	Tier        int
	ChannelKey  string
	Online      bool
	CreatedAt   time.Time
}
