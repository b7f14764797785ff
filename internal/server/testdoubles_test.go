package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caucusnet/caucus/internal/chatlog"
	"github.com/caucusnet/caucus/internal/identity"
)

// fakeIdentityStore is an in-memory IdentityStore for hub and session tests.
type fakeIdentityStore struct {
	mu     sync.Mutex
	byID   map[string]identity.Identity
	nextID int

	setOnlineErr error
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{byID: make(map[string]identity.Identity)}
}

func (s *fakeIdentityStore) put(ident identity.Identity) identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ident.ID == "" {
		s.nextID++
		ident.ID = fmt.Sprintf("id-%d", s.nextID)
	}
	s.byID[ident.ID] = ident
	return ident
}

func (s *fakeIdentityStore) GetByID(_ context.Context, id string) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return identity.Identity{}, identity.ErrNotFound
	}
	return ident, nil
}

func (s *fakeIdentityStore) SetOnline(_ context.Context, id string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setOnlineErr != nil {
		return s.setOnlineErr
	}
	ident, ok := s.byID[id]
	if !ok {
		return identity.ErrNotFound
	}
	ident.Online = online
	s.byID[id] = ident
	return nil
}

func (s *fakeIdentityStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID), nil
}

func (s *fakeIdentityStore) Create(_ context.Context, displayName, channelKey string) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	tier := 1
	if len(s.byID) == 0 {
		tier = 0
	}
	ident := identity.Identity{
		ID:          fmt.Sprintf("id-%d", s.nextID),
		DisplayName: displayName,
		Tier:        tier,
		ChannelKey:  channelKey,
		CreatedAt:   time.Now().UTC(),
	}
	s.byID[ident.ID] = ident
	return ident, nil
}

// fakeMessageLog is an in-memory MessageLog with injectable failures.
type fakeMessageLog struct {
	mu       sync.Mutex
	nextID   int64
	messages []chatlog.Message

	appendErr error
	purgeErr  error
}

func newFakeMessageLog() *fakeMessageLog {
	return &fakeMessageLog{}
}

func (l *fakeMessageLog) seed(authorID, body string, at time.Time) chatlog.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	msg := chatlog.Message{ID: l.nextID, AuthorID: authorID, Body: body, CreatedAt: at}
	l.messages = append(l.messages, msg)
	return msg
}

func (l *fakeMessageLog) Append(_ context.Context, authorID, body string) (chatlog.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return chatlog.Message{}, l.appendErr
	}
	l.nextID++
	msg := chatlog.Message{ID: l.nextID, AuthorID: authorID, Body: body, CreatedAt: time.Now().UTC()}
	l.messages = append(l.messages, msg)
	return msg, nil
}

func (l *fakeMessageLog) RecentSince(_ context.Context, cutoff time.Time) ([]chatlog.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []chatlog.Message
	for _, msg := range l.messages {
		if !msg.CreatedAt.Before(cutoff) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (l *fakeMessageLog) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.purgeErr != nil {
		return 0, l.purgeErr
	}
	var kept []chatlog.Message
	var removed int64
	for _, msg := range l.messages {
		if msg.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	l.messages = kept
	return removed, nil
}

// newTestHub creates a hub on fake collaborators without running its loop;
// tests drive registration and intents directly.
func newTestHub(t *testing.T) (*Hub, *fakeIdentityStore, *fakeMessageLog) {
	t.Helper()
	SetConfig(nil)
	t.Cleanup(func() { SetConfig(nil) })

	identities := newFakeIdentityStore()
	messages := newFakeMessageLog()
	return NewHub(identities, messages), identities, messages
}

// addTestClient registers a transportless client directly in the registry.
func addTestClient(h *Hub) *Client {
	c := NewClient(nil, h, "test-addr")
	h.registry.add(c)
	return c
}

// authenticateAs drives the full authenticate intent for the given identity
// id and consumes the welcome event.
func authenticateAs(t *testing.T, h *Hub, c *Client, identityID string) recvdEvent {
	t.Helper()
	h.dispatch(c, []byte(fmt.Sprintf(`{"type":"authenticate","payload":{"identity_id":%q}}`, identityID)))
	welcome := recvEvent(t, c)
	require.Equal(t, EventWelcome, welcome.Kind)
	return welcome
}

type recvdEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// recvEvent pops the next queued event for the client, failing the test when
// none arrives.
func recvEvent(t *testing.T, c *Client) recvdEvent {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed while expecting an event")
		var event recvdEvent
		require.NoError(t, json.Unmarshal(raw, &event))
		return event
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected an event but none was queued")
		return recvdEvent{}
	}
}

// expectNoEvent asserts the client has nothing queued.
func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("expected no event, got %s", raw)
	default:
	}
}

// drain empties the client's queued events.
func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func decodePayload[T any](t *testing.T, event recvdEvent) T {
	t.Helper()
	var payload T
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	return payload
}
