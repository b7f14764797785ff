// Package server coordinates connection registration, presence, and event
// routing for the caucus WebSocket system via the Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/caucusnet/caucus/internal/identity"
	"github.com/caucusnet/caucus/internal/partition"
	"github.com/caucusnet/caucus/internal/vote"
)

// Hub owns the connection registry and routes every outbound event to the
// correct visibility partition. Registration and unregistration flow through
// its run loop; delivery fans out over a snapshot taken under a brief lock so
// slow network writes never block registry mutations.
type Hub struct {
	identities IdentityStore
	messages   MessageLog
	tally      *vote.Tally

	registry   *registry
	register   chan *Client
	unregister chan *Client
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub wired to its collaborators. The returned Hub is ready
// once Run is started in its own goroutine.
func NewHub(identities IdentityStore, messages MessageLog) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		identities: identities,
		messages:   messages,
		tally:      vote.NewTally(),
		registry:   newRegistry(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new connections.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering connections.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Tally exposes the proposal ledger for the HTTP surface and tests.
func (h *Hub) Tally() *vote.Tally {
	return h.tally
}

// Run starts the hub's main event loop, handling connection registration and
// unregistration. This method should be called in a separate goroutine as it
// runs indefinitely.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}

			total := h.registry.add(client)
			log.Printf("Client connected from %s. Total clients: %d", client.addr, total)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.dropClient(client, "disconnected")
		}
	}
}

// RoutePartition delivers the event to every authenticated connection whose
// identity's freshly computed partition is visible from source, skipping
// excludeID. A failed or full send evicts that one connection and never
// blocks delivery to the rest.
func (h *Hub) RoutePartition(event []byte, source partition.Key, excludeID string) {
	if event == nil {
		return
	}

	var failed []*Client
	for _, c := range h.registry.authenticated() {
		ident, ok := c.snapshot()
		if !ok {
			continue
		}
		if excludeID != "" && ident.ID == excludeID {
			continue
		}
		if !partition.Visible(source, partition.Of(ident.Tier, ident.ChannelKey)) {
			continue
		}
		if !h.registry.trySend(c, event) {
			failed = append(failed, c)
		}
	}

	h.evictFailed(failed)
}

// RouteGlobal delivers the event to every authenticated connection regardless
// of partition. Proposal lifecycle events are a shared, non-partitioned
// concern.
func (h *Hub) RouteGlobal(event []byte, excludeID string) {
	if event == nil {
		return
	}

	var failed []*Client
	for _, c := range h.registry.authenticated() {
		ident, ok := c.snapshot()
		if !ok {
			continue
		}
		if excludeID != "" && ident.ID == excludeID {
			continue
		}
		if !h.registry.trySend(c, event) {
			failed = append(failed, c)
		}
	}

	h.evictFailed(failed)
}

// sendToClient queues an event for a single connection, evicting it on a
// full buffer just like a broadcast delivery failure.
func (h *Hub) sendToClient(c *Client, event []byte) {
	if event == nil {
		return
	}
	if !h.registry.trySend(c, event) {
		h.evictFailed([]*Client{c})
	}
}

// evictFailed treats each failed delivery as an implicit disconnect.
func (h *Hub) evictFailed(failed []*Client) {
	for _, c := range failed {
		h.dropClient(c, "send buffer full")
	}
}

// dropClient removes the connection from the registry and, when it still
// owned its identity binding, runs the offline path: durable flag cleared and
// peer-offline routed to the identity's partition. Safe to call multiple
// times for the same connection; only the first call has any effect.
func (h *Hub) dropClient(c *Client, reason string) {
	if c == nil {
		return
	}

	removed, current := h.registry.release(c)
	if !removed {
		return
	}

	// first remover owns closing the send channel
	close(c.send)
	log.Printf("Client from %s removed (%s). Total clients: %d", c.addr, reason, h.registry.len())

	if !current {
		return
	}

	ident, ok := c.snapshot()
	if !ok {
		return
	}

	if err := h.identities.SetOnline(h.ctx, ident.ID, false); err != nil {
		log.Printf("Error clearing online flag for %s: %v", ident.ID, err)
	}

	ident.Online = false
	event := marshalEvent(EventPeerOffline, identitySnapshot(ident))
	h.RoutePartition(event, partition.Of(ident.Tier, ident.ChannelKey), ident.ID)
}

// forceClose shuts the transport of a superseded connection. Its read pump
// observes the closed socket and funnels the connection through the normal
// unregister path, where the registry already points at the successor.
func (h *Hub) forceClose(c *Client) {
	if c == nil {
		return
	}

	log.Printf("Closing superseded connection from %s", c.addr)
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing superseded connection from %s: %v", c.addr, err)
		}
	}
}

// visiblePeers computes the peer set the viewer may see right now, via the
// partition classifier over a registry snapshot rather than a raw all-online
// query.
func (h *Hub) visiblePeers(viewer identity.Identity) []identityPayload {
	source := partition.Of(viewer.Tier, viewer.ChannelKey)

	peers := make([]identityPayload, 0)
	for _, c := range h.registry.authenticated() {
		ident, ok := c.snapshot()
		if !ok || ident.ID == viewer.ID {
			continue
		}
		if !partition.Visible(source, partition.Of(ident.Tier, ident.ChannelKey)) {
			continue
		}
		peers = append(peers, identitySnapshot(ident))
	}
	return peers
}

// shutdownClients gracefully closes all active client connections.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	clients := h.registry.all()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines
// to complete. It returns after all client connections are closed and
// goroutines have finished, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	// Signal shutdown
	h.cancel()

	// Wait for Run() to complete
	<-h.done

	// Wait for all client goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
