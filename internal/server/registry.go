// Package server tracks live connections in an encapsulated registry so the
// raw maps are never iterated while another goroutine mutates them.
package server

import "sync"

// registry is the bidirectional identity-id to connection table. The clients
// set holds every open connection; byID holds only authenticated ones, at
// most one connection per identity. All access goes through the atomic
// operations below.
type registry struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	byID    map[string]*Client
}

func newRegistry() *registry {
	return &registry{
		clients: make(map[*Client]struct{}),
		byID:    make(map[string]*Client),
	}
}

// add records a freshly accepted connection. It carries no identity yet.
func (r *registry) add(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.closed = false
	r.clients[c] = struct{}{}
	return len(r.clients)
}

// bind associates an authenticated identity with the connection. When another
// live connection already held the identity, that connection is returned so
// the caller can force-close it. already reports that this same connection
// held the binding, so the caller can skip a duplicate presence announcement.
// Binding a connection that already left the registry is a no-op.
func (r *registry) bind(id string, c *Client) (superseded *Client, already bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return nil, false
	}

	prev := r.byID[id]
	r.byID[id] = c
	if prev == c {
		return nil, true
	}
	return prev, false
}

// unbind detaches the identity binding when it still points at this
// connection, leaving the connection itself registered. Used when a
// connection re-authenticates as a different identity.
func (r *registry) unbind(id string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, ok := r.byID[id]; ok && bound == c {
		delete(r.byID, id)
		return true
	}
	return false
}

// release removes the connection from the registry. removed reports whether
// this call was the one that took it out (so exactly one caller closes the
// send channel); current reports whether the connection still owned its
// identity binding. A superseded connection does not, and its release must
// not evict the successor or emit presence events.
func (r *registry) release(c *Client) (removed, current bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false, false
	}
	delete(r.clients, c)
	c.closed = true

	if ident, ok := c.snapshot(); ok {
		if bound, exists := r.byID[ident.ID]; exists && bound == c {
			delete(r.byID, ident.ID)
			current = true
		}
	}
	return true, current
}

// authenticated returns a consistent snapshot of every connection that holds
// an identity binding. Delivery decisions run against this snapshot outside
// the lock.
func (r *registry) authenticated() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		clients = append(clients, c)
	}
	return clients
}

// all returns a snapshot of every open connection, authenticated or not.
func (r *registry) all() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// trySend queues the message on the client's outbound buffer without ever
// blocking. The read lock is held for the whole attempt so a concurrent
// release cannot close the channel mid-send.
func (r *registry) trySend(c *Client, message []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.clients[c]; !ok || c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
