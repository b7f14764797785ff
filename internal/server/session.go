// Package server dispatches inbound client intents: authentication and the
// presence handshake, message submission, proposal creation, and ballot
// casting. Every rejected intent is answered with an error event on the
// offending connection only; no intent failure ever tears down the loop for
// other connections.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/caucusnet/caucus/internal/identity"
	"github.com/caucusnet/caucus/internal/partition"
	"github.com/caucusnet/caucus/internal/vote"
)

// Inbound frame types.
const (
	frameAuthenticate   = "authenticate"
	frameSendMessage    = "send_message"
	frameCastVote       = "cast_vote"
	frameCreateProposal = "create_proposal"
)

// Error codes reported back to clients.
const (
	codeBadFrame         = "bad_frame"
	codeNotAuthenticated = "not_authenticated"
	codeIdentityNotFound = "identity_not_found"
	codeValidation       = "validation_error"
	codeNotEligible      = "not_eligible"
	codeProposalNotFound = "proposal_not_found"
	codeProposalExpired  = "proposal_expired"
	codeInternal         = "internal_error"
)

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authenticatePayload struct {
	IdentityID string `json:"identity_id"`
}

type sendMessagePayload struct {
	Body string `json:"body"`
}

type castVotePayload struct {
	ProposalID string `json:"proposal_id"`
	Choice     string `json:"choice"`
}

type createProposalPayload struct {
	Title            string `json:"title"`
	Body             string `json:"body"`
	Threshold        int    `json:"threshold"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

// dispatch decodes one inbound frame and routes it to the matching intent
// handler. Malformed frames are logged and answered on this connection only.
func (h *Hub) dispatch(c *Client, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("Invalid frame from %s: %v", c.addr, err)
		h.sendError(c, codeBadFrame, "frame is not valid JSON")
		return
	}

	switch frame.Type {
	case frameAuthenticate:
		h.handleAuthenticate(c, frame.Payload)
	case frameSendMessage:
		h.handleSendMessage(c, frame.Payload)
	case frameCastVote:
		h.handleCastVote(c, frame.Payload)
	case frameCreateProposal:
		h.handleCreateProposal(c, frame.Payload)
	default:
		log.Printf("Unknown frame type %q from %s", frame.Type, c.addr)
		h.sendError(c, codeBadFrame, "unknown frame type")
	}
}

// handleAuthenticate runs the Offline -> Online transition: resolve the
// identity, bind the connection (force-closing any superseded handle), set
// the durable online flag, answer with the visible peer set and history, and
// announce peer-online to the identity's partition.
func (h *Hub) handleAuthenticate(c *Client, raw json.RawMessage) {
	var payload authenticatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.sendError(c, codeBadFrame, "malformed authenticate payload")
		return
	}

	identityID := strings.TrimSpace(payload.IdentityID)
	if identityID == "" {
		h.sendError(c, codeValidation, "identity_id is required")
		return
	}

	ident, err := h.identities.GetByID(h.ctx, identityID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			h.sendError(c, codeIdentityNotFound, "no identity with that id")
			return
		}
		log.Printf("Identity lookup failed for %s: %v", identityID, err)
		h.sendError(c, codeInternal, "identity lookup failed")
		return
	}

	// Re-authenticating as a different identity on the same connection first
	// runs the offline path for the old binding.
	if prev, ok := c.snapshot(); ok && prev.ID != ident.ID {
		h.releaseBinding(c, prev)
	}

	ident.Online = true
	c.setIdentity(ident)

	superseded, already := h.registry.bind(ident.ID, c)
	if superseded != nil {
		h.forceClose(superseded)
	}

	if err := h.identities.SetOnline(h.ctx, ident.ID, true); err != nil {
		log.Printf("Error setting online flag for %s: %v", ident.ID, err)
	}

	welcome := welcomePayload{
		Identity: identitySnapshot(ident),
		Peers:    h.visiblePeers(ident),
		History:  h.visibleHistory(ident),
	}
	h.sendToClient(c, marshalEvent(EventWelcome, welcome))

	// a connection that already held the binding only refreshed its snapshot;
	// its peers saw peer-online the first time around
	if !already {
		event := marshalEvent(EventPeerOnline, identitySnapshot(ident))
		h.RoutePartition(event, partition.Of(ident.Tier, ident.ChannelKey), ident.ID)
	}

	log.Printf("Client from %s authenticated as %s (%s)", c.addr, ident.DisplayName, ident.ID)
}

// releaseBinding detaches an identity binding during same-connection
// re-authentication, mirroring the disconnect presence path without removing
// the connection itself.
func (h *Hub) releaseBinding(c *Client, prev identity.Identity) {
	if !h.registry.unbind(prev.ID, c) {
		return
	}

	if err := h.identities.SetOnline(h.ctx, prev.ID, false); err != nil {
		log.Printf("Error clearing online flag for %s: %v", prev.ID, err)
	}

	prev.Online = false
	event := marshalEvent(EventPeerOffline, identitySnapshot(prev))
	h.RoutePartition(event, partition.Of(prev.Tier, prev.ChannelKey), prev.ID)
}

// handleSendMessage is the message ingress path: validate, best-effort purge
// sweep, durable append, then partition-scoped broadcast of the persisted
// record with its author snapshot.
func (h *Hub) handleSendMessage(c *Client, raw json.RawMessage) {
	ident, ok := c.snapshot()
	if !ok {
		h.sendError(c, codeNotAuthenticated, "authenticate before sending messages")
		return
	}

	var payload sendMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.sendError(c, codeBadFrame, "malformed send_message payload")
		return
	}

	body := strings.TrimSpace(payload.Body)
	if body == "" {
		h.sendError(c, codeValidation, "message body must not be empty")
		return
	}

	h.purgeExpired()

	msg, err := h.messages.Append(h.ctx, ident.ID, body)
	if err != nil {
		log.Printf("Error appending message from %s: %v", ident.ID, err)
		h.sendError(c, codeInternal, "message could not be stored")
		return
	}

	event := marshalEvent(EventNewMessage, messageSnapshot(msg, ident))
	h.RoutePartition(event, partition.Of(ident.Tier, ident.ChannelKey), "")
}

// purgeExpired sweeps durably-expired messages. Failures are logged and
// swallowed: loss of cleanup is acceptable, corruption of the live path is
// not.
func (h *Hub) purgeExpired() {
	cutoff := time.Now().Add(-currentConfig().Retention)
	removed, err := h.messages.PurgeBefore(h.ctx, cutoff)
	if err != nil {
		log.Printf("Error purging expired messages: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("Purged %d expired messages", removed)
	}
}

// handleCastVote records a ballot and broadcasts the recomputed tally
// globally. A duplicate ballot is an idempotent outcome answered to the
// caller alone, with nothing mutated.
func (h *Hub) handleCastVote(c *Client, raw json.RawMessage) {
	ident, ok := c.snapshot()
	if !ok {
		h.sendError(c, codeNotAuthenticated, "authenticate before voting")
		return
	}
	if !eligibleForProposals(ident) {
		h.sendError(c, codeNotEligible, "only full accounts and reserved-channel members may vote")
		return
	}

	var payload castVotePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.sendError(c, codeBadFrame, "malformed cast_vote payload")
		return
	}

	result, err := h.tally.Cast(ident.ID, strings.TrimSpace(payload.ProposalID), vote.Choice(payload.Choice))
	if err != nil {
		switch {
		case errors.Is(err, vote.ErrProposalNotFound):
			h.sendError(c, codeProposalNotFound, "no proposal with that id")
		case errors.Is(err, vote.ErrProposalExpired):
			h.sendError(c, codeProposalExpired, "proposal voting has closed")
		case errors.Is(err, vote.ErrInvalidChoice):
			h.sendError(c, codeValidation, "choice must be yes or no")
		default:
			log.Printf("Error casting ballot for %s: %v", ident.ID, err)
			h.sendError(c, codeInternal, "ballot could not be recorded")
		}
		return
	}

	event := marshalEvent(EventVoteTally, tallySnapshot(result))
	if result.AlreadyVoted {
		h.sendToClient(c, event)
		return
	}
	h.RouteGlobal(event, "")
}

// handleCreateProposal registers a proposal and announces it to every live
// connection; proposal lifecycle is a shared, non-partitioned concern.
func (h *Hub) handleCreateProposal(c *Client, raw json.RawMessage) {
	ident, ok := c.snapshot()
	if !ok {
		h.sendError(c, codeNotAuthenticated, "authenticate before proposing")
		return
	}
	if !eligibleForProposals(ident) {
		h.sendError(c, codeNotEligible, "only full accounts and reserved-channel members may propose")
		return
	}

	var payload createProposalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.sendError(c, codeBadFrame, "malformed create_proposal payload")
		return
	}

	var expiry time.Time
	if payload.ExpiresInSeconds > 0 {
		expiry = time.Now().Add(time.Duration(payload.ExpiresInSeconds) * time.Second)
	}

	proposal, err := h.tally.Create(payload.Title, payload.Body, ident.ID, payload.Threshold, expiry)
	if err != nil {
		h.sendError(c, codeValidation, err.Error())
		return
	}

	h.RouteGlobal(marshalEvent(EventNewProposal, proposalSnapshot(proposal)), "")
}

// eligibleForProposals gates proposal creation and voting: elevated-tier
// identities and reserved-channel members only. The tally itself never checks
// eligibility.
func eligibleForProposals(ident identity.Identity) bool {
	return ident.Tier == partition.ElevatedTier || ident.ChannelKey == partition.ReservedKey
}

// visibleHistory returns the retained messages the viewer may see, filtering
// each record by its author's current partition so channel-key changes take
// effect immediately.
func (h *Hub) visibleHistory(viewer identity.Identity) []messagePayload {
	cutoff := time.Now().Add(-currentConfig().Retention)
	messages, err := h.messages.RecentSince(h.ctx, cutoff)
	if err != nil {
		log.Printf("Error loading recent history: %v", err)
		return []messagePayload{}
	}

	viewerKey := partition.Of(viewer.Tier, viewer.ChannelKey)
	authors := make(map[string]identity.Identity)

	history := make([]messagePayload, 0, len(messages))
	for _, msg := range messages {
		author, ok := authors[msg.AuthorID]
		if !ok {
			var err error
			author, err = h.identities.GetByID(h.ctx, msg.AuthorID)
			if err != nil {
				// author gone; its messages are no longer attributable
				continue
			}
			authors[msg.AuthorID] = author
		}
		if !partition.Visible(viewerKey, partition.Of(author.Tier, author.ChannelKey)) {
			continue
		}
		history = append(history, messageSnapshot(msg, author))
	}
	return history
}

// sendError reports a rejected intent to the offending connection only.
func (h *Hub) sendError(c *Client, code, reason string) {
	h.sendToClient(c, marshalEvent(EventError, errorPayload{Code: code, Reason: reason}))
}
