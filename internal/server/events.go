// Package server defines the outbound event envelopes pushed to connected
// clients. Every event is self-describing by kind and carries a complete
// snapshot of its payload entity, never a partial one.
package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/caucusnet/caucus/internal/chatlog"
	"github.com/caucusnet/caucus/internal/identity"
	"github.com/caucusnet/caucus/internal/vote"
)

// Outbound event kinds.
const (
	EventWelcome     = "welcome"
	EventPeerOnline  = "peer-online"
	EventPeerOffline = "peer-offline"
	EventNewMessage  = "new-message"
	EventNewProposal = "new-proposal"
	EventVoteTally   = "vote-tally"
	EventError       = "error"
)

type eventEnvelope struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// identityPayload is the wire snapshot of an identity.
type identityPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Tier        int    `json:"tier"`
	ChannelKey  string `json:"channel_key,omitempty"`
	Online      bool   `json:"online"`
}

// messagePayload is the wire snapshot of a persisted message together with
// its author.
type messagePayload struct {
	ID        int64           `json:"id"`
	Author    identityPayload `json:"author"`
	Body      string          `json:"body"`
	CreatedAt string          `json:"created_at"`
}

// proposalPayload is the wire snapshot of a proposal.
type proposalPayload struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	ProposerID string `json:"proposer_id"`
	Yes        int    `json:"yes"`
	No         int    `json:"no"`
	Threshold  int    `json:"threshold,omitempty"`
	Expiry     string `json:"expiry,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// tallyPayload reports the recomputed counts after a ballot is cast.
type tallyPayload struct {
	ProposalID   string `json:"proposal_id"`
	Yes          int    `json:"yes"`
	No           int    `json:"no"`
	Total        int    `json:"total"`
	AlreadyVoted bool   `json:"already_voted,omitempty"`
}

// welcomePayload answers a successful authenticate with the caller's own
// snapshot, the currently visible peer set, and the visible recent history.
type welcomePayload struct {
	Identity identityPayload   `json:"identity"`
	Peers    []identityPayload `json:"peers"`
	History  []messagePayload  `json:"history"`
}

// errorPayload reports a rejected intent back to the offending client only.
type errorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func identitySnapshot(ident identity.Identity) identityPayload {
	return identityPayload{
		ID:          ident.ID,
		DisplayName: ident.DisplayName,
		Tier:        ident.Tier,
		ChannelKey:  ident.ChannelKey,
		Online:      ident.Online,
	}
}

func messageSnapshot(msg chatlog.Message, author identity.Identity) messagePayload {
	return messagePayload{
		ID:        msg.ID,
		Author:    identitySnapshot(author),
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func proposalSnapshot(p vote.Proposal) proposalPayload {
	payload := proposalPayload{
		ID:         p.ID,
		Title:      p.Title,
		Body:       p.Body,
		ProposerID: p.ProposerID,
		Yes:        p.Yes,
		No:         p.No,
		Threshold:  p.Threshold,
		CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !p.Expiry.IsZero() {
		payload.Expiry = p.Expiry.UTC().Format(time.RFC3339)
	}
	return payload
}

func tallySnapshot(res vote.Result) tallyPayload {
	return tallyPayload{
		ProposalID:   res.ProposalID,
		Yes:          res.Yes,
		No:           res.No,
		Total:        res.Total,
		AlreadyVoted: res.AlreadyVoted,
	}
}

// marshalEvent encodes an event envelope; a marshal failure is a programming
// error and yields nil so callers can skip delivery.
func marshalEvent(kind string, payload any) []byte {
	data, err := json.Marshal(eventEnvelope{Kind: kind, Payload: payload})
	if err != nil {
		log.Printf("Error marshaling %s event: %v", kind, err)
		return nil
	}
	return data
}
