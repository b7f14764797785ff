// Package vote implements the in-memory proposal ledger: proposal creation,
// one-ballot-per-identity enforcement, and transactional tally counts.
// Eligibility to propose or vote is the caller's concern; the tally only
// guarantees the uniqueness and counting invariants.
package vote

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Choice is one side of a ballot.
type Choice string

// The two valid ballot choices.
const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

var (
	// ErrProposalNotFound is returned when a referenced proposal id is unknown.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrProposalExpired is returned when casting on a proposal past its expiry.
	ErrProposalExpired = errors.New("proposal expired")
	// ErrInvalidChoice is returned when the ballot choice is neither yes nor no.
	ErrInvalidChoice = errors.New("ballot choice must be yes or no")
)

// Proposal is one open question put to a vote. Yes and No only ever grow;
// their sum always equals the number of distinct ballots recorded.
type Proposal struct {
	ID         string
	Title      string
	Body       string
	ProposerID string
	Yes        int
	No         int
	Threshold  int
	Expiry     time.Time
	CreatedAt  time.Time
}

// Result reports the tally state after a cast. AlreadyVoted marks the
// idempotent rejection path: the identity had a ballot on record and nothing
// was mutated.
type Result struct {
	ProposalID   string
	Yes          int
	No           int
	Total        int
	AlreadyVoted bool
}

type ballotKey struct {
	identityID string
	proposalID string
}

// Tally is the ballot ledger. All state lives behind one mutex so a cast and
// its counter increment form a single atomic step relative to concurrent
// casts.
type Tally struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	ballots   map[ballotKey]Choice
	nextID    int64
}

// NewTally creates an empty ledger.
func NewTally() *Tally {
	return &Tally{
		proposals: make(map[string]*Proposal),
		ballots:   make(map[ballotKey]Choice),
	}
}

// Create registers a new proposal and returns it with an assigned id.
func (t *Tally) Create(title, body, proposerID string, threshold int, expiry time.Time) (Proposal, error) {
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	if title == "" {
		return Proposal{}, fmt.Errorf("proposal title is required")
	}
	if threshold < 0 {
		return Proposal{}, fmt.Errorf("proposal threshold must not be negative")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	proposal := &Proposal{
		ID:         fmt.Sprintf("proposal-%d", t.nextID),
		Title:      title,
		Body:       body,
		ProposerID: proposerID,
		Threshold:  threshold,
		Expiry:     expiry,
		CreatedAt:  time.Now().UTC(),
	}
	t.proposals[proposal.ID] = proposal

	return *proposal, nil
}

// Cast records a ballot for the identity on the proposal. A second cast for
// the same (identity, proposal) pair is not an error: it returns the current
// tally with AlreadyVoted set and mutates nothing.
func (t *Tally) Cast(identityID, proposalID string, choice Choice) (Result, error) {
	if choice != ChoiceYes && choice != ChoiceNo {
		return Result{}, ErrInvalidChoice
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	proposal, ok := t.proposals[proposalID]
	if !ok {
		return Result{}, ErrProposalNotFound
	}
	if !proposal.Expiry.IsZero() && time.Now().After(proposal.Expiry) {
		return Result{}, ErrProposalExpired
	}

	key := ballotKey{identityID: identityID, proposalID: proposalID}
	if _, voted := t.ballots[key]; voted {
		return resultLocked(proposal, true), nil
	}

	t.ballots[key] = choice
	if choice == ChoiceYes {
		proposal.Yes++
	} else {
		proposal.No++
	}

	return resultLocked(proposal, false), nil
}

// Get returns a copy of the proposal.
func (t *Tally) Get(proposalID string) (Proposal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	proposal, ok := t.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}
	return *proposal, nil
}

// List returns copies of every proposal, oldest first.
func (t *Tally) List() []Proposal {
	t.mu.Lock()
	defer t.mu.Unlock()

	proposals := make([]Proposal, 0, len(t.proposals))
	for _, proposal := range t.proposals {
		proposals = append(proposals, *proposal)
	}
	sort.Slice(proposals, func(i, j int) bool {
		// ids are "proposal-N", so shorter ids were assigned earlier
		if len(proposals[i].ID) != len(proposals[j].ID) {
			return len(proposals[i].ID) < len(proposals[j].ID)
		}
		return proposals[i].ID < proposals[j].ID
	})
	return proposals
}

func resultLocked(p *Proposal, alreadyVoted bool) Result {
	return Result{
		ProposalID:   p.ID,
		Yes:          p.Yes,
		No:           p.No,
		Total:        p.Yes + p.No,
		AlreadyVoted: alreadyVoted,
	}
}
