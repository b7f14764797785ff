package vote

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCreateAssignsIDs verifies proposal creation, id assignment, and title
// validation.
func TestCreateAssignsIDs(t *testing.T) {
	tally := NewTally()

	first, err := tally.Create("Adopt quorum rules", "details", "proposer-1", 3, time.Time{})
	require.NoError(t, err)
	second, err := tally.Create("Extend retention", "", "proposer-2", 0, time.Time{})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "Adopt quorum rules", first.Title)
	assert.Equal(t, "proposer-1", first.ProposerID)
	assert.Zero(t, first.Yes)
	assert.Zero(t, first.No)

	_, err = tally.Create("   ", "body", "proposer-1", 0, time.Time{})
	assert.Error(t, err)

	_, err = tally.Create("negative threshold", "", "proposer-1", -1, time.Time{})
	assert.Error(t, err)
}

// TestCastCountsBallots verifies that yes/no counters track distinct ballots.
func TestCastCountsBallots(t *testing.T) {
	tally := NewTally()
	proposal, err := tally.Create("Adopt quorum rules", "", "proposer-1", 0, time.Time{})
	require.NoError(t, err)

	res, err := tally.Cast("voter-1", proposal.ID, ChoiceYes)
	require.NoError(t, err)
	assert.Equal(t, Result{ProposalID: proposal.ID, Yes: 1, No: 0, Total: 1}, res)

	res, err = tally.Cast("voter-2", proposal.ID, ChoiceNo)
	require.NoError(t, err)
	assert.Equal(t, Result{ProposalID: proposal.ID, Yes: 1, No: 1, Total: 2}, res)
}

// TestCastDuplicateIsIdempotent verifies that a second ballot from the same
// identity reports AlreadyVoted and leaves the counts untouched.
func TestCastDuplicateIsIdempotent(t *testing.T) {
	tally := NewTally()
	proposal, err := tally.Create("Adopt quorum rules", "", "proposer-1", 0, time.Time{})
	require.NoError(t, err)

	_, err = tally.Cast("voter-1", proposal.ID, ChoiceYes)
	require.NoError(t, err)

	res, err := tally.Cast("voter-1", proposal.ID, ChoiceNo)
	require.NoError(t, err)
	assert.True(t, res.AlreadyVoted)
	assert.Equal(t, 1, res.Yes)
	assert.Equal(t, 0, res.No)
	assert.Equal(t, 1, res.Total)

	stored, err := tally.Get(proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Yes)
	assert.Equal(t, 0, stored.No)
}

// TestCastErrors covers the unknown-proposal, invalid-choice, and expired
// paths.
func TestCastErrors(t *testing.T) {
	tally := NewTally()

	_, err := tally.Cast("voter-1", "proposal-99", ChoiceYes)
	assert.ErrorIs(t, err, ErrProposalNotFound)

	proposal, err := tally.Create("Adopt quorum rules", "", "proposer-1", 0, time.Time{})
	require.NoError(t, err)

	_, err = tally.Cast("voter-1", proposal.ID, Choice("maybe"))
	assert.ErrorIs(t, err, ErrInvalidChoice)

	expired, err := tally.Create("Old business", "", "proposer-1", 0, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = tally.Cast("voter-1", expired.ID, ChoiceYes)
	assert.ErrorIs(t, err, ErrProposalExpired)
}

// TestCastConcurrentNoLostUpdates runs many concurrent casts with unique
// identities and verifies that every ballot lands in the counters.
func TestCastConcurrentNoLostUpdates(t *testing.T) {
	tally := NewTally()
	proposal, err := tally.Create("Adopt quorum rules", "", "proposer-1", 0, time.Time{})
	require.NoError(t, err)

	const voters = 100
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			choice := ChoiceYes
			if n%2 == 1 {
				choice = ChoiceNo
			}
			_, err := tally.Cast(fmt.Sprintf("voter-%d", n), proposal.ID, choice)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := tally.Get(proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, voters, stored.Yes+stored.No)
	assert.Equal(t, voters/2, stored.Yes)
	assert.Equal(t, voters/2, stored.No)
}

// TestListOrdersByCreation verifies List returns proposals oldest first.
func TestListOrdersByCreation(t *testing.T) {
	tally := NewTally()
	for i := 0; i < 12; i++ {
		_, err := tally.Create(fmt.Sprintf("Proposal %d", i), "", "proposer-1", 0, time.Time{})
		require.NoError(t, err)
	}

	listed := tally.List()
	require.Len(t, listed, 12)
	for i := 0; i < 12; i++ {
		assert.Equal(t, fmt.Sprintf("Proposal %d", i), listed[i].Title)
	}
}
