package match_test

import (
	"testing"
	"time"

	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vreid/janken/internal/pkg/common"
	"github.com/vreid/janken/internal/pkg/identity"
	"github.com/vreid/janken/internal/pkg/match"
	"github.com/vreid/janken/internal/pkg/signature"
	"github.com/vreid/janken/internal/pkg/store"
)

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()

	i := do.New()
	do.ProvideNamedValue(i, "data-dir", t.TempDir())

	databaseService, err := common.NewDatabaseService(i)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = databaseService.Shutdown()
	})

	return &store.BoltStore{DB: databaseService.DB}
}

func newMatchService(t *testing.T, st *store.BoltStore, sink chan<- string) *match.MatchService {
	t.Helper()

	return &match.MatchService{
		Store:     st,
		Signature: &signature.SignatureService{Secret: []byte("test-secret")},
		Resolver:  &identity.ResolverService{},

		SettleSink: sink,

		CommitWindow:  time.Minute,
		RevealWindow:  time.Minute,
		MismatchLimit: 3,
	}
}

// pairTestMatch drives the queue into a fresh commit-phase match for
// alice and bob.
func pairTestMatch(t *testing.T, st *store.BoltStore) *match.Match {
	t.Helper()

	now := time.Now()

	_, err := st.Join("alice", "bronze", now.Add(-time.Second))
	require.NoError(t, err)
	_, err = st.Join("bob", "bronze", now)
	require.NoError(t, err)

	m, err := st.PairTier("bronze", 100, time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "alice", m.SideA)
	require.Equal(t, "bob", m.SideB)

	return m
}

func TestWinningSide(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b     match.Choice
		winner   match.Side
		decisive bool
	}{
		{match.ChoiceRock, match.ChoiceRock, "", false},
		{match.ChoicePaper, match.ChoicePaper, "", false},
		{match.ChoiceScissors, match.ChoiceScissors, "", false},
		{match.ChoiceRock, match.ChoiceScissors, match.SideA, true},
		{match.ChoiceScissors, match.ChoicePaper, match.SideA, true},
		{match.ChoicePaper, match.ChoiceRock, match.SideA, true},
		{match.ChoiceScissors, match.ChoiceRock, match.SideB, true},
		{match.ChoicePaper, match.ChoiceScissors, match.SideB, true},
		{match.ChoiceRock, match.ChoicePaper, match.SideB, true},
	}

	for _, tc := range cases {
		winner, decisive := match.WinningSide(tc.a, tc.b)

		assert.Equal(t, tc.decisive, decisive, "%s vs %s", tc.a, tc.b)
		assert.Equal(t, tc.winner, winner, "%s vs %s", tc.a, tc.b)
	}
}

func TestCommitRevealHappyPath(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	sink := make(chan string, 1)
	svc := newMatchService(t, st, sink)

	m := pairTestMatch(t, st)

	commitA := svc.Signature.Commitment(m.MatchID, "alice", "rock", "n1")
	commitB := svc.Signature.Commitment(m.MatchID, "bob", "scissors", "n2")

	updated, err := svc.SubmitCommitment(m.MatchID, "alice", commitA)
	require.NoError(t, err)
	assert.Equal(t, match.PhaseCommit, updated.Phase)

	updated, err = svc.SubmitCommitment(m.MatchID, "bob", commitB)
	require.NoError(t, err)
	assert.Equal(t, match.PhaseReveal, updated.Phase)

	updated, err = svc.SubmitReveal(m.MatchID, "alice", match.ChoiceRock, "n1")
	require.NoError(t, err)
	assert.Equal(t, match.PhaseReveal, updated.Phase)

	updated, err = svc.SubmitReveal(m.MatchID, "bob", match.ChoiceScissors, "n2")
	require.NoError(t, err)
	assert.Equal(t, match.PhaseSettling, updated.Phase)
	assert.Equal(t, "alice", updated.Winner)

	select {
	case matchID := <-sink:
		assert.Equal(t, m.MatchID, matchID)
	default:
		t.Fatal("expected settlement to be enqueued")
	}
}

func TestDrawHasNoWinner(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newMatchService(t, st, nil)

	m := pairTestMatch(t, st)

	for _, side := range []string{"alice", "bob"} {
		commit := svc.Signature.Commitment(m.MatchID, side, "paper", "n-"+side)
		_, err := svc.SubmitCommitment(m.MatchID, side, commit)
		require.NoError(t, err)
	}

	_, err := svc.SubmitReveal(m.MatchID, "alice", match.ChoicePaper, "n-alice")
	require.NoError(t, err)

	updated, err := svc.SubmitReveal(m.MatchID, "bob", match.ChoicePaper, "n-bob")
	require.NoError(t, err)
	assert.Equal(t, match.PhaseSettling, updated.Phase)
	assert.Empty(t, updated.Winner)
}

func TestDuplicateCommitRejected(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newMatchService(t, st, nil)

	m := pairTestMatch(t, st)

	commit := svc.Signature.Commitment(m.MatchID, "alice", "rock", "n1")

	_, err := svc.SubmitCommitment(m.MatchID, "alice", commit)
	require.NoError(t, err)

	_, err = svc.SubmitCommitment(m.MatchID, "alice", commit)
	assert.ErrorIs(t, err, match.ErrAlreadyCommitted)
}

func TestPhaseGuards(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newMatchService(t, st, nil)

	m := pairTestMatch(t, st)

	// reveal before the reveal phase
	_, err := svc.SubmitReveal(m.MatchID, "alice", match.ChoiceRock, "n1")
	assert.ErrorIs(t, err, match.ErrWrongPhase)

	for _, side := range []string{"alice", "bob"} {
		commit := svc.Signature.Commitment(m.MatchID, side, "rock", "n-"+side)
		_, err := svc.SubmitCommitment(m.MatchID, side, commit)
		require.NoError(t, err)
	}

	// commit after both sides committed
	commit := svc.Signature.Commitment(m.MatchID, "alice", "rock", "late")
	_, err = svc.SubmitCommitment(m.MatchID, "alice", commit)
	assert.ErrorIs(t, err, match.ErrWrongPhase)

	_, err = svc.SubmitCommitment("no-such-match", "alice", commit)
	assert.ErrorIs(t, err, match.ErrNotFound)

	_, err = svc.SubmitReveal(m.MatchID, "mallory", match.ChoiceRock, "n1")
	assert.ErrorIs(t, err, match.ErrNotParticipant)

	_, err = svc.SubmitReveal(m.MatchID, "alice", "lizard", "n1")
	assert.ErrorIs(t, err, match.ErrInvalidChoice)
}

func TestRevealMismatchDoesNotConsumeAttempt(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newMatchService(t, st, nil)

	m := pairTestMatch(t, st)

	for _, side := range []string{"alice", "bob"} {
		commit := svc.Signature.Commitment(m.MatchID, side, "rock", "n-"+side)
		_, err := svc.SubmitCommitment(m.MatchID, side, commit)
		require.NoError(t, err)
	}

	// wrong secret, then wrong choice
	_, err := svc.SubmitReveal(m.MatchID, "alice", match.ChoiceRock, "wrong")
	assert.ErrorIs(t, err, match.ErrCommitMismatch)

	_, err = svc.SubmitReveal(m.MatchID, "alice", match.ChoicePaper, "n-alice")
	assert.ErrorIs(t, err, match.ErrCommitMismatch)

	// the honest reveal still goes through
	updated, err := svc.SubmitReveal(m.MatchID, "alice", match.ChoiceRock, "n-alice")
	require.NoError(t, err)
	assert.Equal(t, match.ChoiceRock, updated.RevealA)

	_, err = svc.SubmitReveal(m.MatchID, "alice", match.ChoiceRock, "n-alice")
	assert.ErrorIs(t, err, match.ErrAlreadyRevealed)
}

func TestRevealMismatchStrikeOut(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newMatchService(t, st, nil)
	svc.MismatchLimit = 2

	m := pairTestMatch(t, st)

	for _, side := range []string{"alice", "bob"} {
		commit := svc.Signature.Commitment(m.MatchID, side, "rock", "n-"+side)
		_, err := svc.SubmitCommitment(m.MatchID, side, commit)
		require.NoError(t, err)
	}

	_, err := svc.SubmitReveal(m.MatchID, "bob", match.ChoiceRock, "wrong")
	assert.ErrorIs(t, err, match.ErrCommitMismatch)

	_, err = svc.SubmitReveal(m.MatchID, "bob", match.ChoiceRock, "still-wrong")
	assert.ErrorIs(t, err, match.ErrCommitMismatch)

	updated, err := st.Match(m.MatchID)
	require.NoError(t, err)
	assert.Equal(t, match.PhaseAbandoned, updated.Phase)
	assert.Equal(t, "alice", updated.Winner)
}

func TestCommitTimeoutForfeits(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newMatchService(t, st, nil)

	m := pairTestMatch(t, st)

	commit := svc.Signature.Commitment(m.MatchID, "alice", "rock", "n1")
	_, err := svc.SubmitCommitment(m.MatchID, "alice", commit)
	require.NoError(t, err)

	abandoned, err := st.ExpireMatches(time.Minute, time.Minute, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, abandoned, 1)

	assert.Equal(t, match.PhaseAbandoned, abandoned[0].Phase)
	assert.Equal(t, "alice", abandoned[0].Winner)

	// both identities may queue again
	_, err = st.Join("alice", "bronze", time.Now())
	require.NoError(t, err)
	_, err = st.Join("bob", "bronze", time.Now())
	require.NoError(t, err)
}

func TestRevealTimeoutForfeits(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newMatchService(t, st, nil)

	m := pairTestMatch(t, st)

	for _, side := range []string{"alice", "bob"} {
		commit := svc.Signature.Commitment(m.MatchID, side, "rock", "n-"+side)
		_, err := svc.SubmitCommitment(m.MatchID, side, commit)
		require.NoError(t, err)
	}

	_, err := svc.SubmitReveal(m.MatchID, "bob", match.ChoiceRock, "n-bob")
	require.NoError(t, err)

	abandoned, err := st.ExpireMatches(time.Minute, time.Minute, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, abandoned, 1)

	assert.Equal(t, "bob", abandoned[0].Winner)
	assert.Equal(t, match.PhaseAbandoned, abandoned[0].Phase)
}

func TestRunDetectsRevealForfeit(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newMatchService(t, st, nil)
	svc.CommitWindow = time.Hour
	svc.RevealWindow = 50 * time.Millisecond

	m := pairTestMatch(t, st)

	for _, side := range []string{"alice", "bob"} {
		commit := svc.Signature.Commitment(m.MatchID, side, "rock", "n-"+side)
		_, err := svc.SubmitCommitment(m.MatchID, side, commit)
		require.NoError(t, err)
	}

	_, err := svc.SubmitReveal(m.MatchID, "alice", match.ChoiceRock, "n-alice")
	require.NoError(t, err)

	// a short reveal window must drive the ticker even when the commit
	// window is long
	go svc.Run(t.Context())

	require.Eventually(t, func() bool {
		updated, err := st.Match(m.MatchID)

		return err == nil && updated.Phase == match.PhaseAbandoned
	}, 3*time.Second, 50*time.Millisecond)

	updated, err := st.Match(m.MatchID)
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.Winner)
}

func TestIdleMatchAbandonsWithoutWinner(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	m := pairTestMatch(t, st)

	abandoned, err := st.ExpireMatches(time.Minute, time.Minute, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, abandoned, 1)

	assert.Equal(t, m.MatchID, abandoned[0].MatchID)
	assert.Empty(t, abandoned[0].Winner)
}

func TestExpireLeavesTimelyMatchesAlone(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	m := pairTestMatch(t, st)

	abandoned, err := st.ExpireMatches(time.Minute, time.Minute, time.Now())
	require.NoError(t, err)
	assert.Empty(t, abandoned)

	updated, err := st.Match(m.MatchID)
	require.NoError(t, err)
	assert.Equal(t, match.PhaseCommit, updated.Phase)
}

func TestSnapshotHidesSecrets(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	svc := newMatchService(t, st, nil)

	m := pairTestMatch(t, st)

	for side, choice := range map[string]string{"alice": "rock", "bob": "scissors"} {
		commit := svc.Signature.Commitment(m.MatchID, side, choice, "n-"+side)
		_, err := svc.SubmitCommitment(m.MatchID, side, commit)
		require.NoError(t, err)
	}

	_, err := svc.SubmitReveal(m.MatchID, "alice", match.ChoiceRock, "n-alice")
	require.NoError(t, err)

	current, err := st.Match(m.MatchID)
	require.NoError(t, err)

	snap := svc.Snapshot(t.Context(), current)
	assert.True(t, snap.SideA.Revealed)
	assert.Empty(t, snap.SideA.Choice, "choice must stay hidden until both reveals are in")

	_, err = svc.SubmitReveal(m.MatchID, "bob", match.ChoiceScissors, "n-bob")
	require.NoError(t, err)

	current, err = st.Match(m.MatchID)
	require.NoError(t, err)

	snap = svc.Snapshot(t.Context(), current)
	assert.Equal(t, "rock", snap.SideA.Choice)
	assert.Equal(t, "scissors", snap.SideB.Choice)
	assert.Equal(t, "alice", snap.Winner)
}
