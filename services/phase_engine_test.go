package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"campus-ritual-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceIfDue(t *testing.T) {
	t.Run("advances a past-deadline ritual exactly once", func(t *testing.T) {
		store := NewMemoryStore()
		now := baseTime
		e := newEngine(store, now)

		deadline := now.Add(-time.Minute)
		r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseScheduled, &deadline)

		moved, err := e.AdvanceIfDue(t.Context(), r.ID, now)
		require.NoError(t, err)
		assert.True(t, moved)

		got, err := store.FindRitual(t.Context(), r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseActive, got.Phase)
		assert.Equal(t, int64(2), got.PhaseVersion)

		// The deadline moved forward, so a second tick is a no-op.
		moved, err = e.AdvanceIfDue(t.Context(), r.ID, now)
		require.NoError(t, err)
		assert.False(t, moved)

		again, err := store.FindRitual(t.Context(), r.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), again.PhaseVersion)
	})

	t.Run("future deadline is not due", func(t *testing.T) {
		store := NewMemoryStore()
		e := newEngine(store, baseTime)

		deadline := baseTime.Add(time.Hour)
		r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseScheduled, &deadline)

		moved, err := e.AdvanceIfDue(t.Context(), r.ID, baseTime)
		require.NoError(t, err)
		assert.False(t, moved)
	})

	t.Run("exhausted retries surface the conflict", func(t *testing.T) {
		backing := NewMemoryStore()
		store := &contendedStore{Store: backing}
		e := newEngine(store, baseTime)

		deadline := baseTime.Add(-time.Minute)
		r := seedRitual(t, backing, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseScheduled, &deadline)

		moved, err := e.AdvanceIfDue(t.Context(), r.ID, baseTime)
		assert.False(t, moved)
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.Equal(t, maxTransitionAttempts, store.saves)
	})
}

// contendedStore loses every version race, as if another writer bumps
// the ritual between each read and save.
type contendedStore struct {
	Store
	saves int
}

func (s *contendedStore) Tx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *contendedStore) SaveRitual(ctx context.Context, r *models.Ritual, expectedVersion int64) error {
	s.saves++
	return ErrVersionConflict
}

func TestAdvanceDueRitualsChainsOverdueSteps(t *testing.T) {
	store := NewMemoryStore()
	now := baseTime.Add(72 * time.Hour) // well past the draw time
	e := newEngine(store, now)

	deadline := lotteryConfig().DrawAt
	r := seedRitual(t, store, models.ArchetypeBetaLottery, lotteryConfig(), models.PhaseEntryClosed, &deadline)
	seedParticipation(t, store, r.ID, "user-1", nil)

	advanced, err := e.AdvanceDueRituals(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, advanced) // entry_closed -> drawn -> completed

	got, err := store.FindRitual(t.Context(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCompleted, got.Phase)
	require.NotNil(t, got.CompletedAt)

	results, err := store.ListRoundResults(t.Context(), r.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.PhaseDrawn, results[0].Phase)
}

func TestManualTransition(t *testing.T) {
	t.Run("adjacent forward move is allowed", func(t *testing.T) {
		store := NewMemoryStore()
		e := newEngine(store, baseTime)
		r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseCreated, nil)

		got, err := e.Transition(t.Context(), r.ID, models.PhaseScheduled, 1, member("creator-1"))
		require.NoError(t, err)
		assert.Equal(t, models.PhaseScheduled, got.Phase)
		assert.Equal(t, int64(2), got.PhaseVersion)
		require.NotNil(t, got.PhaseDeadline)
		assert.True(t, got.PhaseDeadline.Equal(baseTime)) // StartAt
	})

	t.Run("skipping phases requires override authority", func(t *testing.T) {
		store := NewMemoryStore()
		e := newEngine(store, baseTime)
		r := seedRitual(t, store, models.ArchetypeTournament, tournamentConfig(), "round_1_voting", nil)

		_, err := e.Transition(t.Context(), r.ID, "round_2_voting", 1, member("creator-1"))
		assert.ErrorIs(t, err, ErrOverrideRequired)

		got, err := e.Transition(t.Context(), r.ID, "round_2_voting", 1, admin("admin-1"))
		require.NoError(t, err)
		assert.Equal(t, "round_2_voting", got.Phase)

		// The skipped round was still resolved and recorded.
		results, err := store.ListRoundResults(t.Context(), r.ID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 1, results[0].Round)
	})

	t.Run("resolving a round with ballots outstanding requires override", func(t *testing.T) {
		store := NewMemoryStore()
		e := newEngine(store, baseTime)
		r := seedRitual(t, store, models.ArchetypeTournament, tournamentConfig(), "round_1_voting", nil)
		for _, id := range []string{"u1", "u2", "u3"} {
			seedParticipation(t, store, r.ID, id, nil)
		}
		contrib, _ := newContrib(store, baseTime)
		_, err := contrib.Contribute(t.Context(), r.ID, member("u1"), ContributionInput{Kind: KindVote, Target: "a"})
		require.NoError(t, err)

		// One of three votes cast: the adjacent resolved phase is still a
		// forced resolution for anyone without override authority.
		_, err = e.Transition(t.Context(), r.ID, "round_1_resolved", 1, member("u2"))
		assert.ErrorIs(t, err, ErrOverrideRequired)

		forced, err := e.Transition(t.Context(), r.ID, "round_1_resolved", 1, admin("admin-1"))
		require.NoError(t, err)
		assert.Equal(t, "round_1_resolved", forced.Phase)
	})

	t.Run("backward and repeated moves are rejected", func(t *testing.T) {
		store := NewMemoryStore()
		e := newEngine(store, baseTime)
		r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseActive, nil)

		_, err := e.Transition(t.Context(), r.ID, models.PhaseScheduled, 1, admin("admin-1"))
		assert.ErrorIs(t, err, ErrIllegalTransition)

		_, err = e.Transition(t.Context(), r.ID, models.PhaseActive, 1, admin("admin-1"))
		assert.ErrorIs(t, err, ErrIllegalTransition)
	})

	t.Run("stale observed version is refused", func(t *testing.T) {
		store := NewMemoryStore()
		e := newEngine(store, baseTime)
		r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseCreated, nil)

		_, err := e.Transition(t.Context(), r.ID, models.PhaseScheduled, 1, member("creator-1"))
		require.NoError(t, err)

		_, err = e.Transition(t.Context(), r.ID, models.PhaseActive, 1, member("creator-1"))
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("campus scope is enforced", func(t *testing.T) {
		store := NewMemoryStore()
		e := newEngine(store, baseTime)
		r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseCreated, nil)

		_, err := e.Transition(t.Context(), r.ID, models.PhaseScheduled, 1, Actor{UserID: "u", CampusID: "other-campus"})
		assert.ErrorIs(t, err, ErrCampusMismatch)
	})
}

func TestArchive(t *testing.T) {
	t.Run("requires override authority", func(t *testing.T) {
		store := NewMemoryStore()
		e := newEngine(store, baseTime)
		r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseActive, nil)

		_, err := e.Archive(t.Context(), r.ID, 1, member("creator-1"))
		assert.ErrorIs(t, err, ErrOverrideRequired)

		got, err := e.Archive(t.Context(), r.ID, 1, admin("admin-1"))
		require.NoError(t, err)
		assert.Equal(t, models.PhaseArchived, got.Phase)
		require.NotNil(t, got.ArchivedAt)
	})

	t.Run("completed rituals cannot be archived", func(t *testing.T) {
		store := NewMemoryStore()
		e := newEngine(store, baseTime)
		r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseCompleted, nil)

		_, err := e.Archive(t.Context(), r.ID, 1, admin("admin-1"))
		assert.ErrorIs(t, err, ErrIllegalTransition)
	})
}

func TestLotteryDraw(t *testing.T) {
	store := NewMemoryStore()
	e := newEngine(store, baseTime)

	r := seedRitual(t, store, models.ArchetypeBetaLottery, lotteryConfig(), models.PhaseEntryClosed, nil)
	entrants := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, id := range entrants {
		seedParticipation(t, store, r.ID, id, nil)
	}

	_, err := e.Transition(t.Context(), r.ID, models.PhaseDrawn, 1, admin("admin-1"))
	require.NoError(t, err)

	results, err := store.ListRoundResults(t.Context(), r.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var outcome RoundOutcome
	require.NoError(t, json.Unmarshal(results[0].Outcome, &outcome))
	require.Len(t, outcome.DrawWinners, 2) // slot_count

	seen := map[string]bool{}
	for _, id := range entrants {
		seen[id] = true
	}
	for _, w := range outcome.DrawWinners {
		assert.True(t, seen[w], "winner %s is not an entrant", w)
	}
	assert.NotEqual(t, outcome.DrawWinners[0], outcome.DrawWinners[1])
}

func TestSurvivalRoundResolution(t *testing.T) {
	store := NewMemoryStore()
	now := baseTime
	e := newEngine(store, now)

	r := seedRitual(t, store, models.ArchetypeSurvival, survivalConfig(), "round_1_voting", nil)
	for _, id := range []string{"u1", "u2", "u3"} {
		seedParticipation(t, store, r.ID, id, nil)
	}
	contrib, _ := newContrib(store, now)
	_, err := contrib.Contribute(t.Context(), r.ID, member("u1"), ContributionInput{Kind: KindVote, Target: "bravo"})
	require.NoError(t, err)
	_, err = contrib.Contribute(t.Context(), r.ID, member("u2"), ContributionInput{Kind: KindVote, Target: "bravo"})
	require.NoError(t, err)
	_, err = contrib.Contribute(t.Context(), r.ID, member("u3"), ContributionInput{Kind: KindVote, Target: "alpha"})
	require.NoError(t, err)

	// All three participants voted, so the threshold trigger already
	// resolved the round inside the last contribution.
	got, err := store.FindRitual(t.Context(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "round_1_eliminated", got.Phase)

	results, err := store.ListRoundResults(t.Context(), r.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var outcome RoundOutcome
	require.NoError(t, json.Unmarshal(results[0].Outcome, &outcome))
	require.NotNil(t, outcome.Eliminated)
	assert.Equal(t, "bravo", outcome.Eliminated.ID)
	require.Len(t, outcome.Remaining, 2)

	// Voters survived the round.
	p, err := store.FindParticipation(t.Context(), r.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.RoundsSurvived)

	// A vote for the eliminated contestant is rejected next round.
	_, err = e.Transition(t.Context(), got.ID, "round_2_voting", got.PhaseVersion, admin("admin-1"))
	require.NoError(t, err)
	_, err = contrib.Contribute(t.Context(), r.ID, member("u1"), ContributionInput{Kind: KindVote, Target: "bravo"})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestTournamentRoundResolution(t *testing.T) {
	store := NewMemoryStore()
	now := baseTime
	e := newEngine(store, now)

	r := seedRitual(t, store, models.ArchetypeTournament, tournamentConfig(), "round_1_voting", nil)
	for _, id := range []string{"u1", "u2", "u3"} {
		seedParticipation(t, store, r.ID, id, nil)
	}
	contrib, _ := newContrib(store, now)
	votes := map[string]string{"u1": "b", "u2": "b", "u3": "c"}
	for user, target := range votes {
		_, err := contrib.Contribute(t.Context(), r.ID, member(user), ContributionInput{Kind: KindVote, Target: target})
		require.NoError(t, err)
	}

	got, err := store.FindRitual(t.Context(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "round_1_resolved", got.Phase)

	results, err := store.ListRoundResults(t.Context(), r.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var outcome RoundOutcome
	require.NoError(t, json.Unmarshal(results[0].Outcome, &outcome))
	require.Len(t, outcome.Winners, 2)
	assert.Equal(t, "b", outcome.Winners[0].ID) // 2 votes beat 0
	assert.Equal(t, "c", outcome.Winners[1].ID) // 1 vote beats 0

	// Round two pairs the winners in slot order.
	_, err = e.Transition(t.Context(), r.ID, "round_2_voting", got.PhaseVersion, member("creator-1"))
	require.NoError(t, err)

	cfg, err := ParseConfig(got.Archetype, got.Config)
	require.NoError(t, err)
	matchups, err := bracketRound(cfg.(models.TournamentConfig), 2, results)
	require.NoError(t, err)
	require.Len(t, matchups, 1)
	assert.Equal(t, "b", matchups[0].SideA.ID)
	assert.Equal(t, "c", matchups[0].SideB.ID)
}
