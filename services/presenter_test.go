package services

import (
	"testing"
	"time"

	"campus-ritual-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanner(t *testing.T) {
	store := NewMemoryStore()
	pr := NewPresenter(store)

	deadline := baseTime.Add(24 * time.Hour)
	r := seedRitual(t, store, models.ArchetypeBetaLottery, lotteryConfig(), models.PhaseEntryOpen, &deadline)
	r.Metrics.ParticipantCount = 7

	b := pr.Banner(r)
	assert.Equal(t, "Beta Lottery", b.ArchetypeLabel)
	assert.Equal(t, "Entry Open", b.PhaseLabel)
	assert.Equal(t, "Enter the draw", b.CallToAction)
	assert.Equal(t, int64(7), b.ParticipantCount)
	require.NotNil(t, b.Deadline)
	assert.True(t, b.Deadline.Equal(deadline))
}

func TestBannerCallToActions(t *testing.T) {
	cases := []struct {
		archetype string
		phase     string
		want      string
	}{
		{models.ArchetypeFoundingClass, models.PhaseScheduled, "Starting soon"},
		{models.ArchetypeFoundingClass, models.PhaseActive, "Check in today"},
		{models.ArchetypeSurvival, "round_3_voting", "Vote now"},
		{models.ArchetypeUnlockChallenge, models.PhaseActive, "Keep pushing"},
		{models.ArchetypeFeatureDrop, models.PhaseActive, "Dropping soon"},
		{models.ArchetypeBetaLottery, models.PhaseDrawn, "See who got in"},
		{models.ArchetypeTournament, models.PhaseCompleted, "Wrapped"},
	}
	for _, tc := range cases {
		r := &models.Ritual{Archetype: tc.archetype, Phase: tc.phase}
		assert.Equal(t, tc.want, callToAction(r), "%s/%s", tc.archetype, tc.phase)
	}
}

func TestDetailWithholdsFutureLeaks(t *testing.T) {
	store := NewMemoryStore()
	pr := NewPresenter(store)
	pr.clock = fixedClock(baseTime)

	cfg := models.LeakConfig{
		Reveals: []models.LeakReveal{
			{At: baseTime.Add(-2 * time.Hour), AssetURL: "https://cdn/one.png", Caption: "first look"},
			{At: baseTime.Add(3 * time.Hour), AssetURL: "https://cdn/two.png"},
			{At: baseTime.Add(6 * time.Hour), AssetURL: "https://cdn/three.png"},
		},
	}
	r := seedRitual(t, store, models.ArchetypeLeak, cfg, models.PhaseActive, nil)

	d, err := pr.Detail(t.Context(), r)
	require.NoError(t, err)
	require.Len(t, d.Reveals, 1)
	assert.Equal(t, "https://cdn/one.png", d.Reveals[0].AssetURL)
	assert.Equal(t, 2, d.PendingReveals)
}

func TestDetailMilestoneFlags(t *testing.T) {
	store := NewMemoryStore()
	pr := NewPresenter(store)

	cfg := models.UnlockChallengeConfig{
		Target:       500,
		Milestones:   []int64{100, 250, 500},
		RewardMarker: "anonymous_posting",
	}
	r := seedRitual(t, store, models.ArchetypeUnlockChallenge, cfg, models.PhaseActive, nil)
	r.Metrics.Progress = 260

	d, err := pr.Detail(t.Context(), r)
	require.NoError(t, err)
	assert.Equal(t, int64(500), d.Target)
	require.Len(t, d.Milestones, 3)
	assert.True(t, d.Milestones[0].Reached)
	assert.True(t, d.Milestones[1].Reached)
	assert.False(t, d.Milestones[2].Reached)
}

func TestDetailSurvivalRoster(t *testing.T) {
	store := NewMemoryStore()
	pr := NewPresenter(store)

	r := seedRitual(t, store, models.ArchetypeSurvival, survivalConfig(), "round_1_voting", nil)
	for _, id := range []string{"u1", "u2"} {
		seedParticipation(t, store, r.ID, id, nil)
	}
	contrib, _ := newContrib(store, baseTime)
	_, err := contrib.Contribute(t.Context(), r.ID, member("u1"), ContributionInput{Kind: KindVote, Target: "charlie"})
	require.NoError(t, err)
	_, err = contrib.Contribute(t.Context(), r.ID, member("u2"), ContributionInput{Kind: KindVote, Target: "charlie"})
	require.NoError(t, err)

	got, err := store.FindRitual(t.Context(), r.ID)
	require.NoError(t, err)
	require.Equal(t, "round_1_eliminated", got.Phase)

	d, err := pr.Detail(t.Context(), got)
	require.NoError(t, err)
	require.Len(t, d.Roster, 3)
	byID := map[string]ContestantView{}
	for _, c := range d.Roster {
		byID[c.ID] = c
	}
	assert.False(t, byID["alpha"].Eliminated)
	assert.False(t, byID["bravo"].Eliminated)
	assert.True(t, byID["charlie"].Eliminated)
}

func TestDetailBracket(t *testing.T) {
	store := NewMemoryStore()
	pr := NewPresenter(store)

	r := seedRitual(t, store, models.ArchetypeTournament, tournamentConfig(), "round_1_voting", nil)
	for _, id := range []string{"u1", "u2"} {
		seedParticipation(t, store, r.ID, id, nil)
	}
	contrib, _ := newContrib(store, baseTime)
	_, err := contrib.Contribute(t.Context(), r.ID, member("u1"), ContributionInput{Kind: KindVote, Target: "b"})
	require.NoError(t, err)
	_, err = contrib.Contribute(t.Context(), r.ID, member("u2"), ContributionInput{Kind: KindVote, Target: "d"})
	require.NoError(t, err)

	got, err := store.FindRitual(t.Context(), r.ID)
	require.NoError(t, err)
	require.Equal(t, "round_1_resolved", got.Phase)

	d, err := pr.Detail(t.Context(), got)
	require.NoError(t, err)
	require.Len(t, d.Bracket, 2)

	round1 := d.Bracket[0]
	assert.True(t, round1.Resolved)
	require.Len(t, round1.Matchups, 2)
	require.NotNil(t, round1.Matchups[0].Winner)
	assert.Equal(t, "b", round1.Matchups[0].Winner.ID)
	require.NotNil(t, round1.Matchups[1].Winner)
	assert.Equal(t, "d", round1.Matchups[1].Winner.ID)

	round2 := d.Bracket[1]
	assert.False(t, round2.Resolved)
	require.Len(t, round2.Matchups, 1)
	assert.Equal(t, "b", round2.Matchups[0].SideA.ID)
	require.NotNil(t, round2.Matchups[0].SideB)
	assert.Equal(t, "d", round2.Matchups[0].SideB.ID)
}
