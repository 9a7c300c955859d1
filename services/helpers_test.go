package services

import (
	"encoding/json"
	"testing"
	"time"

	"campus-ritual-engine/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// Monday noon UTC. Streak tests step whole days from here.
var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mustConfig(t *testing.T, archetype string, cfg interface{}) datatypes.JSON {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	normalized, err := ValidateConfig(archetype, raw)
	require.NoError(t, err)
	return normalized
}

func seedRitual(t *testing.T, store Store, archetype string, cfg interface{}, phase string, deadline *time.Time) *models.Ritual {
	t.Helper()
	r := &models.Ritual{
		ID:            uuid.NewString(),
		CampusID:      "campus-1",
		Slug:          "test-" + archetype,
		Title:         "Test " + archetype,
		Archetype:     archetype,
		Config:        mustConfig(t, archetype, cfg),
		Phase:         phase,
		PhaseVersion:  1,
		PhaseDeadline: deadline,
		StartAt:       baseTime,
		Timezone:      "UTC",
		CreatedBy:     "creator-1",
	}
	require.NoError(t, store.CreateRitual(t.Context(), r))
	return r
}

func seedParticipation(t *testing.T, store Store, ritualID, userID string, mutate func(*models.Participation)) *models.Participation {
	t.Helper()
	p := &models.Participation{
		ID:       uuid.NewString(),
		RitualID: ritualID,
		UserID:   userID,
		CampusID: "campus-1",
		Status:   models.ParticipationActive,
		JoinedAt: baseTime,
	}
	if mutate != nil {
		mutate(p)
	}
	_, created, err := store.CreateParticipation(t.Context(), p)
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func member(id string) Actor {
	return Actor{UserID: id, CampusID: "campus-1"}
}

func admin(id string) Actor {
	return Actor{UserID: id, CampusID: "campus-1", Roles: []string{"admin"}}
}

func foundingConfig() models.FoundingClassConfig {
	return models.FoundingClassConfig{MemberCap: 100, CheckInPoints: 10}
}

func lotteryConfig() models.BetaLotteryConfig {
	return models.BetaLotteryConfig{
		SlotCount:     2,
		EntryDeadline: baseTime.Add(24 * time.Hour),
		DrawAt:        baseTime.Add(48 * time.Hour),
	}
}

func survivalConfig() models.SurvivalConfig {
	return models.SurvivalConfig{
		Contestants: []models.Contestant{
			{ID: "alpha", Name: "Alpha"},
			{ID: "bravo", Name: "Bravo"},
			{ID: "charlie", Name: "Charlie"},
		},
		Rounds:           2,
		RoundDurationMin: 60,
		VotePoints:       15,
	}
}

func tournamentConfig() models.TournamentConfig {
	return models.TournamentConfig{
		Matchups: []models.Matchup{
			{Slot: 0, SideA: models.Contestant{ID: "a", Name: "A"}, SideB: models.Contestant{ID: "b", Name: "B"}},
			{Slot: 1, SideA: models.Contestant{ID: "c", Name: "C"}, SideB: models.Contestant{ID: "d", Name: "D"}},
		},
		RoundDurationMin: 60,
		VotePoints:       20,
	}
}

func unlockConfig() models.UnlockChallengeConfig {
	return models.UnlockChallengeConfig{
		Metric:       "posts",
		Target:       3,
		Milestones:   []int64{1, 3},
		RewardMarker: "anonymous_posting",
	}
}

func newEngine(store Store, now time.Time) *PhaseEngine {
	e := NewPhaseEngine(store)
	e.clock = fixedClock(now)
	return e
}

func newContrib(store Store, now time.Time) (*ContributionService, *PhaseEngine) {
	e := newEngine(store, now)
	c := NewContributionService(store, e)
	c.clock = fixedClock(now)
	return c, e
}
