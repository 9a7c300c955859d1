package services

import (
	"context"
	"testing"
	"time"

	"campus-ritual-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]models.MemberProfile

func (m mapResolver) Resolve(ctx context.Context, userIDs []string) (map[string]models.MemberProfile, error) {
	out := make(map[string]models.MemberProfile)
	for _, id := range userIDs {
		if p, ok := m[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func TestLeaderboardOrdering(t *testing.T) {
	store := NewMemoryStore()
	r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseActive, nil)

	seedParticipation(t, store, r.ID, "late-high", func(p *models.Participation) {
		p.TotalPoints = 100
		p.CompletionCount = 10
		p.JoinedAt = baseTime.Add(time.Hour)
	})
	seedParticipation(t, store, r.ID, "early-high", func(p *models.Participation) {
		p.TotalPoints = 100
		p.CompletionCount = 10
		p.JoinedAt = baseTime
	})
	seedParticipation(t, store, r.ID, "busy", func(p *models.Participation) {
		p.TotalPoints = 100
		p.CompletionCount = 12
		p.JoinedAt = baseTime.Add(2 * time.Hour)
	})
	seedParticipation(t, store, r.ID, "low", func(p *models.Participation) {
		p.TotalPoints = 40
		p.CompletionCount = 4
		p.JoinedAt = baseTime
	})

	lb := NewLeaderboardService(store, mapResolver{
		"busy": {UserID: "busy", DisplayName: "Busy Bee"},
	})

	page, err := lb.Page(t.Context(), r.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 4)
	assert.Empty(t, page.NextCursor)

	// Points desc, then earlier joined_at wins. Completion counts never
	// enter the ordering: "busy" out-completed everyone but joined last.
	assert.Equal(t, "early-high", page.Entries[0].UserID)
	assert.Equal(t, "late-high", page.Entries[1].UserID)
	assert.Equal(t, "busy", page.Entries[2].UserID)
	assert.Equal(t, "low", page.Entries[3].UserID)

	assert.Equal(t, int64(1), page.Entries[0].Rank)
	assert.Equal(t, int64(4), page.Entries[3].Rank)
	assert.Equal(t, "Busy Bee", page.Entries[2].DisplayName)
	assert.Empty(t, page.Entries[0].DisplayName) // no profile mirrored yet
}

func TestLeaderboardEqualPointsFavorEarlierJoiner(t *testing.T) {
	store := NewMemoryStore()
	r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseActive, nil)

	seedParticipation(t, store, r.ID, "late-busy", func(p *models.Participation) {
		p.TotalPoints = 80
		p.CompletionCount = 20
		p.JoinedAt = baseTime.Add(time.Hour)
	})
	seedParticipation(t, store, r.ID, "early-few", func(p *models.Participation) {
		p.TotalPoints = 80
		p.CompletionCount = 2
		p.JoinedAt = baseTime
	})

	lb := NewLeaderboardService(store, nil)
	page, err := lb.Page(t.Context(), r.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "early-few", page.Entries[0].UserID)
	assert.Equal(t, "late-busy", page.Entries[1].UserID)
}

func TestLeaderboardCursorPagination(t *testing.T) {
	store := NewMemoryStore()
	r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseActive, nil)

	// u2 and u3 tie on points; the first page break lands inside the tie
	// so the cursor has to discriminate on joined_at.
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	points := []int64{100, 90, 90, 80, 70}
	for i, id := range users {
		pts := points[i]
		joined := baseTime.Add(time.Duration(i) * time.Minute)
		seedParticipation(t, store, r.ID, id, func(p *models.Participation) {
			p.TotalPoints = pts
			p.JoinedAt = joined
		})
	}

	lb := NewLeaderboardService(store, nil)

	var collected []string
	cursor := ""
	pages := 0
	for {
		page, err := lb.Page(t.Context(), r.ID, cursor, 2)
		require.NoError(t, err)
		for _, e := range page.Entries {
			collected = append(collected, e.UserID)
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
		require.Less(t, pages, 10, "pagination did not terminate")
	}

	assert.Equal(t, users, collected)
}

func TestLeaderboardCursorStableUnderInserts(t *testing.T) {
	store := NewMemoryStore()
	r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseActive, nil)

	for i, id := range []string{"a", "b", "c", "d"} {
		points := int64(100 - 10*i)
		seedParticipation(t, store, r.ID, id, func(p *models.Participation) {
			p.TotalPoints = points
			p.JoinedAt = baseTime.Add(time.Duration(i) * time.Minute)
		})
	}

	lb := NewLeaderboardService(store, nil)

	first, err := lb.Page(t.Context(), r.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	require.NotEmpty(t, first.NextCursor)

	// A new top scorer arrives between page reads. The cursor pins a
	// position, so the second page neither skips nor repeats anyone who
	// ranked below it.
	seedParticipation(t, store, r.ID, "newcomer", func(p *models.Participation) {
		p.TotalPoints = 999
		p.JoinedAt = baseTime.Add(time.Hour)
	})

	second, err := lb.Page(t.Context(), r.ID, first.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Entries, 2)
	assert.Equal(t, "c", second.Entries[0].UserID)
	assert.Equal(t, "d", second.Entries[1].UserID)
}

func TestLeaderboardInvalidCursor(t *testing.T) {
	store := NewMemoryStore()
	r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseActive, nil)

	lb := NewLeaderboardService(store, nil)
	_, err := lb.Page(t.Context(), r.ID, "not-a-cursor", 10)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSurvivalLeaderboardRanksByRoundsSurvived(t *testing.T) {
	store := NewMemoryStore()
	r := seedRitual(t, store, models.ArchetypeSurvival, survivalConfig(), "round_2_voting", nil)

	seedParticipation(t, store, r.ID, "survivor", func(p *models.Participation) {
		p.RoundsSurvived = 2
		p.TotalPoints = 30
	})
	seedParticipation(t, store, r.ID, "points-rich", func(p *models.Participation) {
		p.RoundsSurvived = 1
		p.TotalPoints = 500
	})

	lb := NewLeaderboardService(store, nil)
	page, err := lb.Page(t.Context(), r.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "survivor", page.Entries[0].UserID)
	assert.Equal(t, "points-rich", page.Entries[1].UserID)
}

func TestLeaderboardExcludesWithdrawn(t *testing.T) {
	store := NewMemoryStore()
	contrib, _ := newContrib(store, baseTime)
	r := seedRitual(t, store, models.ArchetypeFoundingClass, foundingConfig(), models.PhaseActive, nil)

	_, err := contrib.Contribute(t.Context(), r.ID, member("u1"), ContributionInput{})
	require.NoError(t, err)
	_, err = contrib.Contribute(t.Context(), r.ID, member("u2"), ContributionInput{})
	require.NoError(t, err)
	_, err = contrib.Withdraw(t.Context(), r.ID, member("u2"))
	require.NoError(t, err)

	lb := NewLeaderboardService(store, nil)
	page, err := lb.Page(t.Context(), r.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "u1", page.Entries[0].UserID)
}
