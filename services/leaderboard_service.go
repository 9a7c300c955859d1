package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"campus-ritual-engine/models"
)

// SortKey names the ranking columns for a leaderboard and carries the
// matching accessors so the in-memory store can rank without SQL. The
// primary column sorts descending, the optional secondary descending
// after it; joined_at ascending and then user id ascending break the
// remaining ties, which makes every ranking total and every cursor
// position unambiguous.
type SortKey struct {
	PrimaryColumn   string
	SecondaryColumn string // empty when the key has no secondary metric
	Primary         func(*models.Participation) int64
	Secondary       func(*models.Participation) int64
}

// secondaryValue reads the secondary metric, or 0 for single-metric
// keys so cursor tuples stay comparable.
func secondaryValue(key SortKey, p *models.Participation) int64 {
	if key.Secondary == nil {
		return 0
	}
	return key.Secondary(p)
}

// Cursor pins a pagination position to the sort values of the last row
// served, not to an offset, so rows shifting rank between requests
// never duplicate or swallow entries. JoinedAt is UnixMicro. Rank is
// the rank of that last row, carried forward so page numbering stays
// continuous without a counting query.
type Cursor struct {
	Primary   int64  `json:"p"`
	Secondary int64  `json:"s"`
	JoinedAt  int64  `json:"j"`
	UserID    string `json:"u"`
	Rank      int64  `json:"r"`
}

// SortKeyFor returns the ranking for an archetype. Survival ranks by
// rounds survived first, points second; everything else by total points
// alone. Earlier join wins ties on the metric columns.
func SortKeyFor(archetype string) SortKey {
	if archetype == models.ArchetypeSurvival {
		return SortKey{
			PrimaryColumn:   "rounds_survived",
			SecondaryColumn: "total_points",
			Primary:         func(p *models.Participation) int64 { return int64(p.RoundsSurvived) },
			Secondary:       func(p *models.Participation) int64 { return p.TotalPoints },
		}
	}
	return SortKey{
		PrimaryColumn: "total_points",
		Primary:       func(p *models.Participation) int64 { return p.TotalPoints },
	}
}

func encodeCursor(c *Cursor) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, invalid("cursor", "must be a token returned by a previous page")
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, invalid("cursor", "must be a token returned by a previous page")
	}
	return &c, nil
}

// LeaderboardEntry is one ranked row, display-ready.
type LeaderboardEntry struct {
	Rank           int64     `json:"rank"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	AvatarURL      *string   `json:"avatar_url,omitempty"`
	TotalPoints    int64     `json:"total_points"`
	StreakCount    int       `json:"streak_count"`
	BestStreak     int       `json:"best_streak"`
	RoundsSurvived int       `json:"rounds_survived,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
}

// LeaderboardPage is one page plus the token for the next one; an
// empty token means the ranking is exhausted.
type LeaderboardPage struct {
	Entries    []LeaderboardEntry `json:"entries"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// LeaderboardService serves ranked, cursor-paginated standings for a
// ritual. Rankings are computed from participation counters, so they
// reflect exactly the ledger-derived state the contribution path
// maintains.
type LeaderboardService struct {
	store    Store
	profiles ProfileResolver
}

// ProfileResolver supplies display names for ranked rows. Lookups are
// best effort: a missing profile yields a row without a name, never an
// error.
type ProfileResolver interface {
	Resolve(ctx context.Context, userIDs []string) (map[string]models.MemberProfile, error)
}

func NewLeaderboardService(store Store, profiles ProfileResolver) *LeaderboardService {
	return &LeaderboardService{store: store, profiles: profiles}
}

// Page returns one leaderboard page. The cursor token, when present,
// must come from a previous page of the same ritual; ranks continue
// from the position it encodes.
func (l *LeaderboardService) Page(ctx context.Context, ritualID, cursorToken string, limit int) (*LeaderboardPage, error) {
	r, err := l.store.FindRitual(ctx, ritualID)
	if err != nil {
		return nil, err
	}
	cursor, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	key := SortKeyFor(r.Archetype)
	rows, err := l.store.PageParticipations(ctx, ritualID, key, cursor, limit)
	if err != nil {
		return nil, err
	}

	profiles := map[string]models.MemberProfile{}
	if l.profiles != nil && len(rows) > 0 {
		ids := make([]string, len(rows))
		for i, p := range rows {
			ids[i] = p.UserID
		}
		if resolved, err := l.profiles.Resolve(ctx, ids); err == nil {
			profiles = resolved
		}
	}

	baseRank := int64(0)
	if cursor != nil {
		baseRank = cursor.Rank
	}

	page := &LeaderboardPage{Entries: make([]LeaderboardEntry, 0, len(rows))}
	for i := range rows {
		p := rows[i]
		entry := LeaderboardEntry{
			Rank:           baseRank + int64(i) + 1,
			UserID:         p.UserID,
			TotalPoints:    p.TotalPoints,
			StreakCount:    p.StreakCount,
			BestStreak:     p.BestStreak,
			RoundsSurvived: p.RoundsSurvived,
			JoinedAt:       p.JoinedAt,
		}
		if profile, ok := profiles[p.UserID]; ok {
			entry.DisplayName = profile.DisplayName
			entry.AvatarURL = profile.AvatarURL
		}
		page.Entries = append(page.Entries, entry)
	}

	if len(rows) == limit {
		last := rows[len(rows)-1]
		token, err := encodeCursor(&Cursor{
			Primary:   key.Primary(&last),
			Secondary: secondaryValue(key, &last),
			JoinedAt:  last.JoinedAt.UnixMicro(),
			UserID:    last.UserID,
			Rank:      baseRank + int64(len(rows)),
		})
		if err != nil {
			return nil, err
		}
		page.NextCursor = token
	}
	return page, nil
}
