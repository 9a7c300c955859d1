package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"campus-ritual-engine/models"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// RitualBanner is the compact card shown in feeds and campus home
// screens.
type RitualBanner struct {
	ID               string     `json:"id"`
	Slug             string     `json:"slug"`
	Title            string     `json:"title"`
	Archetype        string     `json:"archetype"`
	ArchetypeLabel   string     `json:"archetype_label"`
	Phase            string     `json:"phase"`
	PhaseLabel       string     `json:"phase_label"`
	CallToAction     string     `json:"call_to_action,omitempty"`
	BannerURL        string     `json:"banner_url,omitempty"`
	ParticipantCount int64      `json:"participant_count"`
	Progress         int64      `json:"progress"`
	Target           int64      `json:"target,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	StartAt          time.Time  `json:"start_at"`
	EndAt            *time.Time `json:"end_at,omitempty"`
}

// MilestoneView is one unlock milestone with its reached flag.
type MilestoneView struct {
	Value   int64 `json:"value"`
	Reached bool  `json:"reached"`
}

// RevealView is one leak reveal. Future reveals are withheld entirely;
// only their count is disclosed.
type RevealView struct {
	At       time.Time `json:"at"`
	AssetURL string    `json:"asset_url"`
	Caption  string    `json:"caption,omitempty"`
}

// ContestantView is a roster entry with elimination standing.
type ContestantView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Eliminated bool   `json:"eliminated"`
}

// MatchupView is one bracket pairing with its winner once resolved.
type MatchupView struct {
	Slot   int                `json:"slot"`
	SideA  models.Contestant  `json:"side_a"`
	SideB  *models.Contestant `json:"side_b,omitempty"`
	Bye    bool               `json:"bye,omitempty"`
	Winner *models.Contestant `json:"winner,omitempty"`
}

// BracketRoundView is one tournament round.
type BracketRoundView struct {
	Round    int           `json:"round"`
	Matchups []MatchupView `json:"matchups"`
	Resolved bool          `json:"resolved"`
}

// RitualDetail is the full ritual page: the banner plus the
// archetype-specific sections the config and round history yield.
type RitualDetail struct {
	RitualBanner
	Description  string     `json:"description,omitempty"`
	RewardMarker string     `json:"reward_marker,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	Milestones     []MilestoneView    `json:"milestones,omitempty"`
	Reveals        []RevealView       `json:"reveals,omitempty"`
	PendingReveals int                `json:"pending_reveals,omitempty"`
	Roster         []ContestantView   `json:"roster,omitempty"`
	Bracket        []BracketRoundView `json:"bracket,omitempty"`
	DrawWinners    []string           `json:"draw_winners,omitempty"`
	RevealAt       *time.Time         `json:"reveal_at,omitempty"`
	DropAt         *time.Time         `json:"drop_at,omitempty"`
	FeatureKey     string             `json:"feature_key,omitempty"`
	InvertedRule   string             `json:"inverted_rule,omitempty"`
}

// Presenter shapes rituals for the read endpoints. It never mutates
// state; everything it shows is derived from the ritual row, its
// config, and recorded round results.
type Presenter struct {
	store Store
	clock func() time.Time
}

func NewPresenter(store Store) *Presenter {
	return &Presenter{store: store, clock: time.Now}
}

// Banner builds the feed card for one ritual.
func (pr *Presenter) Banner(r *models.Ritual) RitualBanner {
	b := RitualBanner{
		ID:               r.ID,
		Slug:             r.Slug,
		Title:            r.Title,
		Archetype:        r.Archetype,
		ArchetypeLabel:   humanize(r.Archetype),
		Phase:            r.Phase,
		PhaseLabel:       humanize(r.Phase),
		CallToAction:     callToAction(r),
		BannerURL:        r.BannerURL,
		ParticipantCount: r.Metrics.ParticipantCount,
		Progress:         r.Metrics.Progress,
		Deadline:         r.PhaseDeadline,
		StartAt:          r.StartAt,
		EndAt:            r.EndAt,
	}
	if cfg, err := ParseConfig(r.Archetype, r.Config); err == nil {
		if c, ok := cfg.(models.UnlockChallengeConfig); ok {
			b.Target = c.Target
		}
	}
	return b
}

// Detail builds the full ritual page, including round history.
func (pr *Presenter) Detail(ctx context.Context, r *models.Ritual) (*RitualDetail, error) {
	d := &RitualDetail{
		RitualBanner: pr.Banner(r),
		Description:  r.Description,
		RewardMarker: r.RewardMarker,
		CompletedAt:  r.CompletedAt,
	}

	cfg, err := ParseConfig(r.Archetype, r.Config)
	if err != nil {
		return nil, err
	}
	results, err := pr.store.ListRoundResults(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	now := pr.clock()

	switch c := cfg.(type) {
	case models.UnlockChallengeConfig:
		for _, m := range c.Milestones {
			d.Milestones = append(d.Milestones, MilestoneView{Value: m, Reached: r.Metrics.Progress >= m})
		}
	case models.LeakConfig:
		// Unreleased assets never leave the server.
		for _, reveal := range c.Reveals {
			if reveal.At.After(now) {
				d.PendingReveals++
				continue
			}
			d.Reveals = append(d.Reveals, RevealView{At: reveal.At, AssetURL: reveal.AssetURL, Caption: reveal.Caption})
		}
	case models.SurvivalConfig:
		remaining, err := survivalRemaining(c, results)
		if err != nil {
			return nil, err
		}
		alive := make(map[string]bool, len(remaining))
		for _, contestant := range remaining {
			alive[contestant.ID] = true
		}
		for _, contestant := range c.Contestants {
			d.Roster = append(d.Roster, ContestantView{
				ID:         contestant.ID,
				Name:       contestant.Name,
				Eliminated: !alive[contestant.ID],
			})
		}
	case models.TournamentConfig:
		bracket, err := pr.bracket(c, r, results)
		if err != nil {
			return nil, err
		}
		d.Bracket = bracket
	case models.BetaLotteryConfig:
		for _, rr := range results {
			if rr.Phase != models.PhaseDrawn {
				continue
			}
			var outcome RoundOutcome
			if err := decodeOutcome(rr, &outcome); err != nil {
				return nil, err
			}
			d.DrawWinners = outcome.DrawWinners
		}
	case models.LaunchCountdownConfig:
		t := c.RevealAt
		d.RevealAt = &t
	case models.FeatureDropConfig:
		t := c.DropAt
		d.DropAt = &t
		d.FeatureKey = c.FeatureKey
	case models.RuleInversionConfig:
		d.InvertedRule = c.InvertedRule
	}
	return d, nil
}

// bracket renders every round that has started: past rounds from their
// recorded outcomes, the current round from the live pairing.
func (pr *Presenter) bracket(c models.TournamentConfig, r *models.Ritual, results []models.RitualRoundResult) ([]BracketRoundView, error) {
	currentRound := votingRound(r.Phase)
	var views []BracketRoundView

	for round := 1; round <= tournamentRounds(c); round++ {
		matchups, err := bracketRound(c, round, results)
		if err != nil {
			// Later rounds have no pairing yet.
			break
		}
		view := BracketRoundView{Round: round}
		var winners []models.Contestant
		if outcome, err := outcomeForRound(results, round); err == nil {
			view.Resolved = true
			winners = outcome.Winners
		}
		for i, m := range matchups {
			mv := MatchupView{Slot: m.Slot, SideA: m.SideA, Bye: m.Bye}
			if !m.Bye {
				side := m.SideB
				mv.SideB = &side
			}
			if view.Resolved && i < len(winners) {
				w := winners[i]
				mv.Winner = &w
			}
			view.Matchups = append(view.Matchups, mv)
		}
		views = append(views, view)
		if !view.Resolved || (currentRound > 0 && round >= currentRound) {
			break
		}
	}
	return views, nil
}

func decodeOutcome(rr models.RitualRoundResult, out *RoundOutcome) error {
	if len(rr.Outcome) == 0 {
		return nil
	}
	return json.Unmarshal(rr.Outcome, out)
}

// callToAction picks the one-line prompt a banner shows for the
// ritual's current standing.
func callToAction(r *models.Ritual) string {
	switch r.Phase {
	case models.PhaseScheduled:
		return "Starting soon"
	case models.PhaseEntryOpen:
		return "Enter the draw"
	case models.PhaseEntryClosed:
		return "Entries closed"
	case models.PhaseDrawn:
		return "See who got in"
	case models.PhaseCompleted:
		return "Wrapped"
	case models.PhaseArchived:
		return ""
	}
	if votingRound(r.Phase) > 0 {
		return "Vote now"
	}
	switch r.Archetype {
	case models.ArchetypeFoundingClass, models.ArchetypeRuleInversion:
		return "Check in today"
	case models.ArchetypeLaunchCountdown:
		return "Check in before the reveal"
	case models.ArchetypeUnlockChallenge:
		return "Keep pushing"
	case models.ArchetypeLeak:
		return "Catch the latest leak"
	case models.ArchetypeFeatureDrop:
		return "Dropping soon"
	default:
		return "Results pending"
	}
}

func humanize(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}
