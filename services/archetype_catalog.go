package services

import (
	"encoding/json"
	"fmt"
	"time"

	"campus-ritual-engine/models"

	"gorm.io/datatypes"
)

// The archetype catalog: everything archetype-specific lives behind
// these tag-dispatched functions (config validation, phase sequences,
// point formulas, deadlines, threshold targets, sort keys). Shared
// lifecycle and ledger mechanics never branch on archetype.

// Flat point values for archetypes whose config carries none.
const (
	countdownCheckInPoints = 5
	lotteryEntryPoints     = 1
	unlockBasePoints       = 10
	unlockMilestoneBonus   = 50
	featureDropPoints      = 10
	inversionBasePoints    = 10
)

// ParseConfig decodes a stored config into its archetype-specific shape.
func ParseConfig(archetype string, raw datatypes.JSON) (interface{}, error) {
	var (
		cfg interface{}
		err error
	)
	switch archetype {
	case models.ArchetypeFoundingClass:
		c := models.FoundingClassConfig{}
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.ArchetypeLaunchCountdown:
		c := models.LaunchCountdownConfig{}
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.ArchetypeBetaLottery:
		c := models.BetaLotteryConfig{}
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.ArchetypeUnlockChallenge:
		c := models.UnlockChallengeConfig{}
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.ArchetypeSurvival:
		c := models.SurvivalConfig{}
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.ArchetypeLeak:
		c := models.LeakConfig{}
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.ArchetypeTournament:
		c := models.TournamentConfig{}
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.ArchetypeFeatureDrop:
		c := models.FeatureDropConfig{}
		err = json.Unmarshal(raw, &c)
		cfg = c
	case models.ArchetypeRuleInversion:
		c := models.RuleInversionConfig{}
		err = json.Unmarshal(raw, &c)
		cfg = c
	default:
		return nil, invalid("archetype", fmt.Sprintf("must be one of %v", models.AllArchetypes))
	}
	if err != nil {
		return nil, invalid("config", "is not valid JSON for the archetype")
	}
	return cfg, nil
}

// ValidateConfig validates a raw archetype configuration as a whole,
// applies defaults, and returns the normalized form. Failures name the
// offending field and are never partially applied.
func ValidateConfig(archetype string, raw []byte) (datatypes.JSON, error) {
	cfg, err := ParseConfig(archetype, raw)
	if err != nil {
		return nil, err
	}

	switch c := cfg.(type) {
	case models.FoundingClassConfig:
		if c.MemberCap < 0 {
			return nil, invalid("member_cap", "must be non-negative")
		}
		if c.CheckInPoints == 0 {
			c.CheckInPoints = 10
		}
		if c.CheckInPoints < 0 {
			return nil, invalid("check_in_points", "must be positive")
		}
		cfg = c
	case models.LaunchCountdownConfig:
		if c.RevealAt.IsZero() {
			return nil, invalid("reveal_at", "is required")
		}
		if !strictlyIncreasing(c.TeaserMilestones) {
			return nil, invalid("teaser_milestones", "must be strictly increasing")
		}
		cfg = c
	case models.BetaLotteryConfig:
		if c.SlotCount < 0 {
			return nil, invalid("slot_count", "must be non-negative")
		}
		if c.EntryDeadline.IsZero() {
			return nil, invalid("entry_deadline", "is required")
		}
		if !c.DrawAt.After(c.EntryDeadline) {
			return nil, invalid("draw_at", "must be strictly after entry_deadline")
		}
		cfg = c
	case models.UnlockChallengeConfig:
		if c.Metric == "" {
			c.Metric = "posts"
		}
		if c.Target <= 0 {
			return nil, invalid("target", "must be positive")
		}
		if len(c.Milestones) == 0 {
			return nil, invalid("milestones", "must not be empty")
		}
		if !strictlyIncreasing(c.Milestones) {
			return nil, invalid("milestones", "must be strictly increasing")
		}
		if c.Milestones[len(c.Milestones)-1] != c.Target {
			return nil, invalid("milestones", "must culminate at the target value")
		}
		if c.RewardMarker == "" {
			return nil, invalid("reward_marker", "is required")
		}
		cfg = c
	case models.SurvivalConfig:
		if len(c.Contestants) < 2 {
			return nil, invalid("contestants", "must have at least two entries")
		}
		if err := uniqueContestants(c.Contestants); err != nil {
			return nil, err
		}
		if c.Rounds < 1 || c.Rounds > len(c.Contestants)-1 {
			return nil, invalid("rounds", "must be between 1 and one less than the roster size")
		}
		if c.RoundDurationMin <= 0 {
			return nil, invalid("round_duration_min", "must be positive")
		}
		if c.VotePoints == 0 {
			c.VotePoints = 15
		}
		if c.VotePoints < 0 {
			return nil, invalid("vote_points", "must be positive")
		}
		cfg = c
	case models.LeakConfig:
		if len(c.Reveals) == 0 {
			return nil, invalid("reveals", "must not be empty")
		}
		for i := 1; i < len(c.Reveals); i++ {
			if !c.Reveals[i].At.After(c.Reveals[i-1].At) {
				return nil, invalid("reveals", "must have strictly increasing reveal times")
			}
		}
		if c.CheckInPoints == 0 {
			c.CheckInPoints = 10
		}
		if c.FreshBonus == 0 {
			c.FreshBonus = 25
		}
		if c.CheckInPoints < 0 {
			return nil, invalid("check_in_points", "must be positive")
		}
		if c.FreshBonus < 0 {
			return nil, invalid("fresh_bonus", "must be positive")
		}
		cfg = c
	case models.TournamentConfig:
		if len(c.Matchups) == 0 {
			return nil, invalid("matchups", "must not be empty")
		}
		if !powerOfTwo(len(c.Matchups)) {
			return nil, invalid("matchups", "must have a power-of-two count")
		}
		for i, m := range c.Matchups {
			if m.SideA.ID == "" {
				return nil, invalid(fmt.Sprintf("matchups[%d].side_a", i), "is required")
			}
			if m.SideB.ID == "" && !m.Bye {
				return nil, invalid(fmt.Sprintf("matchups[%d].side_b", i), "is required unless the matchup is explicitly byed")
			}
		}
		if c.RoundDurationMin <= 0 {
			return nil, invalid("round_duration_min", "must be positive")
		}
		if c.VotePoints == 0 {
			c.VotePoints = 20
		}
		if c.VotePoints < 0 {
			return nil, invalid("vote_points", "must be positive")
		}
		cfg = c
	case models.FeatureDropConfig:
		if c.FeatureKey == "" {
			return nil, invalid("feature_key", "is required")
		}
		if c.DropAt.IsZero() {
			return nil, invalid("drop_at", "is required")
		}
		cfg = c
	case models.RuleInversionConfig:
		if c.RuleID == "" {
			return nil, invalid("rule_id", "is required")
		}
		if c.InvertedRule == "" {
			return nil, invalid("inverted_rule", "is required")
		}
		if c.BonusFactor == 0 {
			c.BonusFactor = 2
		}
		if c.BonusFactor < 1 {
			return nil, invalid("bonus_factor", "must be at least 1")
		}
		cfg = c
	}

	normalized, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal normalized config: %w", err)
	}
	return datatypes.JSON(normalized), nil
}

// PhaseSequence returns the totally ordered phase list for a ritual.
// Transitions only ever move forward through this sequence; archived is
// orthogonal and reachable from any non-completed phase.
func PhaseSequence(archetype string, cfg interface{}) []string {
	head := []string{models.PhaseCreated, models.PhaseScheduled}

	switch c := cfg.(type) {
	case models.BetaLotteryConfig:
		return append(head,
			models.PhaseEntryOpen, models.PhaseEntryClosed, models.PhaseDrawn, models.PhaseCompleted)
	case models.TournamentConfig:
		phases := head
		for r := 1; r <= tournamentRounds(c); r++ {
			phases = append(phases, votingPhase(r), resolvedPhase(r))
		}
		return append(phases, models.PhaseCompleted)
	case models.SurvivalConfig:
		phases := head
		for r := 1; r <= c.Rounds; r++ {
			phases = append(phases, votingPhase(r), eliminatedPhase(r))
		}
		return append(phases, models.PhaseCompleted)
	default:
		return append(head, models.PhaseActive, models.PhaseCompleted)
	}
}

func votingPhase(round int) string     { return fmt.Sprintf("round_%d_voting", round) }
func resolvedPhase(round int) string   { return fmt.Sprintf("round_%d_resolved", round) }
func eliminatedPhase(round int) string { return fmt.Sprintf("round_%d_eliminated", round) }

// votingRound returns the round number when phase is a voting phase, 0 otherwise.
func votingRound(phase string) int {
	var round int
	if _, err := fmt.Sscanf(phase, "round_%d_voting", &round); err != nil {
		return 0
	}
	return round
}

// tournamentRounds derives the bracket depth from the first-round
// matchup count (validated to be a power of two).
func tournamentRounds(c models.TournamentConfig) int {
	rounds := 1
	for n := len(c.Matchups); n > 1; n /= 2 {
		rounds++
	}
	return rounds
}

// AcceptsContributions reports whether a phase accepts participation
// events for the archetype.
func AcceptsContributions(archetype, phase string) bool {
	switch archetype {
	case models.ArchetypeBetaLottery:
		return phase == models.PhaseEntryOpen
	case models.ArchetypeTournament, models.ArchetypeSurvival:
		return votingRound(phase) > 0
	default:
		return phase == models.PhaseActive
	}
}

// AcceptsJoins: joining is open from scheduled onward, up to the last
// contribution-accepting phase.
func AcceptsJoins(archetype, phase string) bool {
	return phase == models.PhaseScheduled || AcceptsContributions(archetype, phase)
}

// PointInput carries everything a point formula may read. Formulas are
// pure: the same input always yields the same delta, so the ledger is
// replayable.
type PointInput struct {
	Kind          string
	Target        string
	OccurredAt    time.Time
	PriorProgress int64
	NewProgress   int64
}

// PointDelta computes the archetype-specific point award for one
// accepted contribution.
func PointDelta(cfg interface{}, in PointInput) int64 {
	switch c := cfg.(type) {
	case models.FoundingClassConfig:
		return c.CheckInPoints
	case models.LaunchCountdownConfig:
		return countdownCheckInPoints
	case models.BetaLotteryConfig:
		return lotteryEntryPoints
	case models.UnlockChallengeConfig:
		points := int64(unlockBasePoints)
		for _, m := range c.Milestones {
			if in.PriorProgress < m && in.NewProgress >= m {
				points += unlockMilestoneBonus
			}
		}
		return points
	case models.SurvivalConfig:
		return c.VotePoints
	case models.LeakConfig:
		points := c.CheckInPoints
		for _, reveal := range c.Reveals {
			since := in.OccurredAt.Sub(reveal.At)
			if since >= 0 && since <= time.Hour {
				points += c.FreshBonus
				break
			}
		}
		return points
	case models.TournamentConfig:
		return c.VotePoints
	case models.FeatureDropConfig:
		return featureDropPoints
	case models.RuleInversionConfig:
		return inversionBasePoints * c.BonusFactor
	default:
		return 0
	}
}

// NextDeadline returns the wall-clock due time for a phase, or nil when
// the phase has no time-based exit (created waits on its creator;
// unlock challenges complete only by threshold).
func NextDeadline(r *models.Ritual, cfg interface{}, phase string, entered time.Time) *time.Time {
	switch phase {
	case models.PhaseCreated, models.PhaseCompleted, models.PhaseArchived:
		return nil
	case models.PhaseScheduled:
		t := r.StartAt
		return &t
	case models.PhaseEntryOpen:
		if c, ok := cfg.(models.BetaLotteryConfig); ok {
			t := c.EntryDeadline
			return &t
		}
	case models.PhaseEntryClosed:
		if c, ok := cfg.(models.BetaLotteryConfig); ok {
			t := c.DrawAt
			return &t
		}
	case models.PhaseDrawn:
		// Resolved bookkeeping phase; the next tick completes it.
		return &entered
	}

	if round := votingRound(phase); round > 0 {
		var mins int
		switch c := cfg.(type) {
		case models.TournamentConfig:
			mins = c.RoundDurationMin
		case models.SurvivalConfig:
			mins = c.RoundDurationMin
		}
		t := entered.Add(time.Duration(mins) * time.Minute)
		return &t
	}
	if phase != models.PhaseActive {
		// round_N_resolved / round_N_eliminated advance on the next tick.
		return &entered
	}

	switch c := cfg.(type) {
	case models.LaunchCountdownConfig:
		t := c.RevealAt
		return &t
	case models.FeatureDropConfig:
		t := c.DropAt
		return &t
	case models.LeakConfig:
		t := c.Reveals[len(c.Reveals)-1].At
		return &t
	case models.UnlockChallengeConfig:
		// Threshold-only completion, never a timer.
		return nil
	default:
		return r.EndAt
	}
}

// ThresholdTarget inspects the metrics snapshot and returns the phase a
// threshold trigger should advance to, or "" when no threshold is met.
// Evaluated after every accepted contribution, in the same logical
// operation, so a ritual is never observably "complete by value" while
// still showing an accepting phase.
func ThresholdTarget(r *models.Ritual, cfg interface{}) string {
	switch c := cfg.(type) {
	case models.UnlockChallengeConfig:
		if r.Phase == models.PhaseActive && r.Metrics.Progress >= c.Target {
			return models.PhaseCompleted
		}
	case models.TournamentConfig:
		if round := votingRound(r.Phase); round > 0 && allVotesIn(r) {
			return resolvedPhase(round)
		}
	case models.SurvivalConfig:
		if round := votingRound(r.Phase); round > 0 && allVotesIn(r) {
			return eliminatedPhase(round)
		}
	}
	return ""
}

// allVotesIn: every active participant has cast their one vote for the
// current round.
func allVotesIn(r *models.Ritual) bool {
	return r.Metrics.ParticipantCount > 0 && r.Metrics.PhaseProgress >= r.Metrics.ParticipantCount
}

func strictlyIncreasing(values []int64) bool {
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			return false
		}
	}
	return true
}

func powerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func uniqueContestants(contestants []models.Contestant) error {
	seen := make(map[string]bool, len(contestants))
	for i, c := range contestants {
		if c.ID == "" {
			return invalid(fmt.Sprintf("contestants[%d].id", i), "is required")
		}
		if seen[c.ID] {
			return invalid(fmt.Sprintf("contestants[%d].id", i), "must be unique")
		}
		seen[c.ID] = true
	}
	return nil
}
