package models

import "time"

// The nine ritual archetypes. Closed set; a ritual is exactly one
// archetype for its lifetime.
const (
	ArchetypeFoundingClass   = "founding_class"
	ArchetypeLaunchCountdown = "launch_countdown"
	ArchetypeBetaLottery     = "beta_lottery"
	ArchetypeUnlockChallenge = "unlock_challenge"
	ArchetypeSurvival        = "survival"
	ArchetypeLeak            = "leak"
	ArchetypeTournament      = "tournament"
	ArchetypeFeatureDrop     = "feature_drop"
	ArchetypeRuleInversion   = "rule_inversion"
)

// AllArchetypes lists every valid archetype tag.
var AllArchetypes = []string{
	ArchetypeFoundingClass,
	ArchetypeLaunchCountdown,
	ArchetypeBetaLottery,
	ArchetypeUnlockChallenge,
	ArchetypeSurvival,
	ArchetypeLeak,
	ArchetypeTournament,
	ArchetypeFeatureDrop,
	ArchetypeRuleInversion,
}

// FoundingClassConfig is an early-member campaign with daily check-ins.
type FoundingClassConfig struct {
	MemberCap     int   `json:"member_cap"`
	CheckInPoints int64 `json:"check_in_points"`
}

// LaunchCountdownConfig is a countdown to a reveal moment, with optional
// aggregate-progress teaser milestones along the way.
type LaunchCountdownConfig struct {
	RevealAt         time.Time `json:"reveal_at"`
	TeaserMilestones []int64   `json:"teaser_milestones,omitempty"`
}

// BetaLotteryConfig takes entries until a deadline, then runs a draw.
// SlotCount 0 means every entrant wins.
type BetaLotteryConfig struct {
	SlotCount     int       `json:"slot_count"`
	EntryDeadline time.Time `json:"entry_deadline"`
	DrawAt        time.Time `json:"draw_at"`
}

// UnlockChallengeConfig is a campus-wide metric race to a target.
// Milestones must be strictly increasing and end at Target.
type UnlockChallengeConfig struct {
	Metric       string  `json:"metric"`
	Target       int64   `json:"target"`
	Milestones   []int64 `json:"milestones"`
	RewardMarker string  `json:"reward_marker"`
}

// Contestant is a bracket/roster entry for Survival and Tournament.
type Contestant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SurvivalConfig is a roster voted down one contestant per round.
type SurvivalConfig struct {
	Contestants      []Contestant `json:"contestants"`
	Rounds           int          `json:"rounds"`
	RoundDurationMin int          `json:"round_duration_min"`
	VotePoints       int64        `json:"vote_points"`
}

// LeakReveal is one scheduled drop in a Leak ritual.
type LeakReveal struct {
	At       time.Time `json:"at"`
	AssetURL string    `json:"asset_url,omitempty"`
	Caption  string    `json:"caption,omitempty"`
}

// LeakConfig schedules staged reveals at strictly increasing times.
type LeakConfig struct {
	Reveals       []LeakReveal `json:"reveals"`
	CheckInPoints int64        `json:"check_in_points"`
	FreshBonus    int64        `json:"fresh_bonus"` // extra points within an hour of a reveal
}

// Matchup is one first-round pairing in a Tournament bracket. A byed
// matchup has no SideB and auto-advances SideA.
type Matchup struct {
	Slot  int        `json:"slot"`
	SideA Contestant `json:"side_a"`
	SideB Contestant `json:"side_b,omitempty"`
	Bye   bool       `json:"bye,omitempty"`
}

// TournamentConfig is a bracket of matchups voted round by round.
type TournamentConfig struct {
	Matchups         []Matchup `json:"matchups"`
	RoundDurationMin int       `json:"round_duration_min"`
	VotePoints       int64     `json:"vote_points"`
}

// FeatureDropConfig is a feature unlocked at a fixed time.
type FeatureDropConfig struct {
	FeatureKey string    `json:"feature_key"`
	DropAt     time.Time `json:"drop_at"`
}

// RuleInversionConfig is a campus rule flipped for the ritual window.
type RuleInversionConfig struct {
	RuleID       string `json:"rule_id"`
	InvertedRule string `json:"inverted_rule"`
	BonusFactor  int64  `json:"bonus_factor"` // point multiplier while inverted
}
