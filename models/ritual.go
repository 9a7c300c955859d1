package models

import (
	"time"

	"gorm.io/datatypes"
)

// Shared lifecycle phases. Archetype-specific intermediate phases
// (round_1_voting, entry_closed, ...) are generated per ritual by the
// archetype catalog; see services.PhaseSequence.
const (
	PhaseCreated   = "created"
	PhaseScheduled = "scheduled"
	PhaseActive    = "active"
	PhaseCompleted = "completed"
	PhaseArchived  = "archived"

	// BetaLottery intermediates. EntryOpen takes the place of "active"
	// for that archetype: entries are accepted only while it lasts.
	PhaseEntryOpen   = "entry_open"
	PhaseEntryClosed = "entry_closed"
	PhaseDrawn       = "drawn"
)

// MetricsSnapshot is a denormalized aggregate over the contribution
// ledger. It is a cache: RebuildMetrics can always re-derive it.
type MetricsSnapshot struct {
	ParticipantCount int64      `json:"participant_count" gorm:"default:0"`
	Progress         int64      `json:"progress" gorm:"default:0"`
	PhaseProgress    int64      `json:"phase_progress" gorm:"default:0"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// Ritual is the aggregate root for one running campaign.
type Ritual struct {
	ID          string `json:"id" gorm:"primaryKey"`
	CampusID    string `json:"campus_id" gorm:"not null;index"`
	Slug        string `json:"slug" gorm:"index"`
	Title       string `json:"title" gorm:"not null"`
	Description string `json:"description"`

	// Archetype is immutable after creation; Config is the validated
	// archetype-specific configuration, stored whole.
	Archetype string         `json:"archetype" gorm:"not null;index"`
	Config    datatypes.JSON `json:"config"`

	// Phase machine state. PhaseVersion increments on every accepted
	// transition and guards optimistic-concurrency writes.
	Phase         string     `json:"phase" gorm:"not null;default:'created';index"`
	PhaseVersion  int64      `json:"phase_version" gorm:"not null;default:1"`
	PhaseDeadline *time.Time `json:"phase_deadline,omitempty" gorm:"index"`

	// Time window. Timezone is the IANA zone used for calendar-day
	// streak arithmetic.
	StartAt  time.Time  `json:"start_at" gorm:"not null"`
	EndAt    *time.Time `json:"end_at,omitempty"`
	Timezone string     `json:"timezone" gorm:"default:'UTC'"`

	Metrics MetricsSnapshot `json:"metrics" gorm:"embedded;embeddedPrefix:metrics_"`

	// RewardMarker is set when a threshold archetype completes by
	// reaching its target (e.g. the UnlockChallenge unlock).
	RewardMarker string `json:"reward_marker,omitempty"`

	BannerURL string `json:"banner_url,omitempty"`
	CreatedBy string `json:"created_by" gorm:"index"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`

	Timestamps
}

// Terminal reports whether no further participation or transition is
// accepted.
func (r *Ritual) Terminal() bool {
	return r.Phase == PhaseCompleted || r.Phase == PhaseArchived
}

// RitualRoundResult records the resolved outcome of one voting phase
// (tournament round winners, survival eliminations, lottery draw).
// Written once by the phase engine at resolution time.
type RitualRoundResult struct {
	ID         string         `json:"id" gorm:"primaryKey"`
	RitualID   string         `json:"ritual_id" gorm:"not null;index"`
	Phase      string         `json:"phase" gorm:"not null"`
	Round      int            `json:"round"`
	Outcome    datatypes.JSON `json:"outcome"`
	ResolvedAt time.Time      `json:"resolved_at"`
}
