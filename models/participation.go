package models

import (
	"time"

	"gorm.io/gorm"
)

// Participation statuses. Rows are never deleted: withdrawal is a flag,
// preserving historical leaderboard integrity.
const (
	ParticipationActive    = "active"
	ParticipationWithdrawn = "withdrawn"
)

// Participation = one user's membership + accrued contribution summary
// within one ritual. At most one row per (ritual, user).
type Participation struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	RitualID string `gorm:"not null;uniqueIndex:idx_ritual_user" json:"ritual_id"`
	UserID   string `gorm:"not null;uniqueIndex:idx_ritual_user" json:"user_id"`
	CampusID string `gorm:"not null;index" json:"campus_id"`

	Status   string    `json:"status" gorm:"type:varchar(16);default:'active'"`
	JoinedAt time.Time `json:"joined_at" gorm:"not null;index"`

	// Engagement counters. CompletionCount and TotalPoints are
	// monotonically non-decreasing while status is active.
	CompletionCount   int64      `json:"completion_count" gorm:"default:0"`
	StreakCount       int        `json:"streak_count" gorm:"default:0"`
	BestStreak        int        `json:"best_streak" gorm:"default:0"`
	TotalPoints       int64      `json:"total_points" gorm:"default:0;index"`
	RoundsSurvived    int        `json:"rounds_survived" gorm:"default:0"`
	LastContributedAt *time.Time `json:"last_contributed_at,omitempty"`

	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty"`

	Timestamps
}

// Contribution is one applied ledger event. The unique (ritual, user,
// dedup_key) index is what makes contribution processing at-most-once:
// a retried request maps to the same row and is dropped on conflict.
type Contribution struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	RitualID string `gorm:"not null;uniqueIndex:idx_contribution_dedup;index" json:"ritual_id"`
	UserID   string `gorm:"not null;uniqueIndex:idx_contribution_dedup" json:"user_id"`
	DedupKey string `gorm:"not null;uniqueIndex:idx_contribution_dedup;type:varchar(128)" json:"dedup_key"`

	Kind   string `json:"kind" gorm:"type:varchar(24);not null"` // check_in, vote, entry, progress
	Phase  string `json:"phase" gorm:"not null;index"`           // ritual phase when applied
	Target string `json:"target,omitempty"`                      // vote target (contestant id), if any
	Points int64  `json:"points"`

	OccurredAt time.Time `json:"occurred_at" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// MemberProfile mirrors display data from the profile service so
// leaderboard pages render without cross-service calls. Kept fresh by
// the profile sync worker.
type MemberProfile struct {
	UserID      string     `gorm:"primaryKey" json:"user_id"`
	CampusID    string     `gorm:"index" json:"campus_id"`
	DisplayName string     `json:"display_name"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
