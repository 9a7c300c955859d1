package services

import (
	"context"
	"time"

	"campus-ritual-engine/models"
)

// Store is the persistence boundary the engine calls. GormStore backs
// production; MemoryStore backs tests. Implementations must guarantee
// the documented atomicity of Tx: the engine never applies in-memory
// effects without confirmed persistence.
type Store interface {
	// Rituals
	CreateRitual(ctx context.Context, r *models.Ritual) error
	FindRitual(ctx context.Context, id string) (*models.Ritual, error)
	// SaveRitual writes r only if the stored phase version still equals
	// expectedVersion; otherwise ErrVersionConflict. Every transition
	// path goes through this single version-checked write.
	SaveRitual(ctx context.Context, r *models.Ritual, expectedVersion int64) error
	// FindDueRituals returns non-terminal rituals whose phase deadline
	// is at or before the given instant.
	FindDueRituals(ctx context.Context, before time.Time) ([]models.Ritual, error)
	ListRitualsByCampus(ctx context.Context, campusID string) ([]models.Ritual, error)

	// Participations
	FindParticipation(ctx context.Context, ritualID, userID string) (*models.Participation, error)
	// CreateParticipation inserts p, or returns the existing row (and
	// false) when one already exists for (ritual, user). Concurrent
	// joins must produce exactly one row.
	CreateParticipation(ctx context.Context, p *models.Participation) (*models.Participation, bool, error)
	UpdateParticipation(ctx context.Context, p *models.Participation) error
	PageParticipations(ctx context.Context, ritualID string, key SortKey, cursor *Cursor, limit int) ([]models.Participation, error)
	CountActiveParticipations(ctx context.Context, ritualID string) (int64, error)
	ListActiveParticipations(ctx context.Context, ritualID string) ([]models.Participation, error)

	// Contribution ledger (source of truth for the metrics snapshot)
	// InsertContribution returns false when the dedup key was already
	// applied for (ritual, user), the at-most-once guard.
	InsertContribution(ctx context.Context, c *models.Contribution) (bool, error)
	CountContributions(ctx context.Context, ritualID string) (int64, error)
	CountContributionsInPhase(ctx context.Context, ritualID, phase string) (int64, error)
	TallyVotes(ctx context.Context, ritualID, phase string) (map[string]int64, error)
	ContributorsInPhase(ctx context.Context, ritualID, phase string) ([]string, error)

	// Round results
	SaveRoundResult(ctx context.Context, rr *models.RitualRoundResult) error
	ListRoundResults(ctx context.Context, ritualID string) ([]models.RitualRoundResult, error)

	// Tx runs fn against a transactional view of the store. fn must not
	// call Tx again.
	Tx(ctx context.Context, fn func(Store) error) error
}
