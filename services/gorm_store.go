package services

import (
	"context"
	"errors"
	"time"

	"campus-ritual-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the postgres-backed Store.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func (s *GormStore) CreateRitual(ctx context.Context, r *models.Ritual) error {
	return s.DB.WithContext(ctx).Create(r).Error
}

func (s *GormStore) FindRitual(ctx context.Context, id string) (*models.Ritual, error) {
	var r models.Ritual
	if err := s.DB.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRitualNotFound
		}
		return nil, err
	}
	return &r, nil
}

// SaveRitual is the single optimistic-concurrency write every
// transition path funnels through. The WHERE clause carries the
// observed version; zero rows affected means somebody else won.
func (s *GormStore) SaveRitual(ctx context.Context, r *models.Ritual, expectedVersion int64) error {
	res := s.DB.WithContext(ctx).
		Model(&models.Ritual{}).
		Where("id = ? AND phase_version = ?", r.ID, expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(r)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.DB.WithContext(ctx).Model(&models.Ritual{}).Where("id = ?", r.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrRitualNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *GormStore) FindDueRituals(ctx context.Context, before time.Time) ([]models.Ritual, error) {
	var rituals []models.Ritual
	err := s.DB.WithContext(ctx).
		Where("phase NOT IN ? AND phase_deadline IS NOT NULL AND phase_deadline <= ?",
			[]string{models.PhaseCompleted, models.PhaseArchived}, before).
		Order("phase_deadline ASC").
		Find(&rituals).Error
	return rituals, err
}

func (s *GormStore) ListRitualsByCampus(ctx context.Context, campusID string) ([]models.Ritual, error) {
	var rituals []models.Ritual
	err := s.DB.WithContext(ctx).
		Where("campus_id = ?", campusID).
		Order("created_at DESC").
		Find(&rituals).Error
	return rituals, err
}

func (s *GormStore) FindParticipation(ctx context.Context, ritualID, userID string) (*models.Participation, error) {
	var p models.Participation
	err := s.DB.WithContext(ctx).
		Where("ritual_id = ? AND user_id = ?", ritualID, userID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrParticipationNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateParticipation inserts with ON CONFLICT DO NOTHING on the
// (ritual, user) unique index, so N simultaneous joins produce exactly
// one row; losers get the winner's row back.
func (s *GormStore) CreateParticipation(ctx context.Context, p *models.Participation) (*models.Participation, bool, error) {
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ritual_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(p)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		existing, err := s.FindParticipation(ctx, p.RitualID, p.UserID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return p, true, nil
}

func (s *GormStore) UpdateParticipation(ctx context.Context, p *models.Participation) error {
	return s.DB.WithContext(ctx).Save(p).Error
}

// PageParticipations fetches one leaderboard page with a keyset
// predicate over the snapshotted sort key, so already-returned ranks
// never shift when new contributions land between pages.
func (s *GormStore) PageParticipations(ctx context.Context, ritualID string, key SortKey, cursor *Cursor, limit int) ([]models.Participation, error) {
	q := s.DB.WithContext(ctx).
		Where("ritual_id = ? AND status = ?", ritualID, models.ParticipationActive)

	if cursor != nil {
		joined := time.UnixMicro(cursor.JoinedAt).UTC()
		if key.SecondaryColumn != "" {
			q = q.Where(
				"("+key.PrimaryColumn+" < ?"+
					" OR ("+key.PrimaryColumn+" = ? AND "+key.SecondaryColumn+" < ?)"+
					" OR ("+key.PrimaryColumn+" = ? AND "+key.SecondaryColumn+" = ? AND joined_at > ?)"+
					" OR ("+key.PrimaryColumn+" = ? AND "+key.SecondaryColumn+" = ? AND joined_at = ? AND user_id > ?))",
				cursor.Primary,
				cursor.Primary, cursor.Secondary,
				cursor.Primary, cursor.Secondary, joined,
				cursor.Primary, cursor.Secondary, joined, cursor.UserID,
			)
		} else {
			q = q.Where(
				"("+key.PrimaryColumn+" < ?"+
					" OR ("+key.PrimaryColumn+" = ? AND joined_at > ?)"+
					" OR ("+key.PrimaryColumn+" = ? AND joined_at = ? AND user_id > ?))",
				cursor.Primary,
				cursor.Primary, joined,
				cursor.Primary, joined, cursor.UserID,
			)
		}
	}

	q = q.Order(key.PrimaryColumn + " DESC")
	if key.SecondaryColumn != "" {
		q = q.Order(key.SecondaryColumn + " DESC")
	}

	var page []models.Participation
	err := q.
		Order("joined_at ASC").
		Order("user_id ASC").
		Limit(limit).
		Find(&page).Error
	return page, err
}

func (s *GormStore) CountActiveParticipations(ctx context.Context, ritualID string) (int64, error) {
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&models.Participation{}).
		Where("ritual_id = ? AND status = ?", ritualID, models.ParticipationActive).
		Count(&count).Error
	return count, err
}

func (s *GormStore) ListActiveParticipations(ctx context.Context, ritualID string) ([]models.Participation, error) {
	var parts []models.Participation
	err := s.DB.WithContext(ctx).
		Where("ritual_id = ? AND status = ?", ritualID, models.ParticipationActive).
		Order("joined_at ASC").
		Find(&parts).Error
	return parts, err
}

// InsertContribution relies on the (ritual, user, dedup_key) unique
// index for the at-most-once guarantee; a duplicate is reported, not an
// error.
func (s *GormStore) InsertContribution(ctx context.Context, c *models.Contribution) (bool, error) {
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ritual_id"}, {Name: "user_id"}, {Name: "dedup_key"}},
			DoNothing: true,
		}).
		Create(c)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) CountContributions(ctx context.Context, ritualID string) (int64, error) {
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&models.Contribution{}).
		Where("ritual_id = ?", ritualID).
		Count(&count).Error
	return count, err
}

func (s *GormStore) CountContributionsInPhase(ctx context.Context, ritualID, phase string) (int64, error) {
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&models.Contribution{}).
		Where("ritual_id = ? AND phase = ?", ritualID, phase).
		Count(&count).Error
	return count, err
}

func (s *GormStore) TallyVotes(ctx context.Context, ritualID, phase string) (map[string]int64, error) {
	type row struct {
		Target string
		Votes  int64
	}
	var rows []row
	err := s.DB.WithContext(ctx).
		Model(&models.Contribution{}).
		Select("target, COUNT(*) AS votes").
		Where("ritual_id = ? AND phase = ? AND target <> ''", ritualID, phase).
		Group("target").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	tally := make(map[string]int64, len(rows))
	for _, r := range rows {
		tally[r.Target] = r.Votes
	}
	return tally, nil
}

func (s *GormStore) ContributorsInPhase(ctx context.Context, ritualID, phase string) ([]string, error) {
	var users []string
	err := s.DB.WithContext(ctx).
		Model(&models.Contribution{}).
		Distinct("user_id").
		Where("ritual_id = ? AND phase = ?", ritualID, phase).
		Pluck("user_id", &users).Error
	return users, err
}

func (s *GormStore) SaveRoundResult(ctx context.Context, rr *models.RitualRoundResult) error {
	return s.DB.WithContext(ctx).Create(rr).Error
}

func (s *GormStore) ListRoundResults(ctx context.Context, ritualID string) ([]models.RitualRoundResult, error) {
	var results []models.RitualRoundResult
	err := s.DB.WithContext(ctx).
		Where("ritual_id = ?", ritualID).
		Order("resolved_at ASC").
		Find(&results).Error
	return results, err
}

// Tx: either the whole ledger+metrics+phase update commits or none of
// it does.
func (s *GormStore) Tx(ctx context.Context, fn func(Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{DB: tx})
	})
}
