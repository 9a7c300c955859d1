package services

import (
	"context"

	"campus-ritual-engine/models"

	"gorm.io/gorm"
)

// ProfileService reads the member_profiles mirror the profile sync
// worker maintains.
type ProfileService struct {
	DB *gorm.DB
}

func NewProfileService(db *gorm.DB) *ProfileService {
	return &ProfileService{DB: db}
}

// Resolve returns the known profiles among the given user ids. Missing
// ids are simply absent from the result.
func (s *ProfileService) Resolve(ctx context.Context, userIDs []string) (map[string]models.MemberProfile, error) {
	if len(userIDs) == 0 {
		return map[string]models.MemberProfile{}, nil
	}
	var rows []models.MemberProfile
	if err := s.DB.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]models.MemberProfile, len(rows))
	for _, p := range rows {
		out[p.UserID] = p
	}
	return out, nil
}
