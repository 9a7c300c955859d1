package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"campus-ritual-engine/models"
)

// MemoryStore is an in-memory Store for tests. Transactions serialize
// on a single mutex; there is no rollback, which is sufficient for the
// race and idempotency properties exercised against it.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	rituals        map[string]models.Ritual
	participations map[string]map[string]models.Participation // ritual -> user
	contributions  []models.Contribution
	dedup          map[string]bool
	roundResults   map[string][]models.RitualRoundResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rituals:        make(map[string]models.Ritual),
		participations: make(map[string]map[string]models.Participation),
		dedup:          make(map[string]bool),
		roundResults:   make(map[string][]models.RitualRoundResult),
	}
}

func (s *MemoryStore) CreateRitual(ctx context.Context, r *models.Ritual) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rituals[r.ID] = *r
	return nil
}

func (s *MemoryStore) FindRitual(ctx context.Context, id string) (*models.Ritual, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rituals[id]
	if !ok {
		return nil, ErrRitualNotFound
	}
	copy := r
	return &copy, nil
}

func (s *MemoryStore) SaveRitual(ctx context.Context, r *models.Ritual, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.rituals[r.ID]
	if !ok {
		return ErrRitualNotFound
	}
	if stored.PhaseVersion != expectedVersion {
		return ErrVersionConflict
	}
	s.rituals[r.ID] = *r
	return nil
}

func (s *MemoryStore) FindDueRituals(ctx context.Context, before time.Time) ([]models.Ritual, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.Ritual
	for _, r := range s.rituals {
		if r.Terminal() || r.PhaseDeadline == nil {
			continue
		}
		if !r.PhaseDeadline.After(before) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].PhaseDeadline.Before(*due[j].PhaseDeadline) })
	return due, nil
}

func (s *MemoryStore) ListRitualsByCampus(ctx context.Context, campusID string) ([]models.Ritual, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Ritual
	for _, r := range s.rituals {
		if r.CampusID == campusID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) FindParticipation(ctx context.Context, ritualID, userID string) (*models.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participations[ritualID][userID]
	if !ok {
		return nil, ErrParticipationNotFound
	}
	copy := p
	return &copy, nil
}

func (s *MemoryStore) CreateParticipation(ctx context.Context, p *models.Participation) (*models.Participation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.participations[p.RitualID]
	if !ok {
		byUser = make(map[string]models.Participation)
		s.participations[p.RitualID] = byUser
	}
	if existing, ok := byUser[p.UserID]; ok {
		copy := existing
		return &copy, false, nil
	}
	byUser[p.UserID] = *p
	return p, true, nil
}

func (s *MemoryStore) UpdateParticipation(ctx context.Context, p *models.Participation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.participations[p.RitualID]
	if !ok {
		return ErrParticipationNotFound
	}
	if _, ok := byUser[p.UserID]; !ok {
		return ErrParticipationNotFound
	}
	byUser[p.UserID] = *p
	return nil
}

func (s *MemoryStore) PageParticipations(ctx context.Context, ritualID string, key SortKey, cursor *Cursor, limit int) ([]models.Participation, error) {
	s.mu.RLock()
	ranked := make([]models.Participation, 0, len(s.participations[ritualID]))
	for _, p := range s.participations[ritualID] {
		if p.Status == models.ParticipationActive {
			ranked = append(ranked, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(ranked, func(i, j int) bool { return rankLess(key, &ranked[i], &ranked[j]) })

	start := 0
	if cursor != nil {
		for i := range ranked {
			if cursorBefore(key, cursor, &ranked[i]) {
				start = i
				break
			}
			start = len(ranked)
		}
	}
	end := start + limit
	if end > len(ranked) {
		end = len(ranked)
	}
	return ranked[start:end], nil
}

// rankLess orders by primary desc, optional secondary desc, joined asc,
// user asc.
func rankLess(key SortKey, a, b *models.Participation) bool {
	if pa, pb := key.Primary(a), key.Primary(b); pa != pb {
		return pa > pb
	}
	if sa, sb := secondaryValue(key, a), secondaryValue(key, b); sa != sb {
		return sa > sb
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.UserID < b.UserID
}

// cursorBefore reports whether p ranks strictly after the cursor tuple.
func cursorBefore(key SortKey, c *Cursor, p *models.Participation) bool {
	joined := time.UnixMicro(c.JoinedAt).UTC()
	if pv := key.Primary(p); pv != c.Primary {
		return pv < c.Primary
	}
	if sv := secondaryValue(key, p); sv != c.Secondary {
		return sv < c.Secondary
	}
	if !p.JoinedAt.Equal(joined) {
		return p.JoinedAt.After(joined)
	}
	return p.UserID > c.UserID
}

func (s *MemoryStore) CountActiveParticipations(ctx context.Context, ritualID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, p := range s.participations[ritualID] {
		if p.Status == models.ParticipationActive {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListActiveParticipations(ctx context.Context, ritualID string) ([]models.Participation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var parts []models.Participation
	for _, p := range s.participations[ritualID] {
		if p.Status == models.ParticipationActive {
			parts = append(parts, p)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].JoinedAt.Before(parts[j].JoinedAt) })
	return parts, nil
}

func (s *MemoryStore) InsertContribution(ctx context.Context, c *models.Contribution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := c.RitualID + "|" + c.UserID + "|" + c.DedupKey
	if s.dedup[k] {
		return false, nil
	}
	s.dedup[k] = true
	s.contributions = append(s.contributions, *c)
	return true, nil
}

func (s *MemoryStore) CountContributions(ctx context.Context, ritualID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, c := range s.contributions {
		if c.RitualID == ritualID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountContributionsInPhase(ctx context.Context, ritualID, phase string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, c := range s.contributions {
		if c.RitualID == ritualID && c.Phase == phase {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) TallyVotes(ctx context.Context, ritualID, phase string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tally := make(map[string]int64)
	for _, c := range s.contributions {
		if c.RitualID == ritualID && c.Phase == phase && c.Target != "" {
			tally[c.Target]++
		}
	}
	return tally, nil
}

func (s *MemoryStore) ContributorsInPhase(ctx context.Context, ritualID, phase string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var users []string
	for _, c := range s.contributions {
		if c.RitualID == ritualID && c.Phase == phase && !seen[c.UserID] {
			seen[c.UserID] = true
			users = append(users, c.UserID)
		}
	}
	return users, nil
}

func (s *MemoryStore) SaveRoundResult(ctx context.Context, rr *models.RitualRoundResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundResults[rr.RitualID] = append(s.roundResults[rr.RitualID], *rr)
	return nil
}

func (s *MemoryStore) ListRoundResults(ctx context.Context, ritualID string) ([]models.RitualRoundResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.RitualRoundResult(nil), s.roundResults[ritualID]...), nil
}

func (s *MemoryStore) Tx(ctx context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}
