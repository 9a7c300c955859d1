package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campus-ritual-engine/models"

	"github.com/google/uuid"
)

// Contribution kinds. Each archetype accepts exactly one kind; an empty
// kind on input defaults to it.
const (
	KindCheckIn  = "check_in"
	KindVote     = "vote"
	KindEntry    = "entry"
	KindProgress = "progress"
)

// ContributionInput is one participation event as the transport layer
// hands it over.
type ContributionInput struct {
	Kind string `json:"kind"`
	// Target is the contestant id for votes.
	Target string `json:"target"`
	// DedupKey is caller-supplied for progress events (the upstream
	// event id); for every other kind the service derives it.
	DedupKey string `json:"dedup_key"`
}

// ContributionResult reports what one event did. Accepted is false when
// the dedup guard suppressed a replay; the replay still returns the
// current participation state, so retrying clients converge.
type ContributionResult struct {
	Accepted      bool                  `json:"accepted"`
	Points        int64                 `json:"points"`
	Participation *models.Participation `json:"participation"`
	Ritual        *models.Ritual        `json:"ritual"`
}

// ContributionService owns the participation side of a ritual: joins,
// withdrawals, and the contribution ledger with its derived counters.
// Every write path runs in one transaction and retries version
// conflicts by re-reading, so a racing phase transition can delay a
// contribution but never corrupt it.
type ContributionService struct {
	store  Store
	engine *PhaseEngine
	clock  func() time.Time
}

func NewContributionService(store Store, engine *PhaseEngine) *ContributionService {
	return &ContributionService{store: store, engine: engine, clock: time.Now}
}

// Join enrolls a user. Idempotent: a second join returns the existing
// participation; a join after withdrawal reactivates the row with its
// counters intact.
func (c *ContributionService) Join(ctx context.Context, ritualID string, actor Actor) (*models.Participation, error) {
	var out *models.Participation
	err := c.withRetry(ctx, func(s Store) error {
		r, err := s.FindRitual(ctx, ritualID)
		if err != nil {
			return err
		}
		if actor.CampusID != "" && actor.CampusID != r.CampusID {
			return ErrCampusMismatch
		}
		if !AcceptsJoins(r.Archetype, r.Phase) {
			return ErrJoinsClosed
		}
		cfg, err := ParseConfig(r.Archetype, r.Config)
		if err != nil {
			return err
		}
		if err := checkCapacity(ctx, s, r, cfg); err != nil {
			return err
		}

		p, err := c.ensureActiveParticipation(ctx, s, r, actor.UserID)
		if err != nil {
			return err
		}
		if err := c.refreshMetrics(ctx, s, r); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Contribute records one participation event. The phase gate, the
// dedup insert, the counter updates, the metrics snapshot, and any
// threshold-triggered transition all commit or roll back together.
func (c *ContributionService) Contribute(ctx context.Context, ritualID string, actor Actor, in ContributionInput) (*ContributionResult, error) {
	var out *ContributionResult
	err := c.withRetry(ctx, func(s Store) error {
		res, err := c.contribute(ctx, s, ritualID, actor, in)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (c *ContributionService) contribute(ctx context.Context, s Store, ritualID string, actor Actor, in ContributionInput) (*ContributionResult, error) {
	now := c.clock()

	r, err := s.FindRitual(ctx, ritualID)
	if err != nil {
		return nil, err
	}
	if actor.CampusID != "" && actor.CampusID != r.CampusID {
		return nil, ErrCampusMismatch
	}
	if !AcceptsContributions(r.Archetype, r.Phase) {
		return nil, ErrNotAcceptingContributions
	}
	cfg, err := ParseConfig(r.Archetype, r.Config)
	if err != nil {
		return nil, err
	}

	kind := in.Kind
	if kind == "" {
		kind = expectedKind(r.Archetype)
	}
	if kind != expectedKind(r.Archetype) {
		return nil, invalid("kind", fmt.Sprintf("must be %q for this ritual", expectedKind(r.Archetype)))
	}
	if kind == KindVote {
		if err := c.validateVoteTarget(ctx, s, r, cfg, in.Target); err != nil {
			return nil, err
		}
	}
	dedupKey, err := dedupKeyFor(r, kind, in, now)
	if err != nil {
		return nil, err
	}

	p, err := s.FindParticipation(ctx, ritualID, actor.UserID)
	switch {
	case errors.Is(err, ErrParticipationNotFound):
		// Contribution-accepting phases also accept joins, so a first
		// contribution enrolls implicitly. Same capacity rules apply.
		if err := checkCapacity(ctx, s, r, cfg); err != nil {
			return nil, err
		}
		p, err = c.ensureActiveParticipation(ctx, s, r, actor.UserID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	if p.Status == models.ParticipationWithdrawn {
		return nil, ErrParticipationWithdrawn
	}

	priorProgress := r.Metrics.Progress
	points := PointDelta(cfg, PointInput{
		Kind:          kind,
		Target:        in.Target,
		OccurredAt:    now,
		PriorProgress: priorProgress,
		NewProgress:   priorProgress + 1,
	})

	inserted, err := s.InsertContribution(ctx, &models.Contribution{
		ID:         uuid.NewString(),
		RitualID:   ritualID,
		UserID:     actor.UserID,
		DedupKey:   dedupKey,
		Kind:       kind,
		Phase:      r.Phase,
		Target:     in.Target,
		Points:     points,
		OccurredAt: now,
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		return &ContributionResult{Accepted: false, Participation: p, Ritual: r}, nil
	}

	c.applyStreak(p, r, now)
	p.CompletionCount++
	p.TotalPoints += points
	p.LastContributedAt = &now
	if err := s.UpdateParticipation(ctx, p); err != nil {
		return nil, err
	}

	if err := c.recomputeMetrics(ctx, s, r, now); err != nil {
		return nil, err
	}

	// Threshold check rides the same transaction; if the ritual is now
	// complete by value, the accepting phase closes atomically with the
	// contribution that closed it.
	before := r.PhaseVersion
	if err := c.engine.thresholdAdvance(ctx, s, r, now); err != nil {
		return nil, err
	}
	if r.PhaseVersion == before {
		if err := s.SaveRitual(ctx, r, before); err != nil {
			return nil, err
		}
	}

	return &ContributionResult{Accepted: true, Points: points, Participation: p, Ritual: r}, nil
}

// Withdraw marks a participation withdrawn. Counters and ledger rows
// are preserved; only active standing and the participant count change.
// Idempotent.
func (c *ContributionService) Withdraw(ctx context.Context, ritualID string, actor Actor) (*models.Participation, error) {
	var out *models.Participation
	err := c.withRetry(ctx, func(s Store) error {
		r, err := s.FindRitual(ctx, ritualID)
		if err != nil {
			return err
		}
		p, err := s.FindParticipation(ctx, ritualID, actor.UserID)
		if err != nil {
			return err
		}
		if p.Status != models.ParticipationWithdrawn {
			now := c.clock()
			p.Status = models.ParticipationWithdrawn
			p.WithdrawnAt = &now
			if err := s.UpdateParticipation(ctx, p); err != nil {
				return err
			}
			if err := c.refreshMetrics(ctx, s, r); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	return out, err
}

// RebuildMetrics recomputes the ritual's snapshot from the ledger. The
// snapshot is a pure derivation, so this is safe to run at any time.
func (c *ContributionService) RebuildMetrics(ctx context.Context, ritualID string) (*models.Ritual, error) {
	var out *models.Ritual
	err := c.withRetry(ctx, func(s Store) error {
		r, err := s.FindRitual(ctx, ritualID)
		if err != nil {
			return err
		}
		if err := c.recomputeMetrics(ctx, s, r, c.clock()); err != nil {
			return err
		}
		if err := s.SaveRitual(ctx, r, r.PhaseVersion); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// checkCapacity enforces the founding class member cap for both
// explicit joins and implicit contribution-time enrollment.
func checkCapacity(ctx context.Context, s Store, r *models.Ritual, cfg interface{}) error {
	fc, ok := cfg.(models.FoundingClassConfig)
	if !ok || fc.MemberCap <= 0 {
		return nil
	}
	active, err := s.CountActiveParticipations(ctx, r.ID)
	if err != nil {
		return err
	}
	if active >= int64(fc.MemberCap) {
		return ErrRitualFull
	}
	return nil
}

func (c *ContributionService) ensureActiveParticipation(ctx context.Context, s Store, r *models.Ritual, userID string) (*models.Participation, error) {
	now := c.clock()
	p, created, err := s.CreateParticipation(ctx, &models.Participation{
		ID:       uuid.NewString(),
		RitualID: r.ID,
		UserID:   userID,
		CampusID: r.CampusID,
		Status:   models.ParticipationActive,
		JoinedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if !created && p.Status == models.ParticipationWithdrawn {
		p.Status = models.ParticipationActive
		p.WithdrawnAt = nil
		if err := s.UpdateParticipation(ctx, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// applyStreak updates the daily streak using calendar days in the
// ritual's timezone. The daily dedup key guarantees at most one
// contribution per local day, so same-day is unreachable on the
// accepted path and left as a no-op.
func (c *ContributionService) applyStreak(p *models.Participation, r *models.Ritual, now time.Time) {
	loc := ritualLocation(r)
	switch {
	case p.LastContributedAt == nil:
		p.StreakCount = 1
	default:
		switch calendarDays(p.LastContributedAt.In(loc), now.In(loc)) {
		case 0:
		case 1:
			p.StreakCount++
		default:
			p.StreakCount = 1
		}
	}
	if p.StreakCount > p.BestStreak {
		p.BestStreak = p.StreakCount
	}
}

func (c *ContributionService) recomputeMetrics(ctx context.Context, s Store, r *models.Ritual, now time.Time) error {
	active, err := s.CountActiveParticipations(ctx, r.ID)
	if err != nil {
		return err
	}
	progress, err := s.CountContributions(ctx, r.ID)
	if err != nil {
		return err
	}
	inPhase, err := s.CountContributionsInPhase(ctx, r.ID, r.Phase)
	if err != nil {
		return err
	}
	r.Metrics.ParticipantCount = active
	r.Metrics.Progress = progress
	r.Metrics.PhaseProgress = inPhase
	r.Metrics.UpdatedAt = &now
	return nil
}

// refreshMetrics updates the participant count after a join or
// withdrawal and persists the ritual without touching phase state.
func (c *ContributionService) refreshMetrics(ctx context.Context, s Store, r *models.Ritual) error {
	active, err := s.CountActiveParticipations(ctx, r.ID)
	if err != nil {
		return err
	}
	now := c.clock()
	r.Metrics.ParticipantCount = active
	r.Metrics.UpdatedAt = &now
	return s.SaveRitual(ctx, r, r.PhaseVersion)
}

// validateVoteTarget admits only contestants still alive in the current
// round: a survival roster member not yet eliminated, or a side of a
// current-round tournament matchup.
func (c *ContributionService) validateVoteTarget(ctx context.Context, s Store, r *models.Ritual, cfg interface{}, target string) error {
	if target == "" {
		return invalid("target", "is required for votes")
	}
	results, err := s.ListRoundResults(ctx, r.ID)
	if err != nil {
		return err
	}
	switch conf := cfg.(type) {
	case models.SurvivalConfig:
		remaining, err := survivalRemaining(conf, results)
		if err != nil {
			return err
		}
		for _, contestant := range remaining {
			if contestant.ID == target {
				return nil
			}
		}
	case models.TournamentConfig:
		matchups, err := bracketRound(conf, votingRound(r.Phase), results)
		if err != nil {
			return err
		}
		for _, m := range matchups {
			if m.SideA.ID == target || (!m.Bye && m.SideB.ID == target) {
				return nil
			}
		}
	}
	return invalid("target", "is not a contestant in the current round")
}

func (c *ContributionService) withRetry(ctx context.Context, fn func(Store) error) error {
	var err error
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		err = c.store.Tx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}

func expectedKind(archetype string) string {
	switch archetype {
	case models.ArchetypeBetaLottery:
		return KindEntry
	case models.ArchetypeTournament, models.ArchetypeSurvival:
		return KindVote
	case models.ArchetypeUnlockChallenge:
		return KindProgress
	default:
		return KindCheckIn
	}
}

// dedupKeyFor derives the at-most-once key: one check-in per local
// calendar day, one lottery entry ever, one vote per round, one first
// use of a dropped feature, and the upstream event id for progress.
func dedupKeyFor(r *models.Ritual, kind string, in ContributionInput, now time.Time) (string, error) {
	switch kind {
	case KindEntry:
		return "entry", nil
	case KindVote:
		return "vote:" + r.Phase, nil
	case KindProgress:
		if in.DedupKey == "" {
			return "", invalid("dedup_key", "is required for progress events")
		}
		return "event:" + in.DedupKey, nil
	default:
		if r.Archetype == models.ArchetypeFeatureDrop {
			return "use", nil
		}
		return "checkin:" + now.In(ritualLocation(r)).Format("2006-01-02"), nil
	}
}

func ritualLocation(r *models.Ritual) *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// calendarDays counts whole calendar-day boundaries between two local
// times. Both arguments must already be in the ritual's location.
func calendarDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	at := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	bt := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(bt.Sub(at) / (24 * time.Hour))
}
