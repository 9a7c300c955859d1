package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"campus-ritual-engine/models"

	"github.com/google/uuid"
)

// Bounded retries for version conflicts; conflicts are expected
// under concurrency and resolved by re-reading, never surfaced to the
// scheduler as failures on first occurrence.
const maxTransitionAttempts = 3

// A long-overdue ritual may need to chain several steps in one tick
// (round_2_resolved -> round_3_voting -> ...).
const maxChainedSteps = 8

// Actor is the caller-supplied identity. The engine never
// re-authenticates; it only checks campus scope and override authority.
type Actor struct {
	UserID   string
	CampusID string
	Roles    []string
}

// HasOverride reports administrative override authority (forced
// transitions, phase skips, archival).
func (a Actor) HasOverride() bool {
	for _, r := range a.Roles {
		if r == "admin" || r == "ritual_admin" {
			return true
		}
	}
	return false
}

// RoundOutcome is the recorded result of a resolved phase: tallies and
// winners for tournament rounds, the eliminated contestant for
// survival rounds, winner ids for lottery draws.
type RoundOutcome struct {
	Round       int                 `json:"round,omitempty"`
	Tallies     map[string]int64    `json:"tallies,omitempty"`
	Winners     []models.Contestant `json:"winners,omitempty"`
	Eliminated  *models.Contestant  `json:"eliminated,omitempty"`
	Remaining   []models.Contestant `json:"remaining,omitempty"`
	DrawWinners []string            `json:"draw_winners,omitempty"`
}

// PhaseEngine advances rituals through their archetype's phase
// sequence. All three trigger kinds (time, threshold, manual) funnel
// into the same optimistic-version-checked write, so two racing
// transitions can never both win.
type PhaseEngine struct {
	store Store
	clock func() time.Time
}

func NewPhaseEngine(store Store) *PhaseEngine {
	return &PhaseEngine{store: store, clock: time.Now}
}

// AdvanceDueRituals is the scheduler entry point (time trigger).
// Rituals are processed independently: one failure is logged and does
// not block the rest. Safe to invoke at arbitrary, overlapping
// intervals; an already-transitioned ritual is a no-op.
func (e *PhaseEngine) AdvanceDueRituals(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.FindDueRituals(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find due rituals: %w", err)
	}

	advanced := 0
	for _, r := range due {
		n, err := e.advanceChain(ctx, r.ID, now)
		if err != nil {
			log.Printf("[Scheduler] Failed to advance ritual %s: %v", r.ID, err)
			continue
		}
		advanced += n
	}
	return advanced, nil
}

// advanceChain advances one ritual through every step it is overdue
// for, re-reading and retrying on version conflicts.
func (e *PhaseEngine) advanceChain(ctx context.Context, ritualID string, now time.Time) (int, error) {
	steps := 0
	for steps < maxChainedSteps {
		moved, err := e.AdvanceIfDue(ctx, ritualID, now)
		if err != nil {
			return steps, err
		}
		if !moved {
			return steps, nil
		}
		steps++
	}
	return steps, nil
}

// AdvanceIfDue advances a ritual by one step if its current phase
// deadline has passed. Idempotent: invoking it for an
// already-transitioned ritual reports no movement, not an error. A
// conflict on every retry is surfaced so persistent contention shows up
// in the scheduler log instead of reading as "not due".
func (e *PhaseEngine) AdvanceIfDue(ctx context.Context, ritualID string, now time.Time) (bool, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		r, err := e.store.FindRitual(ctx, ritualID)
		if err != nil {
			return false, err
		}
		if r.Terminal() || r.PhaseDeadline == nil || r.PhaseDeadline.After(now) {
			return false, nil
		}

		next, err := nextPhase(r)
		if err != nil {
			return false, err
		}

		err = e.store.Tx(ctx, func(s Store) error {
			return e.applyTransition(ctx, s, r, next, now)
		})
		if err == nil {
			return true, nil
		}
		if !IsRetryable(err) {
			return false, err
		}
		// Lost the race; re-read the now-transitioned ritual and retry.
	}
	return false, ErrVersionConflict
}

// Transition is the manual trigger. The target must be a forward phase;
// skipping over intermediate phases requires override authority, as does
// resolving a voting round before every vote is in, and archiving is
// always an administrative action.
func (e *PhaseEngine) Transition(ctx context.Context, ritualID, target string, observedVersion int64, actor Actor) (*models.Ritual, error) {
	r, err := e.store.FindRitual(ctx, ritualID)
	if err != nil {
		return nil, err
	}
	if r.PhaseVersion != observedVersion {
		return nil, ErrVersionConflict
	}
	if actor.CampusID != "" && actor.CampusID != r.CampusID {
		return nil, ErrCampusMismatch
	}

	if target == models.PhaseArchived {
		if !actor.HasOverride() {
			return nil, ErrOverrideRequired
		}
		if r.Phase == models.PhaseCompleted || r.Phase == models.PhaseArchived {
			return nil, ErrIllegalTransition
		}
	} else {
		cfg, err := ParseConfig(r.Archetype, r.Config)
		if err != nil {
			return nil, err
		}
		seq := PhaseSequence(r.Archetype, cfg)
		from, to := phaseIndex(seq, r.Phase), phaseIndex(seq, target)
		if to < 0 || from < 0 || to <= from {
			return nil, ErrIllegalTransition
		}
		if to > from+1 && !actor.HasOverride() {
			return nil, ErrOverrideRequired
		}
		// Any manual exit from a voting phase with ballots outstanding is
		// a forced resolution.
		if votingRound(r.Phase) > 0 && !allVotesIn(r) && !actor.HasOverride() {
			return nil, ErrOverrideRequired
		}
	}

	err = e.store.Tx(ctx, func(s Store) error {
		return e.applyTransition(ctx, s, r, target, e.clock())
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Archive cancels a ritual from any non-completed phase.
func (e *PhaseEngine) Archive(ctx context.Context, ritualID string, observedVersion int64, actor Actor) (*models.Ritual, error) {
	return e.Transition(ctx, ritualID, models.PhaseArchived, observedVersion, actor)
}

// thresholdAdvance is the threshold trigger, invoked by the
// contribution processor inside its transaction after the metrics
// snapshot is recomputed. Folding it into the same Tx closes the window
// where a ritual is complete by value but still shows an accepting
// phase.
func (e *PhaseEngine) thresholdAdvance(ctx context.Context, s Store, r *models.Ritual, now time.Time) error {
	cfg, err := ParseConfig(r.Archetype, r.Config)
	if err != nil {
		return err
	}
	target := ThresholdTarget(r, cfg)
	if target == "" {
		return nil
	}
	return e.applyTransition(ctx, s, r, target, now)
}

// applyTransition performs resolution side effects, moves the phase,
// bumps the version, and funnels the write through the one
// version-checked save. r is mutated to the post-transition state on
// success.
func (e *PhaseEngine) applyTransition(ctx context.Context, s Store, r *models.Ritual, target string, now time.Time) error {
	cfg, err := ParseConfig(r.Archetype, r.Config)
	if err != nil {
		return err
	}

	// Resolution side effects happen when leaving a stage whose outcome
	// must be recorded. They read only the ledger, so a replay after a
	// version conflict is harmless; the conflicting Tx rolls back.
	switch {
	case votingRound(r.Phase) > 0 && target != models.PhaseArchived:
		if err := e.resolveRound(ctx, s, r, cfg, now); err != nil {
			return err
		}
	case target == models.PhaseDrawn:
		if err := e.drawLottery(ctx, s, r, cfg, now); err != nil {
			return err
		}
	}

	if target == models.PhaseCompleted {
		r.CompletedAt = &now
		if c, ok := cfg.(models.UnlockChallengeConfig); ok && r.Metrics.Progress >= c.Target {
			r.RewardMarker = c.RewardMarker
		}
	}
	if target == models.PhaseArchived {
		r.ArchivedAt = &now
	}

	expected := r.PhaseVersion
	r.Phase = target
	r.PhaseVersion++
	r.Metrics.PhaseProgress = 0
	r.PhaseDeadline = NextDeadline(r, cfg, target, now)

	return s.SaveRitual(ctx, r, expected)
}

// resolveRound tallies the ledger for the voting phase being left and
// records the outcome: per-matchup winners for tournaments, the
// voted-out contestant for survival.
func (e *PhaseEngine) resolveRound(ctx context.Context, s Store, r *models.Ritual, cfg interface{}, now time.Time) error {
	round := votingRound(r.Phase)
	tallies, err := s.TallyVotes(ctx, r.ID, r.Phase)
	if err != nil {
		return err
	}
	results, err := s.ListRoundResults(ctx, r.ID)
	if err != nil {
		return err
	}

	outcome := RoundOutcome{Round: round, Tallies: tallies}
	switch c := cfg.(type) {
	case models.TournamentConfig:
		matchups, err := bracketRound(c, round, results)
		if err != nil {
			return err
		}
		for _, m := range matchups {
			outcome.Winners = append(outcome.Winners, matchupWinner(m, tallies))
		}
	case models.SurvivalConfig:
		remaining, err := survivalRemaining(c, results)
		if err != nil {
			return err
		}
		out := votedOut(remaining, tallies)
		outcome.Eliminated = &out
		for _, contestant := range remaining {
			if contestant.ID != out.ID {
				outcome.Remaining = append(outcome.Remaining, contestant)
			}
		}
		// Everyone who voted this round survived it, engagement-wise.
		voters, err := s.ContributorsInPhase(ctx, r.ID, r.Phase)
		if err != nil {
			return err
		}
		for _, userID := range voters {
			p, err := s.FindParticipation(ctx, r.ID, userID)
			if err != nil {
				continue
			}
			p.RoundsSurvived++
			if err := s.UpdateParticipation(ctx, p); err != nil {
				return err
			}
		}
	}

	return saveOutcome(ctx, s, r.ID, r.Phase, round, outcome, now)
}

// drawLottery picks SlotCount winners uniformly from the active
// entrants; slot count zero means everyone wins.
func (e *PhaseEngine) drawLottery(ctx context.Context, s Store, r *models.Ritual, cfg interface{}, now time.Time) error {
	c, ok := cfg.(models.BetaLotteryConfig)
	if !ok {
		return nil
	}
	entrants, err := s.ListActiveParticipations(ctx, r.ID)
	if err != nil {
		return err
	}

	ids := make([]string, len(entrants))
	for i, p := range entrants {
		ids[i] = p.UserID
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if c.SlotCount > 0 && c.SlotCount < len(ids) {
		ids = ids[:c.SlotCount]
	}

	outcome := RoundOutcome{DrawWinners: ids}
	return saveOutcome(ctx, s, r.ID, models.PhaseDrawn, 0, outcome, now)
}

func saveOutcome(ctx context.Context, s Store, ritualID, phase string, round int, outcome RoundOutcome, now time.Time) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal round outcome: %w", err)
	}
	return s.SaveRoundResult(ctx, &models.RitualRoundResult{
		ID:         uuid.NewString(),
		RitualID:   ritualID,
		Phase:      phase,
		Round:      round,
		Outcome:    raw,
		ResolvedAt: now,
	})
}

// bracketRound returns the matchups contested in a given round: the
// configured bracket for round one, winners of the previous round
// paired in slot order after that.
func bracketRound(c models.TournamentConfig, round int, results []models.RitualRoundResult) ([]models.Matchup, error) {
	if round == 1 {
		return c.Matchups, nil
	}
	prev, err := outcomeForRound(results, round-1)
	if err != nil {
		return nil, err
	}
	var matchups []models.Matchup
	for i := 0; i+1 < len(prev.Winners); i += 2 {
		matchups = append(matchups, models.Matchup{
			Slot:  i / 2,
			SideA: prev.Winners[i],
			SideB: prev.Winners[i+1],
		})
	}
	if len(prev.Winners)%2 == 1 {
		matchups = append(matchups, models.Matchup{
			Slot:  len(prev.Winners) / 2,
			SideA: prev.Winners[len(prev.Winners)-1],
			Bye:   true,
		})
	}
	return matchups, nil
}

// matchupWinner: more votes wins; ties and byes go to the earlier seed.
func matchupWinner(m models.Matchup, tallies map[string]int64) models.Contestant {
	if m.Bye || m.SideB.ID == "" {
		return m.SideA
	}
	if tallies[m.SideB.ID] > tallies[m.SideA.ID] {
		return m.SideB
	}
	return m.SideA
}

// survivalRemaining replays prior eliminations against the configured
// roster.
func survivalRemaining(c models.SurvivalConfig, results []models.RitualRoundResult) ([]models.Contestant, error) {
	eliminated := make(map[string]bool)
	for _, rr := range results {
		var outcome RoundOutcome
		if err := json.Unmarshal(rr.Outcome, &outcome); err != nil {
			return nil, fmt.Errorf("decode round outcome: %w", err)
		}
		if outcome.Eliminated != nil {
			eliminated[outcome.Eliminated.ID] = true
		}
	}
	var remaining []models.Contestant
	for _, contestant := range c.Contestants {
		if !eliminated[contestant.ID] {
			remaining = append(remaining, contestant)
		}
	}
	return remaining, nil
}

// votedOut: the contestant with the most votes is eliminated; ties go
// to the later roster position.
func votedOut(remaining []models.Contestant, tallies map[string]int64) models.Contestant {
	out := remaining[0]
	for _, contestant := range remaining[1:] {
		if tallies[contestant.ID] >= tallies[out.ID] {
			out = contestant
		}
	}
	return out
}

func outcomeForRound(results []models.RitualRoundResult, round int) (RoundOutcome, error) {
	for _, rr := range results {
		if rr.Round == round {
			var outcome RoundOutcome
			if err := json.Unmarshal(rr.Outcome, &outcome); err != nil {
				return RoundOutcome{}, fmt.Errorf("decode round outcome: %w", err)
			}
			return outcome, nil
		}
	}
	return RoundOutcome{}, fmt.Errorf("no outcome recorded for round %d", round)
}

// nextPhase is the single forward step a time trigger takes.
func nextPhase(r *models.Ritual) (string, error) {
	cfg, err := ParseConfig(r.Archetype, r.Config)
	if err != nil {
		return "", err
	}
	seq := PhaseSequence(r.Archetype, cfg)
	idx := phaseIndex(seq, r.Phase)
	if idx < 0 || idx+1 >= len(seq) {
		return "", ErrIllegalTransition
	}
	return seq[idx+1], nil
}

func phaseIndex(seq []string, phase string) int {
	for i, p := range seq {
		if p == phase {
			return i
		}
	}
	return -1
}
