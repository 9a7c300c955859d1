package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"campus-ritual-engine/models"
	"campus-ritual-engine/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/datatypes"
)

// RitualService is the HTTP surface. It parses and replies; every
// state change goes through the engine or the contribution service.
type RitualService struct {
	store       Store
	engine      *PhaseEngine
	contrib     *ContributionService
	leaderboard *LeaderboardService
	presenter   *Presenter
}

func NewRitualService(store Store, engine *PhaseEngine, contrib *ContributionService, leaderboard *LeaderboardService, presenter *Presenter) *RitualService {
	return &RitualService{
		store:       store,
		engine:      engine,
		contrib:     contrib,
		leaderboard: leaderboard,
		presenter:   presenter,
	}
}

type createRitualRequest struct {
	CampusID    string          `json:"campus_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Archetype   string          `json:"archetype"`
	Config      json.RawMessage `json:"config"`
	StartAt     time.Time       `json:"start_at"`
	EndAt       *time.Time      `json:"end_at"`
	Timezone    string          `json:"timezone"`
}

// CreateRitual validates the archetype config as a whole and persists
// the ritual in created phase. Nothing is scheduled until Publish.
func (s *RitualService) CreateRitual(c *fiber.Ctx) error {
	actor := actorFrom(c)

	var req createRitualRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON body"})
	}
	if req.Title == "" || req.Archetype == "" {
		return c.Status(400).JSON(fiber.Map{"error": "title and archetype are required"})
	}
	campusID := req.CampusID
	if campusID == "" {
		campusID = actor.CampusID
	}
	if campusID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "campus_id is required"})
	}
	if req.StartAt.IsZero() {
		return c.Status(400).JSON(fiber.Map{"error": "start_at is required"})
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "timezone must be a valid IANA zone"})
	}

	cfg, err := ValidateConfig(req.Archetype, req.Config)
	if err != nil {
		return respondError(c, err)
	}

	r := &models.Ritual{
		ID:          uuid.NewString(),
		CampusID:    campusID,
		Slug:        fmt.Sprintf("%s-%s", slug.Make(req.Title), uuid.NewString()[:8]),
		Title:       req.Title,
		Description: req.Description,
		Archetype:   req.Archetype,
		Config:      cfg,
		Phase:       models.PhaseCreated,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		Timezone:    req.Timezone,
		CreatedBy:   actor.UserID,
	}
	if err := s.store.CreateRitual(c.Context(), r); err != nil {
		log.Printf("❌ [RITUAL] Create failed: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create ritual"})
	}

	log.Printf("✅ [RITUAL] Created %s (%s) for campus %s", r.Slug, r.Archetype, r.CampusID)
	return c.Status(201).JSON(r)
}

// ListRituals returns a campus's rituals as banner cards.
func (s *RitualService) ListRituals(c *fiber.Ctx) error {
	campusID := c.Query("campus_id")
	if campusID == "" {
		campusID = actorFrom(c).CampusID
	}
	if campusID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "campus_id is required"})
	}

	rituals, err := s.store.ListRitualsByCampus(c.Context(), campusID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to list rituals"})
	}
	banners := make([]RitualBanner, 0, len(rituals))
	for i := range rituals {
		banners = append(banners, s.presenter.Banner(&rituals[i]))
	}
	return c.JSON(fiber.Map{"rituals": banners})
}

// GetRitual returns the full detail view.
func (s *RitualService) GetRitual(c *fiber.Ctx) error {
	r, err := s.store.FindRitual(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	detail, err := s.presenter.Detail(c.Context(), r)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(detail)
}

// Publish moves a created ritual to scheduled, arming its timers.
func (s *RitualService) Publish(c *fiber.Ctx) error {
	version, err := observedVersion(c)
	if err != nil {
		return respondError(c, err)
	}
	r, err := s.engine.Transition(c.Context(), c.Params("id"), models.PhaseScheduled, version, actorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	log.Printf("📅 [RITUAL] %s scheduled, starts %s", r.Slug, r.StartAt.Format(time.RFC3339))
	return c.JSON(r)
}

type transitionRequest struct {
	Target  string `json:"target"`
	Version int64  `json:"version"`
}

// Transition applies a manual phase move.
func (s *RitualService) Transition(c *fiber.Ctx) error {
	var req transitionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON body"})
	}
	if req.Target == "" {
		return c.Status(400).JSON(fiber.Map{"error": "target is required"})
	}
	r, err := s.engine.Transition(c.Context(), c.Params("id"), req.Target, req.Version, actorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	log.Printf("➡️ [RITUAL] %s moved to %s (v%d)", r.Slug, r.Phase, r.PhaseVersion)
	return c.JSON(r)
}

// Archive cancels a ritual.
func (s *RitualService) Archive(c *fiber.Ctx) error {
	version, err := observedVersion(c)
	if err != nil {
		return respondError(c, err)
	}
	r, err := s.engine.Archive(c.Context(), c.Params("id"), version, actorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(r)
}

// Join enrolls the calling user.
func (s *RitualService) Join(c *fiber.Ctx) error {
	p, err := s.contrib.Join(c.Context(), c.Params("id"), actorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(201).JSON(p)
}

// Contribute records one participation event for the calling user.
func (s *RitualService) Contribute(c *fiber.Ctx) error {
	var in ContributionInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON body"})
	}
	res, err := s.contrib.Contribute(c.Context(), c.Params("id"), actorFrom(c), in)
	if err != nil {
		return respondError(c, err)
	}
	status := 201
	if !res.Accepted {
		// Replay of an already-applied event.
		status = 200
	}
	return c.Status(status).JSON(res)
}

// Withdraw removes the calling user from active standing.
func (s *RitualService) Withdraw(c *fiber.Ctx) error {
	p, err := s.contrib.Withdraw(c.Context(), c.Params("id"), actorFrom(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(p)
}

// Leaderboard serves one ranked page.
func (s *RitualService) Leaderboard(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := s.leaderboard.Page(c.Context(), c.Params("id"), c.Query("cursor"), limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// RebuildMetrics recomputes the metrics snapshot from the ledger.
// Admin repair endpoint.
func (s *RitualService) RebuildMetrics(c *fiber.Ctx) error {
	if !actorFrom(c).HasOverride() {
		return c.Status(403).JSON(fiber.Map{"error": "admin role required"})
	}
	r, err := s.contrib.RebuildMetrics(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(r)
}

// UploadBanner stores a banner image in R2 and attaches its CDN URL.
func (s *RitualService) UploadBanner(c *fiber.Ctx) error {
	r, err := s.store.FindRitual(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	fileHeader, err := c.FormFile("banner")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "banner file is required"})
	}
	url, err := utils.UploadRitualMedia(fileHeader, utils.RitualBannerKey(r.ID, fileHeader.Filename))
	if err != nil {
		log.Printf("❌ [RITUAL] Banner upload failed for %s: %v", r.Slug, err)
		return c.Status(502).JSON(fiber.Map{"error": "failed to upload banner"})
	}

	r.BannerURL = url
	if err := s.store.SaveRitual(c.Context(), r, r.PhaseVersion); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"banner_url": url})
}

// UploadRevealAsset stores one leak reveal's media in R2 and pins the
// CDN URL into the reveal entry, so the presenter serves it the moment
// the reveal time passes.
func (s *RitualService) UploadRevealAsset(c *fiber.Ctx) error {
	r, err := s.store.FindRitual(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if r.Archetype != models.ArchetypeLeak {
		return c.Status(422).JSON(fiber.Map{"error": "only leak rituals carry reveal assets"})
	}

	cfg, err := ParseConfig(r.Archetype, r.Config)
	if err != nil {
		return respondError(c, err)
	}
	leak := cfg.(models.LeakConfig)

	index, err := c.ParamsInt("index")
	if err != nil || index < 0 || index >= len(leak.Reveals) {
		return c.Status(400).JSON(fiber.Map{"error": "index must address a configured reveal"})
	}

	fileHeader, err := c.FormFile("asset")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "asset file is required"})
	}
	url, err := utils.UploadRitualMedia(fileHeader, utils.RitualRevealKey(r.ID, index, fileHeader.Filename))
	if err != nil {
		log.Printf("❌ [RITUAL] Reveal asset upload failed for %s: %v", r.Slug, err)
		return c.Status(502).JSON(fiber.Map{"error": "failed to upload reveal asset"})
	}

	leak.Reveals[index].AssetURL = url
	raw, err := json.Marshal(leak)
	if err != nil {
		return respondError(c, err)
	}
	r.Config = datatypes.JSON(raw)
	if err := s.store.SaveRitual(c.Context(), r, r.PhaseVersion); err != nil {
		return respondError(c, err)
	}

	log.Printf("🎬 [RITUAL] Reveal %d asset attached for %s", index, r.Slug)
	return c.JSON(fiber.Map{"asset_url": url})
}

// actorFrom reads the identity the gateway middleware attached.
func actorFrom(c *fiber.Ctx) Actor {
	actor := Actor{}
	if v, ok := c.Locals("user_id").(string); ok {
		actor.UserID = v
	}
	if v, ok := c.Locals("campus_id").(string); ok {
		actor.CampusID = v
	}
	if v, ok := c.Locals("user_roles").([]string); ok {
		actor.Roles = v
	}
	return actor
}

// observedVersion parses the version the client last saw; transitions
// refuse to apply against stale state.
func observedVersion(c *fiber.Ctx) (int64, error) {
	raw := c.Query("version")
	if raw == "" {
		return 0, invalid("version", "query parameter is required")
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, invalid("version", "must be an integer")
	}
	return v, nil
}

// respondError maps the service error taxonomy onto HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return c.Status(400).JSON(fiber.Map{"error": ve.Error()})
	case errors.Is(err, ErrRitualNotFound), errors.Is(err, ErrParticipationNotFound):
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		return c.Status(409).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrNotAcceptingContributions),
		errors.Is(err, ErrJoinsClosed),
		errors.Is(err, ErrParticipationWithdrawn),
		errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrRitualFull):
		return c.Status(422).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrOverrideRequired), errors.Is(err, ErrCampusMismatch):
		return c.Status(403).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("❌ [RITUAL] Internal error: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
}
