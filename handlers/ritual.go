package handlers

import (
	"campus-ritual-engine/middleware"
	"campus-ritual-engine/services"

	"github.com/gofiber/fiber/v2"
)

func SetupRitualRoutes(app *fiber.App, ritualService *services.RitualService) {
	// 🔓 Public read routes (gateway token only)
	app.Get("/rituals", ritualService.ListRituals)
	app.Get("/rituals/:id", ritualService.GetRitual)
	app.Get("/rituals/:id/leaderboard", ritualService.Leaderboard)

	// 🔐 Authenticated routes
	secured := app.Group("/", middleware.UserContextMiddleware())

	// Ritual lifecycle (creators and admins)
	secured.Post("/rituals", ritualService.CreateRitual)
	secured.Post("/rituals/:id/publish", ritualService.Publish)
	secured.Post("/rituals/:id/transition", ritualService.Transition)
	secured.Post("/rituals/:id/archive", ritualService.Archive)
	secured.Post("/rituals/:id/banner", ritualService.UploadBanner)
	secured.Post("/rituals/:id/reveals/:index/asset", ritualService.UploadRevealAsset)
	secured.Post("/rituals/:id/metrics/rebuild", ritualService.RebuildMetrics)

	// Participation
	secured.Post("/rituals/:id/join", ritualService.Join)
	secured.Post("/rituals/:id/contributions", ritualService.Contribute)
	secured.Delete("/rituals/:id/participation", ritualService.Withdraw)
}
