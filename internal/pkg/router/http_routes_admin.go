package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/outlivion/outlivion-api/internal/pkg/middleware"
)

func (h ApiRouter) registerAdminRoutes(v1 fiber.Router) {
	admin := h.deps.Controllers.Admin
	adminGroup := v1.Group("/admin", middleware.RequireAdmin)
	adminGroup.Post("/renew", admin.HandleRenew)

	// Award retry queue monitor
	adminGroup.Get("/award-retry", admin.HandleAwardRetryStats)
	adminGroup.Post("/award-retry/run", admin.HandleAwardRetryRun)

	adminGroup.Get("/settlement-stats", admin.HandleSettlementStats)

	// Contest and account audit
	adminGroup.Get("/contest/participants", admin.HandleContestParticipants)
	adminGroup.Get("/orders/:orderId", admin.HandleOrderInspect)
	adminGroup.Get("/users/:tgId/credentials", admin.HandleCredentialHistory)
}
