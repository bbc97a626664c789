package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/outlivion/outlivion-api/internal/pkg/middleware"
)

const webhookPath = "/v1/payments/webhook"

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	c := h.deps.Controllers

	// Registered ahead of the /v1 group so no path variant reaches the limiter.
	app.Post(webhookPath, c.Webhooks.HandlePaymentWebhook)

	v1 := app.Group("/v1", h.rateLimiter())

	v1.Get("/tariffs", c.Tariffs.HandleListTariffs)
	v1.Post("/orders/create", c.Orders.HandleCreateOrder)
	v1.Get("/orders/:orderId", c.Orders.HandleGetOrder)

	user := v1.Group("/user", middleware.RequireTelegramUser)
	user.Get("/config", c.Users.HandleUserConfig)
	user.Get("/status", c.Users.HandleUserStatus)
	user.Get("/billing", c.Users.HandleUserBilling)
	user.Post("/regenerate", c.Users.HandleRegenerate)
	user.Get("/referrals", c.Users.HandleReferrals)

	h.registerAdminRoutes(v1)
}

// rateLimiter limits per client address. Gateway notifications are mounted
// outside of it: the provider retries in bursts and the source allow-list
// guards that route.
func (h ApiRouter) rateLimiter() fiber.Handler {
	limit := h.deps.RateLimitMax
	if limit <= 0 {
		limit = 60
	}
	window := h.deps.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        limit,
		Expiration: window,
		Storage:    h.deps.LimiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests, slow down",
			})
		},
	})
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
