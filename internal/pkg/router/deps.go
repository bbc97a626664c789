package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/outlivion/outlivion-api/app/controllers"
	"github.com/outlivion/outlivion-api/internal/pkg/middleware"
)

// Controllers bundles the handlers mounted by the routers.
type Controllers struct {
	Orders   *controllers.OrderController
	Webhooks *controllers.WebhookController
	Tariffs  *controllers.TariffController
	Users    *controllers.UserController
	Admin    *controllers.AdminController
	Health   *controllers.HealthController
}

// Deps configure the routers. LimiterStorage is nil for in-memory limits.
type Deps struct {
	Controllers     Controllers
	Auth            middleware.AuthConfig
	AllowedOrigins  string
	RateLimitMax    int
	RateLimitWindow time.Duration
	LimiterStorage  fiber.Storage
}
