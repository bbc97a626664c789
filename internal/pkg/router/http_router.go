package router

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/outlivion/outlivion-api/internal/pkg/middleware"
)

const allowedHeaders = "Origin, Content-Type, Accept, Authorization, X-API-Key, X-Telegram-Init-Data, Idempotence-Key"

// HttpRouter installs the global middlewares and the unversioned routes.
type HttpRouter struct {
	deps Deps
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	origins := strings.TrimSpace(h.deps.AllowedOrigins)
	if origins == "" {
		origins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: allowedHeaders,
		AllowMethods: "GET,POST,OPTIONS",
	}))

	// Resolve the auth context once per request; guards read it later.
	app.Use(middleware.AuthContextMiddleware(h.deps.Auth))

	h.registerPublicRoutes(app)
}

func NewHttpRouter(deps Deps) *HttpRouter {
	return &HttpRouter{deps: deps}
}
