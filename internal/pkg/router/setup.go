package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router mounts one group of routes and middlewares on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter installs the HttpRouter first so the CORS and auth context
// middlewares run before any API route.
func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
