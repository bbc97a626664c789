package router

import (
	"github.com/gofiber/fiber/v2"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"service": "outlivion-api"})
	})
	app.Get("/health", h.deps.Controllers.Health.HandleHealth)
}
