package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

// RequireTelegramUser rejects requests without a verified Telegram identity.
func RequireTelegramUser(c *fiber.Ctx) error {
	if _, ok := usercontext.GetTelegramUser(c); !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "telegram authentication required",
		})
	}
	return c.Next()
}

// RequireAdmin accepts the operator API key or an admin Telegram user.
func RequireAdmin(c *fiber.Ctx) error {
	auth := usercontext.Get(c)
	if _, anonymous := auth.(usercontext.Anonymous); anonymous {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "authentication required",
		})
	}
	if !usercontext.IsAdmin(auth) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "admin access required",
		})
	}
	return c.Next()
}
