package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

// AuthConfig drives AuthContextMiddleware.
type AuthConfig struct {
	BotToken    string
	AdminAPIKey string
	// IsAdminID marks Telegram users allowed on admin routes.
	IsAdminID func(id int64) bool
	MaxAge    time.Duration
	Now       func() time.Time
}

// AuthContextMiddleware resolves the request identity once and stores it as
// a usercontext.AuthContext. It never rejects; the Require* guards do.
func AuthContextMiddleware(cfg AuthConfig) fiber.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(c *fiber.Ctx) error {
		usercontext.Set(c, resolveAuth(c, cfg))
		return c.Next()
	}
}

func resolveAuth(c *fiber.Ctx, cfg AuthConfig) usercontext.AuthContext {
	if initData := extractInitData(c); initData != "" {
		if cfg.BotToken == "" {
			log.Warn("[Auth] Init data received but no bot token is configured")
			return usercontext.Anonymous{}
		}
		user, err := VerifyInitData(initData, cfg.BotToken, cfg.MaxAge, cfg.Now())
		if err != nil {
			log.Warnf("[Auth] Telegram init data rejected: %v", err)
			return usercontext.Anonymous{}
		}
		if cfg.IsAdminID != nil {
			user.IsAdmin = cfg.IsAdminID(user.ID)
		}
		return user
	}
	if key := extractAPIKeyFromHeader(c); key != "" {
		if matchesAdminKey(key, cfg.AdminAPIKey) {
			return usercontext.AdminKey{}
		}
		log.Warnf("[Auth] Invalid admin API key from %s", c.IP())
	}
	return usercontext.Anonymous{}
}
