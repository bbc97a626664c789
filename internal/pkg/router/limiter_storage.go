package router

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"

	"github.com/outlivion/outlivion-api/internal/pkg/config"
)

// limiterRedisDB keeps rate limit counters apart from locks on DB 0.
const limiterRedisDB = 2

// NewLimiterStorage shares rate limit counters across instances through Redis.
// It returns nil when no Redis endpoint is configured.
func NewLimiterStorage(cfg config.CacheConfig) fiber.Storage {
	if !cfg.Enabled() {
		return nil
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port <= 0 {
		port = 6379
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: limiterRedisDB,
		Reset:    false,
	})
}
