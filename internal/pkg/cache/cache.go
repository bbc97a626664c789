package cache

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/outlivion/outlivion-api/internal/pkg/config"
)

// NewClient connects to Redis and verifies the connection. The client is
// returned even when the ping fails so callers can decide to degrade.
func NewClient(ctx context.Context, cfg config.CacheConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	pong, err := client.Ping(pingCtx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to Redis at %s: %v", cfg.Addr(), err)
		return client, err
	}
	log.Infof("[Cache] Connected to Redis: %s", pong)
	return client, nil
}
