package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/internal/pkg/env"
)

const healthTimeout = 3 * time.Second

// HealthCheck is one named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthController reports process and dependency liveness.
type HealthController struct {
	checks    []HealthCheck
	startedAt time.Time
}

// NewHealthController creates a new health controller
func NewHealthController(checks ...HealthCheck) *HealthController {
	return &HealthController{
		checks:    checks,
		startedAt: time.Now(),
	}
}

// HandleHealth answers 200 when every check passes and 503 otherwise.
func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, healthTimeout)
	defer cancel()

	status := fiber.StatusOK
	results := fiber.Map{}
	for _, check := range hc.checks {
		if err := check.Check(ctx); err != nil {
			log.Warnf("[Health] %s check failed: %v", check.Name, err)
			results[check.Name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		results[check.Name] = "ok"
	}

	state := "ok"
	if status != fiber.StatusOK {
		state = "degraded"
	}
	return c.Status(status).JSON(fiber.Map{
		"status": state,
		"env":    env.GetEnv("APP_ENV", "prod"),
		"uptime": time.Since(hc.startedAt).Round(time.Second).String(),
		"checks": results,
	})
}
