package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/internal/pkg/metrics/counter"
	"github.com/outlivion/outlivion-api/internal/pkg/settlement"
)

// Settlement budget covers a panel round trip plus the ledger transaction.
const webhookTimeout = 60 * time.Second

// SettlementHandler applies one webhook delivery.
type SettlementHandler interface {
	Handle(ctx context.Context, d settlement.Delivery) settlement.Outcome
}

// WebhookController receives payment provider notifications.
type WebhookController struct {
	pipeline SettlementHandler
	outcomes counter.Counter
}

// NewWebhookController creates a new webhook controller. A nil counter
// falls back to in-memory outcome counts.
func NewWebhookController(pipeline SettlementHandler, outcomes counter.Counter) *WebhookController {
	if outcomes == nil {
		outcomes = counter.NewMemoryCounter()
	}
	return &WebhookController{pipeline: pipeline, outcomes: outcomes}
}

// HandlePaymentWebhook acknowledges every delivery with 200 except rejected sources.
// Retries are driven by the provider, so failures are never surfaced as 5xx.
func (wc *WebhookController) HandlePaymentWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	ctx, cancel := requestContext(c, webhookTimeout)
	defer cancel()

	outcome := wc.pipeline.Handle(ctx, settlement.Delivery{
		SourceIP: c.IP(),
		Body:     rawBody,
		EventID:  firstHeaderValue(c, "X-Webhook-Event-Id", "Idempotence-Key"),
	})
	if err := wc.outcomes.Incr(context.Background(), outcome.String()); err != nil {
		log.Warnf("[Webhook] Counting outcome %s failed: %v", outcome, err)
	}

	status := outcome.HTTPStatus()
	if status == fiber.StatusForbidden {
		return jsonError(c, status, "forbidden", "Source address is not allowed")
	}
	return c.Status(status).JSON(fiber.Map{"ok": true})
}
