package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/app/repository"
	"github.com/outlivion/outlivion-api/internal/pkg/awardretry"
	"github.com/outlivion/outlivion-api/internal/pkg/contest"
	"github.com/outlivion/outlivion-api/internal/pkg/metrics/counter"
	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

const retryRunTimeout = 2 * time.Minute

// AwardRetryQueue is the operator view on the award retry scheduler.
type AwardRetryQueue interface {
	Stats() awardretry.Stats
	RunOnce(ctx context.Context) awardretry.RunResult
}

// ContestAdmin is the operator view on the ticket ledger.
type ContestAdmin interface {
	Participants(ctx context.Context, contestID string) (*models.Contest, []contest.Participant, error)
	TicketsForOrder(ctx context.Context, orderID string) (int, error)
}

type renewRequest struct {
	TgID int64 `json:"tgId" validate:"required,gt=0"`
	Days int   `json:"days" validate:"required,gt=0,lte=3650"`
}

// ============================================================================
// ADMIN CONTROLLER - operator endpoints
// ============================================================================

// AdminController handles operator-only requests
type AdminController struct {
	vpn         VPNService
	retry       AwardRetryQueue
	outcomes    counter.Counter
	orders      repository.OrderRepository
	credentials repository.VPNCredentialRepository
	contest     ContestAdmin
}

// AdminDeps holds the admin controller's collaborators.
type AdminDeps struct {
	VPN         VPNService
	Retry       AwardRetryQueue
	Outcomes    counter.Counter
	Orders      repository.OrderRepository
	Credentials repository.VPNCredentialRepository
	Contest     ContestAdmin
}

// NewAdminController creates a new admin controller
func NewAdminController(deps AdminDeps) *AdminController {
	return &AdminController{
		vpn:         deps.VPN,
		retry:       deps.Retry,
		outcomes:    deps.Outcomes,
		orders:      deps.Orders,
		credentials: deps.Credentials,
		contest:     deps.Contest,
	}
}

// HandleRenew grants days of access to a Telegram user without a payment.
func (ac *AdminController) HandleRenew(c *fiber.Ctx) error {
	var req renewRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Request body must be JSON")
	}
	if err := validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", validationMessage(err))
	}

	userRef := usercontext.UserRefFromTelegramID(req.TgID)
	ctx, cancel := requestContext(c, panelTimeout)
	defer cancel()

	grant, err := ac.vpn.Activate(ctx, userRef, req.Days)
	if err != nil {
		log.Errorf("[Admin] Manual renewal of %s by %d days failed: %v", userRef, req.Days, err)
		return jsonError(c, fiber.StatusBadGateway, "vpn_unavailable", "VPN panel is unavailable")
	}

	log.Infof("[Admin] Renewed %s by %d days, expires %s", userRef, req.Days, grant.ExpiresAt.Format(time.RFC3339))
	return c.JSON(fiber.Map{
		"ok":        true,
		"username":  grant.Username,
		"expiresAt": formatTimePtr(&grant.ExpiresAt),
	})
}

// HandleAwardRetryStats exposes the retry queue.
func (ac *AdminController) HandleAwardRetryStats(c *fiber.Ctx) error {
	return c.JSON(ac.retry.Stats())
}

// HandleAwardRetryRun triggers one retry pass immediately.
func (ac *AdminController) HandleAwardRetryRun(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c, retryRunTimeout)
	defer cancel()

	res := ac.retry.RunOnce(ctx)
	if res.Skipped {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "busy",
			"message": "A retry pass is already running",
		})
	}
	return c.JSON(res)
}

// HandleSettlementStats returns webhook outcome counts.
func (ac *AdminController) HandleSettlementStats(c *fiber.Ctx) error {
	if ac.outcomes == nil {
		return c.JSON(fiber.Map{"outcomes": fiber.Map{}})
	}
	snap, err := ac.outcomes.Snapshot(c.UserContext())
	if err != nil {
		log.Errorf("[Admin] Reading settlement counters failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Counters are unavailable")
	}
	return c.JSON(fiber.Map{"outcomes": snap})
}

// HandleContestParticipants lists every referrer of a contest with the
// invitee payments that earned their tickets.
func (ac *AdminController) HandleContestParticipants(c *fiber.Ctx) error {
	contestID := c.Query("contest_id")
	if contestID == "" {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "contest_id is required")
	}

	found, participants, err := ac.contest.Participants(c.UserContext(), contestID)
	if errors.Is(err, contest.ErrContestNotFound) {
		return jsonError(c, fiber.StatusNotFound, "not_found", "Contest not found or inactive")
	}
	if err != nil {
		log.Errorf("[Admin] Listing participants of contest %s failed: %v", contestID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not load participants")
	}
	return c.JSON(fiber.Map{
		"contest":      found,
		"participants": participants,
	})
}

// HandleOrderInspect returns an order with the contest tickets written for it.
func (ac *AdminController) HandleOrderInspect(c *fiber.Ctx) error {
	orderID := c.Params("orderId")
	order, err := ac.orders.FindByID(c.UserContext(), orderID)
	if err != nil {
		log.Errorf("[Admin] Loading order %s failed: %v", orderID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not load order")
	}
	if order == nil {
		return jsonError(c, fiber.StatusNotFound, "not_found", "Order not found")
	}

	tickets, err := ac.contest.TicketsForOrder(c.UserContext(), orderID)
	if err != nil {
		log.Errorf("[Admin] Reading tickets of order %s failed: %v", orderID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not load contest tickets")
	}
	return c.JSON(fiber.Map{
		"order":   order,
		"tickets": tickets,
	})
}

// HandleCredentialHistory lists every credential issued to a Telegram user, newest first.
func (ac *AdminController) HandleCredentialHistory(c *fiber.Ctx) error {
	tgID, err := strconv.ParseInt(c.Params("tgId"), 10, 64)
	if err != nil || tgID <= 0 {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "tgId must be a positive integer")
	}

	userRef := usercontext.UserRefFromTelegramID(tgID)
	history, err := ac.credentials.History(c.UserContext(), userRef)
	if err != nil {
		log.Errorf("[Admin] Credential history of %s failed: %v", userRef, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not load credentials")
	}
	return c.JSON(fiber.Map{
		"userRef":     userRef,
		"credentials": history,
	})
}
