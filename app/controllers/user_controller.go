package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/app/repository"
	"github.com/outlivion/outlivion-api/internal/pkg/contest"
	"github.com/outlivion/outlivion-api/internal/pkg/marzban"
	"github.com/outlivion/outlivion-api/internal/pkg/plans"
	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

const panelTimeout = 30 * time.Second

// VPNService is the account policy on the VPN panel.
type VPNService interface {
	Activate(ctx context.Context, userRef string, durationDays int) (*marzban.Grant, error)
	CurrentConfig(ctx context.Context, userRef string) (string, error)
	Status(ctx context.Context, userRef string) (*marzban.AccountStatus, error)
	RotateCredential(ctx context.Context, userRef string) (*marzban.Grant, error)
}

// ContestStandings reports a user's contest summary and invitee counts.
type ContestStandings interface {
	Summary(ctx context.Context, userRef string) (*contest.Summary, error)
	ReferralStats(ctx context.Context, userRef string) (contest.ReferralStats, error)
}

// UserController serves the signed-in user's subscription endpoints.
type UserController struct {
	vpn         VPNService
	credentials repository.VPNCredentialRepository
	orders      repository.OrderRepository
	contest     ContestStandings
}

// NewUserController creates a new user controller
func NewUserController(vpn VPNService, credentials repository.VPNCredentialRepository, orders repository.OrderRepository, standings ContestStandings) *UserController {
	return &UserController{
		vpn:         vpn,
		credentials: credentials,
		orders:      orders,
		contest:     standings,
	}
}

// HandleUserConfig returns the current subscription credential. The panel is
// authoritative; the credential store answers when the panel is unreachable.
func (uc *UserController) HandleUserConfig(c *fiber.Ctx) error {
	tgUser, _ := usercontext.GetTelegramUser(c)
	userRef := tgUser.UserRef()

	ctx, cancel := requestContext(c, panelTimeout)
	defer cancel()

	config, err := uc.vpn.CurrentConfig(ctx, userRef)
	if err != nil {
		log.Warnf("[User] Panel lookup failed for %s, using stored credential: %v", userRef, err)
	}
	if config == "" {
		active, err := uc.credentials.GetActive(ctx, userRef)
		if err != nil {
			log.Errorf("[User] Credential store lookup failed for %s: %v", userRef, err)
			return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not load configuration")
		}
		if active != nil {
			config = active.CredentialValue
		}
	}
	if config == "" {
		return jsonError(c, fiber.StatusNotFound, "not_found", "No active subscription found")
	}
	return c.JSON(fiber.Map{"ok": true, "config": config})
}

// HandleUserStatus reports whether the VPN account is active.
func (uc *UserController) HandleUserStatus(c *fiber.Ctx) error {
	tgUser, _ := usercontext.GetTelegramUser(c)

	ctx, cancel := requestContext(c, panelTimeout)
	defer cancel()

	status, err := uc.vpn.Status(ctx, tgUser.UserRef())
	if err != nil {
		log.Errorf("[User] Status lookup failed for %s: %v", tgUser.UserRef(), err)
		return jsonError(c, fiber.StatusBadGateway, "vpn_unavailable", "VPN panel is unavailable")
	}
	if status == nil {
		return c.JSON(fiber.Map{
			"ok":          false,
			"status":      "disabled",
			"expiresAt":   nil,
			"daysLeft":    0,
			"usedTraffic": 0,
			"dataLimit":   0,
		})
	}

	state := "disabled"
	if status.Active {
		state = "active"
	}
	return c.JSON(fiber.Map{
		"ok":          status.Active,
		"status":      state,
		"expiresAt":   formatTimePtr(status.ExpiresAt),
		"daysLeft":    status.DaysLeft,
		"usedTraffic": status.UsedTraffic,
		"dataLimit":   status.DataLimit,
	})
}

// HandleUserBilling summarises traffic usage and the last purchased plan.
func (uc *UserController) HandleUserBilling(c *fiber.Ctx) error {
	tgUser, _ := usercontext.GetTelegramUser(c)
	userRef := tgUser.UserRef()

	ctx, cancel := requestContext(c, panelTimeout)
	defer cancel()

	resp := fiber.Map{
		"usedBytes":          int64(0),
		"limitBytes":         nil,
		"averagePerDayBytes": int64(0),
		"planId":             nil,
		"planName":           nil,
		"periodEnd":          nil,
	}

	last, err := uc.orders.LastPaidForUser(ctx, userRef)
	if err != nil {
		log.Warnf("[User] Last paid order lookup failed for %s: %v", userRef, err)
	}
	if last != nil {
		resp["planId"] = last.PlanID
		if p, ok := plans.Lookup(last.PlanID); ok {
			resp["planName"] = p.Name
		}
	}

	status, err := uc.vpn.Status(ctx, userRef)
	if err != nil {
		log.Errorf("[User] Status lookup failed for %s: %v", userRef, err)
		return jsonError(c, fiber.StatusBadGateway, "vpn_unavailable", "VPN panel is unavailable")
	}
	if status == nil {
		return c.JSON(resp)
	}

	resp["usedBytes"] = status.UsedTraffic
	if status.DataLimit > 0 {
		resp["limitBytes"] = status.DataLimit
	}
	resp["periodEnd"] = formatTimePtr(status.ExpiresAt)
	if status.DaysLeft > 0 {
		resp["averagePerDayBytes"] = status.UsedTraffic / int64(status.DaysLeft)
	}
	return c.JSON(resp)
}

// HandleRegenerate revokes the subscription token on the panel and records
// the new credential as the user's active one.
func (uc *UserController) HandleRegenerate(c *fiber.Ctx) error {
	tgUser, _ := usercontext.GetTelegramUser(c)
	userRef := tgUser.UserRef()

	ctx, cancel := requestContext(c, panelTimeout)
	defer cancel()

	grant, err := uc.vpn.RotateCredential(ctx, userRef)
	if errors.Is(err, marzban.ErrNotFound) {
		return jsonError(c, fiber.StatusNotFound, "not_found", "No VPN account to regenerate")
	}
	if err != nil {
		log.Errorf("[User] Credential rotation failed for %s: %v", userRef, err)
		return jsonError(c, fiber.StatusBadGateway, "vpn_unavailable", "VPN panel is unavailable")
	}

	if err := uc.credentials.Rotate(ctx, userRef, grant.Username, grant.Credential); err != nil {
		log.Errorf("[User] Panel rotated %s but the credential store was not updated: %v", userRef, err)
	}
	log.Infof("[User] Regenerated credential for %s", userRef)
	return c.JSON(fiber.Map{"ok": true, "config": grant.Credential})
}

// HandleReferrals returns the user's invitee counts and standing in the active contest.
func (uc *UserController) HandleReferrals(c *fiber.Ctx) error {
	tgUser, _ := usercontext.GetTelegramUser(c)
	userRef := tgUser.UserRef()

	stats, err := uc.contest.ReferralStats(c.UserContext(), userRef)
	if err != nil {
		log.Errorf("[User] Referral stats failed for %s: %v", userRef, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not load referral statistics")
	}
	summary, err := uc.contest.Summary(c.UserContext(), userRef)
	if err != nil {
		log.Errorf("[User] Contest summary failed for %s: %v", userRef, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not load referral statistics")
	}

	resp := fiber.Map{
		"referralCode": referralCode(tgUser.ID),
		"totalCount":   stats.TotalCount,
		"trialCount":   stats.TrialCount,
		"premiumCount": stats.PremiumCount,
		"contest":      nil,
	}
	if summary != nil {
		resp["contest"] = summary
	}
	return c.JSON(resp)
}

func referralCode(tgID int64) string {
	return "REF" + strconv.FormatInt(tgID, 10)
}
