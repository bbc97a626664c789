package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/internal/pkg/plans"
	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

type tariffResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Days       int    `json:"days"`
	PriceRub   string `json:"price_rub"`
	PriceStars int    `json:"price_stars"`
}

// TariffController lists purchasable plans.
type TariffController struct {
	history PaymentHistory
}

// NewTariffController creates a new tariff controller
func NewTariffController(history PaymentHistory) *TariffController {
	return &TariffController{history: history}
}

// HandleListTariffs returns the catalog. Authentication is optional: a signed-in
// user with a completed payment no longer sees the trial plan.
func (tc *TariffController) HandleListTariffs(c *fiber.Ctx) error {
	trialAvailable := true
	if tgUser, ok := usercontext.GetTelegramUser(c); ok {
		paid, err := tc.history.HasCompletedPayment(c.UserContext(), tgUser.UserRef())
		if err != nil {
			log.Warnf("[Tariffs] Payment history lookup failed for %s: %v", tgUser.UserRef(), err)
		} else if paid {
			trialAvailable = false
			log.Debugf("[Tariffs] User %s has paid orders, hiding %s", tgUser.UserRef(), plans.TrialPlanID)
		}
	}

	out := make([]tariffResponse, 0, len(plans.All()))
	for _, p := range plans.All() {
		if p.IsTrial() && !trialAvailable {
			continue
		}
		out = append(out, tariffResponse{
			ID:         p.ID,
			Name:       p.Name,
			Days:       p.Days,
			PriceRub:   p.PriceValue,
			PriceStars: p.PriceStars,
		})
	}
	return c.JSON(out)
}
