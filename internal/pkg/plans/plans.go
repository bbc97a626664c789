package plans

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/outlivion/outlivion-api/app/models"
)

// TrialPlanID can be bought once per user, before any completed payment.
const TrialPlanID = "plan_7"

const planPrefix = "plan_"

type Plan struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Days       int    `json:"days"`
	PriceValue string `json:"-"`
	Currency   string `json:"-"`
	PriceStars int    `json:"price_stars"`
}

// Price returns the gateway amount for the plan.
func (p Plan) Price() models.Amount {
	return models.Amount{Value: p.PriceValue, Currency: p.Currency}
}

// IsTrial reports whether the plan is the one-time trial.
func (p Plan) IsTrial() bool {
	return p.ID == TrialPlanID
}

var catalog = map[string]Plan{
	"plan_7":   {ID: "plan_7", Name: "7 дней", Days: 7, PriceValue: "10.00", Currency: "RUB", PriceStars: 10},
	"plan_30":  {ID: "plan_30", Name: "1 месяц", Days: 30, PriceValue: "599.00", Currency: "RUB", PriceStars: 350},
	"plan_90":  {ID: "plan_90", Name: "3 месяца", Days: 90, PriceValue: "1499.00", Currency: "RUB", PriceStars: 900},
	"plan_180": {ID: "plan_180", Name: "6 месяцев", Days: 180, PriceValue: "2699.00", Currency: "RUB", PriceStars: 1600},
	"plan_365": {ID: "plan_365", Name: "1 год", Days: 365, PriceValue: "4990.00", Currency: "RUB", PriceStars: 2990},
}

// Lookup returns a catalog plan.
func Lookup(planID string) (Plan, bool) {
	p, ok := catalog[strings.TrimSpace(planID)]
	return p, ok
}

// All returns the catalog ordered by duration.
func All() []Plan {
	out := make([]Plan, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Days < out[j].Days })
	return out
}

// DaysFromPlanID parses "plan_<days>". It returns false for anything else.
func DaysFromPlanID(planID string) (int, bool) {
	planID = strings.TrimSpace(planID)
	if !strings.HasPrefix(planID, planPrefix) {
		return 0, false
	}
	days, err := strconv.Atoi(strings.TrimPrefix(planID, planPrefix))
	if err != nil || days <= 0 {
		return 0, false
	}
	return days, true
}

// DurationDays resolves entitlement days for a plan. Catalog plans win,
// then the plan_<days> pattern, then fallbackDays.
func DurationDays(planID string, fallbackDays int) (days int, known bool) {
	if p, ok := Lookup(planID); ok {
		return p.Days, true
	}
	if d, ok := DaysFromPlanID(planID); ok {
		return d, true
	}
	return fallbackDays, false
}

// Description is the payment description shown on the gateway page.
func Description(p Plan) string {
	return fmt.Sprintf("Outlivion VPN: %s", p.Name)
}
