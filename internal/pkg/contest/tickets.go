package contest

import (
	"github.com/outlivion/outlivion-api/internal/pkg/plans"
)

var fixedTickets = map[string]int{
	"plan_30":  1,
	"plan_90":  3,
	"plan_180": 6,
	"plan_365": 12,
}

// TicketsFromPlanID converts a plan into tickets, one per started month.
// Unknown plans yield 0.
func TicketsFromPlanID(planID string) int {
	if n, ok := fixedTickets[planID]; ok {
		return n
	}
	days, ok := plans.DaysFromPlanID(planID)
	if !ok {
		return 0
	}
	return (days + 29) / 30
}
