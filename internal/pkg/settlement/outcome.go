package settlement

import "github.com/gofiber/fiber/v2"

// Outcome is what Handle did with one delivery.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeForbidden
	OutcomeInvalidPayload
	OutcomeDuplicate
	OutcomeUnresolved
	OutcomeOrderNotFound
	OutcomeAlreadySettled
	OutcomeSettled
	OutcomeRepaired
	OutcomeCanceled
	OutcomeProvisioningFailed
	OutcomeStateConflict
	OutcomeInternalError
)

var outcomeNames = map[Outcome]string{
	OutcomeIgnored:            "ignored",
	OutcomeForbidden:          "forbidden",
	OutcomeInvalidPayload:     "invalid_payload",
	OutcomeDuplicate:          "duplicate",
	OutcomeUnresolved:         "unresolved",
	OutcomeOrderNotFound:      "order_not_found",
	OutcomeAlreadySettled:     "already_settled",
	OutcomeSettled:            "settled",
	OutcomeRepaired:           "repaired",
	OutcomeCanceled:           "canceled",
	OutcomeProvisioningFailed: "provisioning_failed",
	OutcomeStateConflict:      "state_conflict",
	OutcomeInternalError:      "internal_error",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// HTTPStatus is the response code for the gateway. Everything except the
// allow-list rejection is acknowledged so the gateway stops redelivering.
func (o Outcome) HTTPStatus() int {
	if o == OutcomeForbidden {
		return fiber.StatusForbidden
	}
	return fiber.StatusOK
}
