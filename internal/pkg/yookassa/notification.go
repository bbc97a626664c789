package yookassa

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/outlivion/outlivion-api/app/models"
)

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"

	StatusSucceeded = "succeeded"
)

var validate = validator.New()

// Notification is the webhook body sent by the gateway.
type Notification struct {
	Type   string             `json:"type" validate:"required,eq=notification"`
	Event  string             `json:"event" validate:"required"`
	Object NotificationObject `json:"object"`
}

type NotificationObject struct {
	ID       string            `json:"id" validate:"required"`
	Status   string            `json:"status" validate:"required"`
	Paid     *bool             `json:"paid" validate:"required"`
	Amount   *models.Amount    `json:"amount,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsSuccess reports a fully settled payment.
func (n *Notification) IsSuccess() bool {
	return n.Event == EventPaymentSucceeded && n.Object.Status == StatusSucceeded &&
		n.Object.Paid != nil && *n.Object.Paid
}

func (n *Notification) IsCancel() bool {
	return n.Event == EventPaymentCanceled
}

// OrderID returns metadata.orderId, if the creator set it.
func (n *Notification) OrderID() string {
	return strings.TrimSpace(n.Object.Metadata["orderId"])
}

// ParseNotification decodes and validates a webhook body.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if err := validate.Struct(&n); err != nil {
		return nil, fmt.Errorf("invalid notification: %w", err)
	}
	return &n, nil
}
