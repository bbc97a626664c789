package models

import (
	"strings"
	"time"
)

// Order status values. Transitions only go pending -> paid or pending -> canceled.
const (
	OrderStatusPending  = "pending"
	OrderStatusPaid     = "paid"
	OrderStatusCanceled = "canceled"
)

// Order is one purchase attempt for a subscription plan.
type Order struct {
	OrderID          string    `gorm:"primaryKey;type:varchar(64)" json:"order_id"`
	UserRef          *string   `gorm:"type:varchar(64);index" json:"user_ref,omitempty"`
	PlanID           string    `gorm:"type:varchar(64);not null" json:"plan_id"`
	Status           string    `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	GatewayPaymentID *string   `gorm:"type:varchar(191);index" json:"gateway_payment_id,omitempty"`
	AmountValue      *string   `gorm:"type:varchar(32)" json:"amount_value,omitempty"`
	AmountCurrency   *string   `gorm:"type:varchar(8)" json:"amount_currency,omitempty"`
	Credential       *string   `gorm:"type:text" json:"-"`
	CreatedAt        time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null" json:"updated_at"`
}

// HasCredential reports whether the order holds a non-blank credential.
func (o *Order) HasCredential() bool {
	return o.Credential != nil && strings.TrimSpace(*o.Credential) != ""
}

// GetUserRef returns the user reference or an empty string for legacy orders.
func (o *Order) GetUserRef() string {
	if o.UserRef == nil {
		return ""
	}
	return *o.UserRef
}

// GetCredential returns the stored credential or an empty string.
func (o *Order) GetCredential() string {
	if o.Credential == nil {
		return ""
	}
	return *o.Credential
}

// Amount is a gateway money value. Value keeps the provider's decimal string ("599.00").
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}
