package models

import "time"

// PaymentProviderYooKassa is the only payment provider wired today.
const PaymentProviderYooKassa = "yookassa"

// PaymentEvent stores inbound gateway notifications with deduplication
// metadata for idempotent settlement.
type PaymentEvent struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Provider         string     `gorm:"type:varchar(20);not null;index:ux_payment_events_provider_key,unique,priority:1" json:"provider"`
	DedupKey         string     `gorm:"type:varchar(191);not null;index:ux_payment_events_provider_key,unique,priority:2" json:"dedup_key"`
	GatewayPaymentID string     `gorm:"type:varchar(191);not null;index" json:"gateway_payment_id"`
	EventType        string     `gorm:"type:varchar(100);not null" json:"event_type"`
	PayloadJSON      string     `gorm:"type:text" json:"payload_json"`
	ProcessedAt      *time.Time `gorm:"default:null" json:"processed_at,omitempty"`
	ProcessingError  string     `gorm:"type:text" json:"processing_error"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SettledSuccessfully reports whether an earlier delivery finished without error.
func (e *PaymentEvent) SettledSuccessfully() bool {
	return e.ProcessedAt != nil && e.ProcessingError == ""
}
