package models

import "time"

// Ticket ledger reasons.
const (
	TicketReasonSelfPurchase   = "SELF_PURCHASE"
	TicketReasonInviteePayment = "INVITEE_PAYMENT"
)

// Qualification statuses stored in ref_events.
const (
	RefEventStatusBound     = "bound"
	RefEventStatusQualified = "qualified"
)

// Bot order statuses that count as a completed payment.
const (
	BotOrderStatusPaid      = "PAID"
	BotOrderStatusCompleted = "COMPLETED"
)

// The types below live in the Telegram bot's database. This service reads
// them and appends to the ledger, it does not own their schema.

// Contest is a referral contest. Active means IsActive and StartsAt <= now <= EndsAt.
type Contest struct {
	ID                    string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title                 string    `gorm:"type:varchar(200)" json:"title"`
	StartsAt              time.Time `gorm:"not null;index" json:"starts_at"`
	EndsAt                time.Time `gorm:"not null" json:"ends_at"`
	AttributionWindowDays int       `gorm:"not null;default:7" json:"attribution_window_days"`
	RulesVersion          string    `gorm:"type:varchar(32)" json:"rules_version"`
	IsActive              bool      `gorm:"not null;default:false" json:"is_active"`
}

// Covers reports whether t falls inside [StartsAt, EndsAt].
func (c *Contest) Covers(t time.Time) bool {
	return !t.Before(c.StartsAt) && !t.After(c.EndsAt)
}

// UserReferral binds an invited user to the user who invited them. Immutable.
type UserReferral struct {
	ReferrerID int64     `gorm:"not null;index" json:"referrer_id"`
	ReferredID int64     `gorm:"primaryKey;autoIncrement:false" json:"referred_id"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

// TicketLedgerEntry is one append-only ledger row.
type TicketLedgerEntry struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ContestID  string    `gorm:"type:varchar(64);not null;index" json:"contest_id"`
	ReferrerID int64     `gorm:"not null;index;uniqueIndex:ux_ticket_ledger_order_reason_party,priority:3" json:"referrer_id"`
	ReferredID int64     `gorm:"not null" json:"referred_id"`
	OrderID    string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_ticket_ledger_order_reason_party,priority:1" json:"order_id"`
	Delta      int       `gorm:"not null" json:"delta"`
	Reason     string    `gorm:"type:varchar(32);not null;uniqueIndex:ux_ticket_ledger_order_reason_party,priority:2" json:"reason"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

// TableName keeps the bot's table name.
func (TicketLedgerEntry) TableName() string { return "ticket_ledger" }

// RefEvent is the qualification record for a (contest, referrer, referred) pair.
type RefEvent struct {
	ID          string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ContestID   string     `gorm:"type:varchar(64);not null;uniqueIndex:ux_ref_events_pair,priority:1" json:"contest_id"`
	ReferrerID  int64      `gorm:"not null;uniqueIndex:ux_ref_events_pair,priority:2" json:"referrer_id"`
	ReferredID  int64      `gorm:"not null;uniqueIndex:ux_ref_events_pair,priority:3" json:"referred_id"`
	BoundAt     time.Time  `gorm:"not null" json:"bound_at"`
	Status      string     `gorm:"type:varchar(32);not null" json:"status"`
	QualifiedAt *time.Time `gorm:"default:null" json:"qualified_at,omitempty"`
}

// BotOrder is an order recorded by the Telegram bot's own purchase flow.
type BotOrder struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    int64     `gorm:"not null;index" json:"user_id"`
	PlanID    string    `gorm:"type:varchar(64)" json:"plan_id"`
	Status    string    `gorm:"type:varchar(32);not null" json:"status"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName maps to the bot's orders table, which lives in a separate database.
func (BotOrder) TableName() string { return "orders" }
