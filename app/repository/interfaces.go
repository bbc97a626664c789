package repository

import (
	"context"
	"time"

	"github.com/outlivion/outlivion-api/app/models"
	"gorm.io/gorm"
)

// PaidTransition reports what MarkPaidWithCredential did to the order.
type PaidTransition int

const (
	// PaidUnchanged means the order was already paid with the same credential.
	PaidUnchanged PaidTransition = iota
	// PaidTransitioned means the order moved from pending to paid.
	PaidTransitioned
	// PaidRepaired means a paid order without credential received one.
	PaidRepaired
)

func (t PaidTransition) String() string {
	switch t {
	case PaidTransitioned:
		return "transitioned"
	case PaidRepaired:
		return "repaired"
	default:
		return "unchanged"
	}
}

// Effective reports whether the call changed stored state.
func (t PaidTransition) Effective() bool {
	return t == PaidTransitioned || t == PaidRepaired
}

// OrderRepository defines durable operations over orders with idempotent
// status transitions. Lookups return (nil, nil) when nothing matches.
type OrderRepository interface {
	CreatePending(ctx context.Context, orderID, planID string, userRef *string) error
	AttachPaymentIntent(ctx context.Context, orderID, gatewayPaymentID string, amount *models.Amount) error
	MarkPaidWithCredential(ctx context.Context, orderID, credential string) (PaidTransition, error)
	MarkCanceled(ctx context.Context, orderID string) error
	FindByID(ctx context.Context, orderID string) (*models.Order, error)
	FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*models.Order, error)
	FindByUserRef(ctx context.Context, userRef string, limit int) ([]models.Order, error)
	ListPaidBetween(ctx context.Context, from, to time.Time) ([]models.Order, error)
	HasPaidBefore(ctx context.Context, userRef string, before time.Time, excludeOrderID string) (bool, error)
	LastPaidForUser(ctx context.Context, userRef string) (*models.Order, error)
}

// VPNCredentialRepository keeps the active credential per user with history.
type VPNCredentialRepository interface {
	GetActive(ctx context.Context, userRef string) (*models.VPNCredential, error)
	Rotate(ctx context.Context, userRef, panelUsername, value string) error
	History(ctx context.Context, userRef string) ([]models.VPNCredential, error)
}

// PaymentEventRepository is the inbound notification log used for dedup.
type PaymentEventRepository interface {
	// Record stores the event unless its dedup key exists. The stored row is
	// returned in both cases; created is false for a repeated key.
	Record(ctx context.Context, event *models.PaymentEvent) (stored *models.PaymentEvent, created bool, err error)
	MarkProcessed(ctx context.Context, id uint, processErr error) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Order         OrderRepository
	VPNCredential VPNCredentialRepository
	PaymentEvent  PaymentEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Order:         NewOrderRepository(db),
		VPNCredential: NewVPNCredentialRepository(db),
		PaymentEvent:  NewPaymentEventRepository(db),
	}
}
