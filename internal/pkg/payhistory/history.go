package payhistory

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

// LocalOrders is the part of the order repository this package reads.
type LocalOrders interface {
	HasPaidBefore(ctx context.Context, userRef string, before time.Time, excludeOrderID string) (bool, error)
}

// History answers "has this user ever completed a payment" over both the
// API's orders (status paid) and the bot's orders (PAID or COMPLETED).
type History struct {
	local LocalOrders
	bot   *gorm.DB
}

// New builds a History. bot may be nil when the bot's orders table is not
// reachable; only local orders are consulted then.
func New(local LocalOrders, bot *gorm.DB) *History {
	return &History{local: local, bot: bot}
}

// HasCompletedPayment reports any completed payment up to now.
func (h *History) HasCompletedPayment(ctx context.Context, userRef string) (bool, error) {
	return h.HasCompletedPaymentBefore(ctx, userRef, time.Now().UTC().Add(time.Second), "")
}

// HasCompletedPaymentBefore reports a completed payment created strictly
// before t. The order excludeOrderID is never counted, so the payment being
// judged cannot disqualify itself.
func (h *History) HasCompletedPaymentBefore(ctx context.Context, userRef string, t time.Time, excludeOrderID string) (bool, error) {
	paid, err := h.local.HasPaidBefore(ctx, userRef, t, excludeOrderID)
	if err != nil || paid {
		return paid, err
	}
	if h.bot == nil {
		return false, nil
	}
	tgID, ok := usercontext.TelegramIDFromUserRef(userRef)
	if !ok {
		return false, nil
	}

	// Bot timestamps come in several textual formats, so the cutoff is
	// compared after the driver parsed them.
	var orders []models.BotOrder
	query := h.bot.WithContext(ctx).
		Select("id", "created_at").
		Where("user_id = ? AND status IN ?", tgID, []string{models.BotOrderStatusPaid, models.BotOrderStatusCompleted})
	if excludeOrderID != "" {
		query = query.Where("id <> ?", excludeOrderID)
	}
	if err := query.Find(&orders).Error; err != nil {
		return false, err
	}
	for _, o := range orders {
		if o.CreatedAt.Before(t) {
			return true, nil
		}
	}
	return false, nil
}
