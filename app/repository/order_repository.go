package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/outlivion/outlivion-api/app/models"
	"gorm.io/gorm"
)

// orderRepository implements the OrderRepository interface
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) CreatePending(ctx context.Context, orderID, planID string, userRef *string) error {
	order := &models.Order{
		OrderID: orderID,
		UserRef: userRef,
		PlanID:  planID,
		Status:  models.OrderStatusPending,
	}
	err := r.db.WithContext(ctx).Create(order).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateOrder
	}
	return err
}

func (r *orderRepository) AttachPaymentIntent(ctx context.Context, orderID, gatewayPaymentID string, amount *models.Amount) error {
	gatewayPaymentID = strings.TrimSpace(gatewayPaymentID)
	if gatewayPaymentID == "" {
		return fmt.Errorf("%w: empty gateway payment id", ErrConflict)
	}

	updates := map[string]interface{}{
		"gateway_payment_id": gatewayPaymentID,
		"updated_at":         time.Now().UTC(),
	}
	if amount != nil {
		updates["amount_value"] = amount.Value
		updates["amount_currency"] = amount.Currency
	}

	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ? AND gateway_payment_id IS NULL", orderID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	order, err := r.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if order.GatewayPaymentID == nil || *order.GatewayPaymentID != gatewayPaymentID {
		return ErrConflict
	}
	if amount == nil || sameAmount(order, amount) {
		return nil
	}
	if order.AmountValue != nil {
		return ErrConflict
	}
	// Same intent, amount arrived later.
	return r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ? AND amount_value IS NULL", orderID).
		Updates(map[string]interface{}{
			"amount_value":    amount.Value,
			"amount_currency": amount.Currency,
			"updated_at":      time.Now().UTC(),
		}).Error
}

// MarkPaidWithCredential is a compare-and-set: only a pending order, or a
// paid order without credential, is updated.
func (r *orderRepository) MarkPaidWithCredential(ctx context.Context, orderID, credential string) (PaidTransition, error) {
	if strings.TrimSpace(credential) == "" {
		return PaidUnchanged, ErrInvalidCredential
	}

	order, err := r.FindByID(ctx, orderID)
	if err != nil {
		return PaidUnchanged, err
	}
	if order == nil {
		return PaidUnchanged, ErrOrderNotFound
	}

	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ?", orderID).
		Where("status = ? OR (status = ? AND (credential IS NULL OR TRIM(credential) = ''))",
			models.OrderStatusPending, models.OrderStatusPaid).
		Updates(map[string]interface{}{
			"status":     models.OrderStatusPaid,
			"credential": credential,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return PaidUnchanged, res.Error
	}
	if res.RowsAffected == 1 {
		if order.Status == models.OrderStatusPaid {
			return PaidRepaired, nil
		}
		return PaidTransitioned, nil
	}

	// Nothing matched: classify against the current row.
	current, err := r.FindByID(ctx, orderID)
	if err != nil {
		return PaidUnchanged, err
	}
	if current == nil {
		return PaidUnchanged, ErrOrderNotFound
	}
	switch current.Status {
	case models.OrderStatusCanceled:
		return PaidUnchanged, ErrInvalidState
	case models.OrderStatusPaid:
		if current.GetCredential() == credential {
			return PaidUnchanged, nil
		}
		return PaidUnchanged, ErrConflict
	default:
		return PaidUnchanged, fmt.Errorf("%w: status %q", ErrInvalidState, current.Status)
	}
}

func (r *orderRepository) MarkCanceled(ctx context.Context, orderID string) error {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_id = ? AND status = ?", orderID, models.OrderStatusPending).
		Updates(map[string]interface{}{
			"status":     models.OrderStatusCanceled,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	order, err := r.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if order.Status == models.OrderStatusCanceled {
		return nil
	}
	return ErrInvalidState
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	return orderOrNil(&order, err)
}

func (r *orderRepository) FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*models.Order, error) {
	if strings.TrimSpace(gatewayPaymentID) == "" {
		return nil, nil
	}
	var order models.Order
	err := r.db.WithContext(ctx).Where("gateway_payment_id = ?", gatewayPaymentID).First(&order).Error
	return orderOrNil(&order, err)
}

// FindByUserRef returns the newest orders first.
func (r *orderRepository) FindByUserRef(ctx context.Context, userRef string, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 20
	}
	var orders []models.Order
	err := r.db.WithContext(ctx).Where("user_ref = ?", userRef).
		Order("created_at DESC").Limit(limit).Find(&orders).Error
	return orders, err
}

// ListPaidBetween returns paid orders created inside [from, to], oldest first.
func (r *orderRepository) ListPaidBetween(ctx context.Context, from, to time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at >= ? AND created_at <= ?", models.OrderStatusPaid, from, to).
		Order("created_at ASC").Find(&orders).Error
	return orders, err
}

func (r *orderRepository) HasPaidBefore(ctx context.Context, userRef string, before time.Time, excludeOrderID string) (bool, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("user_ref = ? AND status = ? AND created_at < ?", userRef, models.OrderStatusPaid, before)
	if excludeOrderID != "" {
		query = query.Where("order_id <> ?", excludeOrderID)
	}
	err := query.Count(&count).Error
	return count > 0, err
}

// LastPaidForUser returns the newest paid order that holds a credential.
func (r *orderRepository) LastPaidForUser(ctx context.Context, userRef string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("user_ref = ? AND status = ? AND credential IS NOT NULL AND credential <> ''", userRef, models.OrderStatusPaid).
		Order("updated_at DESC").First(&order).Error
	return orderOrNil(&order, err)
}

func orderOrNil(order *models.Order, err error) (*models.Order, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func sameAmount(order *models.Order, amount *models.Amount) bool {
	if order.AmountValue == nil || order.AmountCurrency == nil {
		return false
	}
	return *order.AmountValue == amount.Value && strings.EqualFold(*order.AmountCurrency, amount.Currency)
}
