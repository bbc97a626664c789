package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/app/repository"
	"github.com/outlivion/outlivion-api/internal/pkg/plans"
	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
	"github.com/outlivion/outlivion-api/internal/pkg/yookassa"
)

const gatewayTimeout = 20 * time.Second

// PaymentGateway creates payment intents at the provider.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, in yookassa.PaymentRequest, idempotenceKey string) (*yookassa.Payment, error)
}

// PaymentHistory answers whether a user ever completed a payment.
type PaymentHistory interface {
	HasCompletedPayment(ctx context.Context, userRef string) (bool, error)
}

type createOrderRequest struct {
	PlanID  string `json:"planId" validate:"required,max=64"`
	UserRef string `json:"userRef" validate:"omitempty,max=64"`
}

// OrderController creates orders and reports their state.
type OrderController struct {
	orders    repository.OrderRepository
	gateway   PaymentGateway
	history   PaymentHistory
	returnURL string
}

// NewOrderController creates a new order controller
func NewOrderController(orders repository.OrderRepository, gateway PaymentGateway, history PaymentHistory, returnURL string) *OrderController {
	return &OrderController{
		orders:    orders,
		gateway:   gateway,
		history:   history,
		returnURL: returnURL,
	}
}

// HandleCreateOrder stores a pending order and opens a payment intent for it.
// The order stays pending when the gateway fails.
func (oc *OrderController) HandleCreateOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Request body must be JSON")
	}
	req.PlanID = strings.TrimSpace(req.PlanID)
	req.UserRef = strings.TrimSpace(req.UserRef)
	if err := validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", validationMessage(err))
	}

	plan, ok := plans.Lookup(req.PlanID)
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "invalid_plan", "Unknown plan "+req.PlanID)
	}

	// A signed Telegram identity takes precedence over the body field.
	userRef := req.UserRef
	if tgUser, ok := usercontext.GetTelegramUser(c); ok {
		userRef = tgUser.UserRef()
	}

	ctx, cancel := requestContext(c, gatewayTimeout)
	defer cancel()

	if plan.IsTrial() && userRef != "" {
		paid, err := oc.history.HasCompletedPayment(ctx, userRef)
		if err != nil {
			log.Errorf("[Orders] Trial check failed for %s: %v", userRef, err)
			return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not verify trial eligibility")
		}
		if paid {
			return jsonError(c, fiber.StatusConflict, "trial_unavailable", "The trial plan is only available before the first payment")
		}
	}

	orderID := uuid.NewString()
	var refPtr *string
	if userRef != "" {
		refPtr = &userRef
	}
	if err := oc.orders.CreatePending(ctx, orderID, plan.ID, refPtr); err != nil {
		log.Errorf("[Orders] Failed to create order %s: %v", orderID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not create order")
	}

	metadata := map[string]string{
		"orderId": orderID,
		"planId":  plan.ID,
	}
	if userRef != "" {
		metadata["userRef"] = userRef
	}
	payment, err := oc.gateway.CreatePayment(ctx, yookassa.PaymentRequest{
		Amount:  plan.Price(),
		Capture: true,
		Confirmation: yookassa.Confirmation{
			Type:      "redirect",
			ReturnURL: oc.returnURL,
		},
		Description: plans.Description(plan),
		Metadata:    metadata,
	}, uuid.NewString())
	if err != nil {
		var apiErr *yookassa.APIError
		if errors.As(err, &apiErr) {
			log.Errorf("[Orders] Gateway rejected payment for order %s: %v", orderID, apiErr)
		} else {
			log.Errorf("[Orders] Gateway unavailable for order %s: %v", orderID, err)
		}
		return jsonError(c, fiber.StatusBadGateway, "payment_gateway_error", "Payment provider is unavailable, try again later")
	}
	if payment.Confirmation.ConfirmationURL == "" {
		log.Errorf("[Orders] Payment %s for order %s has no confirmation url", payment.ID, orderID)
		return jsonError(c, fiber.StatusBadGateway, "payment_gateway_error", "Payment provider returned no payment link")
	}

	// Settlement resolves the order through metadata, so a failed attach is not fatal.
	amount := payment.Amount
	if amount.Value == "" {
		amount = plan.Price()
	}
	if err := oc.orders.AttachPaymentIntent(ctx, orderID, payment.ID, &amount); err != nil {
		log.Warnf("[Orders] Could not attach payment %s to order %s: %v", payment.ID, orderID, err)
	}

	log.Infof("[Orders] Created order %s plan=%s user=%s payment=%s", orderID, plan.ID, userRef, payment.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"orderId":    orderID,
		"status":     models.OrderStatusPending,
		"paymentUrl": payment.Confirmation.ConfirmationURL,
	})
}

// HandleGetOrder returns the order state. The credential is only exposed once paid.
func (oc *OrderController) HandleGetOrder(c *fiber.Ctx) error {
	orderID := strings.TrimSpace(c.Params("orderId"))
	if orderID == "" {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "orderId is required")
	}

	order, err := oc.orders.FindByID(c.UserContext(), orderID)
	if err != nil {
		log.Errorf("[Orders] Failed to load order %s: %v", orderID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_error", "Could not load order")
	}
	if order == nil {
		return jsonError(c, fiber.StatusNotFound, "not_found", "Order not found")
	}

	resp := fiber.Map{
		"orderId": order.OrderID,
		"status":  order.Status,
		"planId":  order.PlanID,
	}
	if order.Status == models.OrderStatusPaid && order.HasCredential() {
		resp["credential"] = order.GetCredential()
	}
	return c.JSON(resp)
}
