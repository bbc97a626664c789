package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/app/repository"
	"github.com/outlivion/outlivion-api/internal/pkg/contest"
	"github.com/outlivion/outlivion-api/internal/pkg/marzban"
	"github.com/outlivion/outlivion-api/internal/pkg/notify"
	"github.com/outlivion/outlivion-api/internal/pkg/plans"
	"github.com/outlivion/outlivion-api/internal/pkg/yookassa"
)

const legacyRefPrefix = "order_"

// errIgnored is stored on events that did not act on the order, so a later
// delivery under the same dedup key is still processed.
var errIgnored = errors.New("event ignored")

// Delivery is one inbound webhook request.
type Delivery struct {
	SourceIP string
	Body     []byte
	// EventID comes from the delivery headers and may be empty.
	EventID string
}

// Provisioner activates VPN access on the panel.
type Provisioner interface {
	Activate(ctx context.Context, userRef string, durationDays int) (*marzban.Grant, error)
}

// Awarder credits contest tickets for a payment.
type Awarder interface {
	AwardTicketsForPayment(ctx context.Context, req contest.AwardRequest) (bool, error)
}

// RetryQueue takes awards that failed with an error.
type RetryQueue interface {
	Enqueue(req contest.AwardRequest, cause error)
}

// Deps are the collaborators of a Pipeline. Locker defaults to a KeyedMutex
// and Notifier to a LogNotifier.
type Deps struct {
	Orders      repository.OrderRepository
	Credentials repository.VPNCredentialRepository
	Events      repository.PaymentEventRepository
	Provisioner Provisioner
	Awarder     Awarder
	Retry       RetryQueue
	Notifier    notify.Notifier
	Locker      Locker
}

type Options struct {
	// IPCheck enables the gateway source allow-list.
	IPCheck bool
	// DefaultDurationDays applies to plan ids without a known duration.
	DefaultDurationDays int
}

// Pipeline applies gateway notifications to orders.
type Pipeline struct {
	deps Deps
	opts Options
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	if deps.Locker == nil {
		deps.Locker = NewKeyedMutex()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	if opts.DefaultDurationDays <= 0 {
		opts.DefaultDurationDays = 30
	}
	return &Pipeline{deps: deps, opts: opts}
}

// Handle processes one delivery. It never returns an error: every internal
// failure is logged and folded into the Outcome.
func (p *Pipeline) Handle(ctx context.Context, d Delivery) Outcome {
	if p.opts.IPCheck && !yookassa.IsWebhookIP(d.SourceIP) {
		log.Warnf("[Settlement] Rejected webhook from %s: not a gateway address", d.SourceIP)
		return OutcomeForbidden
	}

	n, err := yookassa.ParseNotification(d.Body)
	if err != nil {
		log.Warnf("[Settlement] Ignoring malformed webhook: %v", err)
		return OutcomeInvalidPayload
	}

	event := p.recordEvent(ctx, d, n)
	if event != nil && !event.created && event.stored.SettledSuccessfully() {
		log.Infof("[Settlement] Duplicate delivery %s for payment %s, already processed", event.stored.DedupKey, n.Object.ID)
		return OutcomeDuplicate
	}

	outcome, procErr := p.process(ctx, n)
	if event != nil {
		if err := p.deps.Events.MarkProcessed(ctx, event.stored.ID, procErr); err != nil {
			log.Warnf("[Settlement] Could not mark event %d processed: %v", event.stored.ID, err)
		}
	}
	return outcome
}

type recordedEvent struct {
	stored  *models.PaymentEvent
	created bool
}

// recordEvent writes the delivery to the event log. A failing log does not
// block settlement; the order state machine stays idempotent on its own.
func (p *Pipeline) recordEvent(ctx context.Context, d Delivery, n *yookassa.Notification) *recordedEvent {
	if p.deps.Events == nil {
		return nil
	}
	stored, created, err := p.deps.Events.Record(ctx, &models.PaymentEvent{
		Provider:         models.PaymentProviderYooKassa,
		DedupKey:         DedupKey(d.EventID, n),
		GatewayPaymentID: n.Object.ID,
		EventType:        n.Event,
		PayloadJSON:      string(d.Body),
	})
	if err != nil {
		log.Warnf("[Settlement] Could not record webhook for payment %s: %v", n.Object.ID, err)
		return nil
	}
	return &recordedEvent{stored: stored, created: created}
}

// DedupKey is the delivery's event id, or payment:<gatewayPaymentId>:<event>.
func DedupKey(eventID string, n *yookassa.Notification) string {
	if id := strings.TrimSpace(eventID); id != "" {
		return id
	}
	return fmt.Sprintf("payment:%s:%s", n.Object.ID, n.Event)
}

func (p *Pipeline) process(ctx context.Context, n *yookassa.Notification) (Outcome, error) {
	if !n.IsSuccess() && !n.IsCancel() {
		log.Infof("[Settlement] Ignoring event %s (status %s) for payment %s", n.Event, n.Object.Status, n.Object.ID)
		return OutcomeIgnored, errIgnored
	}

	orderID, err := p.resolveOrderID(ctx, n)
	if err != nil {
		log.Errorf("[Settlement] Order lookup for payment %s failed: %v", n.Object.ID, err)
		return OutcomeInternalError, err
	}
	if orderID == "" {
		log.Errorf("[Settlement] ALERT: payment %s (%s) does not map to any order", n.Object.ID, n.Event)
		return OutcomeUnresolved, errors.New("order not resolved")
	}

	unlock, err := p.deps.Locker.Lock(ctx, "order:"+orderID)
	if err != nil {
		log.Errorf("[Settlement] Could not lock order %s: %v", orderID, err)
		return OutcomeInternalError, err
	}
	defer unlock()

	order, err := p.deps.Orders.FindByID(ctx, orderID)
	if err != nil {
		log.Errorf("[Settlement] Loading order %s failed: %v", orderID, err)
		return OutcomeInternalError, err
	}
	if order == nil {
		log.Warnf("[Settlement] ALERT: order %s from payment %s not found", orderID, n.Object.ID)
		return OutcomeOrderNotFound, repository.ErrOrderNotFound
	}

	if n.IsCancel() {
		return p.cancel(ctx, order)
	}
	return p.settle(ctx, n, order)
}

func (p *Pipeline) resolveOrderID(ctx context.Context, n *yookassa.Notification) (string, error) {
	if id := n.OrderID(); id != "" {
		return id, nil
	}
	order, err := p.deps.Orders.FindByGatewayPaymentID(ctx, n.Object.ID)
	if err != nil || order == nil {
		return "", err
	}
	return order.OrderID, nil
}

func (p *Pipeline) settle(ctx context.Context, n *yookassa.Notification, order *models.Order) (Outcome, error) {
	if order.Status == models.OrderStatusPaid && order.HasCredential() {
		log.Infof("[Settlement] Order %s already paid with credential, skipping", order.OrderID)
		return OutcomeAlreadySettled, nil
	}
	if order.Status == models.OrderStatusCanceled {
		log.Errorf("[Settlement] Payment %s succeeded for canceled order %s", n.Object.ID, order.OrderID)
		return OutcomeStateConflict, repository.ErrInvalidState
	}
	if order.GatewayPaymentID != nil && *order.GatewayPaymentID != n.Object.ID {
		log.Errorf("[Settlement] Payment %s does not match order %s payment %s", n.Object.ID, order.OrderID, *order.GatewayPaymentID)
		return OutcomeStateConflict, repository.ErrConflict
	}
	if order.GatewayPaymentID == nil {
		if err := p.deps.Orders.AttachPaymentIntent(ctx, order.OrderID, n.Object.ID, n.Object.Amount); err != nil {
			log.Warnf("[Settlement] Could not attach payment %s to order %s: %v", n.Object.ID, order.OrderID, err)
		}
	}

	days, known := plans.DurationDays(order.PlanID, p.opts.DefaultDurationDays)
	if !known {
		log.Warnf("[Settlement] Unknown plan %q on order %s, using default %d days", order.PlanID, order.OrderID, days)
	}

	userRef := order.GetUserRef()
	panelRef := userRef
	if panelRef == "" {
		panelRef = legacyRefPrefix + order.OrderID
	}

	grant, err := p.deps.Provisioner.Activate(ctx, panelRef, days)
	if err != nil {
		log.Errorf("[CRITICAL] [Settlement] Payment %s confirmed but provisioning failed for order %s (user %s, plan %s): %v",
			n.Object.ID, order.OrderID, panelRef, order.PlanID, err)
		if alertErr := p.deps.Notifier.AlertOperators(ctx, notify.ProvisioningFailed(order.OrderID, panelRef, order.PlanID, err)); alertErr != nil {
			log.Errorf("[Settlement] Operator alert failed: %v", alertErr)
		}
		return OutcomeProvisioningFailed, err
	}

	transition, err := p.deps.Orders.MarkPaidWithCredential(ctx, order.OrderID, grant.Credential)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidState) || errors.Is(err, repository.ErrConflict) {
			log.Errorf("[Settlement] Order %s refused the credential: %v", order.OrderID, err)
			return OutcomeStateConflict, err
		}
		log.Errorf("[Settlement] Storing credential for order %s failed: %v", order.OrderID, err)
		return OutcomeInternalError, err
	}
	if !transition.Effective() {
		log.Infof("[Settlement] Order %s was settled concurrently", order.OrderID)
		return OutcomeAlreadySettled, nil
	}
	log.Infof("[Settlement] Order %s %s (plan %s, %d days, user %s)", order.OrderID, transition, order.PlanID, days, panelRef)

	if userRef != "" {
		p.afterSettlement(ctx, order, userRef, grant)
	}

	if transition == repository.PaidRepaired {
		return OutcomeRepaired, nil
	}
	return OutcomeSettled, nil
}

// afterSettlement runs the best-effort side effects of a paid order. None
// of them can undo the stored credential.
func (p *Pipeline) afterSettlement(ctx context.Context, order *models.Order, userRef string, grant *marzban.Grant) {
	if p.deps.Credentials != nil {
		if err := p.deps.Credentials.Rotate(ctx, userRef, grant.Username, grant.Credential); err != nil {
			log.Warnf("[Settlement] Credential store update for %s failed: %v", userRef, err)
		}
	}

	if p.deps.Awarder != nil {
		req := contest.AwardRequest{
			UserRef:        userRef,
			OrderID:        order.OrderID,
			PlanID:         order.PlanID,
			OrderCreatedAt: order.CreatedAt,
		}
		awarded, err := p.deps.Awarder.AwardTicketsForPayment(ctx, req)
		switch {
		case err != nil:
			log.Warnf("[Settlement] Ticket award for order %s failed, queued for retry: %v", order.OrderID, err)
			if p.deps.Retry != nil {
				p.deps.Retry.Enqueue(req, err)
			}
		case !awarded:
			log.Debugf("[Settlement] No tickets for order %s", order.OrderID)
		}
	}

	if err := p.deps.Notifier.NotifyUser(ctx, userRef, notify.SubscriptionActivated(grant.Credential, grant.ExpiresAt)); err != nil {
		log.Warnf("[Settlement] Could not notify %s: %v", userRef, err)
	}
}

func (p *Pipeline) cancel(ctx context.Context, order *models.Order) (Outcome, error) {
	err := p.deps.Orders.MarkCanceled(ctx, order.OrderID)
	switch {
	case errors.Is(err, repository.ErrInvalidState):
		log.Errorf("[Settlement] Cancel for paid order %s refused", order.OrderID)
		return OutcomeStateConflict, err
	case err != nil:
		log.Errorf("[Settlement] Canceling order %s failed: %v", order.OrderID, err)
		return OutcomeInternalError, err
	}
	log.Infof("[Settlement] Order %s canceled", order.OrderID)
	return OutcomeCanceled, nil
}
