package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/internal/pkg/contest"
	"github.com/outlivion/outlivion-api/internal/pkg/marzban"
)

func TestSettlePlan30EndToEnd(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")

	out := h.pipeline.Handle(context.Background(), Delivery{SourceIP: "185.71.76.1", Body: succeededBody("pay-1", "order-1"), EventID: "evt-1"})
	assert.Equal(t, OutcomeSettled, out)
	assert.Equal(t, 200, out.HTTPStatus())

	o := h.order(t, "order-1")
	assert.Equal(t, models.OrderStatusPaid, o.Status)
	assert.Equal(t, "https://vpn.example.com/sub/tg_1001", o.GetCredential())

	rows := h.ledgerRows(t, "order-1")
	require.Len(t, rows, 1)
	assert.Equal(t, models.TicketReasonSelfPurchase, rows[0].Reason)
	assert.Equal(t, 1, rows[0].Delta)

	active, err := h.repos.VPNCredential.GetActive(context.Background(), "tg_1001")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, o.GetCredential(), active.CredentialValue)

	assert.Equal(t, []activation{{UserRef: "tg_1001", Days: 30}}, h.provisioner.activations())
	users, alerts := h.notifier.counts()
	assert.Equal(t, 1, users)
	assert.Zero(t, alerts)
}

func TestRedeliveryAfterProvisioningTimeout(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")
	h.provisioner.failNext(fmt.Errorf("%w: context deadline exceeded", marzban.ErrProvisioning))

	d := Delivery{Body: succeededBody("pay-1", "order-1"), EventID: "evt-1"}
	assert.Equal(t, OutcomeProvisioningFailed, h.pipeline.Handle(context.Background(), d))

	o := h.order(t, "order-1")
	assert.Equal(t, models.OrderStatusPending, o.Status)
	assert.False(t, o.HasCredential())
	assert.Empty(t, h.ledgerRows(t, "order-1"))
	_, alerts := h.notifier.counts()
	assert.Equal(t, 1, alerts)

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), d))
	o = h.order(t, "order-1")
	assert.Equal(t, models.OrderStatusPaid, o.Status)
	assert.True(t, o.HasCredential())
	assert.Len(t, h.ledgerRows(t, "order-1"), 1)
	assert.Len(t, h.provisioner.activations(), 2)
}

func TestDuplicateEventIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_90", "tg_1001", "pay-1")
	d := Delivery{Body: succeededBody("pay-1", "order-1"), EventID: "evt-1"}

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), d))
	assert.Equal(t, OutcomeDuplicate, h.pipeline.Handle(context.Background(), d))

	noID := Delivery{Body: succeededBody("pay-1", "order-1")}
	assert.Equal(t, OutcomeAlreadySettled, h.pipeline.Handle(context.Background(), noID))
	assert.Equal(t, OutcomeDuplicate, h.pipeline.Handle(context.Background(), noID))

	assert.Len(t, h.provisioner.activations(), 1)
	total := 0
	for _, r := range h.ledgerRows(t, "order-1") {
		total += r.Delta
	}
	assert.Equal(t, 3, total)
	users, _ := h.notifier.counts()
	assert.Equal(t, 1, users)
}

func TestIdempotencyGateSkipsPaidOrder(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1"), EventID: "evt-1"}))
	assert.Equal(t, OutcomeAlreadySettled, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1"), EventID: "evt-2"}))
	assert.Len(t, h.provisioner.activations(), 1)
}

func TestIgnoredEventDoesNotBlockLaterSuccess(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")

	unpaid := []byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded","paid":false,"metadata":{"orderId":"order-1"}}}`)
	assert.Equal(t, OutcomeIgnored, h.pipeline.Handle(context.Background(), Delivery{Body: unpaid}))
	assert.Equal(t, models.OrderStatusPending, h.order(t, "order-1").Status)

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1")}))
	assert.Equal(t, models.OrderStatusPaid, h.order(t, "order-1").Status)
}

func TestResolveOrderByGatewayPaymentID(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "")}))
	assert.Equal(t, models.OrderStatusPaid, h.order(t, "order-1").Status)
}

func TestUnresolvableNotificationsAreAcknowledged(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body []byte
		want Outcome
	}{
		{name: "malformed json", body: []byte(`{"type":`), want: OutcomeInvalidPayload},
		{name: "missing paid flag", body: []byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"p","status":"succeeded"}}`), want: OutcomeInvalidPayload},
		{name: "unknown payment", body: succeededBody("pay-unknown", ""), want: OutcomeUnresolved},
		{name: "unknown order", body: succeededBody("pay-2", "order-missing"), want: OutcomeOrderNotFound},
		{name: "waiting for capture", body: []byte(`{"type":"notification","event":"payment.waiting_for_capture","object":{"id":"p","status":"waiting_for_capture","paid":true}}`), want: OutcomeIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.pipeline.Handle(context.Background(), Delivery{Body: tt.body})
			assert.Equal(t, tt.want, out)
			assert.Equal(t, 200, out.HTTPStatus())
		})
	}
	assert.Empty(t, h.provisioner.activations())
}

func TestIPAllowList(t *testing.T) {
	h := newHarness(t, withIPCheck())
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")

	out := h.pipeline.Handle(context.Background(), Delivery{SourceIP: "203.0.113.9", Body: succeededBody("pay-1", "order-1")})
	assert.Equal(t, OutcomeForbidden, out)
	assert.Equal(t, 403, out.HTTPStatus())
	assert.Equal(t, models.OrderStatusPending, h.order(t, "order-1").Status)

	out = h.pipeline.Handle(context.Background(), Delivery{SourceIP: "185.71.76.10", Body: succeededBody("pay-1", "order-1")})
	assert.Equal(t, OutcomeSettled, out)
}

func TestCancelEvent(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")
	h.createOrder(t, "order-2", "plan_30", "tg_1001", "pay-2")

	assert.Equal(t, OutcomeCanceled, h.pipeline.Handle(context.Background(), Delivery{Body: canceledBody("pay-1", "order-1"), EventID: "c-1"}))
	assert.Equal(t, OutcomeCanceled, h.pipeline.Handle(context.Background(), Delivery{Body: canceledBody("pay-1", "order-1"), EventID: "c-2"}))
	assert.Equal(t, models.OrderStatusCanceled, h.order(t, "order-1").Status)

	out := h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1")})
	assert.Equal(t, OutcomeStateConflict, out)
	assert.Equal(t, models.OrderStatusCanceled, h.order(t, "order-1").Status)
	assert.Empty(t, h.provisioner.activations())

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-2", "order-2")}))
	assert.Equal(t, OutcomeStateConflict, h.pipeline.Handle(context.Background(), Delivery{Body: canceledBody("pay-2", "order-2")}))
	assert.Equal(t, models.OrderStatusPaid, h.order(t, "order-2").Status)
}

func TestMismatchedPaymentIDIsConflict(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")

	assert.Equal(t, OutcomeStateConflict, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-other", "order-1")}))
	assert.Empty(t, h.provisioner.activations())
}

func TestAttachesPaymentIDWhenMissing(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "")

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1")}))
	o := h.order(t, "order-1")
	require.NotNil(t, o.GatewayPaymentID)
	assert.Equal(t, "pay-1", *o.GatewayPaymentID)
}

func TestUnknownPlanUsesDefaultDuration(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "premium", "tg_1001", "pay-1")

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1")}))
	assert.Equal(t, []activation{{UserRef: "tg_1001", Days: 30}}, h.provisioner.activations())
	assert.Empty(t, h.ledgerRows(t, "order-1"))
	assert.Empty(t, h.retry.entries)
}

func TestLegacyOrderWithoutUserRef(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_90", "", "pay-1")

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1")}))
	assert.Equal(t, []activation{{UserRef: "order_order-1", Days: 90}}, h.provisioner.activations())
	assert.True(t, h.order(t, "order-1").HasCredential())
	assert.Empty(t, h.ledgerRows(t, "order-1"))
	users, _ := h.notifier.counts()
	assert.Zero(t, users)
}

type failingAwarder struct{}

func (failingAwarder) AwardTicketsForPayment(context.Context, contest.AwardRequest) (bool, error) {
	return false, errors.New("database is locked")
}

func TestAwardErrorIsQueuedForRetry(t *testing.T) {
	h := newHarness(t, withAwarder(failingAwarder{}))
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")

	assert.Equal(t, OutcomeSettled, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1")}))
	assert.Equal(t, models.OrderStatusPaid, h.order(t, "order-1").Status)
	require.Len(t, h.retry.entries, 1)
	assert.Equal(t, "order-1", h.retry.entries[0].OrderID)
	assert.Equal(t, "tg_1001", h.retry.entries[0].UserRef)
	assert.Equal(t, "plan_30", h.retry.entries[0].PlanID)
}

func TestRepairPaidOrderWithoutCredential(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")
	require.NoError(t, h.db.Model(&models.Order{}).Where("order_id = ?", "order-1").
		Update("status", models.OrderStatusPaid).Error)

	assert.Equal(t, OutcomeRepaired, h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1")}))
	o := h.order(t, "order-1")
	assert.True(t, o.HasCredential())
	assert.Len(t, h.ledgerRows(t, "order-1"), 1)
}

func TestConcurrentDeliveriesProvisionOnce(t *testing.T) {
	h := newHarness(t)
	h.createOrder(t, "order-1", "plan_30", "tg_1001", "pay-1")

	const deliveries = 6
	outcomes := make([]Outcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.pipeline.Handle(context.Background(), Delivery{Body: succeededBody("pay-1", "order-1"), EventID: fmt.Sprintf("evt-%d", i)})
		}(i)
	}
	wg.Wait()

	settled := 0
	for _, o := range outcomes {
		if o == OutcomeSettled {
			settled++
		} else {
			assert.Equal(t, OutcomeAlreadySettled, o)
		}
	}
	assert.Equal(t, 1, settled)
	assert.Len(t, h.provisioner.activations(), 1)
	assert.Len(t, h.ledgerRows(t, "order-1"), 1)
}
