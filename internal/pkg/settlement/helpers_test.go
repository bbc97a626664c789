package settlement

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/app/repository"
	"github.com/outlivion/outlivion-api/internal/pkg/contest"
	"github.com/outlivion/outlivion-api/internal/pkg/database"
	"github.com/outlivion/outlivion-api/internal/pkg/marzban"
	"github.com/outlivion/outlivion-api/internal/pkg/payhistory"
)

type fakeProvisioner struct {
	mu    sync.Mutex
	calls []activation
	fail  []error
	delay time.Duration
}

type activation struct {
	UserRef string
	Days    int
}

func (f *fakeProvisioner) failNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = append(f.fail, err)
}

func (f *fakeProvisioner) activations() []activation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]activation(nil), f.calls...)
}

func (f *fakeProvisioner) Activate(ctx context.Context, userRef string, durationDays int) (*marzban.Grant, error) {
	f.mu.Lock()
	f.calls = append(f.calls, activation{UserRef: userRef, Days: durationDays})
	var err error
	if len(f.fail) > 0 {
		err, f.fail = f.fail[0], f.fail[1:]
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &marzban.Grant{
		Username:   userRef,
		Credential: "https://vpn.example.com/sub/" + userRef,
		ExpiresAt:  time.Now().Add(time.Duration(durationDays) * 24 * time.Hour),
	}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	users  []string
	alerts []string
}

func (f *fakeNotifier) NotifyUser(_ context.Context, userRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userRef)
	return nil
}

func (f *fakeNotifier) AlertOperators(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, text)
	return nil
}

func (f *fakeNotifier) counts() (users, alerts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), len(f.alerts)
}

type fakeRetry struct {
	mu      sync.Mutex
	entries []contest.AwardRequest
}

func (f *fakeRetry) Enqueue(req contest.AwardRequest, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, req)
}

type harness struct {
	pipeline    *Pipeline
	repos       *repository.Repositories
	db          *gorm.DB
	bot         *gorm.DB
	provisioner *fakeProvisioner
	notifier    *fakeNotifier
	retry       *fakeRetry
}

type harnessOption func(*Deps, *Options)

func withAwarder(a Awarder) harnessOption {
	return func(d *Deps, _ *Options) { d.Awarder = a }
}

func withIPCheck() harnessOption {
	return func(_ *Deps, o *Options) { o.IPCheck = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := database.OpenSQLite(filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })

	bot, _, err := database.OpenBot(filepath.Join(dir, "bot.db"), db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(bot) })

	now := time.Now().UTC()
	require.NoError(t, bot.Create(&models.Contest{
		ID:                    "contest-1",
		Title:                 "Autumn",
		StartsAt:              now.Add(-10 * 24 * time.Hour),
		EndsAt:                now.Add(10 * 24 * time.Hour),
		AttributionWindowDays: 7,
		IsActive:              true,
	}).Error)

	repos := repository.NewRepositories(db)
	h := &harness{
		repos:       repos,
		db:          db,
		bot:         bot,
		provisioner: &fakeProvisioner{},
		notifier:    &fakeNotifier{},
		retry:       &fakeRetry{},
	}
	deps := Deps{
		Orders:      repos.Order,
		Credentials: repos.VPNCredential,
		Events:      repos.PaymentEvent,
		Provisioner: h.provisioner,
		Awarder:     contest.NewLedger(contest.NewRepository(bot, true), payhistory.New(repos.Order, bot), repos.Order),
		Retry:       h.retry,
		Notifier:    h.notifier,
	}
	options := Options{DefaultDurationDays: 30}
	for _, opt := range opts {
		opt(&deps, &options)
	}
	h.pipeline = NewPipeline(deps, options)
	return h
}

func (h *harness) createOrder(t *testing.T, orderID, planID, userRef, gatewayPaymentID string) {
	t.Helper()
	ctx := context.Background()
	var ref *string
	if userRef != "" {
		ref = &userRef
	}
	require.NoError(t, h.repos.Order.CreatePending(ctx, orderID, planID, ref))
	if gatewayPaymentID != "" {
		require.NoError(t, h.repos.Order.AttachPaymentIntent(ctx, orderID, gatewayPaymentID, &models.Amount{Value: "599.00", Currency: "RUB"}))
	}
}

func (h *harness) order(t *testing.T, orderID string) *models.Order {
	t.Helper()
	o, err := h.repos.Order.FindByID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (h *harness) ledgerRows(t *testing.T, orderID string) []models.TicketLedgerEntry {
	t.Helper()
	var rows []models.TicketLedgerEntry
	require.NoError(t, h.bot.Where("order_id = ?", orderID).Find(&rows).Error)
	return rows
}

func succeededBody(paymentID, orderID string) []byte {
	metadata := ""
	if orderID != "" {
		metadata = fmt.Sprintf(`,"metadata":{"orderId":%q}`, orderID)
	}
	return []byte(fmt.Sprintf(`{"type":"notification","event":"payment.succeeded","object":{"id":%q,"status":"succeeded","paid":true,"amount":{"value":"599.00","currency":"RUB"}%s}}`, paymentID, metadata))
}

func canceledBody(paymentID, orderID string) []byte {
	return []byte(fmt.Sprintf(`{"type":"notification","event":"payment.canceled","object":{"id":%q,"status":"canceled","paid":false,"metadata":{"orderId":%q}}}`, paymentID, orderID))
}
