package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/app/repository"
	"github.com/outlivion/outlivion-api/internal/pkg/awardretry"
	"github.com/outlivion/outlivion-api/internal/pkg/contest"
	"github.com/outlivion/outlivion-api/internal/pkg/database"
	"github.com/outlivion/outlivion-api/internal/pkg/marzban"
	"github.com/outlivion/outlivion-api/internal/pkg/metrics/counter"
	"github.com/outlivion/outlivion-api/internal/pkg/middleware"
	"github.com/outlivion/outlivion-api/internal/pkg/settlement"
	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
	"github.com/outlivion/outlivion-api/internal/pkg/yookassa"
)

const testUserHeader = "X-Test-Telegram-Id"

type fakeGateway struct {
	mu       sync.Mutex
	requests []yookassa.PaymentRequest
	err      error
	noURL    bool
}

func (f *fakeGateway) CreatePayment(_ context.Context, in yookassa.PaymentRequest, _ string) (*yookassa.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, in)
	if f.err != nil {
		return nil, f.err
	}
	p := &yookassa.Payment{
		ID:     "pay-" + strconv.Itoa(len(f.requests)),
		Status: "pending",
		Amount: in.Amount,
	}
	if !f.noURL {
		p.Confirmation = yookassa.Confirmation{Type: "redirect", ConfirmationURL: "https://pay.example.com/" + p.ID}
	}
	return p, nil
}

type fakeHistory struct {
	paid map[string]bool
	err  error
}

func (f *fakeHistory) HasCompletedPayment(_ context.Context, userRef string) (bool, error) {
	return f.paid[userRef], f.err
}

type fakeVPN struct {
	configs   map[string]string
	statuses  map[string]*marzban.AccountStatus
	rotated   map[string]string
	renewed   []string
	err       error
	rotateErr error
}

func (f *fakeVPN) Activate(_ context.Context, userRef string, days int) (*marzban.Grant, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.renewed = append(f.renewed, userRef+":"+strconv.Itoa(days))
	return &marzban.Grant{
		Username:   userRef,
		Credential: "https://vpn.example.com/sub/" + userRef,
		ExpiresAt:  time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeVPN) CurrentConfig(_ context.Context, userRef string) (string, error) {
	return f.configs[userRef], f.err
}

func (f *fakeVPN) Status(_ context.Context, userRef string) (*marzban.AccountStatus, error) {
	return f.statuses[userRef], f.err
}

func (f *fakeVPN) RotateCredential(_ context.Context, userRef string) (*marzban.Grant, error) {
	if f.rotateErr != nil {
		return nil, f.rotateErr
	}
	cred, ok := f.rotated[userRef]
	if !ok {
		return nil, marzban.ErrNotFound
	}
	return &marzban.Grant{Username: userRef, Credential: cred}, nil
}

type fakeStandings struct {
	summary      *contest.Summary
	stats        contest.ReferralStats
	err          error
	active       *models.Contest
	participants []contest.Participant
	tickets      map[string]int
}

func (f *fakeStandings) Summary(context.Context, string) (*contest.Summary, error) {
	return f.summary, f.err
}

func (f *fakeStandings) ReferralStats(context.Context, string) (contest.ReferralStats, error) {
	return f.stats, f.err
}

func (f *fakeStandings) Participants(_ context.Context, contestID string) (*models.Contest, []contest.Participant, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	if f.active == nil || f.active.ID != contestID {
		return nil, nil, contest.ErrContestNotFound
	}
	return f.active, f.participants, nil
}

func (f *fakeStandings) TicketsForOrder(_ context.Context, orderID string) (int, error) {
	return f.tickets[orderID], f.err
}

type fakeSettlement struct {
	outcome    settlement.Outcome
	deliveries []settlement.Delivery
}

func (f *fakeSettlement) Handle(_ context.Context, d settlement.Delivery) settlement.Outcome {
	f.deliveries = append(f.deliveries, d)
	return f.outcome
}

type fakeRetryQueue struct {
	stats awardretry.Stats
	run   awardretry.RunResult
	runs  int
}

func (f *fakeRetryQueue) Stats() awardretry.Stats { return f.stats }

func (f *fakeRetryQueue) RunOnce(context.Context) awardretry.RunResult {
	f.runs++
	return f.run
}

type testEnv struct {
	app        *fiber.App
	repos      *repository.Repositories
	gateway    *fakeGateway
	history    *fakeHistory
	vpn        *fakeVPN
	standings  *fakeStandings
	settlement *fakeSettlement
	retry      *fakeRetryQueue
	outcomes   *counter.MemoryCounter
	healthErr  error
}

// newTestEnv wires the controllers onto a fiber app. Tests authenticate by
// sending the Telegram id in testUserHeader; ids above 900 are operators.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })

	e := &testEnv{
		repos:      repository.NewRepositories(db),
		gateway:    &fakeGateway{},
		history:    &fakeHistory{paid: map[string]bool{}},
		vpn:        &fakeVPN{configs: map[string]string{}, statuses: map[string]*marzban.AccountStatus{}, rotated: map[string]string{}},
		standings:  &fakeStandings{},
		settlement: &fakeSettlement{outcome: settlement.OutcomeSettled},
		retry:      &fakeRetryQueue{},
		outcomes:   counter.NewMemoryCounter(),
	}

	orders := NewOrderController(e.repos.Order, e.gateway, e.history, "https://app.example.com/return")
	webhooks := NewWebhookController(e.settlement, e.outcomes)
	tariffs := NewTariffController(e.history)
	users := NewUserController(e.vpn, e.repos.VPNCredential, e.repos.Order, e.standings)
	admin := NewAdminController(AdminDeps{
		VPN:         e.vpn,
		Retry:       e.retry,
		Outcomes:    e.outcomes,
		Orders:      e.repos.Order,
		Credentials: e.repos.VPNCredential,
		Contest:     e.standings,
	})
	health := NewHealthController(HealthCheck{Name: "database", Check: func(context.Context) error { return e.healthErr }})

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if raw := c.Get(testUserHeader); raw != "" {
			id, _ := strconv.ParseInt(raw, 10, 64)
			usercontext.Set(c, usercontext.TelegramUser{ID: id, IsAdmin: id > 900})
		}
		return c.Next()
	})
	app.Get("/health", health.HandleHealth)
	v1 := app.Group("/v1")
	v1.Post("/orders/create", orders.HandleCreateOrder)
	v1.Get("/orders/:orderId", orders.HandleGetOrder)
	v1.Post("/payments/webhook", webhooks.HandlePaymentWebhook)
	v1.Get("/tariffs", tariffs.HandleListTariffs)
	user := v1.Group("/user", middleware.RequireTelegramUser)
	user.Get("/config", users.HandleUserConfig)
	user.Get("/status", users.HandleUserStatus)
	user.Get("/billing", users.HandleUserBilling)
	user.Post("/regenerate", users.HandleRegenerate)
	user.Get("/referrals", users.HandleReferrals)
	adminGroup := v1.Group("/admin", middleware.RequireAdmin)
	adminGroup.Post("/renew", admin.HandleRenew)
	adminGroup.Get("/award-retry", admin.HandleAwardRetryStats)
	adminGroup.Post("/award-retry/run", admin.HandleAwardRetryRun)
	adminGroup.Get("/settlement-stats", admin.HandleSettlementStats)
	adminGroup.Get("/contest/participants", admin.HandleContestParticipants)
	adminGroup.Get("/orders/:orderId", admin.HandleOrderInspect)
	adminGroup.Get("/users/:tgId/credentials", admin.HandleCredentialHistory)

	e.app = app
	return e
}

type response struct {
	Status int
	Body   map[string]interface{}
	Raw    []byte
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			payload, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(payload)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := response{Status: resp.StatusCode, Raw: raw}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out.Body))
	}
	return out
}

func asUser(id int64) map[string]string {
	return map[string]string{testUserHeader: strconv.FormatInt(id, 10)}
}

var errPanelDown = errors.New("panel down")
