package contest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

// ErrContestNotFound is returned for unknown or deactivated contests.
var ErrContestNotFound = errors.New("contest not found")

// AwardRequest identifies one paid order to award tickets for.
type AwardRequest struct {
	UserRef        string
	OrderID        string
	PlanID         string
	OrderCreatedAt time.Time
}

// PaymentHistory answers the prior-payment disqualification rule.
type PaymentHistory interface {
	HasCompletedPaymentBefore(ctx context.Context, userRef string, t time.Time, excludeOrderID string) (bool, error)
}

// PaidOrders lists the API's paid orders for reconciliation.
type PaidOrders interface {
	ListPaidBetween(ctx context.Context, from, to time.Time) ([]models.Order, error)
}

// Ledger awards contest tickets for payments.
type Ledger struct {
	repo    Repository
	history PaymentHistory
	orders  PaidOrders
	now     func() time.Time
}

func NewLedger(repo Repository, history PaymentHistory, orders PaidOrders) *Ledger {
	return &Ledger{
		repo:    repo,
		history: history,
		orders:  orders,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AwardTicketsForPayment credits the payer and, when eligible, the payer's
// referrer. It returns false without error when nothing can be awarded: no
// active contest, order outside the contest, a plan worth zero tickets or a
// user ref without Telegram id. A repeated call for an awarded order
// returns true and writes nothing.
func (l *Ledger) AwardTicketsForPayment(ctx context.Context, req AwardRequest) (bool, error) {
	payerID, ok := usercontext.TelegramIDFromUserRef(req.UserRef)
	if !ok {
		log.Warnf("[Contest] user ref %q has no telegram id, order %s not attributable", req.UserRef, req.OrderID)
		return false, nil
	}

	contest, err := l.repo.ActiveContest(ctx, l.now())
	if err != nil {
		return false, fmt.Errorf("load active contest: %w", err)
	}
	if contest == nil {
		log.Debugf("[Contest] no active contest, skipping order %s", req.OrderID)
		return false, nil
	}
	if !contest.Covers(req.OrderCreatedAt) {
		log.Infof("[Contest] order %s is outside contest %s period", req.OrderID, contest.ID)
		return false, nil
	}

	delta := TicketsFromPlanID(req.PlanID)
	if delta <= 0 {
		log.Warnf("[Contest] plan %q of order %s is worth no tickets", req.PlanID, req.OrderID)
		return false, nil
	}

	now := l.now()
	award := Award{Entries: []models.TicketLedgerEntry{{
		ContestID:  contest.ID,
		ReferrerID: payerID,
		ReferredID: payerID,
		OrderID:    req.OrderID,
		Delta:      delta,
		Reason:     models.TicketReasonSelfPurchase,
		CreatedAt:  now,
	}}}

	referrerID, boundAt, err := l.eligibleReferrer(ctx, contest, payerID, req)
	if err != nil {
		return false, err
	}
	if referrerID != 0 {
		award.Entries = append(award.Entries, models.TicketLedgerEntry{
			ContestID:  contest.ID,
			ReferrerID: referrerID,
			ReferredID: payerID,
			OrderID:    req.OrderID,
			Delta:      delta,
			Reason:     models.TicketReasonInviteePayment,
			CreatedAt:  now,
		})
		award.Qualification = &models.RefEvent{
			ContestID:   contest.ID,
			ReferrerID:  referrerID,
			ReferredID:  payerID,
			BoundAt:     boundAt,
			Status:      models.RefEventStatusQualified,
			QualifiedAt: &now,
		}
	}

	already, err := l.repo.Write(ctx, award)
	if err != nil {
		return false, fmt.Errorf("write ticket award: %w", err)
	}
	if already {
		log.Infof("[Contest] order %s already has ledger entries", req.OrderID)
		return true, nil
	}
	log.Infof("[Contest] awarded %d tickets for order %s (payer %d, referrer %d)", delta, req.OrderID, payerID, referrerID)
	return true, nil
}

// eligibleReferrer returns 0 when the referrer must not be credited.
func (l *Ledger) eligibleReferrer(ctx context.Context, contest *models.Contest, payerID int64, req AwardRequest) (int64, time.Time, error) {
	ref, err := l.repo.ReferralOf(ctx, payerID)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("load referral: %w", err)
	}
	if ref == nil {
		return 0, time.Time{}, nil
	}
	if ref.ReferrerID == payerID {
		log.Warnf("[Contest] self-referral of %d ignored", payerID)
		return 0, time.Time{}, nil
	}

	deadline := ref.CreatedAt.AddDate(0, 0, contest.AttributionWindowDays)
	if req.OrderCreatedAt.After(deadline) {
		log.Infof("[Contest] order %s is outside the attribution window of referrer %d", req.OrderID, ref.ReferrerID)
		return 0, time.Time{}, nil
	}

	prior, err := l.history.HasCompletedPaymentBefore(ctx, req.UserRef, ref.CreatedAt, req.OrderID)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("check payment history: %w", err)
	}
	if prior {
		log.Infof("[Contest] user %d paid before referral binding, referrer %d not qualified", payerID, ref.ReferrerID)
		return 0, time.Time{}, nil
	}
	return ref.ReferrerID, ref.CreatedAt, nil
}

// Summary is a user's standing in the active contest.
type Summary struct {
	Contest           models.Contest `json:"contest"`
	TicketsTotal      int            `json:"tickets_total"`
	InvitedTotal      int            `json:"invited_total"`
	QualifiedTotal    int            `json:"qualified_total"`
	PendingTotal      int            `json:"pending_total"`
	Rank              int            `json:"rank"`
	TotalParticipants int            `json:"total_participants"`
}

// Summary returns nil when no contest is active.
func (l *Ledger) Summary(ctx context.Context, userRef string) (*Summary, error) {
	userID, ok := usercontext.TelegramIDFromUserRef(userRef)
	if !ok {
		return nil, nil
	}
	contest, err := l.repo.ActiveContest(ctx, l.now())
	if err != nil || contest == nil {
		return nil, err
	}
	standing, err := l.repo.Standing(ctx, contest.ID, userID)
	if err != nil {
		return nil, err
	}
	invited, qualified, err := l.repo.InviteCounts(ctx, contest.ID, userID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Contest:           *contest,
		TicketsTotal:      standing.Tickets,
		InvitedTotal:      invited,
		QualifiedTotal:    qualified,
		PendingTotal:      invited - qualified,
		Rank:              standing.Rank,
		TotalParticipants: standing.TotalParticipants,
	}, nil
}

// Participants lists a contest's referrers for operators. The contest must
// exist and be flagged active; its dates are not checked so a finished
// contest can still be audited until it is switched off.
func (l *Ledger) Participants(ctx context.Context, contestID string) (*models.Contest, []Participant, error) {
	contest, err := l.repo.ContestByID(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}
	if contest == nil || !contest.IsActive {
		return nil, nil, ErrContestNotFound
	}
	participants, err := l.repo.Participants(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}
	return contest, participants, nil
}

// ReferralStats is zero for user refs without a Telegram id.
func (l *Ledger) ReferralStats(ctx context.Context, userRef string) (ReferralStats, error) {
	userID, ok := usercontext.TelegramIDFromUserRef(userRef)
	if !ok {
		return ReferralStats{}, nil
	}
	return l.repo.ReferralStats(ctx, userID)
}

// TicketsForOrder sums every ledger row written for the order.
func (l *Ledger) TicketsForOrder(ctx context.Context, orderID string) (int, error) {
	return l.repo.TicketsForOrder(ctx, orderID)
}

// Reconcile finds paid orders inside the active contest window that should
// carry tickets but have no ledger row yet.
func (l *Ledger) Reconcile(ctx context.Context) ([]AwardRequest, error) {
	contest, err := l.repo.ActiveContest(ctx, l.now())
	if err != nil || contest == nil {
		return nil, err
	}
	orders, err := l.orders.ListPaidBetween(ctx, contest.StartsAt, contest.EndsAt)
	if err != nil {
		return nil, fmt.Errorf("list paid orders: %w", err)
	}

	candidates := make([]models.Order, 0, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if _, ok := usercontext.TelegramIDFromUserRef(o.GetUserRef()); !ok {
			continue
		}
		if TicketsFromPlanID(o.PlanID) <= 0 {
			continue
		}
		candidates = append(candidates, o)
		ids = append(ids, o.OrderID)
	}

	awarded, err := l.repo.OrdersWithEntries(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load ledger orders: %w", err)
	}
	var missing []AwardRequest
	for _, o := range candidates {
		if awarded[o.OrderID] {
			continue
		}
		missing = append(missing, AwardRequest{
			UserRef:        o.GetUserRef(),
			OrderID:        o.OrderID,
			PlanID:         o.PlanID,
			OrderCreatedAt: o.CreatedAt,
		})
	}
	return missing, nil
}
