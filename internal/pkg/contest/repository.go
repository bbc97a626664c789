package contest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/outlivion/outlivion-api/app/models"
	"github.com/outlivion/outlivion-api/internal/pkg/plans"
)

// Award is everything one ticket award writes.
type Award struct {
	Entries       []models.TicketLedgerEntry
	Qualification *models.RefEvent
}

// Standing is a participant's position in a contest.
type Standing struct {
	Tickets           int
	Rank              int
	TotalParticipants int
}

// Participant is one referrer's row in the operator contest listing.
type Participant struct {
	ReferrerID     int64              `json:"referrer_id"`
	TicketsTotal   int                `json:"tickets_total"`
	InvitedTotal   int                `json:"invited_total"`
	QualifiedTotal int                `json:"qualified_total"`
	Rank           int                `json:"rank"`
	Orders         []ParticipantOrder `json:"orders"`
}

// ParticipantOrder is an invitee payment that earned the referrer tickets.
// PlanID is empty when the order is not in the bot's orders table.
type ParticipantOrder struct {
	OrderID   string    `json:"order_id"`
	InviteeID int64     `json:"invitee_id"`
	PlanID    string    `json:"plan_id,omitempty"`
	Tickets   int       `json:"tickets"`
	AwardedAt time.Time `json:"awarded_at"`
}

// ReferralStats splits a referrer's invitees by what they paid for.
// Trial counts invitees whose only completed purchase is the trial plan.
type ReferralStats struct {
	TotalCount   int `json:"totalCount"`
	TrialCount   int `json:"trialCount"`
	PremiumCount int `json:"premiumCount"`
}

// Repository reads and writes the contest tables in the bot's database.
type Repository interface {
	ActiveContest(ctx context.Context, now time.Time) (*models.Contest, error)
	// ContestByID returns nil when the contest does not exist.
	ContestByID(ctx context.Context, id string) (*models.Contest, error)
	ReferralOf(ctx context.Context, referredID int64) (*models.UserReferral, error)
	// Write applies an award in one transaction. When the order already has
	// ledger rows nothing is written and already is true.
	Write(ctx context.Context, award Award) (already bool, err error)
	OrdersWithEntries(ctx context.Context, orderIDs []string) (map[string]bool, error)
	TicketsForOrder(ctx context.Context, orderID string) (int, error)
	Standing(ctx context.Context, contestID string, participantID int64) (Standing, error)
	InviteCounts(ctx context.Context, contestID string, referrerID int64) (invited, qualified int, err error)
	// Participants lists every referrer with ledger rows, best rank first.
	Participants(ctx context.Context, contestID string) ([]Participant, error)
	ReferralStats(ctx context.Context, referrerID int64) (ReferralStats, error)
}

type gormRepository struct {
	db        *gorm.DB
	botOrders bool
}

// NewRepository reads contest tables from db. withOrders says whether db
// also holds the bot's orders table; without it plan details are left out.
func NewRepository(db *gorm.DB, withOrders bool) Repository {
	return &gormRepository{db: db, botOrders: withOrders}
}

// ActiveContest picks the latest-starting flagged contest covering now.
// Bot timestamps come in several textual formats, so coverage is checked
// after the driver parsed them.
func (r *gormRepository) ActiveContest(ctx context.Context, now time.Time) (*models.Contest, error) {
	var contests []models.Contest
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&contests).Error; err != nil {
		return nil, err
	}
	var best *models.Contest
	for i := range contests {
		c := &contests[i]
		if !c.Covers(now) {
			continue
		}
		if best == nil || c.StartsAt.After(best.StartsAt) {
			best = c
		}
	}
	return best, nil
}

func (r *gormRepository) ContestByID(ctx context.Context, id string) (*models.Contest, error) {
	var c models.Contest
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) ReferralOf(ctx context.Context, referredID int64) (*models.UserReferral, error) {
	var ref models.UserReferral
	err := r.db.WithContext(ctx).Where("referred_id = ?", referredID).First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *gormRepository) Write(ctx context.Context, award Award) (bool, error) {
	if len(award.Entries) == 0 {
		return false, errors.New("award without ledger entries")
	}
	orderID := award.Entries[0].OrderID
	already := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.TicketLedgerEntry{}).Where("order_id = ?", orderID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			already = true
			return nil
		}

		for i := range award.Entries {
			entry := award.Entries[i]
			if entry.ID == "" {
				entry.ID = uuid.NewString()
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}

		if q := award.Qualification; q != nil {
			var event models.RefEvent
			err := tx.Where("contest_id = ? AND referrer_id = ? AND referred_id = ?", q.ContestID, q.ReferrerID, q.ReferredID).
				First(&event).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				created := *q
				if created.ID == "" {
					created.ID = uuid.NewString()
				}
				if err := tx.Create(&created).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if err := tx.Model(&models.RefEvent{}).Where("id = ?", event.ID).
					Updates(map[string]interface{}{
						"status":       q.Status,
						"qualified_at": q.QualifiedAt,
					}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return already, nil
}

func (r *gormRepository) OrdersWithEntries(ctx context.Context, orderIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	var found []string
	if err := r.db.WithContext(ctx).Model(&models.TicketLedgerEntry{}).
		Distinct("order_id").Where("order_id IN ?", orderIDs).
		Pluck("order_id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (r *gormRepository) TicketsForOrder(ctx context.Context, orderID string) (int, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.TicketLedgerEntry{}).
		Select("COALESCE(SUM(delta), 0)").Where("order_id = ?", orderID).Scan(&total).Error
	return int(total), err
}

type participantTotal struct {
	ReferrerID int64
	Total      int
}

func (r *gormRepository) totals(ctx context.Context, contestID string) ([]participantTotal, error) {
	var totals []participantTotal
	err := r.db.WithContext(ctx).Model(&models.TicketLedgerEntry{}).
		Select("referrer_id, COALESCE(SUM(delta), 0) AS total").
		Where("contest_id = ?", contestID).
		Group("referrer_id").Scan(&totals).Error
	return totals, err
}

// rankOf is one plus the number of participants strictly ahead, so ties share a rank.
func rankOf(totals []participantTotal, tickets int) int {
	rank := 1
	for _, t := range totals {
		if t.Total > tickets {
			rank++
		}
	}
	return rank
}

func (r *gormRepository) Standing(ctx context.Context, contestID string, participantID int64) (Standing, error) {
	totals, err := r.totals(ctx, contestID)
	if err != nil {
		return Standing{}, err
	}

	st := Standing{TotalParticipants: len(totals)}
	for _, t := range totals {
		if t.ReferrerID == participantID {
			st.Tickets = t.Total
		}
	}
	if st.TotalParticipants == 0 {
		return st, nil
	}
	if st.Tickets == 0 {
		st.Rank = st.TotalParticipants
		return st, nil
	}
	st.Rank = rankOf(totals, st.Tickets)
	return st, nil
}

func (r *gormRepository) InviteCounts(ctx context.Context, contestID string, referrerID int64) (int, int, error) {
	var invited, qualified int64
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.RefEvent{}).
		Where("contest_id = ? AND referrer_id = ?", contestID, referrerID).
		Count(&invited).Error; err != nil {
		return 0, 0, err
	}
	if err := db.Model(&models.RefEvent{}).
		Where("contest_id = ? AND referrer_id = ? AND status = ?", contestID, referrerID, models.RefEventStatusQualified).
		Count(&qualified).Error; err != nil {
		return 0, 0, err
	}
	return int(invited), int(qualified), nil
}

func (r *gormRepository) Participants(ctx context.Context, contestID string) ([]Participant, error) {
	totals, err := r.totals(ctx, contestID)
	if err != nil {
		return nil, err
	}

	var rows []models.TicketLedgerEntry
	if err := r.db.WithContext(ctx).
		Where("contest_id = ? AND reason = ?", contestID, models.TicketReasonInviteePayment).
		Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	orderIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		orderIDs = append(orderIDs, row.OrderID)
	}
	planOf := make(map[string]string, len(orderIDs))
	if r.botOrders && len(orderIDs) > 0 {
		var botOrders []models.BotOrder
		if err := r.db.WithContext(ctx).Select("id", "plan_id").
			Where("id IN ?", orderIDs).Find(&botOrders).Error; err != nil {
			return nil, err
		}
		for _, o := range botOrders {
			planOf[o.ID] = o.PlanID
		}
	}

	ordersOf := make(map[int64][]ParticipantOrder)
	for _, row := range rows {
		ordersOf[row.ReferrerID] = append(ordersOf[row.ReferrerID], ParticipantOrder{
			OrderID:   row.OrderID,
			InviteeID: row.ReferredID,
			PlanID:    planOf[row.OrderID],
			Tickets:   row.Delta,
			AwardedAt: row.CreatedAt,
		})
	}

	out := make([]Participant, 0, len(totals))
	for _, t := range totals {
		invited, qualified, err := r.InviteCounts(ctx, contestID, t.ReferrerID)
		if err != nil {
			return nil, err
		}
		orders := ordersOf[t.ReferrerID]
		if orders == nil {
			orders = []ParticipantOrder{}
		}
		out = append(out, Participant{
			ReferrerID:     t.ReferrerID,
			TicketsTotal:   t.Total,
			InvitedTotal:   invited,
			QualifiedTotal: qualified,
			Rank:           rankOf(totals, t.Total),
			Orders:         orders,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TicketsTotal != out[j].TicketsTotal {
			return out[i].TicketsTotal > out[j].TicketsTotal
		}
		return out[i].ReferrerID < out[j].ReferrerID
	})
	return out, nil
}

func (r *gormRepository) ReferralStats(ctx context.Context, referrerID int64) (ReferralStats, error) {
	var referred []int64
	if err := r.db.WithContext(ctx).Model(&models.UserReferral{}).
		Where("referrer_id = ?", referrerID).Pluck("referred_id", &referred).Error; err != nil {
		return ReferralStats{}, err
	}
	stats := ReferralStats{TotalCount: len(referred)}
	if !r.botOrders || len(referred) == 0 {
		return stats, nil
	}

	var paid []models.BotOrder
	if err := r.db.WithContext(ctx).Select("user_id", "plan_id").
		Where("user_id IN ? AND status IN ?", referred, []string{models.BotOrderStatusPaid, models.BotOrderStatusCompleted}).
		Find(&paid).Error; err != nil {
		return ReferralStats{}, err
	}

	trial := make(map[int64]bool)
	premium := make(map[int64]bool)
	for _, o := range paid {
		if o.PlanID == plans.TrialPlanID {
			trial[o.UserID] = true
		} else {
			premium[o.UserID] = true
		}
	}
	stats.PremiumCount = len(premium)
	for id := range trial {
		if !premium[id] {
			stats.TrialCount++
		}
	}
	return stats, nil
}
