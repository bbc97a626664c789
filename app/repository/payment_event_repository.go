package repository

import (
	"context"
	"time"

	"github.com/outlivion/outlivion-api/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type paymentEventRepository struct {
	db *gorm.DB
}

func NewPaymentEventRepository(db *gorm.DB) PaymentEventRepository {
	return &paymentEventRepository{db: db}
}

func (r *paymentEventRepository) Record(ctx context.Context, event *models.PaymentEvent) (*models.PaymentEvent, bool, error) {
	db := r.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return event, true, nil
	}

	var existing models.PaymentEvent
	if err := db.Where("provider = ? AND dedup_key = ?", event.Provider, event.DedupKey).
		First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// MarkProcessed stamps the event; a nil processErr clears an earlier failure.
func (r *paymentEventRepository) MarkProcessed(ctx context.Context, id uint, processErr error) error {
	msg := ""
	if processErr != nil {
		msg = processErr.Error()
		if len(msg) > 2000 {
			msg = msg[:2000]
		}
	}
	return r.db.WithContext(ctx).Model(&models.PaymentEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":     time.Now().UTC(),
			"processing_error": msg,
		}).Error
}
