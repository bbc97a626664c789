package repository

import (
	"context"
	"errors"
	"time"

	"github.com/outlivion/outlivion-api/app/models"
	"gorm.io/gorm"
)

type vpnCredentialRepository struct {
	db *gorm.DB
}

func NewVPNCredentialRepository(db *gorm.DB) VPNCredentialRepository {
	return &vpnCredentialRepository{db: db}
}

func (r *vpnCredentialRepository) GetActive(ctx context.Context, userRef string) (*models.VPNCredential, error) {
	var cred models.VPNCredential
	err := r.db.WithContext(ctx).
		Where("user_ref = ? AND is_active = ?", userRef, true).
		Order("created_at DESC").First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Rotate revokes every active row for userRef and inserts the new active row
// in one transaction.
func (r *vpnCredentialRepository) Rotate(ctx context.Context, userRef, panelUsername, value string) error {
	if value == "" {
		return ErrInvalidCredential
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.VPNCredential{}).
			Where("user_ref = ? AND is_active = ?", userRef, true).
			Updates(map[string]interface{}{
				"is_active":  false,
				"revoked_at": now,
			}).Error; err != nil {
			return err
		}
		return tx.Create(&models.VPNCredential{
			UserRef:         userRef,
			PanelUsername:   panelUsername,
			CredentialValue: value,
			IsActive:        true,
			CreatedAt:       now,
		}).Error
	})
}

// History returns all credentials for userRef, newest first.
func (r *vpnCredentialRepository) History(ctx context.Context, userRef string) ([]models.VPNCredential, error) {
	var creds []models.VPNCredential
	err := r.db.WithContext(ctx).Where("user_ref = ?", userRef).
		Order("created_at DESC, id DESC").Find(&creds).Error
	return creds, err
}
