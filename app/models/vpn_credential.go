package models

import "time"

// VPNCredential is a provisioned access artifact bound to a user reference.
// Rows are never deleted; rotation revokes the active row and inserts a new one.
type VPNCredential struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserRef         string     `gorm:"type:varchar(64);not null;index:idx_vpn_credentials_user_active,priority:1" json:"user_ref"`
	PanelUsername   string     `gorm:"type:varchar(100);not null" json:"panel_username"`
	CredentialValue string     `gorm:"type:text;not null" json:"credential"`
	IsActive        bool       `gorm:"not null;default:true;index:idx_vpn_credentials_user_active,priority:2" json:"is_active"`
	RevokedAt       *time.Time `gorm:"default:null" json:"revoked_at,omitempty"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
}
