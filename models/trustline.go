package models

import (
	"time"

	"gorm.io/gorm"
)

// Trustline mirrors, from the account sync service, whether an account accepts an asset.
// Table name: trustlines
type Trustline struct {
	ID           string         `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Account      string         `gorm:"type:varchar(128);not null;uniqueIndex:idx_trustline,priority:1" json:"account"`
	AssetKind    AssetKind      `gorm:"type:varchar(16);not null;uniqueIndex:idx_trustline,priority:2" json:"asset_kind"`
	AssetCode    string         `gorm:"type:varchar(32);not null;default:'';uniqueIndex:idx_trustline,priority:3" json:"asset_code"`
	AssetIssuer  string         `gorm:"type:varchar(128);not null;default:'';uniqueIndex:idx_trustline,priority:4" json:"asset_issuer"`
	Active       bool           `gorm:"not null" json:"active"`
	LastSyncedAt time.Time      `gorm:"not null" json:"last_synced_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (t Trustline) Asset() PaymentAsset {
	return PaymentAsset{Kind: t.AssetKind, Code: t.AssetCode, Issuer: t.AssetIssuer}
}
