package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ResourceKind string

const (
	ResourceKindItem      ResourceKind = "item"
	ResourceKindBounty    ResourceKind = "bounty"
	ResourceKindSellOrder ResourceKind = "sell_order"
)

func (k ResourceKind) Valid() bool {
	switch k {
	case ResourceKindItem, ResourceKindBounty, ResourceKindSellOrder:
		return true
	}
	return false
}

type PaymentState string

const (
	PaymentStateUnpaid              PaymentState = "unpaid"
	PaymentStatePendingConfirmation PaymentState = "pending_confirmation"
	PaymentStateConfirmed           PaymentState = "confirmed"
)

// PayableResource is any entity that only becomes public once its creation fee is paid.
// A funding transaction hash is present exactly when the state is confirmed.
type PayableResource struct {
	ID              string              `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Kind            ResourceKind        `gorm:"type:varchar(16);not null;index" json:"kind"`
	OwnerID         string              `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	PaymentState    PaymentState        `gorm:"type:varchar(32);not null;default:'unpaid';index;check:(payment_state = 'confirmed') = (funding_tx_hash IS NOT NULL)" json:"payment_state"`
	FundingTxHash   *string             `gorm:"type:varchar(128);uniqueIndex" json:"funding_tx_hash,omitempty"`
	ReferenceAmount decimal.Decimal     `gorm:"type:numeric(36,18);not null" json:"reference_amount"`
	Asset           PaymentAsset        `gorm:"embedded;embeddedPrefix:asset_" json:"asset"`
	PaidAmount      decimal.NullDecimal `gorm:"type:numeric(78,18)" json:"paid_amount"`
	PayerAccount    string              `gorm:"type:varchar(128)" json:"payer_account,omitempty"`
	Title           string              `gorm:"not null" json:"title"`
	Description     string              `gorm:"type:text" json:"description"`
	MediaURLs       datatypes.JSON      `json:"media_urls"`
	ConfirmedAt     *time.Time          `json:"confirmed_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	DeletedAt       gorm.DeletedAt      `gorm:"index" json:"-"`

	Bounty    *Bounty    `gorm:"foreignKey:ResourceID;constraint:OnDelete:CASCADE" json:"bounty,omitempty"`
	Item      *Item      `gorm:"foreignKey:ResourceID;constraint:OnDelete:CASCADE" json:"item,omitempty"`
	SellOrder *SellOrder `gorm:"foreignKey:ResourceID;constraint:OnDelete:CASCADE" json:"sell_order,omitempty"`
}

func (r *PayableResource) IsConfirmed() bool {
	return r.PaymentState == PaymentStateConfirmed && r.FundingTxHash != nil
}

// Publicly scopes a query to resources visible outside their owner
func Publicly(db *gorm.DB) *gorm.DB {
	return db.Where("payment_state = ?", PaymentStateConfirmed)
}
