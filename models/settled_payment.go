package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SettledPayment records a confirmed ledger payment before its resource exists, so
// materialization can be replayed from the hash without another ledger round trip.
type SettledPayment struct {
	TxHash         string          `gorm:"primaryKey;type:varchar(128)" json:"tx_hash"`
	OwnerID        string          `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	Kind           ResourceKind    `gorm:"type:varchar(16);not null" json:"kind"`
	ResourceID     *string         `gorm:"type:uuid" json:"resource_id,omitempty"`
	PayerAccount   string          `gorm:"type:varchar(128);not null" json:"payer_account"`
	Destination    string          `gorm:"type:varchar(128);not null" json:"destination"`
	Amount         decimal.Decimal `gorm:"type:numeric(78,18);not null" json:"amount"`
	Asset          PaymentAsset    `gorm:"embedded;embeddedPrefix:asset_" json:"asset"`
	Payload        datatypes.JSON  `json:"payload"`
	MaterializedAt *time.Time      `gorm:"index" json:"materialized_at,omitempty"`
	Attempts       int             `gorm:"not null;default:0" json:"attempts"`
	LastError      string          `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (p *SettledPayment) Materialized() bool {
	return p.MaterializedAt != nil
}
