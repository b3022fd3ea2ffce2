package models

import "github.com/shopspring/decimal"

// SellOrder is the specialization of an order selling units of an item
type SellOrder struct {
	ResourceID string          `gorm:"primaryKey;type:uuid" json:"resource_id"`
	ItemID     string          `gorm:"type:uuid;not null;index" json:"item_id"`
	Quantity   int             `gorm:"not null;check:quantity > 0" json:"quantity"`
	UnitPrice  decimal.Decimal `gorm:"type:numeric(36,18);not null" json:"unit_price"`
}
