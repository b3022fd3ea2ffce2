package models

import (
	"fmt"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
)

// Item is the specialization of a digital item listing
type Item struct {
	ResourceID string          `gorm:"primaryKey;type:uuid" json:"resource_id"`
	Slug       string          `gorm:"type:varchar(160);not null;uniqueIndex" json:"slug"`
	Supply     int             `gorm:"not null;check:supply > 0" json:"supply"`
	ListPrice  decimal.Decimal `gorm:"type:numeric(36,18);not null;default:0" json:"list_price"`
}

// ItemSlug builds a unique slug from the title and the resource id
func ItemSlug(title, resourceID string) string {
	base := slug.Make(title)
	if base == "" {
		base = "item"
	}
	suffix := resourceID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s-%s", base, suffix)
}
