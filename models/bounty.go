package models

import (
	"github.com/shopspring/decimal"
)

// Bounty is the specialization of a bounty resource. Per-winner payouts are derived,
// never stored.
type Bounty struct {
	ResourceID           string          `gorm:"primaryKey;type:uuid" json:"resource_id"`
	Winners              int             `gorm:"not null;check:winners > 0" json:"winners"`
	RewardAmountTotal    decimal.Decimal `gorm:"type:numeric(78,18);not null" json:"reward_amount_total"`
	RewardAsset          PaymentAsset    `gorm:"embedded;embeddedPrefix:reward_asset_" json:"reward_asset"`
	RequiredBalance      decimal.Decimal `gorm:"type:numeric(78,18);not null;default:0" json:"required_balance"`
	RequiredBalanceAsset PaymentAsset    `gorm:"embedded;embeddedPrefix:required_asset_" json:"required_balance_asset"`
	Latitude             *float64        `json:"latitude,omitempty"`
	Longitude            *float64        `json:"longitude,omitempty"`
	RadiusMeters         *float64        `json:"radius_meters,omitempty"`
	GenerateRedeemCodes  bool            `gorm:"not null;default:false" json:"generate_redeem_codes"`
}

// GeoFence is the circle a claimant must report a location inside
type GeoFence struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Fence returns nil when the bounty is not location restricted
func (b *Bounty) Fence() *GeoFence {
	if b.Latitude == nil || b.Longitude == nil || b.RadiusMeters == nil {
		return nil
	}
	return &GeoFence{Latitude: *b.Latitude, Longitude: *b.Longitude, RadiusMeters: *b.RadiusMeters}
}

func (b *Bounty) RequiresBalance() bool {
	return b.RequiredBalance.IsPositive()
}

// Payouts splits the reward across the winner slots, truncated to the asset's
// decimals. Whatever truncation leaves over goes to slot 0.
func (b *Bounty) Payouts(decimals int32) []decimal.Decimal {
	if b.Winners <= 0 {
		return nil
	}
	n := decimal.NewFromInt(int64(b.Winners))
	each, _ := b.RewardAmountTotal.QuoRem(n, decimals)

	payouts := make([]decimal.Decimal, b.Winners)
	for i := range payouts {
		payouts[i] = each
	}
	remainder := b.RewardAmountTotal.Sub(each.Mul(n))
	payouts[0] = payouts[0].Add(remainder)
	return payouts
}
