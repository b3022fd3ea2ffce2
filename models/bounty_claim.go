package models

import "time"

type ClaimOutcome string

const (
	ClaimOutcomeClaimed             ClaimOutcome = "claimed"
	ClaimOutcomeTooFar              ClaimOutcome = "too_far"
	ClaimOutcomeInsufficientBalance ClaimOutcome = "insufficient_balance"
	ClaimOutcomeAlreadyClaimed      ClaimOutcome = "already_claimed"
	ClaimOutcomeSlotsExhausted      ClaimOutcome = "slots_exhausted"
	ClaimOutcomeNotFunded           ClaimOutcome = "not_funded"
)

// BountyClaim is the append-only log of claim attempts
type BountyClaim struct {
	ID             string       `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	BountyID       string       `gorm:"type:uuid;not null;index" json:"bounty_id"`
	ExternalUserID string       `gorm:"type:varchar(64);index;not null" json:"external_user_id"`
	Outcome        ClaimOutcome `gorm:"type:varchar(32);not null" json:"outcome"`
	RedeemCodeID   *string      `gorm:"type:uuid" json:"redeem_code_id,omitempty"`
	Latitude       *float64     `json:"latitude,omitempty"`
	Longitude      *float64     `json:"longitude,omitempty"`
	DistanceMeters *float64     `json:"distance_meters,omitempty"`
	ClaimedAt      time.Time    `json:"claimed_at" gorm:"autoCreateTime"`
}
