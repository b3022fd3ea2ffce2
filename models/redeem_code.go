package models

import "time"

// RedeemCode is one reward slot of a bounty. Code is set only when the bounty
// hands out redeem codes; a slot is taken once ClaimedByUserID is set.
type RedeemCode struct {
	ID              string     `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	BountyID        string     `gorm:"type:uuid;not null;uniqueIndex:idx_redeem_slot,priority:1;uniqueIndex:idx_redeem_claimant,priority:1" json:"bounty_id"`
	SlotIndex       int        `gorm:"not null;uniqueIndex:idx_redeem_slot,priority:2" json:"slot_index"`
	Code            *string    `gorm:"type:varchar(32);uniqueIndex" json:"code,omitempty"`
	ClaimedByUserID *string    `gorm:"type:varchar(64);uniqueIndex:idx_redeem_claimant,priority:2" json:"claimed_by_user_id,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`

	Bounty *Bounty `gorm:"foreignKey:BountyID;references:ResourceID;constraint:OnDelete:CASCADE" json:"-"`
}

func (c *RedeemCode) Claimed() bool {
	return c.ClaimedByUserID != nil
}
