package models

import (
	"errors"
	"fmt"
	"strings"
)

// AssetKind tags the payment asset variant
type AssetKind string

const (
	AssetKindPlatform AssetKind = "platform"
	AssetKindNative   AssetKind = "native"
	AssetKindStable   AssetKind = "stable"
)

var ErrInvalidAsset = errors.New("invalid payment asset")

// PaymentAsset is the asset a resource is paid with. Code and Issuer are only
// meaningful for stable assets. Stored as embedded columns, never as a delimited string.
type PaymentAsset struct {
	Kind   AssetKind `gorm:"type:varchar(16);not null" json:"kind"`
	Code   string    `gorm:"type:varchar(32);not null;default:''" json:"code,omitempty"`
	Issuer string    `gorm:"type:varchar(128);not null;default:''" json:"issuer,omitempty"`
}

func PlatformAsset() PaymentAsset {
	return PaymentAsset{Kind: AssetKindPlatform}
}

func NativeAsset() PaymentAsset {
	return PaymentAsset{Kind: AssetKindNative}
}

func StableAsset(code, issuer string) PaymentAsset {
	return PaymentAsset{Kind: AssetKindStable, Code: strings.ToUpper(code), Issuer: issuer}
}

// Validate rejects unknown kinds and stable assets missing code or issuer
func (a PaymentAsset) Validate() error {
	switch a.Kind {
	case AssetKindPlatform, AssetKindNative:
		if a.Code != "" || a.Issuer != "" {
			return fmt.Errorf("%w: %s asset takes no code or issuer", ErrInvalidAsset, a.Kind)
		}
		return nil
	case AssetKindStable:
		if a.Code == "" || a.Issuer == "" {
			return fmt.Errorf("%w: stable asset needs code and issuer", ErrInvalidAsset)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAsset, a.Kind)
	}
}

// Equal compares assets; issuers are account addresses and compare case-insensitively
func (a PaymentAsset) Equal(b PaymentAsset) bool {
	return a.Kind == b.Kind &&
		strings.EqualFold(a.Code, b.Code) &&
		strings.EqualFold(a.Issuer, b.Issuer)
}

// Key identifies the asset in rate and fee tables
func (a PaymentAsset) Key() string {
	if a.Kind == AssetKindStable {
		return string(a.Kind) + ":" + strings.ToUpper(a.Code)
	}
	return string(a.Kind)
}

func (a PaymentAsset) String() string {
	if a.Kind == AssetKindStable {
		return fmt.Sprintf("%s:%s:%s", a.Kind, strings.ToUpper(a.Code), a.Issuer)
	}
	return string(a.Kind)
}
