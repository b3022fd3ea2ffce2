package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentAssetValidate(t *testing.T) {
	tests := []struct {
		name    string
		asset   PaymentAsset
		wantErr bool
	}{
		{"platform", PlatformAsset(), false},
		{"native", NativeAsset(), false},
		{"stable", StableAsset("usdc", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), false},
		{"stable without issuer", PaymentAsset{Kind: AssetKindStable, Code: "USDC"}, true},
		{"stable without code", PaymentAsset{Kind: AssetKindStable, Issuer: "0x1"}, true},
		{"native with issuer", PaymentAsset{Kind: AssetKindNative, Issuer: "0x1"}, true},
		{"unknown kind", PaymentAsset{Kind: "gold"}, true},
		{"empty", PaymentAsset{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.asset.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAsset)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPaymentAssetEqualAndKey(t *testing.T) {
	a := StableAsset("usdc", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	b := StableAsset("USDC", "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(NativeAsset()))
	assert.Equal(t, "stable:USDC", a.Key())
	assert.Equal(t, "platform", PlatformAsset().Key())
}

func TestBountyPayoutsRemainderToFirstWinner(t *testing.T) {
	b := &Bounty{Winners: 3, RewardAmountTotal: decimal.RequireFromString("100")}

	payouts := b.Payouts(2)
	require.Len(t, payouts, 3)
	assert.Equal(t, "33.34", payouts[0].StringFixed(2))
	assert.Equal(t, "33.33", payouts[1].StringFixed(2))
	assert.Equal(t, "33.33", payouts[2].StringFixed(2))

	sum := decimal.Zero
	for _, p := range payouts {
		sum = sum.Add(p)
	}
	assert.True(t, sum.Equal(b.RewardAmountTotal))
}

func TestBountyPayoutsEvenSplit(t *testing.T) {
	b := &Bounty{Winners: 4, RewardAmountTotal: decimal.RequireFromString("10")}
	for _, p := range b.Payouts(6) {
		assert.True(t, p.Equal(decimal.RequireFromString("2.5")))
	}
}

func TestBountyFence(t *testing.T) {
	lat, lng, radius := 52.52, 13.405, 250.0

	assert.Nil(t, (&Bounty{Latitude: &lat, Longitude: &lng}).Fence())

	fence := (&Bounty{Latitude: &lat, Longitude: &lng, RadiusMeters: &radius}).Fence()
	require.NotNil(t, fence)
	assert.Equal(t, 250.0, fence.RadiusMeters)
}

func TestItemSlug(t *testing.T) {
	assert.Equal(t, "golden-ticket-3f2a9c1b", ItemSlug("Golden Ticket!", "3f2a9c1b-0000-4000-8000-000000000000"))
	assert.Equal(t, "item-abc", ItemSlug("!!!", "abc"))
}
