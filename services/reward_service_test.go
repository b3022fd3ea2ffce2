package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"creator-payment-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redeemCodes(t *testing.T, bountyID string) []models.RedeemCode {
	t.Helper()
	var codes []models.RedeemCode
	require.NoError(t, testDB.Where("bounty_id = ?", bountyID).Order("slot_index").Find(&codes).Error)
	return codes
}

func claimOutcomes(t *testing.T, bountyID string) map[models.ClaimOutcome]int {
	t.Helper()
	var claims []models.BountyClaim
	require.NoError(t, testDB.Where("bounty_id = ?", bountyID).Find(&claims).Error)
	out := make(map[models.ClaimOutcome]int)
	for _, c := range claims {
		out[c.Outcome]++
	}
	return out
}

func claimer(userID string) Identity {
	return Identity{UserID: userID, WalletAccount: "0x00000000000000000000000000000000000000e1", WalletKind: WalletSelfCustody}
}

func TestFundedBountyIssuesDistinctRedeemCodes(t *testing.T) {
	s := newTestStack(t)
	bounty := s.payNow(t, "owner", bountyRequest(25, true), txHash(200))

	codes := redeemCodes(t, bounty.ID)
	require.Len(t, codes, 25)

	seen := make(map[string]bool)
	for i, c := range codes {
		assert.Equal(t, i, c.SlotIndex)
		require.NotNil(t, c.Code)
		assert.Len(t, *c.Code, testCodeLength)
		for _, r := range *c.Code {
			assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected symbol %q", r)
		}
		assert.False(t, seen[*c.Code], "duplicate code %s", *c.Code)
		seen[*c.Code] = true
		assert.False(t, c.Claimed())
	}
}

func TestFundedBountyWithoutCodesStillHasSlots(t *testing.T) {
	s := newTestStack(t)
	bounty := s.payNow(t, "owner", bountyRequest(3, false), txHash(201))

	codes := redeemCodes(t, bounty.ID)
	require.Len(t, codes, 3)
	for _, c := range codes {
		assert.Nil(t, c.Code)
	}
}

func TestIssueRedeemCodesRegeneratesCollisions(t *testing.T) {
	s := newTestStack(t)
	first := s.payNow(t, "owner", bountyRequest(1, true), txHash(202))
	taken := *redeemCodes(t, first.ID)[0].Code

	sequence := []string{taken, taken}
	n := 0
	s.rewards.newCode = func() (string, error) {
		if n < len(sequence) {
			n++
			return sequence[n-1], nil
		}
		n++
		return fmt.Sprintf("FRESH%05d", n), nil
	}

	second := s.payNow(t, "owner", bountyRequest(3, true), txHash(203))

	codes := redeemCodes(t, second.ID)
	require.Len(t, codes, 3)
	for _, c := range codes {
		require.NotNil(t, c.Code)
		assert.NotEqual(t, taken, *c.Code)
	}
}

func TestBountyIsNotPublishedWithoutItsSlots(t *testing.T) {
	s := newTestStack(t)
	first := s.payNow(t, "owner", bountyRequest(1, true), txHash(204))
	taken := *redeemCodes(t, first.ID)[0].Code
	s.rewards.newCode = func() (string, error) { return taken, nil }

	s.ledger.settle(txHash(205), payerAccount, bountyIssuer, models.PlatformAsset(), "40")
	_, err := s.svc.PayNow(context.Background(), managed("owner"),
		PayNowRequest{Payload: bountyRequest(2, true), TxRef: txHash(205)})
	require.Error(t, err)

	assert.Equal(t, int64(1), countResources(t))
	var settled models.SettledPayment
	require.NoError(t, testDB.First(&settled, "tx_hash = ?", txHash(205)).Error)
	assert.False(t, settled.Materialized())
	assert.Equal(t, 1, settled.Attempts)
}

func TestClaimConcurrentClaimersNeverOversubscribe(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	bounty := s.payNow(t, "owner", bountyRequest(3, true), txHash(210))

	const claimers = 5
	results := make([]*ClaimResult, claimers)
	errs := make([]error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.svc.ClaimBounty(ctx, claimer(fmt.Sprintf("hunter-%d", i)), bounty.ID, nil)
		}(i)
	}
	wg.Wait()

	won := make(map[string]bool)
	exhausted := 0
	for i := range errs {
		if errs[i] == nil {
			require.NotNil(t, results[i].RedeemCode.Code)
			won[*results[i].RedeemCode.Code] = true
			continue
		}
		require.ErrorIs(t, errs[i], ErrSlotsExhausted)
		exhausted++
	}
	assert.Len(t, won, 3)
	assert.Equal(t, 2, exhausted)

	summary, err := s.svc.RemainingSlots(ctx, bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Remaining)
	assert.Equal(t, 3, summary.Winners)

	outcomes := claimOutcomes(t, bounty.ID)
	assert.Equal(t, 3, outcomes[models.ClaimOutcomeClaimed])
	assert.Equal(t, 2, outcomes[models.ClaimOutcomeSlotsExhausted])
}

func TestClaimMovesPastSlotsLostToConcurrentClaimers(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	bounty := s.payNow(t, "owner", bountyRequest(2, true), txHash(216))
	codes := redeemCodes(t, bounty.ID)
	require.Len(t, codes, 2)

	// one claimer is about to take slot 0, another holds slot 1 without taking it
	winner := testDB.Begin()
	require.NoError(t, winner.Error)
	require.NoError(t, winner.Exec("SELECT id FROM redeem_codes WHERE id = ? FOR UPDATE", codes[0].ID).Error)
	require.NoError(t, winner.Exec("UPDATE redeem_codes SET claimed_by_user_id = ?, claimed_at = now() WHERE id = ?",
		"hunter-0", codes[0].ID).Error)
	holder := testDB.Begin()
	require.NoError(t, holder.Error)
	require.NoError(t, holder.Exec("SELECT id FROM redeem_codes WHERE id = ? FOR UPDATE", codes[1].ID).Error)

	type claimed struct {
		result *ClaimResult
		err    error
	}
	done := make(chan claimed, 1)
	go func() {
		r, err := s.svc.ClaimBounty(ctx, claimer("hunter-1"), bounty.ID, nil)
		done <- claimed{r, err}
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, holder.Rollback().Error)
	require.NoError(t, winner.Commit().Error)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, 1, got.result.RedeemCode.SlotIndex)
	case <-time.After(5 * time.Second):
		t.Fatal("claim did not finish")
	}

	_, err := s.svc.ClaimBounty(ctx, claimer("hunter-2"), bounty.ID, nil)
	assert.ErrorIs(t, err, ErrSlotsExhausted)
}

func TestClaimPayoutSplit(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	bounty := s.payNow(t, "owner", bountyRequest(3, true), txHash(211))
	outcomes, unsubscribe := s.hub.Subscribe("hunter-1")
	defer unsubscribe()

	first, err := s.svc.ClaimBounty(ctx, claimer("hunter-1"), bounty.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, first.RedeemCode.SlotIndex)
	assert.Equal(t, "33.333334", first.Payout.String())
	assert.True(t, first.PayoutAsset.Equal(models.StableAsset("USDC", usdcIssuer)))
	require.NotNil(t, first.RedeemCode.ClaimedByUserID)
	assert.Equal(t, "hunter-1", *first.RedeemCode.ClaimedByUserID)

	o := receive(t, outcomes)
	assert.Equal(t, OutcomeClaimed, o.Kind)
	assert.Equal(t, bounty.ID, o.ResourceID)

	second, err := s.svc.ClaimBounty(ctx, claimer("hunter-2"), bounty.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, second.RedeemCode.SlotIndex)
	assert.Equal(t, "33.333333", second.Payout.String())

	summary, err := s.svc.RemainingSlots(ctx, bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Remaining)
}

func TestClaimTwiceBySameUser(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	bounty := s.payNow(t, "owner", bountyRequest(3, false), txHash(212))

	_, err := s.svc.ClaimBounty(ctx, claimer("hunter-1"), bounty.ID, nil)
	require.NoError(t, err)
	_, err = s.svc.ClaimBounty(ctx, claimer("hunter-1"), bounty.ID, nil)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	summary, err := s.svc.RemainingSlots(ctx, bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Remaining)
	assert.Equal(t, 1, claimOutcomes(t, bounty.ID)[models.ClaimOutcomeAlreadyClaimed])
}

func TestClaimUnknownOrUnfundedBounty(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()

	_, err := s.svc.ClaimBounty(ctx, claimer("hunter-1"), uuid.NewString(), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	item := s.payNow(t, "owner", itemRequest("Not a bounty"), txHash(213))
	_, err = s.svc.ClaimBounty(ctx, claimer("hunter-1"), item.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	unpaid, err := s.svc.CreateUnpaid(ctx, managed("owner"), bountyRequest(3, true))
	require.NoError(t, err)
	_, err = s.svc.ClaimBounty(ctx, claimer("hunter-1"), unpaid.ID, nil)
	assert.ErrorIs(t, err, ErrNotFunded)

	_, err = s.svc.RemainingSlots(ctx, unpaid.ID)
	assert.ErrorIs(t, err, ErrNotFunded)
}

func TestClaimLocationRestrictedBounty(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	req := bountyRequest(2, true)
	req.Bounty.Location = &GeoFenceParams{Latitude: 52.52, Longitude: 13.405, RadiusMeters: 100}
	bounty := s.payNow(t, "owner", req, txHash(214))

	_, err := s.svc.ClaimBounty(ctx, claimer("hunter-1"), bounty.ID, nil)
	assert.ErrorIs(t, err, ErrTooFar)

	paris := &Coordinate{Latitude: 48.8566, Longitude: 2.3522}
	_, err = s.svc.ClaimBounty(ctx, claimer("hunter-1"), bounty.ID, paris)
	assert.ErrorIs(t, err, ErrTooFar)

	nearby := &Coordinate{Latitude: 52.5203, Longitude: 13.405}
	result, err := s.svc.ClaimBounty(ctx, claimer("hunter-1"), bounty.ID, nearby)
	require.NoError(t, err)
	require.NotNil(t, result.DistanceMeters)
	assert.InDelta(t, 33.4, *result.DistanceMeters, 1)

	assert.Equal(t, 2, claimOutcomes(t, bounty.ID)[models.ClaimOutcomeTooFar])
}

func TestClaimRequiresBalance(t *testing.T) {
	s := newTestStack(t)
	ctx := context.Background()
	req := bountyRequest(2, false)
	req.Bounty.RequiredBalance = decimal.NewFromInt(10)
	native := models.NativeAsset()
	req.Bounty.RequiredBalanceAsset = &native
	bounty := s.payNow(t, "owner", req, txHash(215))

	poor := Identity{UserID: "hunter-1", WalletAccount: "0x00000000000000000000000000000000000000e1"}
	rich := Identity{UserID: "hunter-2", WalletAccount: "0x00000000000000000000000000000000000000e2"}
	s.ledger.setBalance(poor.WalletAccount, native, "9.99")
	s.ledger.setBalance(rich.WalletAccount, native, "10")

	_, err := s.svc.ClaimBounty(ctx, poor, bounty.ID, nil)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = s.svc.ClaimBounty(ctx, Identity{UserID: "hunter-3"}, bounty.ID, nil)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = s.svc.ClaimBounty(ctx, rich, bounty.ID, nil)
	assert.NoError(t, err)
}
