package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creator-payment-system/ledger"
	"creator-payment-system/logger"
	"creator-payment-system/metrics"
	"creator-payment-system/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxCodeAttempts = 5

// claimSlotSQL takes the lowest free slot. SKIP LOCKED lets concurrent claimers move
// past each other instead of queueing on the same row.
const claimSlotSQL = `
UPDATE redeem_codes SET claimed_by_user_id = ?, claimed_at = ?
WHERE id = (
	SELECT id FROM redeem_codes
	WHERE bounty_id = ? AND claimed_by_user_id IS NULL
	ORDER BY slot_index
	LIMIT 1
	FOR UPDATE %s
) AND claimed_by_user_id IS NULL
RETURNING *`

// Claimant is the user asking for a bounty slot
type Claimant struct {
	UserID        string
	WalletAccount string
	Location      *Coordinate
}

// ClaimResult is a won slot together with its share of the reward
type ClaimResult struct {
	RedeemCode     models.RedeemCode   `json:"redeem_code"`
	Payout         decimal.Decimal     `json:"payout"`
	PayoutAsset    models.PaymentAsset `json:"payout_asset"`
	DistanceMeters *float64            `json:"distance_meters,omitempty"`
}

// SlotSummary reports how many reward slots of a bounty are still free
type SlotSummary struct {
	BountyID  string `json:"bounty_id"`
	Winners   int    `json:"winners"`
	Remaining int64  `json:"remaining"`
}

// RewardService issues bounty reward slots and hands them out to claimants
type RewardService struct {
	DB       *gorm.DB
	ledger   ledger.Ledger
	oracle   *PricingOracle
	notifier Notifier
	metrics  metrics.Recorder
	newCode  CodeGenerator
}

func NewRewardService(db *gorm.DB, l ledger.Ledger, oracle *PricingOracle, notifier Notifier, rec metrics.Recorder, codeLength int) *RewardService {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &RewardService{
		DB:       db,
		ledger:   l,
		oracle:   oracle,
		notifier: notifier,
		metrics:  rec,
		newCode:  NewCodeGenerator(codeLength),
	}
}

// IssueRedeemCodes creates one slot per winner inside tx. When the bounty hands out codes,
// every slot gets a distinct code; collisions with existing codes are regenerated.
func (s *RewardService) IssueRedeemCodes(tx *gorm.DB, bounty *models.Bounty) error {
	missing := make([]int, bounty.Winners)
	for i := range missing {
		missing[i] = i
	}

	for attempt := 0; len(missing) > 0; attempt++ {
		if attempt >= maxCodeAttempts {
			return fmt.Errorf("could not issue %d unique redeem codes for bounty %s", len(missing), bounty.ResourceID)
		}

		rows := make([]models.RedeemCode, 0, len(missing))
		seen := make(map[string]struct{}, len(missing))
		for _, slot := range missing {
			row := models.RedeemCode{BountyID: bounty.ResourceID, SlotIndex: slot}
			if bounty.GenerateRedeemCodes {
				code, err := s.newCode()
				if err != nil {
					return err
				}
				if _, dup := seen[code]; dup {
					continue
				}
				seen[code] = struct{}{}
				row.Code = &code
			}
			rows = append(rows, row)
		}

		if len(rows) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoNothing: true,
			}).Omit(clause.Associations).Create(&rows).Error
			if err != nil {
				return fmt.Errorf("failed to insert redeem codes: %w", err)
			}
		}

		var issued []int
		if err := tx.Model(&models.RedeemCode{}).
			Where("bounty_id = ?", bounty.ResourceID).
			Pluck("slot_index", &issued).Error; err != nil {
			return fmt.Errorf("failed to read issued slots: %w", err)
		}
		missing = missingSlots(bounty.Winners, issued)
	}
	return nil
}

func missingSlots(winners int, issued []int) []int {
	have := make(map[int]struct{}, len(issued))
	for _, i := range issued {
		have[i] = struct{}{}
	}
	var missing []int
	for i := 0; i < winners; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ClaimBounty hands the claimant the lowest free slot of a funded bounty
func (s *RewardService) ClaimBounty(ctx context.Context, bountyID string, claimant Claimant) (*ClaimResult, error) {
	ctx = logger.WithContext(ctx, zap.String("bounty_id", bountyID), zap.String("user_id", claimant.UserID))
	start := time.Now()
	defer func() {
		s.metrics.ObserveLatency("bounty_claim", time.Since(start), nil)
	}()

	resource, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	audit := models.BountyClaim{BountyID: bountyID, ExternalUserID: claimant.UserID}
	if claimant.Location != nil {
		audit.Latitude = &claimant.Location.Latitude
		audit.Longitude = &claimant.Location.Longitude
	}

	if !resource.IsConfirmed() {
		return nil, s.refuse(ctx, &audit, models.ClaimOutcomeNotFunded, newError(ErrCodeNotFunded, "bounty has not been paid for"))
	}
	bounty := resource.Bounty

	proximity := CheckProximity(claimant.Location, bounty.Fence())
	audit.DistanceMeters = proximity.DistanceMeters
	if !proximity.Eligible {
		msg := "a location inside the bounty area is required"
		if proximity.DistanceMeters != nil {
			msg = fmt.Sprintf("%.0fm from target, radius is %.0fm", *proximity.DistanceMeters, *bounty.RadiusMeters)
		}
		return nil, s.refuse(ctx, &audit, models.ClaimOutcomeTooFar, newError(ErrCodeTooFar, msg))
	}

	if bounty.RequiresBalance() {
		if claimant.WalletAccount == "" {
			return nil, s.refuse(ctx, &audit, models.ClaimOutcomeInsufficientBalance,
				newError(ErrCodeInsufficientBalance, "a wallet account is required"))
		}
		balance, err := s.ledger.Balance(ctx, claimant.WalletAccount, bounty.RequiredBalanceAsset)
		if err != nil {
			return nil, classifyLedgerError("balance", err)
		}
		if balance.LessThan(bounty.RequiredBalance) {
			return nil, s.refuse(ctx, &audit, models.ClaimOutcomeInsufficientBalance,
				newError(ErrCodeInsufficientBalance, fmt.Sprintf("holds %s, requires %s %s", balance, bounty.RequiredBalance, bounty.RequiredBalanceAsset)))
		}
	}

	var held int64
	if err := s.DB.WithContext(ctx).Model(&models.RedeemCode{}).
		Where("bounty_id = ? AND claimed_by_user_id = ?", bountyID, claimant.UserID).
		Count(&held).Error; err != nil {
		return nil, fmt.Errorf("failed to check existing claim: %w", err)
	}
	if held > 0 {
		return nil, s.refuse(ctx, &audit, models.ClaimOutcomeAlreadyClaimed, newError(ErrCodeAlreadyClaimed, "user already holds a slot"))
	}

	slot, err := s.takeSlot(ctx, bountyID, claimant.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyClaimed):
			return nil, s.refuse(ctx, &audit, models.ClaimOutcomeAlreadyClaimed, err)
		case errors.Is(err, ErrSlotsExhausted):
			s.notifier.Publish(Outcome{Kind: OutcomeSlotsExhausted, UserID: claimant.UserID, ResourceID: bountyID})
			return nil, s.refuse(ctx, &audit, models.ClaimOutcomeSlotsExhausted, err)
		}
		return nil, err
	}

	audit.Outcome = models.ClaimOutcomeClaimed
	audit.RedeemCodeID = &slot.ID
	s.recordClaim(ctx, &audit)

	result := &ClaimResult{
		RedeemCode:     *slot,
		Payout:         s.payoutFor(bounty, slot.SlotIndex),
		PayoutAsset:    bounty.RewardAsset,
		DistanceMeters: proximity.DistanceMeters,
	}
	s.notifier.Publish(Outcome{Kind: OutcomeClaimed, UserID: claimant.UserID, ResourceID: bountyID})
	logger.InfoCtx(ctx, "bounty slot claimed", zap.Int("slot", slot.SlotIndex))
	return result, nil
}

// takeSlot claims the next free slot. A pass that loses every free slot to concurrent
// claimers is retried against the next unclaimed row; SlotsExhausted is returned only
// when none remain.
func (s *RewardService) takeSlot(ctx context.Context, bountyID, userID string) (*models.RedeemCode, error) {
	remaining := int64(-1)
	for {
		slot, err := s.tryTakeSlot(ctx, bountyID, userID)
		if err != nil || slot != nil {
			return slot, err
		}

		free, err := s.countFree(ctx, bountyID)
		if err != nil {
			return nil, err
		}
		// every lost pass means another claimer committed a slot
		if free == 0 || (remaining >= 0 && free >= remaining) {
			return nil, newError(ErrCodeSlotsExhausted, "all reward slots are taken")
		}
		remaining = free
		logger.DebugCtx(ctx, "retrying claim against next free slot", zap.Int64("free", free))
	}
}

// tryTakeSlot runs one SKIP LOCKED pass, then one blocking pass if every free slot was
// held by a concurrent claimer
func (s *RewardService) tryTakeSlot(ctx context.Context, bountyID, userID string) (*models.RedeemCode, error) {
	for _, lock := range []string{"SKIP LOCKED", ""} {
		var taken []models.RedeemCode
		err := s.DB.WithContext(ctx).
			Raw(fmt.Sprintf(claimSlotSQL, lock), userID, time.Now().UTC(), bountyID).
			Scan(&taken).Error
		if err != nil {
			if isUniqueViolation(err) {
				return nil, newError(ErrCodeAlreadyClaimed, "user already holds a slot")
			}
			return nil, fmt.Errorf("failed to claim slot: %w", err)
		}
		if len(taken) == 1 {
			return &taken[0], nil
		}
	}
	return nil, nil
}

// RemainingSlots reports the free slots of a funded bounty
func (s *RewardService) RemainingSlots(ctx context.Context, bountyID string) (*SlotSummary, error) {
	resource, err := s.loadBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if !resource.IsConfirmed() {
		return nil, newError(ErrCodeNotFunded, "bounty has not been paid for")
	}
	remaining, err := s.countFree(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	return &SlotSummary{BountyID: bountyID, Winners: resource.Bounty.Winners, Remaining: remaining}, nil
}

func (s *RewardService) countFree(ctx context.Context, bountyID string) (int64, error) {
	var remaining int64
	if err := s.DB.WithContext(ctx).Model(&models.RedeemCode{}).
		Where("bounty_id = ? AND claimed_by_user_id IS NULL", bountyID).
		Count(&remaining).Error; err != nil {
		return 0, fmt.Errorf("failed to count free slots: %w", err)
	}
	return remaining, nil
}

func (s *RewardService) loadBounty(ctx context.Context, bountyID string) (*models.PayableResource, error) {
	var resource models.PayableResource
	err := s.DB.WithContext(ctx).Preload("Bounty").
		Where("id = ? AND kind = ?", bountyID, models.ResourceKindBounty).
		First(&resource).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrCodeNotFound, fmt.Sprintf("bounty %s not found", bountyID))
		}
		return nil, fmt.Errorf("failed to load bounty: %w", err)
	}
	if resource.Bounty == nil {
		return nil, newError(ErrCodeNotFound, fmt.Sprintf("bounty %s has no reward terms", bountyID))
	}
	return &resource, nil
}

func (s *RewardService) payoutFor(bounty *models.Bounty, slot int) decimal.Decimal {
	decimals := int32(18)
	if s.oracle != nil {
		if d, err := s.oracle.Decimals(bounty.RewardAsset); err == nil {
			decimals = d
		}
	}
	payouts := bounty.Payouts(decimals)
	if slot < 0 || slot >= len(payouts) {
		return decimal.Zero
	}
	return payouts[slot]
}

func (s *RewardService) refuse(ctx context.Context, audit *models.BountyClaim, outcome models.ClaimOutcome, err error) error {
	audit.Outcome = outcome
	s.recordClaim(ctx, audit)
	logger.InfoCtx(ctx, "bounty claim refused", zap.String("outcome", string(outcome)))
	return err
}

func (s *RewardService) recordClaim(ctx context.Context, audit *models.BountyClaim) {
	s.metrics.IncCounter("bounty_claim", map[string]string{"outcome": string(audit.Outcome)})
	if err := s.DB.WithContext(ctx).Create(audit).Error; err != nil {
		logger.ErrorCtx(ctx, "failed to record bounty claim", zap.Error(err))
	}
}
