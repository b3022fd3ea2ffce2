package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"creator-payment-system/logger"
	"creator-payment-system/metrics"
	"creator-payment-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxReplayAttempts stops the reconciler from retrying a settlement forever
const maxReplayAttempts = 20

// MediaResolver turns uploaded media references into public URLs
type MediaResolver interface {
	ResolveURLs(ctx context.Context, keys []string) ([]string, error)
}

// Materializer turns a Confirmation into exactly one public resource. Confirmed payments
// are recorded as SettledPayment rows first, so a failed materialization can be replayed
// from the hash alone.
type Materializer struct {
	DB        *gorm.DB
	rewards   *RewardService
	media     MediaResolver
	validator *PayloadValidator
	metrics   metrics.Recorder
}

func NewMaterializer(db *gorm.DB, rewards *RewardService, media MediaResolver, validator *PayloadValidator, rec metrics.Recorder) *Materializer {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Materializer{DB: db, rewards: rewards, media: media, validator: validator, metrics: rec}
}

// Materialize creates the resource funded by conf. Replaying the same confirmation for
// the same owner and kind returns the resource created the first time.
func (m *Materializer) Materialize(ctx context.Context, conf *Confirmation, ownerID string, payload ValidPayload) (*models.PayableResource, error) {
	if conf == nil {
		return nil, newError(ErrCodeInvalidPayload, "confirmation is required")
	}
	if err := m.recordSettlement(ctx, conf, ownerID, payload.Kind(), &payload, nil); err != nil {
		return nil, err
	}
	return m.materialize(ctx, conf, ownerID, payload)
}

func (m *Materializer) materialize(ctx context.Context, conf *Confirmation, ownerID string, payload ValidPayload) (*models.PayableResource, error) {
	ctx = logger.WithContext(ctx, zap.String("tx_hash", conf.TxHash()), zap.String("owner_id", ownerID))
	req := payload.Request()

	mediaURLs, err := m.resolveMedia(ctx, req.Media)
	if err != nil {
		m.markFailed(ctx, conf.TxHash(), err)
		return nil, err
	}

	hash := conf.TxHash()
	confirmedAt := conf.ConfirmedAt()
	resource, err := newResource(ownerID, req, mediaURLs)
	if err != nil {
		m.markFailed(ctx, hash, err)
		return nil, err
	}
	resource.PaymentState = models.PaymentStateConfirmed
	resource.FundingTxHash = &hash
	resource.PaidAmount = decimal.NewNullDecimal(conf.Amount())
	resource.PayerAccount = conf.Payer()
	resource.ConfirmedAt = &confirmedAt

	created := false
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "funding_tx_hash"}},
			DoNothing: true,
		}).Omit(clause.Associations).Create(resource)
		if res.Error != nil {
			return fmt.Errorf("failed to insert resource: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		if err := m.createSpecialization(tx, resource, req, true); err != nil {
			return err
		}
		return markMaterialized(tx, hash, resource.ID)
	})
	if err != nil {
		m.markFailed(ctx, hash, err)
		return nil, err
	}

	if !created {
		return m.replayed(ctx, hash, ownerID, payload.Kind())
	}

	m.metrics.IncCounter("materialized", map[string]string{"type": string(resource.Kind), "asset": string(conf.Asset().Kind)})
	logger.InfoCtx(ctx, "resource materialized", zap.String("resource_id", resource.ID), zap.String("kind", string(resource.Kind)))
	return m.load(ctx, resource.ID)
}

// replayed resolves a hash that already funds a resource
func (m *Materializer) replayed(ctx context.Context, hash, ownerID string, kind models.ResourceKind) (*models.PayableResource, error) {
	existing, err := m.FindByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing.OwnerID != ownerID || existing.Kind != kind {
		return nil, newError(ErrCodeAlreadyConsumed, fmt.Sprintf("transaction %s already funded another resource", hash))
	}
	if err := markMaterialized(m.DB.WithContext(ctx), hash, existing.ID); err != nil {
		logger.WarnCtx(ctx, "failed to mark settled payment", zap.Error(err))
	}
	logger.InfoCtx(ctx, "materialization replayed", zap.String("resource_id", existing.ID))
	return existing, nil
}

// CompleteInPlace moves an unpaid resource to confirmed under conf's hash. The row keeps
// its id; bounty slots are issued in the same transaction.
func (m *Materializer) CompleteInPlace(ctx context.Context, conf *Confirmation, ownerID, resourceID string) (*models.PayableResource, error) {
	hash := conf.TxHash()
	ctx = logger.WithContext(ctx, zap.String("tx_hash", hash), zap.String("resource_id", resourceID))

	completed := false
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PayableResource{}).
			Where("id = ? AND owner_id = ? AND payment_state IN ?", resourceID, ownerID,
				[]models.PaymentState{models.PaymentStateUnpaid, models.PaymentStatePendingConfirmation}).
			Updates(map[string]interface{}{
				"payment_state":   models.PaymentStateConfirmed,
				"funding_tx_hash": hash,
				"paid_amount":     conf.Amount(),
				"payer_account":   conf.Payer(),
				"confirmed_at":    conf.ConfirmedAt(),
			})
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				return newError(ErrCodeAlreadyConsumed, fmt.Sprintf("transaction %s already funded another resource", hash))
			}
			return fmt.Errorf("failed to confirm resource: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		completed = true

		var bounty models.Bounty
		err := tx.Where("resource_id = ?", resourceID).First(&bounty).Error
		switch {
		case err == nil:
			if err := m.rewards.IssueRedeemCodes(tx, &bounty); err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to load bounty terms: %w", err)
		}
		return markMaterialized(tx, hash, resourceID)
	})
	if err != nil {
		if _, ok := AsSagaError(err); !ok {
			m.markFailed(ctx, hash, err)
		}
		return nil, err
	}

	resource, err := m.load(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if !completed {
		if resource.OwnerID != ownerID {
			return nil, newError(ErrCodeNotFound, fmt.Sprintf("resource %s not found", resourceID))
		}
		if resource.FundingTxHash == nil || *resource.FundingTxHash != hash {
			return nil, newError(ErrCodeAlreadyFunded, fmt.Sprintf("resource %s is already funded", resourceID))
		}
		if err := markMaterialized(m.DB.WithContext(ctx), hash, resourceID); err != nil {
			logger.WarnCtx(ctx, "failed to mark settled payment", zap.Error(err))
		}
		return resource, nil
	}

	m.metrics.IncCounter("materialized", map[string]string{"type": string(resource.Kind), "asset": string(conf.Asset().Kind)})
	logger.InfoCtx(ctx, "deferred resource confirmed")
	return resource, nil
}

// CreateUnpaid stores a resource without a funding hash. Bounty slots are not issued
// until the resource is paid.
func (m *Materializer) CreateUnpaid(ctx context.Context, ownerID string, payload ValidPayload) (*models.PayableResource, error) {
	req := payload.Request()
	mediaURLs, err := m.resolveMedia(ctx, req.Media)
	if err != nil {
		return nil, err
	}

	resource, err := newResource(ownerID, req, mediaURLs)
	if err != nil {
		return nil, err
	}
	resource.PaymentState = models.PaymentStateUnpaid

	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(resource).Error; err != nil {
			return fmt.Errorf("failed to insert resource: %w", err)
		}
		return m.createSpecialization(tx, resource, req, false)
	})
	if err != nil {
		return nil, err
	}
	return m.load(ctx, resource.ID)
}

// RetryPendingMaterializations replays settled payments whose resource was never
// written. It never talks to the ledger.
func (m *Materializer) RetryPendingMaterializations(ctx context.Context, limit int) (int, error) {
	var pending []models.SettledPayment
	if err := m.DB.WithContext(ctx).
		Where("materialized_at IS NULL AND attempts < ?", maxReplayAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("failed to load pending settlements: %w", err)
	}

	done := 0
	for i := range pending {
		p := &pending[i]
		if err := m.replay(ctx, p); err != nil {
			logger.Warn("materialization replay failed",
				zap.String("tx_hash", p.TxHash),
				zap.Int("attempts", p.Attempts+1),
				zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

func (m *Materializer) replay(ctx context.Context, p *models.SettledPayment) error {
	conf := confirmationFromSettled(p)
	if p.ResourceID != nil {
		_, err := m.CompleteInPlace(ctx, conf, p.OwnerID, *p.ResourceID)
		if _, ok := AsSagaError(err); ok {
			m.markFailed(ctx, p.TxHash, err)
		}
		return err
	}
	payload, err := m.decodePayload(p)
	if err != nil {
		m.markFailed(ctx, p.TxHash, err)
		return err
	}
	_, err = m.materialize(ctx, conf, p.OwnerID, payload)
	if errors.Is(err, ErrAlreadyConsumed) {
		m.markFailed(ctx, p.TxHash, err)
	}
	return err
}

// MaterializeFromHash retries materialization of a payment the caller already confirmed
func (m *Materializer) MaterializeFromHash(ctx context.Context, txHash, ownerID string, payload ValidPayload) (*models.PayableResource, error) {
	hash := normalizeHash(txHash)
	var p models.SettledPayment
	err := m.DB.WithContext(ctx).Where("tx_hash = ?", hash).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrCodeNotFound, fmt.Sprintf("no confirmed payment for %s", hash))
		}
		return nil, fmt.Errorf("failed to load settled payment: %w", err)
	}
	if p.OwnerID != ownerID {
		return nil, newError(ErrCodeAlreadyConsumed, fmt.Sprintf("transaction %s was recorded for another owner", hash))
	}
	if p.Kind != payload.Kind() {
		return nil, newError(ErrCodeInvalidPayload, fmt.Sprintf("transaction %s paid for a %s", hash, p.Kind))
	}
	if p.ResourceID != nil {
		return m.CompleteInPlace(ctx, confirmationFromSettled(&p), ownerID, *p.ResourceID)
	}
	return m.materialize(ctx, confirmationFromSettled(&p), ownerID, payload)
}

// FindByHash loads the resource funded by hash, including soft-deleted ones
func (m *Materializer) FindByHash(ctx context.Context, hash string) (*models.PayableResource, error) {
	var resource models.PayableResource
	err := m.DB.WithContext(ctx).Unscoped().
		Preload("Bounty").Preload("Item").Preload("SellOrder").
		Where("funding_tx_hash = ?", normalizeHash(hash)).
		First(&resource).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrCodeNotFound, fmt.Sprintf("no resource funded by %s", hash))
		}
		return nil, fmt.Errorf("failed to load resource: %w", err)
	}
	return &resource, nil
}

func (m *Materializer) load(ctx context.Context, id string) (*models.PayableResource, error) {
	var resource models.PayableResource
	err := m.DB.WithContext(ctx).
		Preload("Bounty").Preload("Item").Preload("SellOrder").
		First(&resource, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrCodeNotFound, fmt.Sprintf("resource %s not found", id))
		}
		return nil, fmt.Errorf("failed to load resource: %w", err)
	}
	return &resource, nil
}

// recordSettlement writes the outbox row in its own commit so it survives a failed
// materialization. An existing row is left untouched.
func (m *Materializer) recordSettlement(ctx context.Context, conf *Confirmation, ownerID string, kind models.ResourceKind, payload *ValidPayload, resourceID *string) error {
	row := models.SettledPayment{
		TxHash:       conf.TxHash(),
		OwnerID:      ownerID,
		Kind:         kind,
		ResourceID:   resourceID,
		PayerAccount: conf.Payer(),
		Destination:  conf.Destination(),
		Amount:       conf.Amount(),
		Asset:        conf.Asset(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload.Request())
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		row.Payload = datatypes.JSON(raw)
	}
	err := m.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to record settled payment: %w", err)
	}
	return nil
}

func (m *Materializer) decodePayload(p *models.SettledPayment) (ValidPayload, error) {
	if len(p.Payload) == 0 {
		return ValidPayload{}, newError(ErrCodeInvalidPayload, "settled payment has no stored payload")
	}
	var req CreateResourceRequest
	if err := json.Unmarshal(p.Payload, &req); err != nil {
		return ValidPayload{}, wrapError(ErrCodeInvalidPayload, "stored payload is unreadable", err)
	}
	payload, verrs := m.validator.ValidatePayload(req)
	if len(verrs) > 0 {
		return ValidPayload{}, wrapError(ErrCodeInvalidPayload, "stored payload is invalid", verrs)
	}
	return payload, nil
}

func (m *Materializer) markFailed(ctx context.Context, hash string, cause error) {
	err := m.DB.WithContext(ctx).Model(&models.SettledPayment{}).
		Where("tx_hash = ? AND materialized_at IS NULL", hash).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
	if err != nil {
		logger.ErrorCtx(ctx, "failed to record materialization failure", zap.Error(err))
	}
	m.metrics.IncCounter("materialize_failed", nil)
}

func markMaterialized(tx *gorm.DB, hash, resourceID string) error {
	err := tx.Model(&models.SettledPayment{}).
		Where("tx_hash = ? AND materialized_at IS NULL", hash).
		Updates(map[string]interface{}{
			"materialized_at": time.Now().UTC(),
			"resource_id":     resourceID,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      "",
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark settled payment: %w", err)
	}
	return nil
}

func (m *Materializer) resolveMedia(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 || m.media == nil {
		return keys, nil
	}
	urls, err := m.media.ResolveURLs(ctx, keys)
	if err != nil {
		return nil, wrapError(ErrCodeInvalidPayload, "media could not be resolved", err)
	}
	return urls, nil
}

func newResource(ownerID string, req CreateResourceRequest, mediaURLs []string) (*models.PayableResource, error) {
	if mediaURLs == nil {
		mediaURLs = []string{}
	}
	raw, err := json.Marshal(mediaURLs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode media urls: %w", err)
	}
	return &models.PayableResource{
		ID:              uuid.NewString(),
		Kind:            req.Kind,
		OwnerID:         ownerID,
		ReferenceAmount: req.ReferenceAmount,
		Asset:           req.Asset,
		Title:           req.Title,
		Description:     req.Description,
		MediaURLs:       datatypes.JSON(raw),
	}, nil
}

// createSpecialization writes the kind-specific row. Bounty slots are only issued for
// funded bounties.
func (m *Materializer) createSpecialization(tx *gorm.DB, resource *models.PayableResource, req CreateResourceRequest, funded bool) error {
	switch resource.Kind {
	case models.ResourceKindItem:
		item := &models.Item{
			ResourceID: resource.ID,
			Slug:       models.ItemSlug(req.Title, resource.ID),
			Supply:     req.Item.Supply,
			ListPrice:  req.Item.ListPrice,
		}
		if err := tx.Create(item).Error; err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}

	case models.ResourceKindSellOrder:
		if err := checkSellableItem(tx, req.SellOrder.ItemID); err != nil {
			return err
		}
		order := &models.SellOrder{
			ResourceID: resource.ID,
			ItemID:     req.SellOrder.ItemID,
			Quantity:   req.SellOrder.Quantity,
			UnitPrice:  req.SellOrder.UnitPrice,
		}
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to insert sell order: %w", err)
		}

	case models.ResourceKindBounty:
		bounty := newBounty(resource.ID, req.Bounty)
		if err := tx.Omit(clause.Associations).Create(bounty).Error; err != nil {
			return fmt.Errorf("failed to insert bounty: %w", err)
		}
		if funded {
			if err := m.rewards.IssueRedeemCodes(tx, bounty); err != nil {
				return err
			}
		}

	default:
		return newError(ErrCodeInvalidPayload, fmt.Sprintf("unknown resource kind %q", resource.Kind))
	}
	return nil
}

func newBounty(resourceID string, p *BountyParams) *models.Bounty {
	b := &models.Bounty{
		ResourceID:          resourceID,
		Winners:             p.Winners,
		RewardAmountTotal:   p.RewardAmountTotal,
		RewardAsset:         p.RewardAsset,
		RequiredBalance:     p.RequiredBalance,
		GenerateRedeemCodes: p.GenerateRedeemCodes,
	}
	if p.RequiredBalanceAsset != nil {
		b.RequiredBalanceAsset = *p.RequiredBalanceAsset
	}
	if loc := p.Location; loc != nil {
		lat, lng, radius := loc.Latitude, loc.Longitude, loc.RadiusMeters
		b.Latitude, b.Longitude, b.RadiusMeters = &lat, &lng, &radius
	}
	return b
}

// checkSellableItem requires the item behind a sell order to be a confirmed listing
func checkSellableItem(tx *gorm.DB, itemID string) error {
	var count int64
	err := tx.Model(&models.PayableResource{}).
		Scopes(models.Publicly).
		Where("id = ? AND kind = ?", itemID, models.ResourceKindItem).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("failed to check item: %w", err)
	}
	if count == 0 {
		return newError(ErrCodeInvalidPayload, fmt.Sprintf("item %s is not a listed item", itemID))
	}
	return nil
}
