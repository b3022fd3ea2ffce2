package services

import (
	"context"
	"errors"
	"fmt"

	"creator-payment-system/logger"
	"creator-payment-system/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeferredPayments lets an owner create a resource now and pay for it later. The
// resource keeps its id through every state.
type DeferredPayments struct {
	DB           *gorm.DB
	oracle       *PricingOracle
	envelopes    *EnvelopeBuilder
	gate         *ConfirmationGate
	materializer *Materializer
	issuers      Issuers
	notifier     Notifier
}

func NewDeferredPayments(db *gorm.DB, oracle *PricingOracle, envelopes *EnvelopeBuilder, gate *ConfirmationGate, materializer *Materializer, issuers Issuers, notifier Notifier) *DeferredPayments {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &DeferredPayments{
		DB:           db,
		oracle:       oracle,
		envelopes:    envelopes,
		gate:         gate,
		materializer: materializer,
		issuers:      issuers,
		notifier:     notifier,
	}
}

// CreateUnpaid stores the resource without payment. It stays out of public listings.
func (d *DeferredPayments) CreateUnpaid(ctx context.Context, ownerID string, payload ValidPayload) (*models.PayableResource, error) {
	resource, err := d.materializer.CreateUnpaid(ctx, ownerID, payload)
	if err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "unpaid resource created", zap.String("resource_id", resource.ID), zap.String("owner_id", ownerID))
	return resource, nil
}

// PrepareCompletion quotes the stored reference price and returns the envelope that
// pays for the resource
func (d *DeferredPayments) PrepareCompletion(ctx context.Context, resourceID string, id Identity) (*TransactionEnvelope, error) {
	resource, err := d.ownedUnpaid(ctx, resourceID, id.UserID)
	if err != nil {
		return nil, err
	}

	quote, err := d.oracle.Quote(resource.ReferenceAmount, resource.Asset)
	if err != nil {
		return nil, err
	}
	destination, err := d.issuers.Destination(resource.Kind)
	if err != nil {
		return nil, err
	}
	envelope, err := d.envelopes.Build(ctx, id.WalletAccount, destination, quote)
	if err != nil {
		return nil, err
	}
	envelope.ResourceID = resource.ID

	if err := d.DB.WithContext(ctx).Model(&models.PayableResource{}).
		Where("id = ? AND payment_state IN ?", resource.ID,
			[]models.PaymentState{models.PaymentStateUnpaid, models.PaymentStatePendingConfirmation}).
		Update("payment_state", models.PaymentStatePendingConfirmation).Error; err != nil {
		return nil, fmt.Errorf("failed to mark resource pending: %w", err)
	}
	return envelope, nil
}

// CompletePayment confirms the payment for an unpaid resource and publishes it in place.
// A rejected payment sends the resource back to unpaid.
func (d *DeferredPayments) CompletePayment(ctx context.Context, resourceID string, id Identity, signed []byte, txRef string) (*models.PayableResource, error) {
	ctx = logger.WithContext(ctx, zap.String("resource_id", resourceID), zap.String("owner_id", id.UserID))

	resource, err := d.owned(ctx, resourceID, id.UserID)
	if err != nil {
		return nil, err
	}
	if resource.IsConfirmed() {
		if txRef != "" && normalizeHash(txRef) == *resource.FundingTxHash {
			return resource, nil
		}
		return nil, newError(ErrCodeAlreadyFunded, fmt.Sprintf("resource %s is already funded", resourceID))
	}

	quote, err := d.oracle.Quote(resource.ReferenceAmount, resource.Asset)
	if err != nil {
		return nil, err
	}
	destination, err := d.issuers.Destination(resource.Kind)
	if err != nil {
		return nil, err
	}

	conf, err := d.gate.Confirm(ctx, ConfirmRequest{
		SignedPayload: signed,
		TxRef:         txRef,
		OwnerID:       id.UserID,
		Payer:         id.WalletAccount,
		Destination:   destination,
		Quote:         quote,
	})
	if err != nil {
		d.rejected(ctx, resourceID, id.UserID, err)
		return nil, err
	}

	if err := d.materializer.recordSettlement(ctx, conf, id.UserID, resource.Kind, nil, &resource.ID); err != nil {
		return nil, err
	}
	confirmed, err := d.materializer.CompleteInPlace(ctx, conf, id.UserID, resource.ID)
	if err != nil {
		d.rejected(ctx, resourceID, id.UserID, err)
		return nil, err
	}
	d.notifier.Publish(Outcome{Kind: OutcomeConfirmed, UserID: id.UserID, ResourceID: confirmed.ID, TxHash: conf.TxHash()})
	return confirmed, nil
}

// Discard soft-deletes an unfunded resource
func (d *DeferredPayments) Discard(ctx context.Context, resourceID, ownerID string) error {
	res := d.DB.WithContext(ctx).
		Where("id = ? AND owner_id = ? AND payment_state <> ?", resourceID, ownerID, models.PaymentStateConfirmed).
		Delete(&models.PayableResource{})
	if res.Error != nil {
		return fmt.Errorf("failed to discard resource: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		logger.InfoCtx(ctx, "resource discarded", zap.String("resource_id", resourceID))
		return nil
	}

	if _, err := d.owned(ctx, resourceID, ownerID); err != nil {
		return err
	}
	return newError(ErrCodeAlreadyFunded, "funded resources cannot be discarded")
}

// rejected returns the resource to unpaid and tells the owner when err rejects the payment
func (d *DeferredPayments) rejected(ctx context.Context, resourceID, userID string, err error) {
	se, ok := AsSagaError(err)
	if !ok || se.Class != ClassPaymentRejected {
		return
	}
	d.revertPending(ctx, resourceID)
	d.notifier.Publish(Outcome{Kind: OutcomeRejected, UserID: userID, ResourceID: resourceID, Reason: se.Code})
}

func (d *DeferredPayments) revertPending(ctx context.Context, resourceID string) {
	err := d.DB.WithContext(ctx).Model(&models.PayableResource{}).
		Where("id = ? AND payment_state = ?", resourceID, models.PaymentStatePendingConfirmation).
		Update("payment_state", models.PaymentStateUnpaid).Error
	if err != nil {
		logger.ErrorCtx(ctx, "failed to revert pending resource", zap.Error(err))
	}
}

func (d *DeferredPayments) owned(ctx context.Context, resourceID, ownerID string) (*models.PayableResource, error) {
	var resource models.PayableResource
	err := d.DB.WithContext(ctx).
		Where("id = ? AND owner_id = ?", resourceID, ownerID).
		First(&resource).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(ErrCodeNotFound, fmt.Sprintf("resource %s not found", resourceID))
		}
		return nil, fmt.Errorf("failed to load resource: %w", err)
	}
	return &resource, nil
}

func (d *DeferredPayments) ownedUnpaid(ctx context.Context, resourceID, ownerID string) (*models.PayableResource, error) {
	resource, err := d.owned(ctx, resourceID, ownerID)
	if err != nil {
		return nil, err
	}
	if resource.IsConfirmed() {
		return nil, newError(ErrCodeAlreadyFunded, fmt.Sprintf("resource %s is already funded", resourceID))
	}
	return resource, nil
}
