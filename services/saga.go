package services

import (
	"context"
	"errors"
	"fmt"

	"creator-payment-system/logger"
	"creator-payment-system/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type WalletKind string

const (
	WalletSelfCustody WalletKind = "self_custody"
	WalletManaged     WalletKind = "managed"
)

// Identity is the authenticated caller as forwarded by the gateway
type Identity struct {
	UserID        string
	WalletAccount string
	WalletKind    WalletKind
}

// PayNowRequest creates a resource and pays for it in one step. Self-custody wallets
// send the signed envelope; managed wallets send the hash of the transfer they executed.
type PayNowRequest struct {
	Payload       CreateResourceRequest `json:"payload"`
	Quote         *PriceQuote           `json:"quote,omitempty"`
	SignedPayload hexutil.Bytes         `json:"signed_payload,omitempty"`
	TxRef         string                `json:"tx_ref,omitempty"`
}

// PaymentService wires the saga steps together. Nothing becomes public before the
// ConfirmationGate has accepted the payment.
type PaymentService struct {
	DB           *gorm.DB
	validator    *PayloadValidator
	oracle       *PricingOracle
	envelopes    *EnvelopeBuilder
	gate         *ConfirmationGate
	materializer *Materializer
	deferred     *DeferredPayments
	rewards      *RewardService
	issuers      Issuers
	notifier     Notifier
}

// PaymentServiceDeps groups the collaborators of PaymentService
type PaymentServiceDeps struct {
	Validator    *PayloadValidator
	Oracle       *PricingOracle
	Envelopes    *EnvelopeBuilder
	Gate         *ConfirmationGate
	Materializer *Materializer
	Deferred     *DeferredPayments
	Rewards      *RewardService
	Issuers      Issuers
	Notifier     Notifier
}

func NewPaymentService(db *gorm.DB, deps PaymentServiceDeps) *PaymentService {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &PaymentService{
		DB:           db,
		validator:    deps.Validator,
		oracle:       deps.Oracle,
		envelopes:    deps.Envelopes,
		gate:         deps.Gate,
		materializer: deps.Materializer,
		deferred:     deps.Deferred,
		rewards:      deps.Rewards,
		issuers:      deps.Issuers,
		notifier:     notifier,
	}
}

func (s *PaymentService) Validate(req CreateResourceRequest) (ValidPayload, error) {
	payload, verrs := s.validator.ValidatePayload(req)
	if len(verrs) > 0 {
		return ValidPayload{}, verrs
	}
	return payload, nil
}

// Quote prices a reference amount in the chosen asset
func (s *PaymentService) Quote(reference decimal.Decimal, asset models.PaymentAsset) (*PriceQuote, error) {
	return s.oracle.Quote(reference, asset)
}

// BuildEnvelope re-quotes the client's quote and prepares the transfer to the issuer of kind
func (s *PaymentService) BuildEnvelope(ctx context.Context, id Identity, kind models.ResourceKind, quote *PriceQuote) (*TransactionEnvelope, error) {
	if quote == nil {
		return nil, newError(ErrCodeInvalidPayload, "quote is required")
	}
	if !kind.Valid() {
		return nil, newError(ErrCodeInvalidPayload, fmt.Sprintf("unknown resource kind %q", kind))
	}
	fresh, err := s.oracle.Quote(quote.ReferenceAmount, quote.Asset)
	if err != nil {
		return nil, err
	}
	destination, err := s.issuers.Destination(kind)
	if err != nil {
		return nil, err
	}
	return s.envelopes.Build(ctx, id.WalletAccount, destination, fresh)
}

// PayNow confirms the payment and materializes the resource. Replaying a request whose
// transaction already funded the caller's resource returns that resource.
func (s *PaymentService) PayNow(ctx context.Context, id Identity, req PayNowRequest) (*models.PayableResource, error) {
	payload, err := s.Validate(req.Payload)
	if err != nil {
		return nil, err
	}
	p := payload.Request()

	quote := req.Quote
	if quote == nil {
		quote = &PriceQuote{ReferenceAmount: p.ReferenceAmount, Asset: p.Asset}
	}
	if !quote.ReferenceAmount.Equal(p.ReferenceAmount) || !quote.Asset.Equal(p.Asset) {
		return nil, newError(ErrCodeInvalidPayload, "quote does not match the resource price")
	}
	if err := s.checkWallet(id, req.SignedPayload, req.TxRef); err != nil {
		return nil, err
	}
	if p.Kind == models.ResourceKindSellOrder {
		if err := checkSellableItem(s.DB.WithContext(ctx), p.SellOrder.ItemID); err != nil {
			return nil, err
		}
	}

	destination, err := s.issuers.Destination(p.Kind)
	if err != nil {
		return nil, err
	}

	conf, err := s.gate.Confirm(ctx, ConfirmRequest{
		SignedPayload: req.SignedPayload,
		TxRef:         req.TxRef,
		OwnerID:       id.UserID,
		Payer:         id.WalletAccount,
		Destination:   destination,
		Quote:         quote,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyConsumed) && req.TxRef != "" {
			if existing, ferr := s.materializer.FindByHash(ctx, req.TxRef); ferr == nil &&
				existing.OwnerID == id.UserID && existing.Kind == p.Kind {
				return existing, nil
			}
		}
		s.publishRejection(id.UserID, "", err)
		return nil, err
	}

	resource, err := s.materializer.Materialize(ctx, conf, id.UserID, payload)
	if err != nil {
		logger.ErrorCtx(ctx, "materialization failed after confirmed payment",
			zap.String("tx_hash", conf.TxHash()), zap.Error(err))
		s.publishRejection(id.UserID, "", err)
		return nil, err
	}
	s.notifier.Publish(Outcome{Kind: OutcomeConfirmed, UserID: id.UserID, ResourceID: resource.ID, TxHash: conf.TxHash()})
	return resource, nil
}

// MaterializeFromHash retries materialization of an already confirmed payment
func (s *PaymentService) MaterializeFromHash(ctx context.Context, id Identity, txHash string, req CreateResourceRequest) (*models.PayableResource, error) {
	if txHash == "" {
		return nil, newError(ErrCodeInvalidPayload, "transaction hash is required")
	}
	payload, err := s.Validate(req)
	if err != nil {
		return nil, err
	}
	return s.materializer.MaterializeFromHash(ctx, txHash, id.UserID, payload)
}

func (s *PaymentService) CreateUnpaid(ctx context.Context, id Identity, req CreateResourceRequest) (*models.PayableResource, error) {
	payload, err := s.Validate(req)
	if err != nil {
		return nil, err
	}
	return s.deferred.CreateUnpaid(ctx, id.UserID, payload)
}

func (s *PaymentService) PrepareCompletion(ctx context.Context, id Identity, resourceID string) (*TransactionEnvelope, error) {
	return s.deferred.PrepareCompletion(ctx, resourceID, id)
}

func (s *PaymentService) CompletePayment(ctx context.Context, id Identity, resourceID string, signed []byte, txRef string) (*models.PayableResource, error) {
	if err := s.checkWallet(id, signed, txRef); err != nil {
		return nil, err
	}
	return s.deferred.CompletePayment(ctx, resourceID, id, signed, txRef)
}

func (s *PaymentService) Discard(ctx context.Context, id Identity, resourceID string) error {
	return s.deferred.Discard(ctx, resourceID, id.UserID)
}

func (s *PaymentService) ClaimBounty(ctx context.Context, id Identity, bountyID string, location *Coordinate) (*ClaimResult, error) {
	return s.rewards.ClaimBounty(ctx, bountyID, Claimant{
		UserID:        id.UserID,
		WalletAccount: id.WalletAccount,
		Location:      location,
	})
}

func (s *PaymentService) RemainingSlots(ctx context.Context, bountyID string) (*SlotSummary, error) {
	return s.rewards.RemainingSlots(ctx, bountyID)
}

// ListFilter narrows resource listings
type ListFilter struct {
	Kind   models.ResourceKind
	Limit  int
	Offset int
}

// ListPublic returns confirmed resources only
func (s *PaymentService) ListPublic(ctx context.Context, f ListFilter) ([]models.PayableResource, error) {
	return s.list(s.DB.WithContext(ctx).Scopes(models.Publicly), f)
}

// ListOwned returns every live resource of the owner, paid or not
func (s *PaymentService) ListOwned(ctx context.Context, ownerID string, f ListFilter) ([]models.PayableResource, error) {
	return s.list(s.DB.WithContext(ctx).Where("owner_id = ?", ownerID), f)
}

func (s *PaymentService) list(q *gorm.DB, f ListFilter) ([]models.PayableResource, error) {
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var resources []models.PayableResource
	err := q.Preload("Bounty").Preload("Item").Preload("SellOrder").
		Order("created_at DESC").
		Limit(limit).
		Offset(f.Offset).
		Find(&resources).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return resources, nil
}

// checkWallet requires the proof matching the caller's wallet kind
func (s *PaymentService) checkWallet(id Identity, signed []byte, txRef string) error {
	if id.WalletAccount == "" {
		return newError(ErrCodeInvalidPayload, "wallet account is required")
	}
	switch id.WalletKind {
	case WalletManaged:
		if txRef == "" {
			return newError(ErrCodeInvalidPayload, "managed wallets must send the transaction reference")
		}
	case WalletSelfCustody:
		if len(signed) == 0 && txRef == "" {
			return newError(ErrCodeInvalidPayload, "signed payload is required")
		}
	}
	return nil
}

func (s *PaymentService) publishRejection(userID, resourceID string, err error) {
	se, ok := AsSagaError(err)
	if !ok || se.Class != ClassPaymentRejected {
		return
	}
	s.notifier.Publish(Outcome{Kind: OutcomeRejected, UserID: userID, ResourceID: resourceID, Reason: se.Code})
}
