package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"creator-payment-system/config"
	"creator-payment-system/ledger"
	"creator-payment-system/metrics"
	"creator-payment-system/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionEnvelope is an unsigned transfer handed to the client wallet for signing
type TransactionEnvelope struct {
	UnsignedPayload hexutil.Bytes       `json:"unsigned_payload"`
	PayerAccount    string              `json:"payer_account"`
	Destination     string              `json:"destination"`
	ExpectedAmount  decimal.Decimal     `json:"expected_amount"`
	ExpectedAsset   models.PaymentAsset `json:"expected_asset"`
	Quote           *PriceQuote         `json:"quote"`
	ResourceID      string              `json:"resource_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

// TrustlineChecker answers whether an account can receive an asset
type TrustlineChecker interface {
	Accepts(ctx context.Context, account string, asset models.PaymentAsset) (bool, error)
}

// TrustlineStore checks acceptance against the mirrored trustlines table
type TrustlineStore struct {
	DB *gorm.DB
}

func NewTrustlineStore(db *gorm.DB) *TrustlineStore {
	return &TrustlineStore{DB: db}
}

// Accepts is always true for the native asset
func (s *TrustlineStore) Accepts(ctx context.Context, account string, asset models.PaymentAsset) (bool, error) {
	if asset.Kind == models.AssetKindNative {
		return true, nil
	}
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.Trustline{}).
		Where("LOWER(account) = LOWER(?)", account).
		Where("asset_kind = ? AND UPPER(asset_code) = UPPER(?) AND LOWER(asset_issuer) = LOWER(?)",
			asset.Kind, asset.Code, asset.Issuer).
		Where("active = ?", true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check trustline: %w", err)
	}
	return count > 0, nil
}

// Issuers maps each resource kind to the account that receives its creation fee
type Issuers map[models.ResourceKind]string

func NewIssuers(cfg config.IssuersConfig) Issuers {
	return Issuers{
		models.ResourceKindItem:      cfg.Item,
		models.ResourceKindBounty:    cfg.Bounty,
		models.ResourceKindSellOrder: cfg.SellOrder,
	}
}

func (i Issuers) Destination(kind models.ResourceKind) (string, error) {
	dest := i[kind]
	if dest == "" {
		return "", newError(ErrCodeInvalidPayload, fmt.Sprintf("no issuer account for %s", kind))
	}
	return dest, nil
}

// EnvelopeBuilder prepares unsigned transfers. It keeps no state between calls.
type EnvelopeBuilder struct {
	ledger  ledger.Ledger
	trust   TrustlineChecker
	metrics metrics.Recorder
	now     func() time.Time
}

func NewEnvelopeBuilder(l ledger.Ledger, trust TrustlineChecker, rec metrics.Recorder) *EnvelopeBuilder {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &EnvelopeBuilder{ledger: l, trust: trust, metrics: rec, now: time.Now}
}

// Build returns the unsigned transfer of quote.ComputedAmount from payer to destination
func (b *EnvelopeBuilder) Build(ctx context.Context, payer, destination string, quote *PriceQuote) (*TransactionEnvelope, error) {
	if quote == nil {
		return nil, newError(ErrCodeInvalidPayload, "quote is required")
	}
	if payer == "" {
		return nil, newError(ErrCodeInvalidPayload, "payer account is required")
	}

	ok, err := b.trust.Accepts(ctx, destination, quote.Asset)
	if err != nil {
		return nil, wrapError(ErrCodeLedgerError, "trustline lookup failed", err)
	}
	if !ok {
		return nil, newError(ErrCodeAssetNotAccepted, fmt.Sprintf("%s does not accept %s", destination, quote.Asset))
	}

	start := b.now()
	payload, err := b.ledger.PrepareTransfer(ctx, ledger.Transfer{
		From:   payer,
		To:     destination,
		Asset:  quote.Asset,
		Amount: quote.ComputedAmount,
	})
	b.metrics.ObserveLatency("prepare_transfer", time.Since(start), map[string]string{"asset": string(quote.Asset.Kind)})
	if err != nil {
		return nil, classifyLedgerError("prepare transfer", err)
	}

	b.metrics.IncCounter("envelope_built", map[string]string{"asset": string(quote.Asset.Kind)})

	return &TransactionEnvelope{
		UnsignedPayload: payload,
		PayerAccount:    payer,
		Destination:     destination,
		ExpectedAmount:  quote.ComputedAmount,
		ExpectedAsset:   quote.Asset,
		Quote:           quote,
		CreatedAt:       b.now().UTC(),
	}, nil
}

// classifyLedgerError maps ledger failures onto the saga taxonomy
func classifyLedgerError(op string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotSettled),
		errors.Is(err, context.DeadlineExceeded):
		return wrapError(ErrCodeNotSettled, op, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return wrapError(ErrCodeInvalidAmount, op, err)
	case errors.Is(err, ledger.ErrUnsupportedAsset):
		return wrapError(ErrCodeInvalidAsset, op, err)
	case errors.Is(err, ledger.ErrInvalidAccount),
		errors.Is(err, ledger.ErrInvalidPayload):
		return wrapError(ErrCodeInvalidPayload, op, err)
	}
	return wrapError(ErrCodeLedgerError, op, err)
}

func sameAccount(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
