package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"creator-payment-system/ledger"
	"creator-payment-system/logger"
	"creator-payment-system/metrics"
	"creator-payment-system/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConfirmRequest carries either a signed payload to submit or the hash of a transaction
// a managed wallet already executed. Only the reference amount and asset of Quote are
// trusted; the amount is always recomputed.
type ConfirmRequest struct {
	SignedPayload []byte
	TxRef         string
	OwnerID       string
	Payer         string
	Destination   string
	Quote         *PriceQuote
}

// Confirmation proves a payment settled on the ledger. It can only be produced by the
// ConfirmationGate or replayed from a stored SettledPayment.
type Confirmation struct {
	txHash      string
	payer       string
	destination string
	amount      decimal.Decimal
	asset       models.PaymentAsset
	quote       *PriceQuote
	confirmedAt time.Time
}

func (c *Confirmation) TxHash() string { return c.txHash }
func (c *Confirmation) Payer() string { return c.payer }
func (c *Confirmation) Destination() string { return c.destination }
func (c *Confirmation) Amount() decimal.Decimal { return c.amount }
func (c *Confirmation) Asset() models.PaymentAsset { return c.asset }
func (c *Confirmation) Quote() *PriceQuote { return c.quote }
func (c *Confirmation) ConfirmedAt() time.Time { return c.confirmedAt }

func confirmationFromSettled(p *models.SettledPayment) *Confirmation {
	return &Confirmation{
		txHash:      p.TxHash,
		payer:       p.PayerAccount,
		destination: p.Destination,
		amount:      p.Amount,
		asset:       p.Asset,
		confirmedAt: p.CreatedAt,
	}
}

// ConfirmationGate is the only component that decides whether a payment happened
type ConfirmationGate struct {
	db           *gorm.DB
	oracle       *PricingOracle
	ledger       ledger.Ledger
	metrics      metrics.Recorder
	timeout      time.Duration
	pollInterval time.Duration
}

func NewConfirmationGate(db *gorm.DB, oracle *PricingOracle, l ledger.Ledger, rec metrics.Recorder, timeout, pollInterval time.Duration) *ConfirmationGate {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &ConfirmationGate{
		db:           db,
		oracle:       oracle,
		ledger:       l,
		metrics:      rec,
		timeout:      timeout,
		pollInterval: pollInterval,
	}
}

// Confirm re-quotes, submits or looks up the transaction, waits for settlement and
// verifies it moved exactly the expected amount and asset from payer to destination.
func (g *ConfirmationGate) Confirm(ctx context.Context, req ConfirmRequest) (*Confirmation, error) {
	if req.Quote == nil {
		return nil, newError(ErrCodeInvalidPayload, "quote is required")
	}
	if (len(req.SignedPayload) == 0) == (req.TxRef == "") {
		return nil, newError(ErrCodeInvalidPayload, "exactly one of signed payload or transaction reference is required")
	}
	if req.Payer == "" || req.Destination == "" {
		return nil, newError(ErrCodeInvalidPayload, "payer and destination are required")
	}

	fresh, err := g.oracle.Quote(req.Quote.ReferenceAmount, req.Quote.Asset)
	if err != nil {
		return nil, err
	}
	if !req.Quote.ComputedAmount.IsZero() && !req.Quote.ComputedAmount.Equal(fresh.ComputedAmount) {
		g.reject(ctx, fresh.Asset, ErrCodeAmountMismatch)
		return nil, newError(ErrCodeAmountMismatch,
			fmt.Sprintf("quoted %s, current price is %s", req.Quote.ComputedAmount, fresh.ComputedAmount))
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	txHash := req.TxRef
	if len(req.SignedPayload) > 0 {
		start := time.Now()
		txHash, err = g.ledger.Submit(ctx, req.SignedPayload)
		g.metrics.ObserveLatency("ledger_submit", time.Since(start), map[string]string{"asset": string(fresh.Asset.Kind)})
		if err != nil {
			return nil, classifyLedgerError("submit", err)
		}
	}
	txHash = normalizeHash(txHash)
	ctx = logger.WithContext(ctx, zap.String("tx_hash", txHash))

	if err := g.checkUnconsumed(ctx, txHash, req.OwnerID); err != nil {
		g.reject(ctx, fresh.Asset, ErrCodeAlreadyConsumed)
		return nil, err
	}

	settlement, err := g.waitForSettlement(ctx, txHash, fresh.Asset)
	if err != nil {
		return nil, err
	}

	if code, msg := verifySettlement(settlement, req.Payer, req.Destination, fresh); code != "" {
		g.reject(ctx, fresh.Asset, code)
		return nil, newError(code, msg)
	}

	g.metrics.IncCounter("confirmation", map[string]string{"asset": string(fresh.Asset.Kind), "outcome": "confirmed"})
	logger.InfoCtx(ctx, "payment confirmed",
		zap.String("payer", req.Payer),
		zap.String("amount", fresh.ComputedAmount.String()),
		zap.String("asset", fresh.Asset.String()))

	return &Confirmation{
		txHash:      txHash,
		payer:       req.Payer,
		destination: req.Destination,
		amount:      fresh.ComputedAmount,
		asset:       fresh.Asset,
		quote:       fresh,
		confirmedAt: time.Now().UTC(),
	}, nil
}

func (g *ConfirmationGate) reject(ctx context.Context, asset models.PaymentAsset, code string) {
	g.metrics.IncCounter("confirmation", map[string]string{"asset": string(asset.Kind), "outcome": code})
	logger.WarnCtx(ctx, "payment rejected", zap.String("reason", code))
}

// checkUnconsumed rejects hashes already funding a resource, or recorded for another owner
func (g *ConfirmationGate) checkUnconsumed(ctx context.Context, txHash, ownerID string) error {
	var count int64
	if err := g.db.WithContext(ctx).Unscoped().Model(&models.PayableResource{}).
		Where("funding_tx_hash = ?", txHash).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check funding hash: %w", err)
	}
	if count > 0 {
		return newError(ErrCodeAlreadyConsumed, fmt.Sprintf("transaction %s already funded a resource", txHash))
	}

	var settled models.SettledPayment
	err := g.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&settled).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to check settled payments: %w", err)
	}
	if settled.OwnerID != ownerID {
		return newError(ErrCodeAlreadyConsumed, fmt.Sprintf("transaction %s was recorded for another owner", txHash))
	}
	return nil
}

// waitForSettlement polls the ledger until the transaction is committed or ctx expires
func (g *ConfirmationGate) waitForSettlement(ctx context.Context, txHash string, asset models.PaymentAsset) (*ledger.Settlement, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.pollInterval
	b.MaxInterval = 8 * g.pollInterval
	b.MaxElapsedTime = 0
	b.Multiplier = 1.5

	var settlement *ledger.Settlement
	operation := func() error {
		start := time.Now()
		s, err := g.ledger.LookupTransfer(ctx, txHash, asset)
		g.metrics.ObserveLatency("ledger_lookup", time.Since(start), map[string]string{"asset": string(asset.Kind)})
		if err != nil {
			if errors.Is(err, ledger.ErrNotSettled) {
				logger.DebugCtx(ctx, "transaction not settled yet")
				return err
			}
			if errors.Is(err, ledger.ErrInvalidPayload) {
				return backoff.Permanent(err)
			}
			logger.WarnCtx(ctx, "ledger lookup failed, retrying", zap.Error(err))
			return err
		}
		settlement = s
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ledger.ErrNotSettled) {
			g.metrics.IncCounter("confirmation", map[string]string{"asset": string(asset.Kind), "outcome": ErrCodeNotSettled})
			return nil, wrapError(ErrCodeNotSettled, fmt.Sprintf("transaction %s not settled in time", txHash), err)
		}
		return nil, classifyLedgerError("lookup", err)
	}
	return settlement, nil
}

// verifySettlement returns the rejection code and reason, or an empty code when the
// settlement matches the quote exactly
func verifySettlement(s *ledger.Settlement, payer, destination string, quote *PriceQuote) (string, string) {
	if !s.Successful {
		return ErrCodeTransactionFailed, fmt.Sprintf("transaction %s reverted", s.TxHash)
	}
	if !sameAccount(s.From, payer) || !sameAccount(s.To, destination) {
		return ErrCodeWrongParty, fmt.Sprintf("transfer %s -> %s, expected %s -> %s", s.From, s.To, payer, destination)
	}
	if !assetMatches(s.Asset, quote.Asset) {
		return ErrCodeWrongAsset, fmt.Sprintf("paid with %s, expected %s", s.Asset, quote.Asset)
	}
	if !s.Amount.Equal(quote.ComputedAmount) {
		return ErrCodeAmountMismatch, fmt.Sprintf("paid %s, expected %s", s.Amount, quote.ComputedAmount)
	}
	return "", ""
}

// assetMatches compares the asset the ledger reported with the expected one. The ledger
// identifies tokens by issuer only, so a reported stable asset without a code matches on issuer.
func assetMatches(actual, expected models.PaymentAsset) bool {
	if actual.Kind != expected.Kind {
		return false
	}
	if actual.Kind != models.AssetKindStable {
		return true
	}
	if !strings.EqualFold(actual.Issuer, expected.Issuer) {
		return false
	}
	return actual.Code == "" || strings.EqualFold(actual.Code, expected.Code)
}

func normalizeHash(h string) string {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "0x") && !strings.HasPrefix(h, "0X") {
		h = "0x" + h
	}
	return "0x" + strings.ToLower(h[2:])
}
