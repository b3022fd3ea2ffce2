package ledger

import (
	"context"
	"errors"

	"creator-payment-system/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotSettled is returned while a transaction is unknown or still pending
	ErrNotSettled = errors.New("ledger: transaction not settled")
	// ErrInvalidAccount is returned for malformed account addresses
	ErrInvalidAccount = errors.New("ledger: invalid account")
	// ErrInvalidPayload is returned when a signed payload cannot be decoded
	ErrInvalidPayload = errors.New("ledger: invalid signed payload")
	// ErrInvalidAmount is returned for amounts the chain cannot represent
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrUnsupportedAsset is returned for assets the ledger cannot move
	ErrUnsupportedAsset = errors.New("ledger: unsupported asset")
)

// Transfer describes a single payment to be prepared for signing
type Transfer struct {
	From   string
	To     string
	Asset  models.PaymentAsset
	Amount decimal.Decimal
}

// Settlement is what the ledger reports about a committed transfer
type Settlement struct {
	TxHash      string
	From        string
	To          string
	Asset       models.PaymentAsset
	Amount      decimal.Decimal
	Successful  bool
	BlockNumber uint64
}

// Ledger is the narrow view of the external ledger used by the payment saga
type Ledger interface {
	// PrepareTransfer returns the unsigned, serialized transaction for t
	PrepareTransfer(ctx context.Context, t Transfer) ([]byte, error)
	// Submit broadcasts a signed transaction and returns its hash
	Submit(ctx context.Context, signed []byte) (string, error)
	// LookupTransfer reports the committed transfer for txHash, or ErrNotSettled
	LookupTransfer(ctx context.Context, txHash string, expected models.PaymentAsset) (*Settlement, error)
	// Balance returns the holdings of account in asset
	Balance(ctx context.Context, account string, asset models.PaymentAsset) (decimal.Decimal, error)
}
