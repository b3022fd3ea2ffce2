package services

import (
	"errors"
	"fmt"
)

// ErrorClass groups saga failures by how the caller should react
type ErrorClass string

const (
	ClassInvalidInput      ErrorClass = "invalid_input"
	ClassExternalTransient ErrorClass = "external_transient"
	ClassPaymentRejected   ErrorClass = "payment_rejected"
	ClassConflict          ErrorClass = "conflict"
	ClassExhausted         ErrorClass = "exhausted"
)

// Error codes
const (
	ErrCodeInvalidAsset        = "invalid_asset"
	ErrCodeInvalidAmount       = "invalid_amount"
	ErrCodeInvalidPayload      = "invalid_payload"
	ErrCodeNotFound            = "not_found"
	ErrCodeAssetNotAccepted    = "asset_not_accepted"
	ErrCodeNotSettled          = "not_settled"
	ErrCodeLedgerError         = "ledger_error"
	ErrCodeAmountMismatch      = "amount_mismatch"
	ErrCodeWrongAsset          = "wrong_asset"
	ErrCodeWrongParty          = "wrong_party"
	ErrCodeTransactionFailed   = "transaction_failed"
	ErrCodeAlreadyConsumed     = "already_consumed"
	ErrCodeAlreadyFunded       = "already_funded"
	ErrCodeNotFunded           = "not_funded"
	ErrCodeTooFar              = "too_far"
	ErrCodeInsufficientBalance = "insufficient_balance"
	ErrCodeAlreadyClaimed      = "already_claimed"
	ErrCodeSlotsExhausted      = "slots_exhausted"
)

var codeClasses = map[string]ErrorClass{
	ErrCodeInvalidAsset:        ClassInvalidInput,
	ErrCodeInvalidAmount:       ClassInvalidInput,
	ErrCodeInvalidPayload:      ClassInvalidInput,
	ErrCodeNotFound:            ClassInvalidInput,
	ErrCodeAssetNotAccepted:    ClassInvalidInput,
	ErrCodeNotSettled:          ClassExternalTransient,
	ErrCodeLedgerError:         ClassExternalTransient,
	ErrCodeAmountMismatch:      ClassPaymentRejected,
	ErrCodeWrongAsset:          ClassPaymentRejected,
	ErrCodeWrongParty:          ClassPaymentRejected,
	ErrCodeTransactionFailed:   ClassPaymentRejected,
	ErrCodeAlreadyConsumed:     ClassPaymentRejected,
	ErrCodeAlreadyFunded:       ClassConflict,
	ErrCodeNotFunded:           ClassInvalidInput,
	ErrCodeTooFar:              ClassInvalidInput,
	ErrCodeInsufficientBalance: ClassInvalidInput,
	ErrCodeAlreadyClaimed:      ClassConflict,
	ErrCodeSlotsExhausted:      ClassExhausted,
}

// SagaError is the error type returned by every saga operation
type SagaError struct {
	Class   ErrorClass
	Code    string
	Message string
	Err     error
}

func (e *SagaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SagaError) Unwrap() error {
	return e.Err
}

// Is matches any SagaError carrying the same code
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether repeating the same request may succeed
func (e *SagaError) Retryable() bool {
	return e.Class == ClassExternalTransient
}

func newError(code, message string) *SagaError {
	return &SagaError{Class: codeClasses[code], Code: code, Message: message}
}

func wrapError(code, message string, err error) *SagaError {
	return &SagaError{Class: codeClasses[code], Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is comparisons
var (
	ErrInvalidAsset        = newError(ErrCodeInvalidAsset, "invalid asset")
	ErrInvalidAmount       = newError(ErrCodeInvalidAmount, "invalid amount")
	ErrInvalidPayload      = newError(ErrCodeInvalidPayload, "invalid payload")
	ErrNotFound            = newError(ErrCodeNotFound, "not found")
	ErrAssetNotAccepted    = newError(ErrCodeAssetNotAccepted, "destination does not accept asset")
	ErrNotSettled          = newError(ErrCodeNotSettled, "payment not settled")
	ErrLedger              = newError(ErrCodeLedgerError, "ledger unavailable")
	ErrAmountMismatch      = newError(ErrCodeAmountMismatch, "amount mismatch")
	ErrWrongAsset          = newError(ErrCodeWrongAsset, "wrong asset")
	ErrWrongParty          = newError(ErrCodeWrongParty, "wrong payer or destination")
	ErrTransactionFailed   = newError(ErrCodeTransactionFailed, "transaction failed on ledger")
	ErrAlreadyConsumed     = newError(ErrCodeAlreadyConsumed, "transaction already consumed")
	ErrAlreadyFunded       = newError(ErrCodeAlreadyFunded, "resource already funded")
	ErrNotFunded           = newError(ErrCodeNotFunded, "bounty is not funded")
	ErrTooFar              = newError(ErrCodeTooFar, "outside bounty area")
	ErrInsufficientBalance = newError(ErrCodeInsufficientBalance, "insufficient balance")
	ErrAlreadyClaimed      = newError(ErrCodeAlreadyClaimed, "already claimed")
	ErrSlotsExhausted      = newError(ErrCodeSlotsExhausted, "no reward slots left")
)

// AsSagaError extracts the SagaError from err, if any
func AsSagaError(err error) (*SagaError, bool) {
	var se *SagaError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
