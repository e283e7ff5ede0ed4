package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound           = errors.New("item not found")
	ErrBidNotFound        = errors.New("bid not found")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidState       = errors.New("action not permitted in current item state")
	ErrNotDraft           = errors.New("item is no longer a draft")
	ErrBidTooLow          = errors.New("bid amount is too low")
	ErrBidTooHigh         = errors.New("bid amount exceeds the contract reward")
	ErrSelfBidNotAllowed  = errors.New("bidder already holds the highest bid")
	ErrWrongItemKind      = errors.New("operation not supported for this item kind")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrLedgerUnavailable  = errors.New("ledger unavailable")
	ErrConflict           = errors.New("concurrent update, retry against a fresh snapshot")
	ErrSettlementFailed   = errors.New("settlement failed")
	ErrIntegrityViolation = errors.New("item store integrity violation")
	ErrItemHalted         = errors.New("item processing halted after an integrity violation")
)

// FieldError is used to indicate an error with a specific field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError is returned for malformed input, before any state change.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(flds ...FieldError) error {
	return &ValidationError{Fields: flds}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Error)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// BidTooLowError carries the minimum amount that would have been admitted.
type BidTooLowError struct {
	Amount  decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("%s: %s < minimum %s", ErrBidTooLow, e.Amount, e.Minimum)
}

func (e *BidTooLowError) Unwrap() error { return ErrBidTooLow }
