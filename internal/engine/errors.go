package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Stable error codes returned to callers. These are part of the API
// surface: clients branch on them.
const (
	CodeAmountNotNumber     = "amount_must_be_number"
	CodeAmountBelowMinimum  = "amount_below_minimum"
	CodeAmountExceedsMax    = "amount_exceeds_maximum"
	CodeMissingUserIDs      = "missing_user_ids"
	CodeSelfTransfer        = "cannot_transfer_to_self"
	CodeRateLimited         = "rate_limit_exceeded"
	CodeInsufficientBalance = "insufficient_balance"
	CodeTransactionFailed   = "transaction_failed"
)

// ErrNothingToReverse is returned when a ref id has no complete
// entries left to reverse.
var ErrNothingToReverse = errors.New("engine: no complete entries to reverse")

// ValidationError is an expected business rejection. It is a result,
// not a fault: nothing is logged at error level for these.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

// InsufficientBalanceError carries the numbers a caller needs to render
// a useful rejection.
type InsufficientBalanceError struct {
	AccountID string          `json:"accountId"`
	Balance   decimal.Decimal `json:"balance"`
	Required  decimal.Decimal `json:"required"`
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: have %s, need %s",
		e.AccountID, e.Balance, e.Required)
}

// Code maps an error to its stable code, or transaction_failed for
// anything unexpected.
func Code(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	var ibe *InsufficientBalanceError
	if errors.As(err, &ibe) {
		return CodeInsufficientBalance
	}
	return CodeTransactionFailed
}
