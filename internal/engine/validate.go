package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/token"
)

func validateAmount(amount decimal.Decimal) error {
	if amount.Cmp(token.MinAmount) < 0 {
		return &ValidationError{
			Code:    CodeAmountBelowMinimum,
			Message: fmt.Sprintf("amount must be at least %s", token.Format(token.MinAmount)),
		}
	}
	if amount.Cmp(token.MaxAmount) > 0 {
		return &ValidationError{
			Code:    CodeAmountExceedsMax,
			Message: fmt.Sprintf("amount must be at most %s", token.Format(token.MaxAmount)),
		}
	}
	return nil
}

func validateUsers(from, to string) error {
	if from == "" || to == "" {
		return &ValidationError{Code: CodeMissingUserIDs, Message: "both user ids are required"}
	}
	if from == to {
		return &ValidationError{Code: CodeSelfTransfer, Message: "cannot transfer to yourself"}
	}
	return nil
}

// checkBalance runs inside the commit so two concurrent operations
// cannot both pass against a stale snapshot and jointly overdraft.
func checkBalance(tx ledger.TxView, accountID string, required decimal.Decimal) error {
	bal, err := tx.Balance(accountID)
	if err != nil {
		return err
	}
	if bal.Cmp(required) < 0 {
		return &InsufficientBalanceError{AccountID: accountID, Balance: bal, Required: required}
	}
	return nil
}

// checkRateLimit counts outgoing entries inside the commit. Like the
// balance, the count is derived from the ledger itself, so concurrent
// senders cannot slip past the window.
func (s *Service) checkRateLimit(tx ledger.TxView, accountID string) error {
	n, err := tx.OutgoingSince(accountID, time.Now().Add(-s.rateWindow))
	if err != nil {
		return err
	}
	if n >= s.rateMax {
		return &ValidationError{
			Code:    CodeRateLimited,
			Message: fmt.Sprintf("at most %d outgoing operations per %s", s.rateMax, s.rateWindow),
		}
	}
	return nil
}
