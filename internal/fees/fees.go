// Package fees computes the platform fee for each operation type.
//
// Rates are a static table. The fee is rounded to two decimals exactly
// once; the net is the gross minus that already-rounded fee, so sums
// of derived quantities are never re-rounded.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/token"
)

// Quote is the fee breakdown for one gross amount.
type Quote struct {
	Rate decimal.Decimal `json:"rate"`
	Fee  decimal.Decimal `json:"fee"`
	Net  decimal.Decimal `json:"net"`
}

// Schedule maps operation types to fee rates.
type Schedule struct {
	rates map[ledger.EntryType]decimal.Decimal
}

// Default returns the platform fee schedule.
func Default() Schedule {
	return Schedule{rates: map[ledger.EntryType]decimal.Decimal{
		ledger.TypeTokenPurchase:       decimal.NewFromFloat(0.0146),
		ledger.TypeTransfer:            decimal.NewFromFloat(0.0146),
		ledger.TypeMarketplacePurchase: decimal.NewFromFloat(0.05),
		ledger.TypeWithdrawal:          decimal.NewFromFloat(0.0146),
	}}
}

// Rate returns the rate for an operation type. Types without an entry
// in the table (reversals, adjustments, make-goods, royalty payouts)
// carry no fee.
func (s Schedule) Rate(t ledger.EntryType) decimal.Decimal {
	if r, ok := s.rates[t]; ok {
		return r
	}
	return decimal.Zero
}

// For computes the fee and net for a gross amount under the given
// operation type.
func (s Schedule) For(t ledger.EntryType, gross decimal.Decimal) Quote {
	rate := s.Rate(t)
	fee := token.Round2(gross.Mul(rate))
	return Quote{
		Rate: rate,
		Fee:  fee,
		Net:  gross.Sub(fee),
	}
}
