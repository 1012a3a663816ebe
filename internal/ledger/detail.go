package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Detail is the typed per-entry payload. Each entry kind carries only
// the fields that kind needs, so the compiler enforces what exists
// where an open key/value bag would not.
type Detail interface {
	// Role names the part the entry plays inside its batch.
	Role() string
}

// DebitDetail annotates the debit side of a transfer or purchase.
type DebitDetail struct {
	Counterparty string `json:"counterparty,omitempty"`
	ListingID    string `json:"listingId,omitempty"`
}

// CreditDetail annotates the credit side of a transfer or purchase.
type CreditDetail struct {
	Counterparty string `json:"counterparty,omitempty"`
	ListingID    string `json:"listingId,omitempty"`
}

// FeeDetail annotates the platform fee credit.
type FeeDetail struct {
	Rate   decimal.Decimal `json:"rate"`
	Source EntryType       `json:"source"`
}

// RoyaltyDetail annotates a royalty credit carved out of a
// marketplace purchase.
type RoyaltyDetail struct {
	ListingID string `json:"listingId,omitempty"`
	Recipient string `json:"recipient"`
}

// ReversalDetail links a counter-entry to the entry it undoes.
type ReversalDetail struct {
	OriginalEntryID string `json:"originalTxId"`
	Reason          string `json:"reason,omitempty"`
}

// AdjustmentDetail records why an adjustment was issued and by whom.
type AdjustmentDetail struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

// MakeGoodDetail records the goodwill credit context.
type MakeGoodDetail struct {
	PurchaseID string `json:"purchaseId"`
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor,omitempty"`
}

// WithdrawalDetail links a ledger debit back to its withdrawal record.
type WithdrawalDetail struct {
	WithdrawalID string `json:"withdrawalId"`
}

func (DebitDetail) Role() string      { return "debit" }
func (CreditDetail) Role() string     { return "credit" }
func (FeeDetail) Role() string        { return "fee" }
func (RoyaltyDetail) Role() string    { return "royalty" }
func (ReversalDetail) Role() string   { return "reversal" }
func (AdjustmentDetail) Role() string { return "adjustment" }
func (MakeGoodDetail) Role() string   { return "make_good" }
func (WithdrawalDetail) Role() string { return "withdrawal" }

type detailEnvelope struct {
	Role string          `json:"role"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalDetail serializes a Detail for storage as a role-tagged
// JSON envelope. A nil detail serializes to nil.
func MarshalDetail(d Detail) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(detailEnvelope{Role: d.Role(), Data: data})
}

// UnmarshalDetail restores a Detail from its stored envelope.
// Empty input yields a nil detail.
func UnmarshalDetail(raw []byte) (Detail, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env detailEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	var d Detail
	switch env.Role {
	case "debit":
		d = &DebitDetail{}
	case "credit":
		d = &CreditDetail{}
	case "fee":
		d = &FeeDetail{}
	case "royalty":
		d = &RoyaltyDetail{}
	case "reversal":
		d = &ReversalDetail{}
	case "adjustment":
		d = &AdjustmentDetail{}
	case "make_good":
		d = &MakeGoodDetail{}
	case "withdrawal":
		d = &WithdrawalDetail{}
	default:
		return nil, fmt.Errorf("unknown detail role %q", env.Role)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}
