package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/engine"
	"github.com/openledger/tokencore/internal/purchase"
)

var (
	ErrUnknownCorrection = errors.New("unknown correction type")
	// ErrAdjustmentArgs is returned when an adjustment is missing its
	// target account or amount.
	ErrAdjustmentArgs = errors.New("adjustment requires an account and an amount")
)

// CorrectionType selects which corrective action to execute.
type CorrectionType string

const (
	CorrectionReversal   CorrectionType = "REVERSAL"
	CorrectionAdjustment CorrectionType = "ADJUSTMENT"
	CorrectionMakeGood   CorrectionType = "MAKE_GOOD"
)

// CorrectionRequest describes one corrective action. Key is the
// idempotency key; when empty a fresh timestamped key is derived, and
// the response carries it so a retry can replay the exact correction.
type CorrectionRequest struct {
	Type       CorrectionType  `json:"type"`
	PurchaseID string          `json:"purchaseId"`
	AccountID  string          `json:"accountId,omitempty"`
	Amount     decimal.Decimal `json:"amount,omitempty"`
	Credit     bool            `json:"credit,omitempty"`
	Reason     string          `json:"reason"`
	Key        string          `json:"key,omitempty"`
}

// CorrectionResult is the outcome of one correction.
type CorrectionResult struct {
	Key      string             `json:"key"`
	Result   *engine.Result     `json:"result"`
	Purchase *purchase.Purchase `json:"purchase,omitempty"`
}

// correctionKey derives the deterministic idempotency key for a
// correction.
func correctionKey(t CorrectionType, purchaseID string, at time.Time) string {
	return fmt.Sprintf("correction:%s:%s:%d", t, purchaseID, at.Unix())
}

// ExecuteCorrection runs one corrective action. Corrections only ever
// add counter-entries; history is never edited. Replays with the same
// key return the originally recorded result.
func (s *Sweeper) ExecuteCorrection(ctx context.Context, req CorrectionRequest) (*CorrectionResult, error) {
	switch req.Type {
	case CorrectionReversal:
		return s.correctReversal(ctx, req)
	case CorrectionAdjustment:
		return s.correctAdjustment(ctx, req)
	case CorrectionMakeGood:
		return s.correctMakeGood(ctx, req)
	default:
		return nil, ErrUnknownCorrection
	}
}

// correctReversal flips every complete entry under the purchase's ref
// id, appends swapped counter-entries, and moves the purchase to
// REFUNDED.
func (s *Sweeper) correctReversal(ctx context.Context, req CorrectionRequest) (*CorrectionResult, error) {
	p, err := s.purchases.Store().Get(ctx, req.PurchaseID)
	if err != nil {
		return nil, err
	}

	key := req.Key
	if key == "" {
		key = correctionKey(CorrectionReversal, p.ID, time.Now())
	}
	res, err := s.engine.ReverseRef(ctx, p.RefID, req.Reason, key)
	if err != nil {
		return nil, err
	}

	// On a replay the transition already happened; skip it.
	if !res.Idempotent && p.Status.CanTransition(purchase.StatusRefunded) {
		if p, err = s.purchases.Transition(ctx, p.ID, purchase.StatusRefunded, req.Reason); err != nil {
			return nil, err
		}
	}
	return &CorrectionResult{Key: key, Result: res, Purchase: p}, nil
}

// correctAdjustment appends a single signed entry against the given
// account. Purchase status is untouched.
func (s *Sweeper) correctAdjustment(ctx context.Context, req CorrectionRequest) (*CorrectionResult, error) {
	if req.AccountID == "" || req.Amount.Sign() <= 0 {
		return nil, ErrAdjustmentArgs
	}

	key := req.Key
	if key == "" {
		key = correctionKey(CorrectionAdjustment, req.PurchaseID, time.Now())
	}
	res, err := s.engine.Adjust(ctx, req.AccountID, req.Amount, req.Credit, req.Reason, key)
	if err != nil {
		return nil, err
	}
	return &CorrectionResult{Key: key, Result: res}, nil
}

// correctMakeGood mints the buyer a goodwill credit of the original
// purchase amount (or an explicit override) and refunds the purchase
// when its state allows.
func (s *Sweeper) correctMakeGood(ctx context.Context, req CorrectionRequest) (*CorrectionResult, error) {
	p, err := s.purchases.Store().Get(ctx, req.PurchaseID)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	if amount.Sign() <= 0 {
		amount = p.Amount
	}
	key := req.Key
	if key == "" {
		key = correctionKey(CorrectionMakeGood, p.ID, time.Now())
	}
	res, err := s.engine.MakeGood(ctx, p.BuyerID, amount, p.ID, req.Reason, key)
	if err != nil {
		return nil, err
	}

	if !res.Idempotent && p.Status.CanTransition(purchase.StatusRefunded) {
		if p, err = s.purchases.Transition(ctx, p.ID, purchase.StatusRefunded, req.Reason); err != nil {
			return nil, err
		}
	}
	return &CorrectionResult{Key: key, Result: res, Purchase: p}, nil
}
