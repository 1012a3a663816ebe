// Package payments reacts to payment-collaborator confirmations. The
// core never initiates outbound payment calls: it mints tokens when a
// checkout completes and records payout eligibility when an account is
// verified. Webhook redelivery is safe because every mint is keyed by
// the checkout's ref id.
package payments

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/engine"
	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/purchase"
	"github.com/openledger/tokencore/internal/token"
	"github.com/openledger/tokencore/internal/withdrawal"
)

// Service translates payment confirmations into ledger and purchase
// state.
type Service struct {
	engine      *engine.Service
	purchases   *purchase.Service
	withdrawals *withdrawal.Service
	log         *slog.Logger
}

// NewService creates the payments service.
func NewService(eng *engine.Service, purchases *purchase.Service, withdrawals *withdrawal.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{engine: eng, purchases: purchases, withdrawals: withdrawals, log: log}
}

// OnPaymentConfirmed mints tokens for a confirmed external payment and
// settles the purchase record tied to the ref id, when one exists. A
// redelivered confirmation replays idempotently.
func (s *Service) OnPaymentConfirmed(ctx context.Context, refID, userID string, amount decimal.Decimal, sessionID string) error {
	res, err := s.engine.Purchase(ctx, userID, amount, refID)
	if err != nil {
		return err
	}
	if res.Idempotent {
		s.log.Info("payment confirmation replayed", "ref", refID, "session", sessionID)
		return nil
	}
	s.log.Info("payment confirmed", "ref", refID, "user", userID,
		"amount", token.Format(amount), "session", sessionID)

	p, err := s.purchases.Store().GetByRef(ctx, refID)
	if errors.Is(err, purchase.ErrNotFound) {
		// A standalone top-up with no purchase record. The mint is the
		// whole story.
		return nil
	}
	if err != nil {
		return err
	}

	if p.Status.CanTransition(purchase.StatusPaid) {
		if p, err = s.purchases.Transition(ctx, p.ID, purchase.StatusPaid, "payment confirmed"); err != nil {
			return err
		}
	}

	quote := s.engine.Fees().For(ledger.TypeTokenPurchase, amount)
	st := purchase.Settlement{
		BatchID: res.BatchID, Settled: amount,
		Fee: quote.Fee, Net: quote.Net, Royalties: decimal.Zero,
	}
	if err := s.purchases.RecordSettlement(ctx, p.ID, st); err != nil {
		return err
	}
	if p.Status.CanTransition(purchase.StatusSettled) {
		if _, err := s.purchases.Transition(ctx, p.ID, purchase.StatusSettled, "settlement recorded"); err != nil {
			return err
		}
	}
	return nil
}

// OnAccountVerified records the payout-eligibility verdict for a user.
func (s *Service) OnAccountVerified(ctx context.Context, userID string, enabled bool, externalAccountID string) error {
	return s.withdrawals.SetEligible(ctx, userID, enabled, externalAccountID)
}
