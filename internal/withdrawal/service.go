package withdrawal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/audit"
	"github.com/openledger/tokencore/internal/engine"
	"github.com/openledger/tokencore/internal/idgen"
	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/token"
)

// RefID derives the ledger idempotency key for a withdrawal, so a
// crashed-and-retried Process never debits twice.
func RefID(withdrawalID string) string {
	return "withdrawal:" + withdrawalID
}

// Service runs the withdrawal workflow.
type Service struct {
	store  Store
	engine *engine.Service
	ledger ledger.Store
	audit  audit.Logger
	log    *slog.Logger
}

// NewService creates the withdrawal service. The audit logger may be nil.
func NewService(store Store, eng *engine.Service, ledgerStore ledger.Store, auditLog audit.Logger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, engine: eng, ledger: ledgerStore, audit: auditLog, log: log}
}

// Store exposes the withdrawal store for read surfaces.
func (s *Service) Store() Store { return s.store }

// Request validates and records a pending withdrawal. The ledger is
// not touched yet: the balance must cover this amount plus every
// outstanding withdrawal the user already has.
func (s *Service) Request(ctx context.Context, userID string, amount decimal.Decimal) (*Withdrawal, error) {
	if userID == "" {
		return nil, &engine.ValidationError{
			Code: engine.CodeMissingUserIDs, Message: "user id is required",
		}
	}
	if amount.Cmp(token.MinAmount) < 0 {
		return nil, &engine.ValidationError{
			Code:    engine.CodeAmountBelowMinimum,
			Message: fmt.Sprintf("amount must be at least %s", token.Format(token.MinAmount)),
		}
	}
	if amount.Cmp(token.MaxAmount) > 0 {
		return nil, &engine.ValidationError{
			Code:    engine.CodeAmountExceedsMax,
			Message: fmt.Sprintf("amount must be at most %s", token.Format(token.MaxAmount)),
		}
	}

	eligible, err := s.store.Eligible(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, ErrNotEligible
	}

	outstanding, err := s.store.SumOutstanding(ctx, userID)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	required := amount.Add(outstanding)
	if balance.Cmp(required) < 0 {
		return nil, &engine.InsufficientBalanceError{
			AccountID: userID, Balance: balance, Required: required,
		}
	}

	quote := s.engine.Fees().For(ledger.TypeWithdrawal, amount)
	w := &Withdrawal{
		ID:     idgen.WithPrefix("wd_"),
		UserID: userID,
		Amount: amount,
		Fee:    quote.Fee,
		Net:    quote.Net,
		Status: StatusPending,
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, err
	}

	s.log.Info("withdrawal requested", "withdrawal", w.ID, "user", userID,
		"amount", token.Format(amount))
	s.record(ctx, "withdrawal_requested", userID, amount, w.ID, "")
	return w, nil
}

// Approve marks a pending withdrawal ready for processing.
func (s *Service) Approve(ctx context.Context, id string) (*Withdrawal, error) {
	return s.review(ctx, id, StatusApproved, "")
}

// Reject declines a pending withdrawal.
func (s *Service) Reject(ctx context.Context, id, reason string) (*Withdrawal, error) {
	return s.review(ctx, id, StatusRejected, reason)
}

// Cancel withdraws a pending request; only its owner's to call, and
// only while pending.
func (s *Service) Cancel(ctx context.Context, id string) (*Withdrawal, error) {
	return s.review(ctx, id, StatusCancelled, "")
}

func (s *Service) review(ctx context.Context, id string, to Status, reason string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return nil, ErrNotPending
	}

	update := Update{ReviewedBy: audit.Actor(ctx), ErrorMessage: reason}
	if err := s.store.UpdateStatus(ctx, id, StatusPending, to, update); err != nil {
		if err == ErrStatusConflict {
			return nil, ErrNotPending
		}
		return nil, err
	}

	s.log.Info("withdrawal reviewed", "withdrawal", id, "decision", to, "reason", reason)
	s.record(ctx, "withdrawal_"+string(to), w.UserID, w.Amount, id, reason)
	return s.store.Get(ctx, id)
}

// Process executes an approved withdrawal: re-validates the balance at
// this later time, debits the user and credits the platform fee in one
// ledger batch, and marks the withdrawal complete with the batch id.
// A balance that shrank since approval fails the withdrawal rather
// than overdrafting.
func (s *Service) Process(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusApproved {
		return nil, ErrNotApproved
	}

	if err := s.store.UpdateStatus(ctx, id, StatusApproved, StatusProcessing, Update{}); err != nil {
		if err == ErrStatusConflict {
			return nil, ErrNotApproved
		}
		return nil, err
	}

	res, err := s.engine.Withdraw(ctx, w.UserID, w.ID, w.Amount, RefID(w.ID))
	if err != nil {
		update := Update{ErrorMessage: err.Error()}
		if uerr := s.store.UpdateStatus(ctx, id, StatusProcessing, StatusFailed, update); uerr != nil {
			s.log.Error("failed to mark withdrawal failed", "withdrawal", id, "error", uerr)
		}
		s.log.Warn("withdrawal processing failed", "withdrawal", id, "error", err)
		return nil, err
	}

	update := Update{LedgerBatchID: res.BatchID, Processed: true}
	if err := s.store.UpdateStatus(ctx, id, StatusProcessing, StatusComplete, update); err != nil {
		// The debit committed; the ref id makes any retry a no-op, so
		// surface the inconsistency loudly instead of undoing anything.
		s.log.Error("withdrawal debited but status update failed",
			"withdrawal", id, "batch", res.BatchID, "error", err)
		return nil, err
	}

	s.log.Info("withdrawal processed", "withdrawal", id, "user", w.UserID,
		"amount", token.Format(w.Amount), "batch", res.BatchID)
	s.record(ctx, "withdrawal_processed", w.UserID, w.Amount, res.BatchID, "withdrawal="+id)
	return s.store.Get(ctx, id)
}

// SetEligible records the payment collaborator's verdict on whether a
// user's payout account can receive funds.
func (s *Service) SetEligible(ctx context.Context, userID string, enabled bool, externalAccountID string) error {
	if err := s.store.SetEligible(ctx, userID, enabled, externalAccountID); err != nil {
		return err
	}
	s.log.Info("payout eligibility updated", "user", userID, "enabled", enabled)
	return nil
}

func (s *Service) record(ctx context.Context, action, accountID string, amount decimal.Decimal, txID, details string) {
	if s.audit == nil {
		return
	}
	rec := &audit.Record{
		Action:    action,
		Actor:     audit.Actor(ctx),
		AccountID: accountID,
		Amount:    token.Format(amount),
		TxID:      txID,
		Details:   details,
	}
	if err := s.audit.Log(ctx, rec); err != nil {
		s.log.Warn("audit log failed", "action", action, "error", err)
	}
}
