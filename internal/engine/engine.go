// Package engine executes the token operations: transfers, mints,
// marketplace purchases, withdrawals, and the correction family
// (reversal, adjustment, make-good).
//
// Every operation follows one shape: validate the request, then hand
// the ledger store a builder that re-checks balance and rate limit
// inside the atomic commit and assembles the batch. Idempotency rides
// on the ref id: a replay returns the recorded entries untouched.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/audit"
	"github.com/openledger/tokencore/internal/fees"
	"github.com/openledger/tokencore/internal/idgen"
	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/token"
	"github.com/openledger/tokencore/internal/traces"
)

// Default outgoing-operation rate limit per account.
const (
	DefaultRateMax    = 30
	DefaultRateWindow = 60 * time.Second
)

// Result is the outcome of one engine operation. Idempotent is true
// when the ref id was already recorded and the prior entries were
// returned instead of re-executing.
type Result struct {
	BatchID    string          `json:"batchId"`
	Entries    []*ledger.Entry `json:"entries"`
	Idempotent bool            `json:"idempotent"`
}

// RoyaltySplit directs a share of a marketplace purchase to a
// secondary recipient (e.g. the original creator).
type RoyaltySplit struct {
	Recipient string          `json:"recipient"`
	Rate      decimal.Decimal `json:"rate"`
}

// Service is the transfer engine.
type Service struct {
	store      ledger.Store
	fees       fees.Schedule
	audit      audit.Logger
	log        *slog.Logger
	rateMax    int
	rateWindow time.Duration
}

// New creates the engine. The audit logger may be nil, in which case
// nothing is recorded.
func New(store ledger.Store, schedule fees.Schedule, auditLog audit.Logger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:      store,
		fees:       schedule,
		audit:      auditLog,
		log:        log,
		rateMax:    DefaultRateMax,
		rateWindow: DefaultRateWindow,
	}
}

// SetRateLimit overrides the per-account outgoing rate limit.
func (s *Service) SetRateLimit(max int, window time.Duration) {
	if max > 0 {
		s.rateMax = max
	}
	if window > 0 {
		s.rateWindow = window
	}
}

// Store exposes the underlying ledger store for read surfaces.
func (s *Service) Store() ledger.Store { return s.store }

// Fees exposes the fee schedule for quoting.
func (s *Service) Fees() fees.Schedule { return s.fees }

// Transfer moves tokens between two users: debit the sender the gross,
// credit the recipient the net, credit the platform the fee.
func (s *Service) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, refID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Transfer",
		traces.Account(from), traces.Amount(token.Format(amount)), traces.Reference(refID))
	defer span.End()

	if err := validateUsers(from, to); err != nil {
		return nil, err
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	quote := s.fees.For(ledger.TypeTransfer, amount)

	done := ledger.ObserveCommit(ledger.TypeTransfer)
	entries, existed, err := s.store.Commit(ctx, refID, func(tx ledger.TxView) (*ledger.Batch, error) {
		if err := s.checkRateLimit(tx, from); err != nil {
			return nil, err
		}
		if err := checkBalance(tx, from, amount); err != nil {
			return nil, err
		}
		batchID := idgen.WithPrefix("bat_")
		return &ledger.Batch{Entries: []*ledger.Entry{
			{
				ID: idgen.WithPrefix("ent_"), BatchID: batchID,
				Type: ledger.TypeTransfer, From: from,
				Gross: amount, Fee: quote.Fee, Net: quote.Net,
				RefID: refID, Detail: &ledger.DebitDetail{Counterparty: to},
			},
			{
				ID: idgen.WithPrefix("ent_"), BatchID: batchID,
				Type: ledger.TypeTransfer, To: to,
				Gross: quote.Net, Net: quote.Net,
				RefID: refID, Detail: &ledger.CreditDetail{Counterparty: from},
			},
			feeEntry(batchID, ledger.TypeTransfer, quote, refID),
		}}, nil
	})
	done(existed)
	if err != nil {
		return nil, err
	}

	res := newResult(entries, existed)
	if !existed {
		s.log.Info("transfer committed",
			"from", from, "to", to, "amount", token.Format(amount), "batch", res.BatchID)
		s.record(ctx, "transfer", from, amount, res.BatchID,
			fmt.Sprintf("to=%s fee=%s", to, token.Format(quote.Fee)))
	}
	return res, nil
}

// Purchase mints tokens backed by external money: credit the buyer the
// net and the platform the fee. No balance check, value enters the
// system.
func (s *Service) Purchase(ctx context.Context, userID string, amount decimal.Decimal, refID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Purchase",
		traces.Account(userID), traces.Amount(token.Format(amount)), traces.Reference(refID))
	defer span.End()

	if userID == "" {
		return nil, &ValidationError{Code: CodeMissingUserIDs, Message: "user id is required"}
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	quote := s.fees.For(ledger.TypeTokenPurchase, amount)

	done := ledger.ObserveCommit(ledger.TypeTokenPurchase)
	entries, existed, err := s.store.Commit(ctx, refID, func(ledger.TxView) (*ledger.Batch, error) {
		batchID := idgen.WithPrefix("bat_")
		return &ledger.Batch{Entries: []*ledger.Entry{
			{
				ID: idgen.WithPrefix("ent_"), BatchID: batchID,
				Type: ledger.TypeTokenPurchase, To: userID,
				Gross: amount, Fee: quote.Fee, Net: quote.Net,
				RefID: refID, Detail: &ledger.CreditDetail{},
			},
			feeEntry(batchID, ledger.TypeTokenPurchase, quote, refID),
		}}, nil
	})
	done(existed)
	if err != nil {
		return nil, err
	}

	res := newResult(entries, existed)
	if !existed {
		s.log.Info("token purchase committed",
			"user", userID, "amount", token.Format(amount), "batch", res.BatchID)
		s.record(ctx, "token_purchase", userID, amount, res.BatchID, "ref="+refID)
	}
	return res, nil
}

// MarketplacePurchase moves tokens from buyer to seller with the
// marketplace fee and optional royalty carve-outs, all in one batch.
func (s *Service) MarketplacePurchase(ctx context.Context, buyer, seller, listingID string, amount decimal.Decimal, royalties []RoyaltySplit, refID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "engine.MarketplacePurchase",
		traces.Account(buyer), traces.Amount(token.Format(amount)), traces.Reference(refID))
	defer span.End()

	if err := validateUsers(buyer, seller); err != nil {
		return nil, err
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	quote := s.fees.For(ledger.TypeMarketplacePurchase, amount)

	royaltyTotal := decimal.Zero
	royaltyAmounts := make([]decimal.Decimal, len(royalties))
	for i, r := range royalties {
		if r.Recipient == "" || r.Rate.Sign() <= 0 {
			return nil, &ValidationError{Code: CodeMissingUserIDs,
				Message: "royalty splits need a recipient and a positive rate"}
		}
		royaltyAmounts[i] = token.Round2(amount.Mul(r.Rate))
		royaltyTotal = royaltyTotal.Add(royaltyAmounts[i])
	}
	sellerNet := amount.Sub(quote.Fee).Sub(royaltyTotal)
	if sellerNet.Sign() <= 0 {
		return nil, &ValidationError{Code: CodeAmountBelowMinimum,
			Message: "fee and royalties leave the seller nothing"}
	}

	done := ledger.ObserveCommit(ledger.TypeMarketplacePurchase)
	entries, existed, err := s.store.Commit(ctx, refID, func(tx ledger.TxView) (*ledger.Batch, error) {
		if err := s.checkRateLimit(tx, buyer); err != nil {
			return nil, err
		}
		if err := checkBalance(tx, buyer, amount); err != nil {
			return nil, err
		}
		batchID := idgen.WithPrefix("bat_")
		batch := &ledger.Batch{Entries: []*ledger.Entry{
			{
				ID: idgen.WithPrefix("ent_"), BatchID: batchID,
				Type: ledger.TypeMarketplacePurchase, From: buyer,
				Gross: amount, Fee: quote.Fee, Net: quote.Net,
				RefID: refID,
				Detail: &ledger.DebitDetail{Counterparty: seller, ListingID: listingID},
			},
			{
				ID: idgen.WithPrefix("ent_"), BatchID: batchID,
				Type: ledger.TypeMarketplacePurchase, To: seller,
				Gross: sellerNet, Net: sellerNet,
				RefID: refID,
				Detail: &ledger.CreditDetail{Counterparty: buyer, ListingID: listingID},
			},
			feeEntry(batchID, ledger.TypeMarketplacePurchase, quote, refID),
		}}
		for i, r := range royalties {
			batch.Entries = append(batch.Entries, &ledger.Entry{
				ID: idgen.WithPrefix("ent_"), BatchID: batchID,
				Type: ledger.TypeMarketplacePurchase, To: r.Recipient,
				Gross: royaltyAmounts[i], Net: royaltyAmounts[i],
				RefID: refID,
				Detail: &ledger.RoyaltyDetail{ListingID: listingID, Recipient: r.Recipient},
			})
		}
		return batch, nil
	})
	done(existed)
	if err != nil {
		return nil, err
	}

	res := newResult(entries, existed)
	if !existed {
		s.log.Info("marketplace purchase committed",
			"buyer", buyer, "seller", seller, "listing", listingID,
			"amount", token.Format(amount), "batch", res.BatchID)
		s.record(ctx, "marketplace_purchase", buyer, amount, res.BatchID,
			fmt.Sprintf("seller=%s listing=%s", seller, listingID))
	}
	return res, nil
}

// Reverse undoes a single entry: flips it to reversed and appends a
// swapped counter-entry documenting the undo.
func (s *Service) Reverse(ctx context.Context, entryID, reason, refID string) (*Result, error) {
	done := ledger.ObserveCommit(ledger.TypeReversal)
	entries, existed, err := s.store.Commit(ctx, refID, func(tx ledger.TxView) (*ledger.Batch, error) {
		orig, err := tx.Entry(entryID)
		if err != nil {
			return nil, err
		}
		if orig.Status == ledger.StatusReversed {
			return nil, ledger.ErrAlreadyReversed
		}
		batchID := idgen.WithPrefix("bat_")
		return &ledger.Batch{
			Entries: []*ledger.Entry{counterEntry(batchID, orig, reason, refID)},
			Reverse: []string{entryID},
		}, nil
	})
	done(existed)
	if err != nil {
		return nil, err
	}

	res := newResult(entries, existed)
	if !existed {
		s.log.Info("entry reversed", "entry", entryID, "reason", reason, "batch", res.BatchID)
		s.record(ctx, "reversal", "", decimal.Zero, res.BatchID,
			fmt.Sprintf("entry=%s reason=%s", entryID, reason))
	}
	return res, nil
}

// ReverseRef undoes every complete entry recorded under a ref id in
// one batch. Used by the reconciliation REVERSAL correction.
func (s *Service) ReverseRef(ctx context.Context, origRefID, reason, refID string) (*Result, error) {
	done := ledger.ObserveCommit(ledger.TypeReversal)
	entries, existed, err := s.store.Commit(ctx, refID, func(tx ledger.TxView) (*ledger.Batch, error) {
		originals, err := tx.EntriesByRef(origRefID)
		if err != nil {
			return nil, err
		}
		batchID := idgen.WithPrefix("bat_")
		batch := &ledger.Batch{}
		for _, orig := range originals {
			if orig.Status != ledger.StatusComplete {
				continue
			}
			batch.Entries = append(batch.Entries, counterEntry(batchID, orig, reason, refID))
			batch.Reverse = append(batch.Reverse, orig.ID)
		}
		if len(batch.Reverse) == 0 {
			return nil, ErrNothingToReverse
		}
		return batch, nil
	})
	done(existed)
	if err != nil {
		return nil, err
	}

	res := newResult(entries, existed)
	if !existed {
		s.log.Info("ref reversed", "ref", origRefID, "reason", reason,
			"entries", len(res.Entries), "batch", res.BatchID)
		s.record(ctx, "reversal", "", decimal.Zero, res.BatchID,
			fmt.Sprintf("ref=%s reason=%s", origRefID, reason))
	}
	return res, nil
}

// Adjust appends a single signed correction entry against one account.
// A debit adjustment still may not overdraft.
func (s *Service) Adjust(ctx context.Context, accountID string, amount decimal.Decimal, credit bool, reason, refID string) (*Result, error) {
	if accountID == "" {
		return nil, &ValidationError{Code: CodeMissingUserIDs, Message: "account id is required"}
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	done := ledger.ObserveCommit(ledger.TypeAdjustment)
	entries, existed, err := s.store.Commit(ctx, refID, func(tx ledger.TxView) (*ledger.Batch, error) {
		e := &ledger.Entry{
			ID: idgen.WithPrefix("ent_"), BatchID: idgen.WithPrefix("bat_"),
			Type:  ledger.TypeAdjustment,
			Gross: amount, Net: amount,
			RefID:  refID,
			Detail: &ledger.AdjustmentDetail{Reason: reason, Actor: audit.Actor(ctx)},
		}
		if credit {
			e.To = accountID
		} else {
			if err := checkBalance(tx, accountID, amount); err != nil {
				return nil, err
			}
			e.From = accountID
		}
		return &ledger.Batch{Entries: []*ledger.Entry{e}}, nil
	})
	done(existed)
	if err != nil {
		return nil, err
	}

	res := newResult(entries, existed)
	if !existed {
		s.log.Info("adjustment committed", "account", accountID,
			"amount", token.Format(amount), "credit", credit, "batch", res.BatchID)
		s.record(ctx, "adjustment", accountID, amount, res.BatchID, "reason="+reason)
	}
	return res, nil
}

// MakeGood mints a goodwill credit to a user with no debit anywhere.
func (s *Service) MakeGood(ctx context.Context, userID string, amount decimal.Decimal, purchaseID, reason, refID string) (*Result, error) {
	if userID == "" {
		return nil, &ValidationError{Code: CodeMissingUserIDs, Message: "user id is required"}
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	done := ledger.ObserveCommit(ledger.TypeMakeGood)
	entries, existed, err := s.store.Commit(ctx, refID, func(ledger.TxView) (*ledger.Batch, error) {
		return &ledger.Batch{Entries: []*ledger.Entry{{
			ID: idgen.WithPrefix("ent_"), BatchID: idgen.WithPrefix("bat_"),
			Type: ledger.TypeMakeGood, To: userID,
			Gross: amount, Net: amount,
			RefID: refID,
			Detail: &ledger.MakeGoodDetail{
				PurchaseID: purchaseID, Reason: reason, Actor: audit.Actor(ctx),
			},
		}}}, nil
	})
	done(existed)
	if err != nil {
		return nil, err
	}

	res := newResult(entries, existed)
	if !existed {
		s.log.Info("make-good committed", "user", userID,
			"amount", token.Format(amount), "purchase", purchaseID, "batch", res.BatchID)
		s.record(ctx, "make_good", userID, amount, res.BatchID,
			fmt.Sprintf("purchase=%s reason=%s", purchaseID, reason))
	}
	return res, nil
}

// Withdraw debits a user the gross and credits the platform the fee;
// the net leaves the system toward the payout collaborator.
func (s *Service) Withdraw(ctx context.Context, userID, withdrawalID string, amount decimal.Decimal, refID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Withdraw",
		traces.Account(userID), traces.WithdrawalID(withdrawalID))
	defer span.End()

	if userID == "" {
		return nil, &ValidationError{Code: CodeMissingUserIDs, Message: "user id is required"}
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	quote := s.fees.For(ledger.TypeWithdrawal, amount)

	done := ledger.ObserveCommit(ledger.TypeWithdrawal)
	entries, existed, err := s.store.Commit(ctx, refID, func(tx ledger.TxView) (*ledger.Batch, error) {
		if err := checkBalance(tx, userID, amount); err != nil {
			return nil, err
		}
		batchID := idgen.WithPrefix("bat_")
		return &ledger.Batch{Entries: []*ledger.Entry{
			{
				ID: idgen.WithPrefix("ent_"), BatchID: batchID,
				Type: ledger.TypeWithdrawal, From: userID,
				Gross: amount, Fee: quote.Fee, Net: quote.Net,
				RefID:  refID,
				Detail: &ledger.WithdrawalDetail{WithdrawalID: withdrawalID},
			},
			feeEntry(batchID, ledger.TypeWithdrawal, quote, refID),
		}}, nil
	})
	done(existed)
	if err != nil {
		return nil, err
	}

	res := newResult(entries, existed)
	if !existed {
		s.log.Info("withdrawal committed", "user", userID,
			"amount", token.Format(amount), "withdrawal", withdrawalID, "batch", res.BatchID)
		s.record(ctx, "withdrawal", userID, amount, res.BatchID, "withdrawal="+withdrawalID)
	}
	return res, nil
}

func feeEntry(batchID string, source ledger.EntryType, quote fees.Quote, refID string) *ledger.Entry {
	return &ledger.Entry{
		ID: idgen.WithPrefix("ent_"), BatchID: batchID,
		Type: ledger.TypeFee, To: ledger.PlatformAccount,
		Gross: quote.Fee, Net: quote.Fee,
		RefID:  refID,
		Detail: &ledger.FeeDetail{Rate: quote.Rate, Source: source},
	}
}

// counterEntry builds the swapped audit record for one reversed entry.
// The counter carries the original's net and is itself recorded
// reversed; the status flip on the original is what moves balances.
func counterEntry(batchID string, orig *ledger.Entry, reason, refID string) *ledger.Entry {
	return &ledger.Entry{
		ID: idgen.WithPrefix("ent_"), BatchID: batchID,
		Type: ledger.TypeReversal,
		From: orig.To, To: orig.From,
		Gross: orig.Net, Net: orig.Net,
		RefID:  refID,
		Detail: &ledger.ReversalDetail{OriginalEntryID: orig.ID, Reason: reason},
	}
}

func newResult(entries []*ledger.Entry, existed bool) *Result {
	res := &Result{Entries: entries, Idempotent: existed}
	if len(entries) > 0 {
		res.BatchID = entries[0].BatchID
	}
	return res
}

// record emits an audit record best-effort. Audit failures never fail
// the operation that already committed.
func (s *Service) record(ctx context.Context, action, accountID string, amount decimal.Decimal, txID, details string) {
	if s.audit == nil {
		return
	}
	rec := &audit.Record{
		Action:    action,
		Actor:     audit.Actor(ctx),
		AccountID: accountID,
		TxID:      txID,
		Details:   details,
	}
	if amount.Sign() != 0 {
		rec.Amount = token.Format(amount)
	}
	if err := s.audit.Log(ctx, rec); err != nil {
		s.log.Warn("audit log failed", "action", action, "error", err)
	}
}
