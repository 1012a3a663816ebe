package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/audit"
	"github.com/openledger/tokencore/internal/idgen"
	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/token"
	"github.com/openledger/tokencore/internal/traces"
)

// RefID derives the ledger idempotency key for a purchase.
func RefID(purchaseID string) string {
	return "purchase:" + purchaseID
}

// PurchaseIDFromRef inverts RefID. Empty when ref does not follow the
// purchase convention.
func PurchaseIDFromRef(refID string) string {
	if rest, ok := strings.CutPrefix(refID, "purchase:"); ok {
		return rest
	}
	return ""
}

// Service drives the purchase state machine.
type Service struct {
	store  Store
	ledger ledger.Store
	audit  audit.Logger
	log    *slog.Logger
}

// NewService creates the purchase service. The audit logger may be nil.
func NewService(store Store, ledgerStore ledger.Store, auditLog audit.Logger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, ledger: ledgerStore, audit: auditLog, log: log}
}

// Store exposes the purchase store for reconciliation scans.
func (s *Service) Store() Store { return s.store }

// Create seeds a purchase in CREATED with its first history row.
func (s *Service) Create(ctx context.Context, buyerID, sellerID, listingID string, amount decimal.Decimal, refID string) (*Purchase, error) {
	if buyerID == "" {
		return nil, fmt.Errorf("purchase: buyer id is required")
	}
	if amount.Cmp(token.MinAmount) < 0 || amount.Cmp(token.MaxAmount) > 0 {
		return nil, fmt.Errorf("purchase: amount %s out of bounds", token.Format(amount))
	}

	p := &Purchase{
		ID:        idgen.WithPrefix("pur_"),
		BuyerID:   buyerID,
		SellerID:  sellerID,
		ListingID: listingID,
		Amount:    amount,
		Status:    StatusCreated,
	}
	p.RefID = refID
	if p.RefID == "" {
		p.RefID = RefID(p.ID)
	}

	actor := audit.Actor(ctx)
	h := &HistoryRow{PurchaseID: p.ID, ToStatus: StatusCreated, Actor: actor}
	if err := s.store.Create(ctx, p, h); err != nil {
		return nil, err
	}

	s.log.Info("purchase created", "purchase", p.ID, "buyer", buyerID,
		"amount", token.Format(amount))
	s.record(ctx, "purchase_created", buyerID, amount, p.ID, "ref="+p.RefID)
	return p, nil
}

// Transition moves a purchase to a new status. The move must be in the
// transition graph, and the stored status must still be the one we
// read: a concurrent transition on the same purchase loses with
// InvalidTransitionError rather than silently overwriting.
func (s *Service) Transition(ctx context.Context, id string, to Status, reason string) (*Purchase, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.Transition", traces.PurchaseID(id))
	defer span.End()

	if !to.Valid() {
		return nil, fmt.Errorf("purchase: unknown status %q", to)
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransition(to) {
		return nil, &InvalidTransitionError{
			PurchaseID: id, From: p.Status, To: to, Allowed: p.Status.Allowed(),
		}
	}

	update := RecordUpdate{BumpRetry: p.Status == StatusFailed && to == StatusCreated}
	if to == StatusFailed {
		update.ErrorMessage = reason
	}

	h := &HistoryRow{
		PurchaseID: id, FromStatus: p.Status, ToStatus: to,
		Reason: reason, Actor: audit.Actor(ctx),
	}
	if err := s.store.UpdateStatus(ctx, id, p.Status, h, update); err != nil {
		if err == ErrStatusConflict {
			// Lost the race. Report against the status the row holds now.
			current, gerr := s.store.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &InvalidTransitionError{
				PurchaseID: id, From: current.Status, To: to, Allowed: current.Status.Allowed(),
			}
		}
		return nil, err
	}

	s.log.Info("purchase transitioned", "purchase", id,
		"from", p.Status, "to", to, "reason", reason)
	s.record(ctx, "purchase_transition", p.BuyerID, decimal.Zero, id,
		fmt.Sprintf("%s->%s reason=%s", p.Status, to, reason))
	return s.store.Get(ctx, id)
}

// RecordSettlement attaches the financial breakdown from a committed
// ledger batch. It never changes status.
func (s *Service) RecordSettlement(ctx context.Context, id string, st Settlement) error {
	if err := s.store.RecordSettlement(ctx, id, st); err != nil {
		return err
	}
	s.log.Info("settlement recorded", "purchase", id, "batch", st.BatchID,
		"amount", token.Format(st.Settled), "royalties", token.Format(st.Royalties))
	return nil
}

// Receipt is the full read surface for one purchase: the record, its
// ledger entries, any corrections keyed to it, the status history, and
// the computed breakdown.
type Receipt struct {
	Purchase    *Purchase       `json:"purchase"`
	Entries     []*ledger.Entry `json:"entries"`
	Corrections []*ledger.Entry `json:"corrections,omitempty"`
	History     []*HistoryRow   `json:"history"`
	Breakdown   Breakdown       `json:"breakdown"`
}

// Breakdown sums a receipt's complete entries by role. Net is the
// seller's credit only; royalty credits are itemized separately.
type Breakdown struct {
	Gross     decimal.Decimal `json:"gross"`
	Fees      decimal.Decimal `json:"fees"`
	Net       decimal.Decimal `json:"net"`
	Royalties decimal.Decimal `json:"royalties"`
	Reversed  bool            `json:"reversed"`
}

// Receipt assembles the purchase read surface.
func (s *Service) Receipt(ctx context.Context, id string) (*Receipt, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.EntriesByRef(ctx, p.RefID)
	if err != nil {
		return nil, err
	}
	corrections, err := s.ledger.EntriesMatchingRef(ctx, ":"+p.ID+":", 100)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History(ctx, id)
	if err != nil {
		return nil, err
	}

	bd := Breakdown{Gross: decimal.Zero, Fees: decimal.Zero, Net: decimal.Zero, Royalties: decimal.Zero}
	anyComplete := false
	for _, e := range entries {
		if e.Status == ledger.StatusComplete {
			anyComplete = true
		}
		if e.IsDebit() {
			bd.Gross = bd.Gross.Add(e.Gross)
		}
		switch {
		case e.Type == ledger.TypeFee:
			bd.Fees = bd.Fees.Add(e.Net)
		case isRoyalty(e):
			bd.Royalties = bd.Royalties.Add(e.Net)
		case e.IsCredit():
			bd.Net = bd.Net.Add(e.Net)
		}
	}
	bd.Reversed = len(entries) > 0 && !anyComplete

	return &Receipt{
		Purchase:    p,
		Entries:     entries,
		Corrections: corrections,
		History:     history,
		Breakdown:   bd,
	}, nil
}

// isRoyalty reports whether a credit carved a royalty out of the
// purchase rather than paying the seller.
func isRoyalty(e *ledger.Entry) bool {
	_, ok := e.Detail.(*ledger.RoyaltyDetail)
	return ok && e.IsCredit()
}

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
