package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openledger/tokencore/internal/audit"
	"github.com/openledger/tokencore/internal/engine"
	"github.com/openledger/tokencore/internal/fees"
	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/purchase"
	"github.com/openledger/tokencore/internal/token"
)

type sweepFixture struct {
	sweeper   *Sweeper
	purchases *purchase.Service
	store     *purchase.MemoryStore
	ledger    ledger.Store
	engine    *engine.Service
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	store := purchase.NewMemoryStore()
	ledgerStore := ledger.NewMemoryStore()
	eng := engine.New(ledgerStore, fees.Default(), nil, nil)
	purchases := purchase.NewService(store, ledgerStore, nil, nil)
	sweeper := NewSweeper(purchases, eng, ledgerStore, audit.NewMemoryLogger(), nil, DefaultConfig())
	return &sweepFixture{
		sweeper:   sweeper,
		purchases: purchases,
		store:     store,
		ledger:    ledgerStore,
		engine:    eng,
	}
}

// backdated creates a purchase and optionally walks it to a status,
// with every timestamp set two hours in the past so the age-gated
// passes pick it up.
func (f *sweepFixture) backdated(t *testing.T, to purchase.Status) *purchase.Purchase {
	t.Helper()
	ctx := context.Background()
	past := time.Now().Add(-2 * time.Hour)
	f.store.SetNow(func() time.Time { return past })
	defer f.store.SetNow(time.Now)

	p, err := f.purchases.Create(ctx, "buyer", "seller", "listing-1", token.MustParse("50"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if to != purchase.StatusCreated {
		if p, err = f.purchases.Transition(ctx, p.ID, to, "test setup"); err != nil {
			t.Fatalf("Transition to %s failed: %v", to, err)
		}
	}
	return p
}

// settle commits the purchase's marketplace batch through the engine.
func (f *sweepFixture) settle(t *testing.T, p *purchase.Purchase, royalties ...engine.RoyaltySplit) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.engine.Purchase(ctx, p.BuyerID, token.MustParse("200"), ""); err != nil {
		t.Fatalf("funding mint failed: %v", err)
	}
	_, err := f.engine.MarketplacePurchase(ctx, p.BuyerID, p.SellerID, p.ListingID,
		p.Amount, royalties, p.RefID)
	if err != nil {
		t.Fatalf("settlement failed: %v", err)
	}
}

func TestSweep_StaleCreated(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	p := f.backdated(t, purchase.StatusCreated)

	// A fresh CREATED purchase must be left alone.
	fresh, err := f.purchases.Create(ctx, "buyer", "seller", "l2", token.MustParse("10"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	report := f.sweeper.Run(ctx, false)
	if len(report.Actions) != 1 {
		t.Fatalf("sweep took %d actions, want 1: %+v", len(report.Actions), report.Actions)
	}
	a := report.Actions[0]
	if a.Pass != "stale_created" || a.PurchaseID != p.ID || a.To != purchase.StatusFailed {
		t.Errorf("unexpected action: %+v", a)
	}

	got, _ := f.store.Get(ctx, p.ID)
	if got.Status != purchase.StatusFailed {
		t.Errorf("stale purchase status = %s, want FAILED", got.Status)
	}
	gotFresh, _ := f.store.Get(ctx, fresh.ID)
	if gotFresh.Status != purchase.StatusCreated {
		t.Errorf("fresh purchase was touched: %s", gotFresh.Status)
	}
}

// A purchase stuck in PAID with no ledger entries fails for manual
// review. The sweep never fabricates settlement entries.
func TestSweep_StuckPaid_NoEntries(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	p := f.backdated(t, purchase.StatusPaid)

	report := f.sweeper.Run(ctx, false)
	if len(report.Actions) != 1 {
		t.Fatalf("sweep took %d actions, want 1", len(report.Actions))
	}
	if report.Actions[0].To != purchase.StatusFailed {
		t.Errorf("action moved to %s, want FAILED", report.Actions[0].To)
	}

	got, _ := f.store.Get(ctx, p.ID)
	if got.Status != purchase.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	entries, _ := f.ledger.EntriesByRef(ctx, p.RefID)
	if len(entries) != 0 {
		t.Errorf("sweep fabricated %d ledger entries", len(entries))
	}
}

// A purchase stuck in PAID whose ledger entries already exist only
// lagged on status: the sweep records the settlement and syncs to
// SETTLED.
func TestSweep_StuckPaid_EntriesExist(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	p := f.backdated(t, purchase.StatusPaid)
	f.settle(t, p)

	report := f.sweeper.Run(ctx, false)
	if len(report.Actions) != 1 {
		t.Fatalf("sweep took %d actions, want 1: %+v", len(report.Actions), report.Actions)
	}
	if report.Actions[0].To != purchase.StatusSettled {
		t.Errorf("action moved to %s, want SETTLED", report.Actions[0].To)
	}

	got, _ := f.store.Get(ctx, p.ID)
	if got.Status != purchase.StatusSettled {
		t.Errorf("status = %s, want SETTLED", got.Status)
	}
	if got.SettlementBatchID == "" {
		t.Error("settlement batch id not recorded")
	}
	if token.Format(got.SettledAmount) != "50.00" {
		t.Errorf("settled amount = %s, want 50.00", token.Format(got.SettledAmount))
	}
	if token.Format(got.FeeAmount) != "2.50" {
		t.Errorf("fee amount = %s, want 2.50", token.Format(got.FeeAmount))
	}
	if token.Format(got.NetAmount) != "47.50" {
		t.Errorf("net amount = %s, want 47.50", token.Format(got.NetAmount))
	}
}

// When the batch carries royalty splits, the sweep must not fold the
// royalty credits into the seller's net: they go to the royalty total
// and per-recipient details.
func TestSweep_StuckPaid_RoyaltySplit(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	f.store.SetNow(func() time.Time { return past })
	p, err := f.purchases.Create(ctx, "buyer", "seller", "listing-1", token.MustParse("100"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p, err = f.purchases.Transition(ctx, p.ID, purchase.StatusPaid, "test setup"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	f.store.SetNow(time.Now)

	f.settle(t, p, engine.RoyaltySplit{Recipient: "creator", Rate: token.MustParse("0.10")})

	report := f.sweeper.Run(ctx, false)
	if len(report.Actions) != 1 || report.Actions[0].To != purchase.StatusSettled {
		t.Fatalf("unexpected actions: %+v", report.Actions)
	}

	got, _ := f.store.Get(ctx, p.ID)
	if token.Format(got.SettledAmount) != "100.00" {
		t.Errorf("settled amount = %s, want 100.00", token.Format(got.SettledAmount))
	}
	if token.Format(got.FeeAmount) != "5.00" {
		t.Errorf("fee amount = %s, want 5.00", token.Format(got.FeeAmount))
	}
	if token.Format(got.NetAmount) != "85.00" {
		t.Errorf("net amount = %s, want 85.00 (royalty excluded)", token.Format(got.NetAmount))
	}
	if token.Format(got.TotalRoyalties) != "10.00" {
		t.Errorf("royalty total = %s, want 10.00", token.Format(got.TotalRoyalties))
	}
	if len(got.RoyaltyDetails) != 1 {
		t.Fatalf("royalty details = %+v, want one share", got.RoyaltyDetails)
	}
	share := got.RoyaltyDetails[0]
	if share.Recipient != "creator" || token.Format(share.Amount) != "10.00" {
		t.Errorf("royalty share = %+v, want creator/10.00", share)
	}
}

func TestSweep_StuckSettled(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	// StuckSettledAge defaults to 24h; two hours is not enough, so pick
	// a tighter config for the test.
	cfg := DefaultConfig()
	cfg.StuckSettledAge = time.Hour
	f.sweeper = NewSweeper(f.purchases, f.engine, f.ledger, nil, nil, cfg)

	p := f.backdated(t, purchase.StatusSettled)

	report := f.sweeper.Run(ctx, false)
	if len(report.Actions) != 1 {
		t.Fatalf("sweep took %d actions, want 1: %+v", len(report.Actions), report.Actions)
	}
	if report.Actions[0].To != purchase.StatusFulfilled {
		t.Errorf("action moved to %s, want FULFILLED", report.Actions[0].To)
	}
	got, _ := f.store.Get(ctx, p.ID)
	if got.Status != purchase.StatusFulfilled {
		t.Errorf("status = %s, want FULFILLED", got.Status)
	}
}

func TestSweep_OrphanEntries(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	// Ledger entries under a purchase ref that has no purchase record.
	if _, err := f.engine.Purchase(ctx, "buyer", token.MustParse("200"), ""); err != nil {
		t.Fatalf("funding mint failed: %v", err)
	}
	if _, err := f.engine.MarketplacePurchase(ctx, "buyer", "seller", "l1",
		token.MustParse("50"), nil, "purchase:ghost"); err != nil {
		t.Fatalf("orphan settlement failed: %v", err)
	}

	report := f.sweeper.Run(ctx, false)
	if len(report.Issues) != 1 {
		t.Fatalf("sweep reported %d issues, want 1: %+v", len(report.Issues), report.Issues)
	}
	issue := report.Issues[0]
	if issue.Kind != "orphan_entry" || issue.ID != "purchase:ghost" {
		t.Errorf("unexpected issue: %+v", issue)
	}
	// Issues are reported, never auto-fixed.
	if len(report.Actions) != 0 {
		t.Errorf("orphan pass took %d actions", len(report.Actions))
	}
}

func TestSweep_SettlementMismatch(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	p, err := f.purchases.Create(ctx, "buyer", "seller", "l1", token.MustParse("50"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.purchases.Transition(ctx, p.ID, purchase.StatusSettled, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	// Claimed batch that the ledger does not back.
	if err := f.purchases.RecordSettlement(ctx, p.ID, purchase.Settlement{
		BatchID: "bat_phantom",
		Settled: token.MustParse("50"),
		Fee:     token.MustParse("2.50"),
		Net:     token.MustParse("47.50"),
	}); err != nil {
		t.Fatalf("RecordSettlement failed: %v", err)
	}

	report := f.sweeper.Run(ctx, false)
	found := false
	for _, issue := range report.Issues {
		if issue.Kind == "settlement_mismatch" && issue.ID == p.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("settlement mismatch not reported: %+v", report.Issues)
	}
}

func TestSweep_DryRun(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	p := f.backdated(t, purchase.StatusCreated)

	report := f.sweeper.Run(ctx, true)
	if !report.DryRun {
		t.Error("report not flagged dry run")
	}
	if len(report.Actions) != 1 {
		t.Fatalf("dry run listed %d actions, want 1", len(report.Actions))
	}

	// Nothing moved.
	got, _ := f.store.Get(ctx, p.ID)
	if got.Status != purchase.StatusCreated {
		t.Errorf("dry run mutated status to %s", got.Status)
	}
	history, _ := f.store.History(ctx, p.ID)
	if len(history) != 1 {
		t.Errorf("dry run appended history: %d rows", len(history))
	}
}

// A second sweep immediately after the first finds nothing left to do.
func TestSweep_SecondRunIsQuiet(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	f.backdated(t, purchase.StatusCreated)
	paid := f.backdated(t, purchase.StatusPaid)
	f.settle(t, paid)

	first := f.sweeper.Run(ctx, false)
	if len(first.Actions) != 2 {
		t.Fatalf("first sweep took %d actions, want 2: %+v", len(first.Actions), first.Actions)
	}
	second := f.sweeper.Run(ctx, false)
	if len(second.Actions) != 0 {
		t.Errorf("second sweep took %d actions, want 0: %+v", len(second.Actions), second.Actions)
	}
}

func TestCorrection_Reversal(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	p, err := f.purchases.Create(ctx, "buyer", "seller", "l1", token.MustParse("50"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.settle(t, p)
	if _, err := f.purchases.Transition(ctx, p.ID, purchase.StatusPaid, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	buyerBefore, _ := f.ledger.Balance(ctx, "buyer")

	res, err := f.sweeper.ExecuteCorrection(ctx, CorrectionRequest{
		Type: CorrectionReversal, PurchaseID: p.ID, Reason: "dispute",
	})
	if err != nil {
		t.Fatalf("ExecuteCorrection failed: %v", err)
	}
	if res.Key == "" {
		t.Error("correction result carries no key")
	}
	if res.Purchase.Status != purchase.StatusRefunded {
		t.Errorf("purchase status = %s, want REFUNDED", res.Purchase.Status)
	}

	// The buyer got the purchase amount back.
	buyerAfter, _ := f.ledger.Balance(ctx, "buyer")
	if !buyerAfter.Sub(buyerBefore).Equal(token.MustParse("50")) {
		t.Errorf("buyer recovered %s, want 50", buyerAfter.Sub(buyerBefore))
	}
	// Originals are flipped, not deleted.
	originals, _ := f.ledger.EntriesByRef(ctx, p.RefID)
	for _, e := range originals {
		if e.Status != ledger.StatusReversed {
			t.Errorf("original entry %s status = %s, want reversed", e.ID, e.Status)
		}
	}

	// Replaying the same key is a no-op with the recorded result.
	again, err := f.sweeper.ExecuteCorrection(ctx, CorrectionRequest{
		Type: CorrectionReversal, PurchaseID: p.ID, Reason: "dispute", Key: res.Key,
	})
	if err != nil {
		t.Fatalf("correction replay failed: %v", err)
	}
	if !again.Result.Idempotent {
		t.Error("replay not flagged idempotent")
	}
	finalBalance, _ := f.ledger.Balance(ctx, "buyer")
	if !finalBalance.Equal(buyerAfter) {
		t.Errorf("replay moved the balance: %s vs %s", finalBalance, buyerAfter)
	}
}

func TestCorrection_Adjustment(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	// Missing account or amount is rejected before touching the ledger.
	_, err := f.sweeper.ExecuteCorrection(ctx, CorrectionRequest{
		Type: CorrectionAdjustment, PurchaseID: "pur_1", Reason: "backfill",
	})
	if !errors.Is(err, ErrAdjustmentArgs) {
		t.Errorf("expected ErrAdjustmentArgs, got %v", err)
	}

	res, err := f.sweeper.ExecuteCorrection(ctx, CorrectionRequest{
		Type: CorrectionAdjustment, PurchaseID: "pur_1",
		AccountID: "u1", Amount: token.MustParse("25"), Credit: true,
		Reason: "backfill",
	})
	if err != nil {
		t.Fatalf("ExecuteCorrection failed: %v", err)
	}
	if len(res.Result.Entries) != 1 {
		t.Fatalf("adjustment wrote %d entries, want 1", len(res.Result.Entries))
	}
	bal, _ := f.ledger.Balance(ctx, "u1")
	if token.Format(bal) != "25.00" {
		t.Errorf("u1 balance = %s, want 25.00", token.Format(bal))
	}
}

func TestCorrection_MakeGood(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	p, err := f.purchases.Create(ctx, "buyer", "seller", "l1", token.MustParse("50"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.purchases.Transition(ctx, p.ID, purchase.StatusPaid, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// No explicit amount: defaults to the purchase amount.
	res, err := f.sweeper.ExecuteCorrection(ctx, CorrectionRequest{
		Type: CorrectionMakeGood, PurchaseID: p.ID, Reason: "lost goods",
	})
	if err != nil {
		t.Fatalf("ExecuteCorrection failed: %v", err)
	}
	if res.Purchase.Status != purchase.StatusRefunded {
		t.Errorf("purchase status = %s, want REFUNDED", res.Purchase.Status)
	}
	bal, _ := f.ledger.Balance(ctx, "buyer")
	if token.Format(bal) != "50.00" {
		t.Errorf("buyer balance = %s, want 50.00", token.Format(bal))
	}
}

func TestCorrection_UnknownType(t *testing.T) {
	f := newSweepFixture(t)
	_, err := f.sweeper.ExecuteCorrection(context.Background(), CorrectionRequest{
		Type: CorrectionType("ROLLBACK"), PurchaseID: "pur_1",
	})
	if !errors.Is(err, ErrUnknownCorrection) {
		t.Errorf("expected ErrUnknownCorrection, got %v", err)
	}
}
