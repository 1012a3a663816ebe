package payments

import (
	"context"
	"testing"

	"github.com/openledger/tokencore/internal/engine"
	"github.com/openledger/tokencore/internal/fees"
	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/purchase"
	"github.com/openledger/tokencore/internal/token"
	"github.com/openledger/tokencore/internal/withdrawal"
)

type fixture struct {
	svc       *Service
	purchases *purchase.Service
	ledger    ledger.Store
	wdStore   *withdrawal.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledgerStore := ledger.NewMemoryStore()
	eng := engine.New(ledgerStore, fees.Default(), nil, nil)
	purchases := purchase.NewService(purchase.NewMemoryStore(), ledgerStore, nil, nil)
	wdStore := withdrawal.NewMemoryStore()
	withdrawals := withdrawal.NewService(wdStore, eng, ledgerStore, nil, nil)
	return &fixture{
		svc:       NewService(eng, purchases, withdrawals, nil),
		purchases: purchases,
		ledger:    ledgerStore,
		wdStore:   wdStore,
	}
}

func TestOnPaymentConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.purchases.Create(ctx, "u1", "", "", token.MustParse("100"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := f.svc.OnPaymentConfirmed(ctx, p.RefID, "u1", token.MustParse("100"), "cs_1"); err != nil {
		t.Fatalf("OnPaymentConfirmed failed: %v", err)
	}

	// Mint landed.
	bal, _ := f.ledger.Balance(ctx, "u1")
	if token.Format(bal) != "98.54" {
		t.Errorf("u1 balance = %s, want 98.54", token.Format(bal))
	}

	// Purchase walked CREATED -> PAID -> SETTLED with the settlement
	// breakdown attached.
	got, _ := f.purchases.Store().Get(ctx, p.ID)
	if got.Status != purchase.StatusSettled {
		t.Errorf("status = %s, want SETTLED", got.Status)
	}
	if got.SettlementBatchID == "" {
		t.Error("settlement batch id not recorded")
	}
	if token.Format(got.FeeAmount) != "1.46" {
		t.Errorf("fee = %s, want 1.46", token.Format(got.FeeAmount))
	}
	if token.Format(got.NetAmount) != "98.54" {
		t.Errorf("net = %s, want 98.54", token.Format(got.NetAmount))
	}

	history, _ := f.purchases.Store().History(ctx, p.ID)
	if len(history) != 3 {
		t.Errorf("history has %d rows, want 3", len(history))
	}
}

// Webhook redelivery replays idempotently: no second mint, no extra
// history.
func TestOnPaymentConfirmed_Redelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.purchases.Create(ctx, "u1", "", "", token.MustParse("100"), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.svc.OnPaymentConfirmed(ctx, p.RefID, "u1", token.MustParse("100"), "cs_1"); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}

	bal, _ := f.ledger.Balance(ctx, "u1")
	if token.Format(bal) != "98.54" {
		t.Errorf("u1 balance = %s, want 98.54 (single mint)", token.Format(bal))
	}
	entries, _ := f.ledger.EntriesByRef(ctx, p.RefID)
	if len(entries) != 2 {
		t.Errorf("ref holds %d entries, want 2", len(entries))
	}
	history, _ := f.purchases.Store().History(ctx, p.ID)
	if len(history) != 3 {
		t.Errorf("history has %d rows, want 3", len(history))
	}
}

// A confirmation with no purchase record is a standalone top-up: the
// mint is the whole story.
func TestOnPaymentConfirmed_StandaloneTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.OnPaymentConfirmed(ctx, "topup:u1:1", "u1", token.MustParse("25"), "cs_2"); err != nil {
		t.Fatalf("OnPaymentConfirmed failed: %v", err)
	}
	bal, _ := f.ledger.Balance(ctx, "u1")
	if token.Format(bal) != "24.63" {
		t.Errorf("u1 balance = %s, want 24.63", token.Format(bal))
	}
}

func TestOnAccountVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.OnAccountVerified(ctx, "u1", true, "acct_ext"); err != nil {
		t.Fatalf("OnAccountVerified failed: %v", err)
	}
	eligible, _ := f.wdStore.Eligible(ctx, "u1")
	if !eligible {
		t.Error("u1 not marked eligible")
	}

	if err := f.svc.OnAccountVerified(ctx, "u1", false, ""); err != nil {
		t.Fatalf("OnAccountVerified disable failed: %v", err)
	}
	eligible, _ = f.wdStore.Eligible(ctx, "u1")
	if eligible {
		t.Error("u1 still eligible after disable")
	}
}
