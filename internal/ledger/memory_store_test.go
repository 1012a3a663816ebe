package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mintBatch(batchID, to, gross, fee string) *Batch {
	g := amt(gross)
	f := amt(fee)
	return &Batch{Entries: []*Entry{
		{BatchID: batchID, Type: TypeTokenPurchase, To: to, Gross: g, Fee: f, Net: g.Sub(f)},
		{BatchID: batchID, Type: TypeFee, To: PlatformAccount, Gross: f, Net: f},
	}}
}

func mustCommit(t *testing.T, s Store, refID string, build BuildFunc) []*Entry {
	t.Helper()
	entries, existed, err := s.Commit(context.Background(), refID, build)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if existed {
		t.Fatalf("Commit unexpectedly idempotent for ref %q", refID)
	}
	return entries
}

func TestMemoryStore_CommitAndBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustCommit(t, s, "mint-1", func(TxView) (*Batch, error) {
		return mintBatch("b1", "u1", "100", "1.46"), nil
	})

	bal, err := s.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.StringFixed(2) != "98.54" {
		t.Errorf("u1 balance = %s, want 98.54", bal.StringFixed(2))
	}

	bal, _ = s.Balance(ctx, PlatformAccount)
	if bal.StringFixed(2) != "1.46" {
		t.Errorf("platform balance = %s, want 1.46", bal.StringFixed(2))
	}
}

func TestMemoryStore_Idempotency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := mustCommit(t, s, "mint-1", func(TxView) (*Batch, error) {
		return mintBatch("b1", "u1", "100", "1.46"), nil
	})

	// Same ref id: the builder must not run again and the prior entries
	// come back unchanged.
	again, existed, err := s.Commit(ctx, "mint-1", func(TxView) (*Batch, error) {
		t.Fatal("builder ran on an idempotent replay")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !existed {
		t.Fatal("replay not flagged idempotent")
	}
	if len(again) != len(first) {
		t.Fatalf("replay returned %d entries, want %d", len(again), len(first))
	}
	for i := range again {
		if again[i].ID != first[i].ID {
			t.Errorf("entry %d id changed on replay: %s vs %s", i, again[i].ID, first[i].ID)
		}
	}

	bal, _ := s.Balance(ctx, "u1")
	if bal.StringFixed(2) != "98.54" {
		t.Errorf("balance after replay = %s, want 98.54 (no duplicate credit)", bal.StringFixed(2))
	}
}

func TestMemoryStore_BuilderErrorWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	_, _, err := s.Commit(ctx, "ref-1", func(TxView) (*Batch, error) {
		return nil, boom
	})
	if err != boom {
		t.Fatalf("expected builder error, got %v", err)
	}

	entries, _ := s.EntriesByRef(ctx, "ref-1")
	if len(entries) != 0 {
		t.Errorf("aborted commit left %d entries", len(entries))
	}
}

func TestMemoryStore_ReverseFlip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	minted := mustCommit(t, s, "mint-1", func(TxView) (*Batch, error) {
		return mintBatch("b1", "u1", "100", "1.46"), nil
	})
	credit := minted[0]

	mustCommit(t, s, "rev-1", func(tx TxView) (*Batch, error) {
		return &Batch{
			Entries: []*Entry{{
				BatchID: "b2", Type: TypeReversal,
				From: credit.To, Gross: credit.Net, Net: credit.Net,
				RefID: "rev-1",
			}},
			Reverse: []string{credit.ID},
		}, nil
	})

	got, err := s.Entry(ctx, credit.ID)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if got.Status != StatusReversed {
		t.Errorf("original status = %s, want reversed", got.Status)
	}

	// The flip removes the credit from the fold.
	bal, _ := s.Balance(ctx, "u1")
	if bal.StringFixed(2) != "0.00" {
		t.Errorf("balance after reversal = %s, want 0.00", bal.StringFixed(2))
	}

	// A second flip of the same entry must fail and write nothing.
	_, _, err = s.Commit(ctx, "", func(TxView) (*Batch, error) {
		return &Batch{
			Entries: []*Entry{{
				BatchID: "b3", Type: TypeReversal,
				From: credit.To, Gross: credit.Net, Net: credit.Net,
			}},
			Reverse: []string{credit.ID},
		}, nil
	})
	if err != ErrAlreadyReversed {
		t.Errorf("expected ErrAlreadyReversed, got %v", err)
	}
}

func TestMemoryStore_TxViewSeesCommittedState(t *testing.T) {
	s := NewMemoryStore()

	mustCommit(t, s, "", func(TxView) (*Batch, error) {
		return mintBatch("b1", "u1", "100", "1.46"), nil
	})

	// The builder's view must include everything committed before it.
	mustCommit(t, s, "", func(tx TxView) (*Batch, error) {
		bal, err := tx.Balance("u1")
		if err != nil {
			return nil, err
		}
		if bal.StringFixed(2) != "98.54" {
			t.Errorf("tx view balance = %s, want 98.54", bal.StringFixed(2))
		}
		return mintBatch("b2", "u1", "10", "0.15"), nil
	})
}

func TestMemoryStore_OutgoingSince(t *testing.T) {
	s := NewMemoryStore()

	for i := 0; i < 3; i++ {
		batchID := fmt.Sprintf("b%d", i)
		mustCommit(t, s, "", func(TxView) (*Batch, error) {
			return &Batch{Entries: []*Entry{
				{BatchID: batchID, Type: TypeTransfer, From: "u1", Gross: amt("1"), Net: amt("1")},
				{BatchID: batchID, Type: TypeTransfer, To: "u2", Gross: amt("1"), Net: amt("1")},
			}}, nil
		})
	}

	mustCommit(t, s, "", func(tx TxView) (*Batch, error) {
		n, err := tx.OutgoingSince("u1", time.Now().Add(-time.Minute))
		if err != nil {
			return nil, err
		}
		if n != 3 {
			t.Errorf("OutgoingSince = %d, want 3", n)
		}
		n, _ = tx.OutgoingSince("u2", time.Now().Add(-time.Minute))
		if n != 0 {
			t.Errorf("OutgoingSince(u2) = %d, want 0", n)
		}
		return mintBatch("bx", "u1", "1", "0.01"), nil
	})
}

func TestMemoryStore_OutgoingSinceIgnoresReversals(t *testing.T) {
	s := NewMemoryStore()

	mustCommit(t, s, "", func(TxView) (*Batch, error) {
		return mintBatch("b0", "u1", "100", "0"), nil
	})
	sent := mustCommit(t, s, "xfer-1", func(TxView) (*Batch, error) {
		return &Batch{Entries: []*Entry{
			{BatchID: "b1", Type: TypeTransfer, From: "u1", Gross: amt("10"), Net: amt("10"), RefID: "xfer-1"},
			{BatchID: "b1", Type: TypeTransfer, To: "u2", Gross: amt("10"), Net: amt("10"), RefID: "xfer-1"},
		}}, nil
	})

	mustCommit(t, s, "rev-1", func(TxView) (*Batch, error) {
		return &Batch{
			Entries: []*Entry{
				{BatchID: "b2", Type: TypeReversal, To: "u1", Gross: amt("10"), Net: amt("10"), RefID: "rev-1"},
				{BatchID: "b2", Type: TypeReversal, From: "u2", Gross: amt("10"), Net: amt("10"), RefID: "rev-1"},
			},
			Reverse: []string{sent[0].ID, sent[1].ID},
		}, nil
	})

	mustCommit(t, s, "", func(tx TxView) (*Batch, error) {
		since := time.Now().Add(-time.Minute)
		// The reversed transfer no longer counts against u1's window.
		n, err := tx.OutgoingSince("u1", since)
		if err != nil {
			return nil, err
		}
		if n != 0 {
			t.Errorf("OutgoingSince(u1) = %d, want 0 after reversal", n)
		}
		// The counter-entry debits u2 but u2 never sent anything.
		n, _ = tx.OutgoingSince("u2", since)
		if n != 0 {
			t.Errorf("OutgoingSince(u2) = %d, want 0 (counter-entry counted)", n)
		}
		return mintBatch("bx", "u3", "1", "0.01"), nil
	})
}

func TestMemoryStore_QueryByAccountPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		i := i
		nowFn = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		mustCommit(t, s, "", func(TxView) (*Batch, error) {
			return mintBatch(fmt.Sprintf("b%d", i), "u1", "10", "0.15"), nil
		})
	}
	nowFn = time.Now

	page1, next, err := s.QueryByAccount(ctx, "u1", Query{Limit: 3})
	if err != nil {
		t.Fatalf("QueryByAccount failed: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("page 1 has %d entries, want 3", len(page1))
	}
	if next == "" {
		t.Fatal("expected a next cursor")
	}

	page2, next2, err := s.QueryByAccount(ctx, "u1", Query{Limit: 3, Cursor: next})
	if err != nil {
		t.Fatalf("QueryByAccount page 2 failed: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page 2 has %d entries, want 2", len(page2))
	}
	if next2 != "" {
		t.Errorf("expected no cursor on the last page, got %q", next2)
	}

	// No overlap between pages.
	seen := make(map[string]bool)
	for _, e := range append(page1, page2...) {
		if seen[e.ID] {
			t.Errorf("entry %s appeared on both pages", e.ID)
		}
		seen[e.ID] = true
	}

	// Type filter excludes the fee credits.
	byType, _, err := s.QueryByAccount(ctx, PlatformAccount, Query{Type: TypeFee, Limit: 10})
	if err != nil {
		t.Fatalf("filtered query failed: %v", err)
	}
	for _, e := range byType {
		if e.Type != TypeFee {
			t.Errorf("type filter leaked a %s entry", e.Type)
		}
	}
}

func TestMemoryStore_EntriesMatchingRef(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, ref := range []string{"purchase:p1", "purchase:p2", "withdrawal:w1"} {
		ref := ref
		mustCommit(t, s, ref, func(TxView) (*Batch, error) {
			b := mintBatch("b-"+ref, "u1", "10", "0.15")
			for _, e := range b.Entries {
				e.RefID = ref
			}
			return b, nil
		})
	}

	matched, err := s.EntriesMatchingRef(ctx, "purchase:", 10)
	if err != nil {
		t.Fatalf("EntriesMatchingRef failed: %v", err)
	}
	if len(matched) != 4 { // two batches of two entries each
		t.Errorf("matched %d entries, want 4", len(matched))
	}
	for _, e := range matched {
		if e.RefID != "purchase:p1" && e.RefID != "purchase:p2" {
			t.Errorf("unexpected ref %q in match set", e.RefID)
		}
	}
}

// Concurrent commits must serialize through the store: when every
// builder re-checks the balance, the account can never overdraft.
func TestMemoryStore_ConcurrentCommitsNoOverdraft(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustCommit(t, s, "", func(TxView) (*Batch, error) {
		return mintBatch("b0", "u1", "100", "0"), nil
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.Commit(ctx, "", func(tx TxView) (*Batch, error) {
				bal, err := tx.Balance("u1")
				if err != nil {
					return nil, err
				}
				if bal.Cmp(amt("10")) < 0 {
					return nil, errors.New("insufficient")
				}
				batchID := fmt.Sprintf("b%d", i+1)
				return &Batch{Entries: []*Entry{
					{BatchID: batchID, Type: TypeTransfer, From: "u1", Gross: amt("10"), Net: amt("10")},
					{BatchID: batchID, Type: TypeTransfer, To: "u2", Gross: amt("10"), Net: amt("10")},
				}}, nil
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("%d transfers succeeded, want exactly 10", succeeded)
	}
	bal, _ := s.Balance(ctx, "u1")
	if bal.Sign() < 0 {
		t.Errorf("u1 overdrafted: %s", bal)
	}
	if bal.StringFixed(2) != "0.00" {
		t.Errorf("u1 balance = %s, want 0.00", bal.StringFixed(2))
	}
}
