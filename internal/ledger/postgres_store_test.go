package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openledger/tokencore/internal/testutil"
)

func TestPostgres_CommitAndBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	entries, existed, err := s.Commit(ctx, "mint-1", func(TxView) (*Batch, error) {
		b := mintBatch("b1", "u1", "100", "1.46")
		for _, e := range b.Entries {
			e.RefID = "mint-1"
		}
		return b, nil
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if existed || len(entries) != 2 {
		t.Fatalf("unexpected commit result: existed=%v entries=%d", existed, len(entries))
	}

	bal, err := s.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.StringFixed(2) != "98.54" {
		t.Errorf("u1 balance = %s, want 98.54", bal.StringFixed(2))
	}

	// Round-trip through the detail envelope.
	got, err := s.Entry(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if got.Type != TypeTokenPurchase || got.Status != StatusComplete {
		t.Errorf("entry round-trip mismatch: %+v", got)
	}
}

func TestPostgres_IdempotentReplay(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	build := func(TxView) (*Batch, error) {
		b := mintBatch("b1", "u1", "100", "1.46")
		for _, e := range b.Entries {
			e.RefID = "mint-1"
		}
		return b, nil
	}

	first, _, err := s.Commit(ctx, "mint-1", build)
	if err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	again, existed, err := s.Commit(ctx, "mint-1", func(TxView) (*Batch, error) {
		t.Fatal("builder ran on an idempotent replay")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !existed || len(again) != len(first) {
		t.Fatalf("replay mismatch: existed=%v entries=%d", existed, len(again))
	}

	bal, _ := s.Balance(ctx, "u1")
	if bal.StringFixed(2) != "98.54" {
		t.Errorf("balance after replay = %s, want 98.54", bal.StringFixed(2))
	}
}

func TestPostgres_ConcurrentSameRef(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	// Many goroutines race the same ref id; exactly one batch may land.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.Commit(ctx, "race-1", func(TxView) (*Batch, error) {
				b := mintBatch("b1", "u1", "10", "0.15")
				for _, e := range b.Entries {
					e.RefID = "race-1"
				}
				return b, nil
			})
		}()
	}
	wg.Wait()

	entries, err := s.EntriesByRef(ctx, "race-1")
	if err != nil {
		t.Fatalf("EntriesByRef failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("ref race-1 holds %d entries, want 2", len(entries))
	}
	bal, _ := s.Balance(ctx, "u1")
	if bal.StringFixed(2) != "9.85" {
		t.Errorf("u1 balance = %s, want 9.85", bal.StringFixed(2))
	}
}

func TestPostgres_ReverseFlip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	minted, _, err := s.Commit(ctx, "mint-1", func(TxView) (*Batch, error) {
		b := mintBatch("b1", "u1", "100", "1.46")
		for _, e := range b.Entries {
			e.RefID = "mint-1"
		}
		return b, nil
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	credit := minted[0]

	_, _, err = s.Commit(ctx, "rev-1", func(TxView) (*Batch, error) {
		return &Batch{
			Entries: []*Entry{{
				BatchID: "b2", Type: TypeReversal,
				From: credit.To, Gross: credit.Net, Net: credit.Net,
				RefID: "rev-1",
			}},
			Reverse: []string{credit.ID},
		}, nil
	})
	if err != nil {
		t.Fatalf("reversal commit failed: %v", err)
	}

	got, err := s.Entry(ctx, credit.ID)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if got.Status != StatusReversed {
		t.Errorf("original status = %s, want reversed", got.Status)
	}
	bal, _ := s.Balance(ctx, "u1")
	if bal.StringFixed(2) != "0.00" {
		t.Errorf("balance after reversal = %s, want 0.00", bal.StringFixed(2))
	}

	// The counter-entry debits u1 but must not count against u1's
	// outgoing rate window.
	_, _, err = s.Commit(ctx, "", func(tx TxView) (*Batch, error) {
		n, err := tx.OutgoingSince("u1", time.Now().Add(-time.Minute))
		if err != nil {
			return nil, err
		}
		if n != 0 {
			t.Errorf("OutgoingSince(u1) = %d, want 0 after reversal", n)
		}
		return mintBatch("b3", "u2", "1", "0.01"), nil
	})
	if err != nil {
		t.Fatalf("window check commit failed: %v", err)
	}
}
