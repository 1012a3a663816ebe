// Package ledger is the append-only record of token movement.
//
// Every logical operation (transfer, mint, marketplace purchase,
// withdrawal, correction) commits a batch of entries atomically. An
// account balance is never stored; it is derived by folding the
// entries, so ledger and balance cannot drift apart.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEntryNotFound   = errors.New("ledger entry not found")
	ErrAlreadyReversed = errors.New("ledger entry already reversed")
	ErrEmptyBatch      = errors.New("batch has no entries")
	ErrTransaction     = errors.New("transaction_failed")
)

// PlatformAccount is the reserved account that collects all fees.
const PlatformAccount = "platform"

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypeTransfer            EntryType = "TRANSFER"
	TypeTokenPurchase       EntryType = "TOKEN_PURCHASE"
	TypeMarketplacePurchase EntryType = "MARKETPLACE_PURCHASE"
	TypeWithdrawal          EntryType = "WITHDRAWAL"
	TypeFee                 EntryType = "FEE"
	TypeReversal            EntryType = "REVERSAL"
	TypeAdjustment          EntryType = "ADJUSTMENT"
	TypeMakeGood            EntryType = "MAKE_GOOD"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case TypeTransfer, TypeTokenPurchase, TypeMarketplacePurchase,
		TypeWithdrawal, TypeFee, TypeReversal, TypeAdjustment, TypeMakeGood:
		return true
	}
	return false
}

// EntryStatus is the lifecycle state of an entry. The flip from
// complete to reversed is the only in-place update the ledger permits.
type EntryStatus string

const (
	StatusComplete EntryStatus = "complete"
	StatusReversed EntryStatus = "reversed"
)

// Entry is a single immutable ledger row. Entries are single-sided:
// a debit sets From, a credit sets To. The balance fold subtracts
// Gross for debits and adds Net for credits, over complete entries.
type Entry struct {
	ID        string          `json:"id"`
	BatchID   string          `json:"batchId"`
	Type      EntryType       `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Gross     decimal.Decimal `json:"gross"`
	Fee       decimal.Decimal `json:"fee"`
	Net       decimal.Decimal `json:"net"`
	Status    EntryStatus     `json:"status"`
	Detail    Detail          `json:"detail,omitempty"`
	RefID     string          `json:"refId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// IsDebit reports whether the entry debits an account.
func (e *Entry) IsDebit() bool { return e.From != "" }

// IsCredit reports whether the entry credits an account.
func (e *Entry) IsCredit() bool { return e.To != "" }

// Batch is the unit of atomic commit: new entries to append plus the
// ids of prior entries whose status flips to reversed. Everything
// commits together or not at all; readers never observe a partial batch.
type Batch struct {
	Entries []*Entry
	Reverse []string
}

// TxView exposes reads evaluated inside the committing transaction.
// Builders use it to re-check balances and rate limits against the
// state the commit will actually apply to, closing the stale-snapshot
// race between concurrent operations on one account.
type TxView interface {
	// Balance folds complete entries for an account.
	Balance(accountID string) (decimal.Decimal, error)
	// OutgoingSince counts debit entries for an account created at or
	// after the cutoff.
	OutgoingSince(accountID string, since time.Time) (int, error)
	// EntriesByRef returns all entries recorded under a ref id.
	EntriesByRef(refID string) ([]*Entry, error)
	// Entry returns a single entry by id.
	Entry(id string) (*Entry, error)
}

// BuildFunc assembles the batch for one logical operation. Returning
// an error aborts the commit with nothing written.
type BuildFunc func(tx TxView) (*Batch, error)

// Query filters paged account history reads.
type Query struct {
	Type   EntryType // optional
	Cursor string    // opaque, from a previous page
	Limit  int
}

// Store persists ledger entries.
//
// Commit is the single idempotent-atomic primitive every operation
// uses: when refID is non-empty and entries already exist under it,
// the prior entries are returned with existed=true and the builder is
// never run. Otherwise the builder runs inside the transaction and
// its batch commits atomically.
type Store interface {
	Commit(ctx context.Context, refID string, build BuildFunc) (entries []*Entry, existed bool, err error)
	Entry(ctx context.Context, id string) (*Entry, error)
	EntriesByRef(ctx context.Context, refID string) ([]*Entry, error)
	EntriesByBatch(ctx context.Context, batchID string) ([]*Entry, error)
	// EntriesMatchingRef returns entries whose ref id contains the
	// given fragment, newest first. Used by reconciliation scans and
	// correction lookups.
	EntriesMatchingRef(ctx context.Context, fragment string, limit int) ([]*Entry, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	QueryByAccount(ctx context.Context, accountID string, q Query) (entries []*Entry, nextCursor string, err error)
}

// ValidateBatch enforces the conservation invariants before a batch
// is committed:
//
//   - every entry is single-sided, typed, and satisfies net + fee == gross
//   - all entries share the batch id
//   - fee credits go to the platform account
//   - for purely internal batches the credited nets equal the debited
//     gross exactly (value is neither created nor destroyed)
//
// Batches that mint (token purchase, make-good, credit adjustment) or
// drain (withdrawal, debit adjustment) value cross the system boundary
// and are exempt from the internal equality.
func ValidateBatch(b *Batch) error {
	if b == nil || (len(b.Entries) == 0 && len(b.Reverse) == 0) {
		return ErrEmptyBatch
	}
	if len(b.Entries) == 0 {
		return nil
	}

	batchID := b.Entries[0].BatchID
	debits := decimal.Zero
	credits := decimal.Zero
	external := false

	for _, e := range b.Entries {
		if !e.Type.Valid() {
			return fmt.Errorf("entry %s: unknown type %q", e.ID, e.Type)
		}
		if e.BatchID != batchID {
			return fmt.Errorf("entry %s: batch id mismatch", e.ID)
		}
		if e.IsDebit() == e.IsCredit() {
			return fmt.Errorf("entry %s: exactly one of from/to must be set", e.ID)
		}
		if e.Gross.Sign() < 0 || e.Fee.Sign() < 0 || e.Net.Sign() < 0 {
			return fmt.Errorf("entry %s: negative amount", e.ID)
		}
		if !e.Gross.Sub(e.Fee).Equal(e.Net) {
			return fmt.Errorf("entry %s: net %s != gross %s - fee %s",
				e.ID, e.Net, e.Gross, e.Fee)
		}
		if e.Type == TypeFee && e.To != PlatformAccount {
			return fmt.Errorf("entry %s: fee credited to %q, not the platform account", e.ID, e.To)
		}

		// Reversal counter-entries document the undo; the status flip
		// on the originals is what moves the balances, so counters are
		// recorded outside the fold.
		if e.Type == TypeReversal {
			e.Status = StatusReversed
			continue
		}

		switch e.Type {
		case TypeTokenPurchase, TypeMakeGood, TypeWithdrawal, TypeAdjustment:
			external = true
		}

		if e.IsDebit() {
			debits = debits.Add(e.Gross)
		} else {
			credits = credits.Add(e.Net)
		}
	}

	if !external && !credits.Equal(debits) {
		return fmt.Errorf("batch %s: credited net %s != debited gross %s",
			batchID, credits, debits)
	}
	return nil
}
