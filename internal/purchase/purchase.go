// Package purchase tracks the lifecycle of a marketplace purchase
// through a fixed transition graph, with an append-only status history.
//
// The financial entries live in the ledger; a purchase record ties them
// together under one ref id and carries the lifecycle state. Settlement
// recording and status transitions are deliberately decoupled so
// reconciliation can re-detect settlement without re-running transition
// logic.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("purchase not found")
	// ErrStatusConflict is the store-level optimistic check failure: the
	// row's status no longer matches what the caller read. The service
	// re-reads and reports an InvalidTransitionError.
	ErrStatusConflict = errors.New("purchase status changed concurrently")
)

// Status is the lifecycle state of a purchase.
type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusPaymentPending Status = "PAYMENT_PENDING"
	StatusPaid           Status = "PAID"
	StatusSettled        Status = "SETTLED"
	StatusFulfilled      Status = "FULFILLED"
	StatusFailed         Status = "FAILED"
	StatusRefunded       Status = "REFUNDED"
	StatusChargeback     Status = "CHARGEBACK"
	StatusDisputed       Status = "DISPUTED"
)

// transitions is the closed graph of allowed status moves. REFUNDED is
// terminal. FAILED may loop back to CREATED for a retry.
var transitions = map[Status][]Status{
	StatusCreated:        {StatusPaymentPending, StatusPaid, StatusSettled, StatusFulfilled, StatusFailed},
	StatusPaymentPending: {StatusPaid, StatusFailed},
	StatusPaid:           {StatusSettled, StatusFailed, StatusRefunded, StatusChargeback},
	StatusSettled:        {StatusFulfilled, StatusFailed, StatusRefunded, StatusChargeback},
	StatusFulfilled:      {StatusRefunded, StatusChargeback, StatusDisputed},
	StatusFailed:         {StatusCreated},
	StatusRefunded:       {},
	StatusChargeback:     {StatusDisputed},
	StatusDisputed:       {StatusRefunded, StatusFulfilled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Allowed returns the statuses reachable from s.
func (s Status) Allowed() []Status {
	return transitions[s]
}

// CanTransition reports whether s -> to is in the graph.
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// InvalidTransitionError reports a rejected transition with the
// allowed set for the state the purchase is actually in.
type InvalidTransitionError struct {
	PurchaseID string   `json:"purchaseId"`
	From       Status   `json:"from"`
	To         Status   `json:"to"`
	Allowed    []Status `json:"allowed"`
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("purchase %s: cannot transition %s -> %s (allowed: %s)",
		e.PurchaseID, e.From, e.To, strings.Join(allowed, ", "))
}

// Purchase is one marketplace purchase record.
type Purchase struct {
	ID        string          `json:"purchaseId"`
	RefID     string          `json:"refId"`
	BuyerID   string          `json:"buyerId"`
	SellerID  string          `json:"sellerId,omitempty"`
	ListingID string          `json:"listingId,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`

	// Settlement breakdown, attached by RecordSettlement without a
	// status change. Empty SettlementBatchID means unsettled.
	// NetAmount is what the seller keeps after the platform fee and
	// any royalty credits; TotalRoyalties and RoyaltyDetails itemize
	// what went to royalty recipients instead.
	SettlementBatchID string          `json:"settlementBatchId,omitempty"`
	SettledAmount     decimal.Decimal `json:"settledAmount"`
	FeeAmount         decimal.Decimal `json:"feeAmount"`
	NetAmount         decimal.Decimal `json:"netAmount"`
	TotalRoyalties    decimal.Decimal `json:"totalRoyalties"`
	RoyaltyDetails    []RoyaltyShare  `json:"royaltyDetails,omitempty"`

	RetryCount   int       `json:"retryCount"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RoyaltyShare is one royalty recipient's cut of a settlement.
type RoyaltyShare struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// Settlement is the financial breakdown of a committed ledger batch,
// as recorded on the purchase. Net excludes both the platform fee and
// the royalty total.
type Settlement struct {
	BatchID   string
	Settled   decimal.Decimal
	Fee       decimal.Decimal
	Net       decimal.Decimal
	Royalties decimal.Decimal
	Shares    []RoyaltyShare
}

// HistoryRow is one append-only status change record.
type HistoryRow struct {
	ID         int64     `json:"id"`
	PurchaseID string    `json:"purchaseId"`
	FromStatus Status    `json:"fromStatus,omitempty"`
	ToStatus   Status    `json:"toStatus"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"createdAt"`
}

// StatusCount aggregates purchases per status for the summary surface.
type StatusCount struct {
	Status Status          `json:"status"`
	Count  int             `json:"count"`
	Total  decimal.Decimal `json:"total"`
}

// Store persists purchases and their history.
type Store interface {
	Create(ctx context.Context, p *Purchase, h *HistoryRow) error
	Get(ctx context.Context, id string) (*Purchase, error)
	GetByRef(ctx context.Context, refID string) (*Purchase, error)
	// UpdateStatus moves a purchase from expect to the history row's
	// ToStatus and appends the row, atomically. Returns
	// ErrStatusConflict when the row's status is no longer expect.
	UpdateStatus(ctx context.Context, id string, expect Status, h *HistoryRow, update RecordUpdate) error
	RecordSettlement(ctx context.Context, id string, st Settlement) error
	History(ctx context.Context, id string) ([]*HistoryRow, error)
	// InStatusOlderThan lists purchases sitting in a status since
	// before the cutoff, oldest first.
	InStatusOlderThan(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Purchase, error)
	// Recent lists the newest purchases in a status.
	Recent(ctx context.Context, status Status, limit int) ([]*Purchase, error)
	Summary(ctx context.Context) ([]StatusCount, error)
}

// RecordUpdate carries the side fields a transition may set.
type RecordUpdate struct {
	ErrorMessage string
	// BumpRetry increments retry_count (FAILED -> CREATED retries).
	BumpRetry bool
}
