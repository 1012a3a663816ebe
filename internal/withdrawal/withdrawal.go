// Package withdrawal manages the human-gated payout workflow: a user
// requests, an operator approves or rejects, processing debits the
// ledger, and the net amount leaves toward the payout collaborator.
package withdrawal

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("withdrawal not found")
	// ErrNotPending guards review actions: only a pending request can
	// be approved, rejected, or cancelled.
	ErrNotPending = errors.New("withdrawal is not pending")
	// ErrNotApproved guards processing: only an approved request can be
	// processed.
	ErrNotApproved = errors.New("withdrawal is not approved")
	// ErrNotEligible is returned when the user's payout account is not
	// verified yet.
	ErrNotEligible = errors.New("payout account not verified")
	// ErrStatusConflict is the optimistic-check failure on concurrent
	// review of the same withdrawal.
	ErrStatusConflict = errors.New("withdrawal status changed concurrently")
)

// Status is the lifecycle state of a withdrawal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Outstanding reports whether the status still reserves the user's
// balance: a pending, approved, or in-flight withdrawal counts against
// what they may request next.
func (s Status) Outstanding() bool {
	switch s {
	case StatusPending, StatusApproved, StatusProcessing:
		return true
	}
	return false
}

// Withdrawal is one payout request.
type Withdrawal struct {
	ID     string          `json:"id"`
	UserID string          `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
	Net    decimal.Decimal `json:"net"`
	Status Status          `json:"status"`

	ReviewedBy    string     `json:"reviewedBy,omitempty"`
	ReviewedAt    *time.Time `json:"reviewedAt,omitempty"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
	LedgerBatchID string     `json:"ledgerBatchId,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Update carries the side fields a status move may set.
type Update struct {
	ReviewedBy    string
	LedgerBatchID string
	ErrorMessage  string
	Processed     bool
}

// Store persists withdrawals and payout eligibility.
type Store interface {
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	// UpdateStatus moves a withdrawal from expect to a new status.
	// Returns ErrStatusConflict when the row no longer holds expect.
	UpdateStatus(ctx context.Context, id string, expect, to Status, update Update) error
	// SumOutstanding totals the amounts of the user's withdrawals in
	// outstanding statuses.
	SumOutstanding(ctx context.Context, userID string) (decimal.Decimal, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error)

	// Payout eligibility, fed by the payment collaborator's account
	// verification events.
	SetEligible(ctx context.Context, userID string, enabled bool, externalAccountID string) error
	Eligible(ctx context.Context, userID string) (bool, error)
}
