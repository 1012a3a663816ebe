// Package reconcile detects and repairs drift between purchase records
// and the ledger. The sweep is stateless and safe to run repeatedly:
// a second run immediately after the first finds nothing to do.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openledger/tokencore/internal/audit"
	"github.com/openledger/tokencore/internal/engine"
	"github.com/openledger/tokencore/internal/ledger"
	"github.com/openledger/tokencore/internal/purchase"
)

// Config sets the age thresholds for the sweep passes.
type Config struct {
	// StaleCreatedAge is how long a purchase may sit in CREATED before
	// it counts as an abandoned cart.
	StaleCreatedAge time.Duration
	// StuckPaidAge is how long a purchase may sit in PAID before the
	// sweep checks whether settlement actually happened.
	StuckPaidAge time.Duration
	// StuckSettledAge is how long a purchase may sit in SETTLED before
	// it is auto-fulfilled.
	StuckSettledAge time.Duration
	// ScanLimit caps how many rows each pass examines per run.
	ScanLimit int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		StaleCreatedAge: time.Hour,
		StuckPaidAge:    time.Hour,
		StuckSettledAge: 24 * time.Hour,
		ScanLimit:       200,
	}
}

// Action is one state change the sweep applied (or would apply, in dry
// run).
type Action struct {
	Pass       string          `json:"pass"`
	PurchaseID string          `json:"purchaseId"`
	From       purchase.Status `json:"from"`
	To         purchase.Status `json:"to"`
	Note       string          `json:"note,omitempty"`
}

// Issue is a detected inconsistency the sweep reports but never
// auto-fixes.
type Issue struct {
	Pass string `json:"pass"`
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Note string `json:"note,omitempty"`
}

// Report is the outcome of one sweep.
type Report struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	DryRun     bool      `json:"dryRun"`
	Actions    []Action  `json:"actions"`
	Issues     []Issue   `json:"issues"`
	Errors     []string  `json:"errors"`
}

// Sweeper runs the reconciliation passes.
type Sweeper struct {
	purchases *purchase.Service
	engine    *engine.Service
	ledger    ledger.Store
	audit     audit.Logger
	log       *slog.Logger
	cfg       Config
}

// NewSweeper creates the reconciliation sweeper. The audit logger may
// be nil.
func NewSweeper(purchases *purchase.Service, eng *engine.Service, ledgerStore ledger.Store, auditLog audit.Logger, log *slog.Logger, cfg Config) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = DefaultConfig().ScanLimit
	}
	return &Sweeper{
		purchases: purchases,
		engine:    eng,
		ledger:    ledgerStore,
		audit:     auditLog,
		log:       log,
		cfg:       cfg,
	}
}

// Run executes all five passes. Each pass is best-effort: its error is
// captured in the report and the remaining passes still run. With
// dryRun the report lists intended actions and nothing is mutated.
func (s *Sweeper) Run(ctx context.Context, dryRun bool) *Report {
	report := &Report{
		StartedAt: time.Now(),
		DryRun:    dryRun,
		Actions:   []Action{},
		Issues:    []Issue{},
		Errors:    []string{},
	}
	start := time.Now()

	passes := []struct {
		name string
		fn   func(context.Context, *Report, bool) error
	}{
		{"stale_created", s.sweepStaleCreated},
		{"stuck_paid", s.sweepStuckPaid},
		{"stuck_settled", s.sweepStuckSettled},
		{"orphan_entries", s.sweepOrphanEntries},
		{"settlement_mismatches", s.sweepSettlementMismatches},
	}
	for _, pass := range passes {
		if err := pass.fn(ctx, report, dryRun); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", pass.name, err))
			sweepErrors.Inc()
			s.log.Warn("reconcile pass failed", "pass", pass.name, "error", err)
		}
	}

	report.FinishedAt = time.Now()
	sweepDuration.Observe(time.Since(start).Seconds())
	observeReport(report)

	s.log.Info("reconcile sweep finished", "dryRun", dryRun,
		"actions", len(report.Actions), "issues", len(report.Issues),
		"errors", len(report.Errors))
	if s.audit != nil && !dryRun {
		rec := &audit.Record{
			Action: "reconcile_sweep",
			Actor:  audit.Actor(ctx),
			Details: fmt.Sprintf("actions=%d issues=%d errors=%d",
				len(report.Actions), len(report.Issues), len(report.Errors)),
		}
		if err := s.audit.Log(ctx, rec); err != nil {
			s.log.Warn("audit log failed", "action", "reconcile_sweep", "error", err)
		}
	}
	return report
}

// sweepStaleCreated fails purchases abandoned before payment.
func (s *Sweeper) sweepStaleCreated(ctx context.Context, report *Report, dryRun bool) error {
	cutoff := time.Now().Add(-s.cfg.StaleCreatedAge)
	stale, err := s.purchases.Store().InStatusOlderThan(ctx, purchase.StatusCreated, cutoff, s.cfg.ScanLimit)
	if err != nil {
		return err
	}
	for _, p := range stale {
		action := Action{
			Pass: "stale_created", PurchaseID: p.ID,
			From: p.Status, To: purchase.StatusFailed,
			Note: "abandoned before payment",
		}
		if !dryRun {
			if _, err := s.purchases.Transition(ctx, p.ID, purchase.StatusFailed, "abandoned before payment"); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("stale_created %s: %v", p.ID, err))
				continue
			}
		}
		report.Actions = append(report.Actions, action)
	}
	return nil
}

// sweepStuckPaid resolves purchases stuck in PAID: when the ledger
// already holds entries under the purchase's ref id the settlement
// happened and only the status lagged, so sync to SETTLED. When no
// entries exist, fail the purchase for manual review; the sweep never
// fabricates settlement entries without the original pricing context.
func (s *Sweeper) sweepStuckPaid(ctx context.Context, report *Report, dryRun bool) error {
	cutoff := time.Now().Add(-s.cfg.StuckPaidAge)
	stuck, err := s.purchases.Store().InStatusOlderThan(ctx, purchase.StatusPaid, cutoff, s.cfg.ScanLimit)
	if err != nil {
		return err
	}
	for _, p := range stuck {
		entries, err := s.ledger.EntriesByRef(ctx, p.RefID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("stuck_paid %s: %v", p.ID, err))
			continue
		}

		st, settled := settlementTotals(entries)

		action := Action{Pass: "stuck_paid", PurchaseID: p.ID, From: p.Status}
		if settled {
			action.To = purchase.StatusSettled
			action.Note = "settlement entries found, syncing state"
		} else {
			action.To = purchase.StatusFailed
			action.Note = "no settlement entries found"
		}

		if !dryRun {
			if settled {
				if err := s.purchases.RecordSettlement(ctx, p.ID, st); err != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("stuck_paid %s: %v", p.ID, err))
					continue
				}
			}
			if _, err := s.purchases.Transition(ctx, p.ID, action.To, action.Note); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("stuck_paid %s: %v", p.ID, err))
				continue
			}
		}
		report.Actions = append(report.Actions, action)
	}
	return nil
}

// sweepStuckSettled auto-fulfills purchases that settled but never
// fulfilled.
func (s *Sweeper) sweepStuckSettled(ctx context.Context, report *Report, dryRun bool) error {
	cutoff := time.Now().Add(-s.cfg.StuckSettledAge)
	stuck, err := s.purchases.Store().InStatusOlderThan(ctx, purchase.StatusSettled, cutoff, s.cfg.ScanLimit)
	if err != nil {
		return err
	}
	for _, p := range stuck {
		action := Action{
			Pass: "stuck_settled", PurchaseID: p.ID,
			From: p.Status, To: purchase.StatusFulfilled,
			Note: "auto-fulfilled",
		}
		if !dryRun {
			if _, err := s.purchases.Transition(ctx, p.ID, purchase.StatusFulfilled, "auto-fulfilled"); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("stuck_settled %s: %v", p.ID, err))
				continue
			}
		}
		report.Actions = append(report.Actions, action)
	}
	return nil
}

// sweepOrphanEntries reports marketplace entries whose ref id follows
// the purchase convention but has no purchase record. Reported only,
// never auto-fixed.
func (s *Sweeper) sweepOrphanEntries(ctx context.Context, report *Report, _ bool) error {
	entries, err := s.ledger.EntriesMatchingRef(ctx, "purchase:", s.cfg.ScanLimit)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Type != ledger.TypeMarketplacePurchase || seen[e.RefID] {
			continue
		}
		seen[e.RefID] = true
		if purchase.PurchaseIDFromRef(e.RefID) == "" {
			continue
		}
		_, err := s.purchases.Store().GetByRef(ctx, e.RefID)
		if err == nil {
			continue
		}
		if err != purchase.ErrNotFound {
			report.Errors = append(report.Errors, fmt.Sprintf("orphan_entries %s: %v", e.RefID, err))
			continue
		}
		report.Issues = append(report.Issues, Issue{
			Pass: "orphan_entries", Kind: "orphan_entry",
			ID: e.RefID, Note: "ledger entries exist but no purchase record",
		})
	}
	return nil
}

// sweepSettlementMismatches reports purchases claiming a settlement
// batch that the ledger does not back with complete entries.
func (s *Sweeper) sweepSettlementMismatches(ctx context.Context, report *Report, _ bool) error {
	for _, status := range []purchase.Status{purchase.StatusSettled, purchase.StatusFulfilled} {
		claimed, err := s.purchases.Store().Recent(ctx, status, s.cfg.ScanLimit)
		if err != nil {
			return err
		}
		for _, p := range claimed {
			if p.SettlementBatchID == "" {
				continue
			}
			entries, err := s.ledger.EntriesByBatch(ctx, p.SettlementBatchID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("settlement_mismatches %s: %v", p.ID, err))
				continue
			}
			complete := false
			for _, e := range entries {
				if e.Status == ledger.StatusComplete {
					complete = true
					break
				}
			}
			if !complete {
				report.Issues = append(report.Issues, Issue{
					Pass: "settlement_mismatches", Kind: "settlement_mismatch",
					ID:   p.ID,
					Note: fmt.Sprintf("batch %s has no complete entries", p.SettlementBatchID),
				})
			}
		}
	}
	return nil
}

// Summary is the reconciliation read surface: counts and totals per
// status plus the purchases most likely to need attention.
type Summary struct {
	Statuses       []purchase.StatusCount `json:"statuses"`
	RecentFailures []*purchase.Purchase   `json:"recentFailures"`
	StuckPaid      []*purchase.Purchase   `json:"stuckPaid"`
	StuckSettled   []*purchase.Purchase   `json:"stuckSettled"`
}

// Summarize assembles the reconciliation summary.
func (s *Sweeper) Summarize(ctx context.Context) (*Summary, error) {
	statuses, err := s.purchases.Store().Summary(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := s.purchases.Store().Recent(ctx, purchase.StatusFailed, 20)
	if err != nil {
		return nil, err
	}
	stuckPaid, err := s.purchases.Store().InStatusOlderThan(ctx,
		purchase.StatusPaid, time.Now().Add(-s.cfg.StuckPaidAge), 20)
	if err != nil {
		return nil, err
	}
	stuckSettled, err := s.purchases.Store().InStatusOlderThan(ctx,
		purchase.StatusSettled, time.Now().Add(-s.cfg.StuckSettledAge), 20)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Statuses:       statuses,
		RecentFailures: failures,
		StuckPaid:      stuckPaid,
		StuckSettled:   stuckSettled,
	}, nil
}

// settlementTotals folds a ref's complete entries into the settlement
// breakdown. Royalty credits are split out of the seller's net and
// itemized per recipient; settled is false when no complete entries
// exist.
func settlementTotals(entries []*ledger.Entry) (purchase.Settlement, bool) {
	st := purchase.Settlement{
		Settled:   decimal.Zero,
		Fee:       decimal.Zero,
		Net:       decimal.Zero,
		Royalties: decimal.Zero,
	}
	for _, e := range entries {
		if e.Status != ledger.StatusComplete {
			continue
		}
		st.BatchID = e.BatchID
		if e.IsDebit() {
			st.Settled = st.Settled.Add(e.Gross)
		}
		switch {
		case e.Type == ledger.TypeFee:
			st.Fee = st.Fee.Add(e.Net)
		case e.IsCredit():
			if d, ok := e.Detail.(*ledger.RoyaltyDetail); ok {
				st.Royalties = st.Royalties.Add(e.Net)
				st.Shares = append(st.Shares, purchase.RoyaltyShare{
					Recipient: d.Recipient, Amount: e.Net,
				})
			} else {
				st.Net = st.Net.Add(e.Net)
			}
		}
	}
	return st, st.BatchID != ""
}
