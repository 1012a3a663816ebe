package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BatchesTotal counts committed batches by the type of their first entry.
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokencore",
			Name:      "ledger_batches_total",
			Help:      "Total committed ledger batches by operation type.",
		},
		[]string{"type"},
	)

	// IdempotentHitsTotal counts commits answered from a prior result.
	IdempotentHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tokencore",
			Name:      "ledger_idempotent_hits_total",
			Help:      "Total commits short-circuited by an existing ref id.",
		},
	)

	// CommitDuration observes batch commit latency.
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tokencore",
			Name:      "ledger_commit_duration_seconds",
			Help:      "Ledger batch commit duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)
)

func init() {
	prometheus.MustRegister(BatchesTotal, IdempotentHitsTotal, CommitDuration)
}

// ObserveCommit records metrics for one commit attempt. Callers invoke
// the returned func when the commit finishes.
func ObserveCommit(opType EntryType) func(existed bool) {
	start := time.Now()
	return func(existed bool) {
		CommitDuration.Observe(time.Since(start).Seconds())
		if existed {
			IdempotentHitsTotal.Inc()
			return
		}
		BatchesTotal.WithLabelValues(string(opType)).Inc()
	}
}
