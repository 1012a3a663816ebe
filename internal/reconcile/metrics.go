package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepActions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tokencore",
		Subsystem: "reconcile",
		Name:      "actions",
		Help:      "State changes applied per pass in the last sweep.",
	}, []string{"pass"})

	sweepIssues = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tokencore",
		Subsystem: "reconcile",
		Name:      "issues",
		Help:      "Inconsistencies reported per pass in the last sweep.",
	}, []string{"pass"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tokencore",
		Subsystem: "reconcile",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokencore",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total reconciliation pass errors.",
	})
)

func init() {
	prometheus.MustRegister(sweepActions, sweepIssues, sweepDuration, sweepErrors)
}

func observeReport(report *Report) {
	actions := make(map[string]int)
	for _, a := range report.Actions {
		actions[a.Pass]++
	}
	issues := make(map[string]int)
	for _, i := range report.Issues {
		issues[i.Pass]++
	}
	sweepActions.Reset()
	for pass, n := range actions {
		sweepActions.WithLabelValues(pass).Set(float64(n))
	}
	sweepIssues.Reset()
	for pass, n := range issues {
		sweepIssues.WithLabelValues(pass).Set(float64(n))
	}
}
