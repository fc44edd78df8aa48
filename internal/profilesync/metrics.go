package profilesync

import "github.com/prometheus/client_golang/prometheus"

var (
	orchestrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "sync",
		Name:      "orchestrations_total",
		Help:      "Orchestration requests by outcome.",
	}, []string{"outcome"})

	failuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "sync",
		Name:      "failures_total",
		Help:      "Sync failures handled, by disposition (retry, terminal, duplicate, stale).",
	}, []string{"disposition"})

	inboundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "sync",
		Name:      "inbound_total",
		Help:      "Inbound events handled by topic and outcome.",
	}, []string{"topic", "outcome"})

	driftConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "sync",
		Name:      "drift_conflicts_total",
		Help:      "Field conflicts recorded by drift detection.",
	})

	sweepDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "sweep",
		Name:      "dispatched_total",
		Help:      "Deferred actions dispatched by the sweep, by action.",
	}, []string{"action"})

	sweepRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "sweep",
		Name:      "recovered_total",
		Help:      "Pending syncs whose verification was re-derived by recovery.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "profilesync",
		Subsystem: "sweep",
		Name:      "run_duration_seconds",
		Help:      "Duration of sweep runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "profilesync",
		Subsystem: "sweep",
		Name:      "errors_total",
		Help:      "Errors raised while dispatching deferred actions.",
	})
)

func init() {
	prometheus.MustRegister(
		orchestrationsTotal,
		failuresTotal,
		inboundTotal,
		driftConflicts,
		sweepDispatched,
		sweepRecovered,
		sweepDuration,
		sweepErrors,
	)
}
