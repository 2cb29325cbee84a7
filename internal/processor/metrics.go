package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts invocation state transitions and pipeline drop totals.
type Metrics struct {
	Admitted           prometheus.Counter
	Skipped            prometheus.Counter
	Committed          prometheus.Counter
	Failed             prometheus.Counter
	Rejected           prometheus.Counter
	RecordsDropped     prometheus.Counter
	InvocationDuration prometheus.Histogram
}

// NewMetrics registers the processor collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Admitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_invocations_admitted_total",
			Help: "Invocations admitted by the idempotency ledger.",
		}),
		Skipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_invocations_skipped_total",
			Help: "Invocations skipped because the object was already completed or owned elsewhere.",
		}),
		Committed: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_invocations_committed_total",
			Help: "Invocations that committed a durable output.",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_invocations_failed_total",
			Help: "Invocations that failed an attempt.",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_invocations_rejected_total",
			Help: "Notifications rejected as malformed before any ledger state was created.",
		}),
		RecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "etlflow_records_dropped_total",
			Help: "Malformed records dropped by the pipeline in non-strict mode.",
		}),
		InvocationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "etlflow_invocation_duration_seconds",
			Help:    "Wall-clock duration of one invocation from admission to terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
