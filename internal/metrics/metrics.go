package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry holds every orchestra collector and backs /metrics.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		NodeDuration, NodeTotal, PlanTotal, PlanDuration,
		AdviseTotal, InterruptTotal,
		RestraintPromotions, RestraintActive, DispatchTotal,
		WorkerBusy, ConflictRetries,
	)
}

// NodeDuration measures step invocation latency by step type and mode.
var NodeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orchestra_node_duration_seconds",
		Help:    "Step invocation latency in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"step_type", "mode"},
)

// NodeTotal counts node executions reaching a final status.
var NodeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestra_node_total",
		Help: "Node executions by final status and mode.",
	},
	[]string{"status", "mode"},
)

// PlanTotal counts plan executions reaching a final status.
var PlanTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestra_plan_total",
		Help: "Plan executions by final status.",
	},
	[]string{"status"},
)

// PlanDuration measures submit-to-completion time of plan executions.
var PlanDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "orchestra_plan_duration_seconds",
		Help:    "Plan execution wall time in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	},
	[]string{"status"},
)

// AdviseTotal counts advises produced by type.
var AdviseTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestra_advise_total",
		Help: "Advises produced by type.",
	},
	[]string{"type"},
)

// InterruptTotal counts interrupts by type and terminal state.
var InterruptTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestra_interrupt_total",
		Help: "Interrupts by type and terminal state.",
	},
	[]string{"type", "state"},
)

// RestraintPromotions counts BLOCKED to ACTIVE promotions per resource.
var RestraintPromotions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestra_restraint_promotions_total",
		Help: "Resource restraint promotions.",
	},
	[]string{"resource"},
)

// RestraintActive is the number of ACTIVE restraint instances per resource.
var RestraintActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "orchestra_restraint_active",
		Help: "Active resource restraint instances.",
	},
	[]string{"resource"},
)

// DispatchTotal counts task dispatches by outcome (sent, failed, rejected).
var DispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestra_dispatch_total",
		Help: "Task dispatches by outcome.",
	},
	[]string{"transport", "outcome"},
)

// WorkerBusy is the number of node starts currently executing in the pool.
var WorkerBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "orchestra_worker_busy",
		Help: "Node starts currently executing.",
	},
)

// ConflictRetries counts optimistic-lock retries by entity.
var ConflictRetries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "orchestra_conflict_retries_total",
		Help: "Optimistic concurrency retries.",
	},
	[]string{"entity"},
)

// WritePrometheus writes the registry in the Prometheus text format.
func WritePrometheus(w io.Writer) error {
	families, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
