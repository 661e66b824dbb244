// Package metrics holds the Prometheus collectors for the scheduling core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the coordinator and pool report into. The
// registry is owned by the caller so tests can use isolated registries.
type Metrics struct {
	// Scheduling loop metrics.
	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram

	// Phase lifecycle metrics.
	Launched  prometheus.Counter
	Completed *prometheus.CounterVec // label: result (completed|failed)
	Blocked   prometheus.Counter
	Running   prometheus.Gauge

	// Scheduling outcome metrics.
	PoolExhausted  prometheus.Counter
	LockContention prometheus.Counter
	TicketRetries  prometheus.Counter
	StuckReady     prometheus.Gauge

	// Pool occupancy.
	PoolAllocated prometheus.Gauge
}

// New registers all collectors against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "phaseline_ticks_total",
			Help: "Total number of scheduling ticks",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "phaseline_tick_duration_seconds",
			Help:    "Duration of scheduling ticks",
			Buckets: prometheus.DefBuckets,
		}),
		Launched: factory.NewCounter(prometheus.CounterOpts{
			Name: "phaseline_phases_launched_total",
			Help: "Total number of executor launches",
		}),
		Completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "phaseline_phases_finished_total",
			Help: "Total number of reconciled phase completions by result",
		}, []string{"result"}),
		Blocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "phaseline_phases_blocked_total",
			Help: "Total number of phases blocked by failure cascades",
		}),
		Running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "phaseline_phases_running",
			Help: "Number of phases currently running",
		}),
		PoolExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "phaseline_pool_exhausted_total",
			Help: "Launch attempts aborted because the resource pool was full",
		}),
		LockContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "phaseline_lock_contention_total",
			Help: "Launch attempts that lost the per-feature lock race",
		}),
		TicketRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "phaseline_ticket_retries_total",
			Help: "Transient ticket-service failures deferred to a later tick",
		}),
		StuckReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "phaseline_phases_stuck_ready",
			Help: "Ready phases older than the configured stuck threshold",
		}),
		PoolAllocated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "phaseline_pool_allocated",
			Help: "Resource pool slots currently allocated",
		}),
	}
}
