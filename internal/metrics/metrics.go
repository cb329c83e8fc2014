// Package metrics exposes the prometheus collectors the core state
// service updates as it allocates ids, tracks inflight entries,
// dispatches commits and reschedules flushes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every metric the core touches. A zero-value
// Collectors is not usable; build one with NewCollectors and register
// it on a prometheus.Registerer of the caller's choosing.
type Collectors struct {
	InflightOccupancy *prometheus.GaugeVec
	IdAllocations     *prometheus.CounterVec
	IdExhausted       *prometheus.CounterVec
	Commits           *prometheus.CounterVec
	FlushesScheduled  prometheus.Counter
	FlushesRun        *prometheus.CounterVec
	ActiveTimeouts    prometheus.Counter
	TokenTimeouts     prometheus.Counter
	Requeues          prometheus.Counter
}

// NewCollectors builds a fresh set of collectors under the given
// namespace, not yet registered anywhere.
func NewCollectors(namespace string) *Collectors {
	return &Collectors{
		InflightOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_occupancy",
			Help:      "Inflight entries in the (peer, direction) table last changed, by direction; there is no peer label.",
		}, []string{"direction"}),
		IdAllocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "id_allocations_total",
			Help:      "Packet identifiers allocated, by direction.",
		}, []string{"direction"}),
		IdExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "id_exhausted_total",
			Help:      "Allocation attempts that failed because the id range was full.",
		}, []string{"direction"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commit operations dispatched to the application, by direction.",
		}, []string{"direction"}),
		FlushesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_scheduled_total",
			Help:      "Flush tasks scheduled across all peers.",
		}),
		FlushesRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_run_total",
			Help:      "Flush tasks executed, partitioned by their outcome.",
		}, []string{"result"}),
		ActiveTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "active_timeouts_total",
			Help:      "Peers evicted by the activity sweep for exceeding active_context_timeout.",
		}),
		TokenTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_timeouts_total",
			Help:      "Pending WaitTokens failed with a timeout by the inflight reaper.",
		}),
		Requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeues_total",
			Help:      "Queued publishes re-offered to the message queue.",
		}),
	}
}

// MustRegister registers every collector on reg, panicking on
// duplicate registration the way prometheus' own MustRegister does.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.InflightOccupancy,
		c.IdAllocations,
		c.IdExhausted,
		c.Commits,
		c.FlushesScheduled,
		c.FlushesRun,
		c.ActiveTimeouts,
		c.TokenTimeouts,
		c.Requeues,
	)
}
