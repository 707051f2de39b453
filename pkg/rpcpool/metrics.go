package rpcpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pool dispatch activity. Register with a prometheus
// registry and attach via Pool.SetMetrics.
type Metrics struct {
	Dispatches         prometheus.Counter
	Retries            prometheus.Counter
	OverloadRejections prometheus.Counter
	TaskFailures       *prometheus.CounterVec
}

// NewMetrics builds and registers the pool metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nifty",
			Subsystem: "rpcpool",
			Name:      "dispatches_total",
			Help:      "Operations dispatched successfully.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nifty",
			Subsystem: "rpcpool",
			Name:      "dispatch_retries_total",
			Help:      "Failed dispatch attempts that were retried.",
		}),
		OverloadRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nifty",
			Subsystem: "rpcpool",
			Name:      "overload_rejections_total",
			Help:      "Requests rejected by endpoint budget limits.",
		}),
		TaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nifty",
			Subsystem: "rpcpool",
			Name:      "periodic_task_failures_total",
			Help:      "Periodic task runs that returned an error.",
		}, []string{"task"}),
	}
	if reg != nil {
		reg.MustRegister(m.Dispatches, m.Retries, m.OverloadRejections, m.TaskFailures)
	}
	return m
}
