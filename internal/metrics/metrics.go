// Package metrics collects and exposes the engine's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metalfleet/fleetd/pkg/types"
)

// Collector owns every fleetd metric. Each collector carries its own
// registry so multiple engines (and tests) can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	reconciliations  *prometheus.CounterVec
	reconcileLatency prometheus.Histogram
	cycles           prometheus.Counter
	storeErrors      prometheus.Counter

	slotsInUse   prometheus.Gauge
	slotCapacity prometheus.Gauge
	pending      prometheus.Gauge
	inFlight     prometheus.Gauge
}

// NewCollector creates and registers all engine metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetd_reconciliations_total",
			Help: "Total reconciliation tasks by outcome",
		}, []string{"outcome"}),
		reconcileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetd_reconcile_latency_seconds",
			Help:    "Reconciliation task latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_cycles_total",
			Help: "Total reconciliation cycles started",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetd_store_errors_total",
			Help: "Total cycle-level state store failures",
		}),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetd_maintenance_slots_in_use",
			Help: "Objects currently holding a maintenance slot",
		}),
		slotCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetd_maintenance_capacity",
			Help: "Current maintenance slot capacity",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetd_candidates_pending",
			Help: "Candidates waiting for dispatch",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetd_tasks_in_flight",
			Help: "Reconciliation tasks currently executing",
		}),
	}

	c.registry.MustRegister(
		c.reconciliations,
		c.reconcileLatency,
		c.cycles,
		c.storeErrors,
		c.slotsInUse,
		c.slotCapacity,
		c.pending,
		c.inFlight,
	)
	return c
}

// RecordReconciliation counts one finished task and observes its latency.
func (c *Collector) RecordReconciliation(outcome types.Outcome, latencySeconds float64) {
	c.reconciliations.WithLabelValues(string(outcome)).Inc()
	c.reconcileLatency.Observe(latencySeconds)
}

// RecordCycle counts one started scan cycle.
func (c *Collector) RecordCycle() {
	c.cycles.Inc()
}

// RecordStoreError counts one cycle-level store failure. These must alert:
// store unavailability is the only error class that stalls all reconciliation.
func (c *Collector) RecordStoreError() {
	c.storeErrors.Inc()
}

// SetAdmissionStats updates the maintenance slot gauges.
func (c *Collector) SetAdmissionStats(inUse, capacity int) {
	c.slotsInUse.Set(float64(inUse))
	c.slotCapacity.Set(float64(capacity))
}

// SetQueueStats updates the scheduler queue gauges.
func (c *Collector) SetQueueStats(pending, inFlight int) {
	c.pending.Set(float64(pending))
	c.inFlight.Set(float64(inFlight))
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
