package serve

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Runtime counters. These are side effects for operators, not part of the
// pipeline contract; nothing in the runtime reads them back.
var (
	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferflow_requests_total",
		Help: "Requests that entered the pipeline.",
	})
	completedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferflow_requests_completed_total",
		Help: "Requests whose completion callback has fired.",
	})
	discardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferflow_units_discarded_total",
		Help: "Units purged from the cache by cooperative cancellation.",
	})
	batchesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferflow_batches_emitted_total",
		Help: "Packages emitted into the cache by the batching layer.",
	})
	processorFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inferflow_processor_failures_total",
		Help: "Pipeline stages that returned a non-success status.",
	})

	metricsRegistry = prometheus.NewRegistry()
)

func init() {
	metricsRegistry.MustRegister(requestsTotal, completedTotal, discardedTotal, batchesEmitted, processorFailures)
}

// MetricsRegistry exposes the runtime's counters for scraping.
func MetricsRegistry() *prometheus.Registry { return metricsRegistry }
