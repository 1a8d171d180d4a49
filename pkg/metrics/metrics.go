// Package metrics provides the Prometheus registry and HTTP exposure for queue-source.
// All metrics are defined in their respective packages (feeder, queue, httpsource, drain)
// to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by queue-source.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer paired with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler for Gatherer.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Metrics Documentation
//
// Feeder Metrics (pkg/feeder):
//   - queue_source_pages_total{kind} (Counter): Pages fetched from a source
//   - queue_source_items_total{kind} (Counter): Items pushed onto destination queues
//   - queue_source_page_errors_total{kind} (Counter): Page fetches or pushes that failed and stopped a task
//   - queue_source_page_duration_seconds{kind} (Histogram): Page fetch duration
//   - queue_source_tasks_running (Gauge): Tasks started and not yet completed
//
// Queue Metrics (pkg/queue):
//   - queue_source_work_items_processed_total{result} (Counter): Work items handled (success, error, panic)
//   - queue_source_work_backlog (Gauge): Items waiting in work queues
//
// HTTP Source Metrics (pkg/httpsource):
//   - queue_source_http_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - queue_source_http_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - queue_source_http_errors_total{class} (Counter): Errors by class (client, server, network, decode)
//
// Drain Metrics (pkg/drain):
//   - queue_source_drain_wait_seconds (Histogram): Time spent waiting for a task to drain
//
// Example Prometheus Queries:
//
//   # Items fed per second
//   sum(rate(queue_source_items_total[5m])) by (kind)
//
//   # Average page size
//   rate(queue_source_items_total[5m]) / rate(queue_source_pages_total[5m])
//
//   # P95 Page Latency
//   histogram_quantile(0.95, rate(queue_source_page_duration_seconds_bucket[5m]))
//
//   # Consumers falling behind
//   queue_source_work_backlog > 1000
