// Package metrics exposes Prometheus collectors for the tracker, the
// lifecycle worker, the exchange client and the notification dispatcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

const namespace = "signalbot"

// Collector owns one registry and every signalbot collector registered on it.
type Collector struct {
	registry *prometheus.Registry

	cycleDuration    prometheus.Histogram
	failedCategories prometheus.Counter
	cycles           prometheus.Counter
	events           *prometheus.CounterVec
	tracked          prometheus.Gauge

	applied       *prometheus.CounterVec
	applyDuration *prometheus.HistogramVec
	auditSkipped  prometheus.Counter
	queueDepth    prometheus.Gauge

	exchangeRequests *prometheus.CounterVec
	exchangeLatency  *prometheus.HistogramVec

	notifications *prometheus.CounterVec
}

// New creates a Collector on a fresh registry with the Go runtime and
// process collectors attached.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one reconciliation cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		failedCategories: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "failed_categories_total",
			Help:      "Category snapshots that could not be fetched.",
		}),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "cycles_total",
			Help:      "Completed reconciliation cycles.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "events_total",
			Help:      "Lifecycle events emitted by the reconciler.",
		}, []string{"action"}),
		tracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "tracked_positions",
			Help:      "Positions currently tracked.",
		}),

		applied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "events_applied_total",
			Help:      "Lifecycle events applied to the store.",
		}, []string{"action", "result"}),
		applyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "apply_duration_seconds",
			Help:      "Time to persist one lifecycle event.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"action"}),
		auditSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "audit_skipped_total",
			Help:      "Position updates not recorded because the audit table is missing.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Events waiting in the worker queue.",
		}),

		exchangeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "requests_total",
			Help:      "Exchange API requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		exchangeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "request_duration_seconds",
			Help:      "Exchange API round trip time.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.5, 1, 2, 5},
		}, []string{"endpoint"}),

		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by kind and result.",
		}, []string{"kind", "result"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveCycle(elapsed time.Duration, failedCategories int) {
	c.cycles.Inc()
	c.cycleDuration.Observe(elapsed.Seconds())
	if failedCategories > 0 {
		c.failedCategories.Add(float64(failedCategories))
	}
}

func (c *Collector) ObserveEvent(action domain.Action) {
	c.events.WithLabelValues(string(action)).Inc()
}

func (c *Collector) SetTracked(n int) {
	c.tracked.Set(float64(n))
}

func (c *Collector) ObserveApplied(action domain.Action, elapsed time.Duration, err error) {
	c.applied.WithLabelValues(string(action), result(err)).Inc()
	c.applyDuration.WithLabelValues(string(action)).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveAuditSkipped() {
	c.auditSkipped.Inc()
}

func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// ObserveRequest records one exchange round trip.
func (c *Collector) ObserveRequest(endpoint string, elapsed time.Duration, err error) {
	c.exchangeRequests.WithLabelValues(endpoint, result(err)).Inc()
	c.exchangeLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveNotification records one delivery attempt.
func (c *Collector) ObserveNotification(kind string, err error) {
	c.notifications.WithLabelValues(kind, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
