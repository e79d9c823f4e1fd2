package metricsvc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/masomo-billing/core/billing"
)

const namespace = "masomo_billing"

// Collector records billing engine activity on its own prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	batchOutcomes *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	sweeps        prometheus.Counter
	sweepOutcomes *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

var _ billing.Metrics = (*Collector)(nil) // interface compliance check

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of billing batches run",
			},
			[]string{"billing_type"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Billing batch duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"billing_type"},
		),
		batchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_schools_total",
				Help:      "Schools processed by billing batches, by outcome",
			},
			[]string{"billing_type", "outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Billing record status transitions",
			},
			[]string{"from", "to"},
		),
		sweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overdue_sweeps_total",
				Help:      "Total number of overdue sweeps run",
			},
		),
		sweepOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overdue_sweep_records_total",
				Help:      "Records handled by overdue sweeps, by outcome",
			},
			[]string{"outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served, by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		c.batches,
		c.batchDuration,
		c.batchOutcomes,
		c.transitions,
		c.sweeps,
		c.sweepOutcomes,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) BatchCompleted(res billing.BatchResult, elapsed time.Duration) {
	t := string(res.BillingType)
	c.batches.WithLabelValues(t).Inc()
	c.batchDuration.WithLabelValues(t).Observe(elapsed.Seconds())
	c.batchOutcomes.WithLabelValues(t, "created").Add(float64(len(res.Created)))
	c.batchOutcomes.WithLabelValues(t, "skipped").Add(float64(len(res.Skipped)))
	c.batchOutcomes.WithLabelValues(t, "failed").Add(float64(len(res.Failed)))
}

func (c *Collector) StatusChanged(from, to billing.Status) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) OverdueSwept(res billing.SweepResult) {
	c.sweeps.Inc()
	c.sweepOutcomes.WithLabelValues("marked").Add(float64(len(res.Marked)))
	c.sweepOutcomes.WithLabelValues("failed").Add(float64(len(res.Failed)))
}

// ObserveRequest records one served HTTP request.
func (c *Collector) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
