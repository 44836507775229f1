// Package metrics exposes Prometheus collectors for the crawl scheduler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolDesiredConcurrency prometheus.Gauge
	poolCurrentConcurrency prometheus.Gauge
	poolScaleEventsTotal   *prometheus.CounterVec
	poolTasksTotal         *prometheus.CounterVec
	requestsTotal          *prometheus.CounterVec
	requestDurationSeconds prometheus.Histogram
	resourceOverloaded     *prometheus.GaugeVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		poolDesiredConcurrency = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawlpool_desired_concurrency",
			Help: "Concurrency target the pool is currently scaling toward.",
		})

		poolCurrentConcurrency = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawlpool_current_concurrency",
			Help: "Number of tasks currently admitted by the pool.",
		})

		poolScaleEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpool_scale_events_total",
				Help: "Total autoscale decisions, labeled by direction.",
			},
			[]string{"direction"},
		)

		poolTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpool_tasks_total",
				Help: "Total pool tasks settled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlpool_requests_total",
				Help: "Total work items processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		requestDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlpool_request_duration_seconds",
			Help:    "Histogram of per-item handler latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		})

		resourceOverloaded = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlpool_resource_overloaded",
				Help: "Whether a resource is currently overloaded (1) or healthy (0).",
			},
			[]string{"kind"},
		)
	})
}

// Handler returns an http.Handler for the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetConcurrency records the pool's current and desired concurrency.
func SetConcurrency(current, desired int) {
	if poolCurrentConcurrency == nil {
		return
	}
	poolCurrentConcurrency.Set(float64(current))
	poolDesiredConcurrency.Set(float64(desired))
}

// ObserveScaleEvent counts one autoscale decision ("up" or "down").
func ObserveScaleEvent(direction string) {
	if poolScaleEventsTotal == nil {
		return
	}
	poolScaleEventsTotal.WithLabelValues(direction).Inc()
}

// ObserveTask counts one settled pool task by outcome ("ok" or "error").
func ObserveTask(outcome string) {
	if poolTasksTotal == nil {
		return
	}
	poolTasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveRequest counts one processed work item by outcome
// ("handled", "retried" or "failed") and records its handler latency.
func ObserveRequest(outcome string, duration time.Duration) {
	if requestsTotal == nil {
		return
	}
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDurationSeconds.Observe(duration.Seconds())
}

// SetResourceOverloaded records the short-window overload verdict per kind.
func SetResourceOverloaded(kind string, overloaded bool) {
	if resourceOverloaded == nil {
		return
	}
	v := 0.0
	if overloaded {
		v = 1
	}
	resourceOverloaded.WithLabelValues(kind).Set(v)
}
