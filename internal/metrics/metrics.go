// Package metrics exposes Prometheus instruments for transitions, breed lookups and webhook deliveries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spycat/internal/domain"
)

// Recorder is safe to use as a nil pointer; every method is then a no-op.
type Recorder struct {
	registry     *prometheus.Registry
	transitions  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	breedLookups *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
}

// New registers the spycat instruments plus Go and process collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spycat",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome kind.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "spycat",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		breedLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spycat",
			Name:      "breed_lookups_total",
			Help:      "Breed validator calls by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spycat",
			Name:      "webhook_deliveries_total",
			Help:      "Event webhook POSTs by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		r.transitions,
		r.duration,
		r.breedLookups,
		r.deliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe records one finished operation. err == nil counts as "ok".
func (r *Recorder) Observe(op string, start time.Time, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	r.transitions.WithLabelValues(op, result).Inc()
	r.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// BreedLookup counts a validator call: "recognized", "rejected" or "error".
func (r *Recorder) BreedLookup(result string) {
	if r == nil {
		return
	}
	r.breedLookups.WithLabelValues(result).Inc()
}

// WebhookDelivery counts one delivery attempt: "delivered" or "failed".
func (r *Recorder) WebhookDelivery(result string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(result).Inc()
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
