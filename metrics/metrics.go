// Package metrics exports dispatcher and registry activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vfsprovider/vfs"
)

const namespace = "vfs"

var _ vfs.Observer = (*Observer)(nil)

// Observer is a vfs.Observer backed by its own Prometheus registry.
type Observer struct {
	registry *prometheus.Registry

	mounted   prometheus.Gauge
	mounts    prometheus.Counter
	inflight  *prometheus.GaugeVec
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	discarded prometheus.Counter
}

func New() *Observer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Observer{
		registry: registry,
		mounted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mounted_file_systems",
			Help:      "Number of currently mounted file systems.",
		}),
		mounts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mounts_total",
			Help:      "File systems mounted since start.",
		}),
		inflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Provider requests awaiting a final reply.",
		}, []string{"operation"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Provider requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to the final reply.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"operation"}),
		discarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_discarded_total",
			Help:      "Provider replies dropped because their request was no longer pending.",
		}),
	}
}

func (o *Observer) Mounted(string) {
	o.mounted.Inc()
	o.mounts.Inc()
}

func (o *Observer) Unmounted(string) {
	o.mounted.Dec()
}

func (o *Observer) RequestStarted(_ string, op vfs.Operation) {
	o.inflight.WithLabelValues(string(op)).Inc()
}

func (o *Observer) RequestFinished(_ string, op vfs.Operation, outcome vfs.Outcome, elapsed time.Duration) {
	o.inflight.WithLabelValues(string(op)).Dec()
	o.requests.WithLabelValues(string(op), string(outcome)).Inc()
	o.duration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (o *Observer) ReplyDiscarded(string) {
	o.discarded.Inc()
}

// Registry returns the registry the metrics are registered with.
func (o *Observer) Registry() *prometheus.Registry { return o.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
