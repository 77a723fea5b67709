package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/andresmejia3/cutout/internal/types"
)

// Batch holds the counters of one process. It has its own registry so nothing leaks
// into the global default one.
type Batch struct {
	Registry *prometheus.Registry

	items    *prometheus.CounterVec
	duration prometheus.Histogram
	inflight prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Batch {
	b := &Batch{
		Registry: prometheus.NewRegistry(),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cutout_items_total",
			Help: "Images processed, by outcome.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cutout_transform_seconds",
			Help:    "Wall time per image: read, transform and write.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cutout_batch_inflight",
			Help: "Images currently being processed.",
		}),
	}
	b.Registry.MustRegister(b.items, b.duration, b.inflight)
	return b
}

// ItemStarted is called when a worker picks up an item.
func (b *Batch) ItemStarted() { b.inflight.Inc() }

// ItemDone records the outcome of one item.
func (b *Batch) ItemDone(res types.ItemResult, d time.Duration) {
	b.inflight.Dec()
	status := "failed"
	if res.Success {
		status = "succeeded"
	}
	b.items.WithLabelValues(status).Inc()
	b.duration.Observe(d.Seconds())
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (b *Batch) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, b.Registry)
}
