// Package metrics defines the Prometheus collectors of a tiling run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Slide statuses.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	SlidesTotal   *prometheus.CounterVec
	TilesTotal    *prometheus.CounterVec
	SlideDuration prometheus.Histogram
	SlidesActive  prometheus.Gauge
}

// New registers the collectors with reg. A nil reg creates unregistered
// collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SlidesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsitiler_slides_total",
				Help: "Total number of slides processed",
			},
			[]string{"label", "status"},
		),

		TilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsitiler_tiles_total",
				Help: "Total number of tiles visited by filter outcome",
			},
			[]string{"outcome"},
		),

		SlideDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wsitiler_slide_duration_seconds",
				Help:    "Duration of slide tiling in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),

		SlidesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wsitiler_slides_active",
				Help: "Number of slides being tiled",
			},
		),
	}
}

// ObserveTiles adds tile counts for each filter outcome.
func (m *Metrics) ObserveTiles(written, background, size int) {
	m.TilesTotal.WithLabelValues("written").Add(float64(written))
	m.TilesTotal.WithLabelValues("background").Add(float64(background))
	m.TilesTotal.WithLabelValues("size").Add(float64(size))
}
