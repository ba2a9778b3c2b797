package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aura"

// Metrics holds the Prometheus collectors for the ingest pipeline. A nil
// *Metrics is valid and records nothing, so callers never need to guard.
type Metrics struct {
	registry *prometheus.Registry

	Events          *prometheus.CounterVec
	DetectDuration  prometheus.Histogram
	SceneVersion    prometheus.Gauge
	SceneEntities   *prometheus.GaugeVec
	DistanceMeters  prometheus.Gauge
	Subscribers     prometheus.Gauge
	SerialLinesRead *prometheus.CounterVec
}

// NewMetrics builds the collectors on a private registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Sensor events by kind and terminal state",
			},
			[]string{"kind", "state"},
		),

		DetectDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "vision",
				Name:      "detect_duration_seconds",
				Help:      "Time spent waiting on the vision detector",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		SceneVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scene",
				Name:      "version",
				Help:      "Version of the currently installed scene",
			},
		),

		SceneEntities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scene",
				Name:      "entities",
				Help:      "Entities in the current scene by list",
			},
			[]string{"list"},
		),

		DistanceMeters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lidar",
				Name:      "distance_meters",
				Help:      "Most recent accepted range reading",
			},
		),

		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scene",
				Name:      "subscribers",
				Help:      "Live scene stream subscribers",
			},
		),

		SerialLinesRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "serial",
				Name:      "lines_total",
				Help:      "Lines read from the rangefinder by classification",
			},
			[]string{"type"},
		),
	}

	m.registry.MustRegister(
		m.Events,
		m.DetectDuration,
		m.SceneVersion,
		m.SceneEntities,
		m.DistanceMeters,
		m.Subscribers,
		m.SerialLinesRead,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordEvent counts one event reaching a terminal state.
func (m *Metrics) RecordEvent(kind, state string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind, state).Inc()
}

// RecordDetect observes a detector round trip.
func (m *Metrics) RecordDetect(d time.Duration) {
	if m == nil {
		return
	}
	m.DetectDuration.Observe(d.Seconds())
}

// RecordScene updates the scene gauges after an install.
func (m *Metrics) RecordScene(version uint64, objects, people int) {
	if m == nil {
		return
	}
	m.SceneVersion.Set(float64(version))
	m.SceneEntities.WithLabelValues("objects").Set(float64(objects))
	m.SceneEntities.WithLabelValues("people").Set(float64(people))
}

// RecordDistance sets the latest range reading.
func (m *Metrics) RecordDistance(meters float64) {
	if m == nil {
		return
	}
	m.DistanceMeters.Set(meters)
}

// RecordSubscribers sets the live subscriber count.
func (m *Metrics) RecordSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// RecordSerialLine counts one rangefinder line of the given type.
func (m *Metrics) RecordSerialLine(lineType string) {
	if m == nil {
		return
	}
	m.SerialLinesRead.WithLabelValues(lineType).Inc()
}
