package data

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics holds the Prometheus collectors a MapDatabase reports to.
type Metrics struct {
	Keyframes        prometheus.Gauge
	Landmarks        prometheus.Gauge
	KeyframesErased  prometheus.Counter
	LandmarksErased  prometheus.Counter
	StructureChecks  *prometheus.CounterVec
	RebuildDurations prometheus.Histogram
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Keyframes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "openvsslam_map_keyframes",
			Help: "Number of keyframes currently in the map.",
		}),
		Landmarks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "openvsslam_map_landmarks",
			Help: "Number of landmarks currently in the map.",
		}),
		KeyframesErased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openvsslam_map_keyframes_erased_total",
			Help: "Total number of keyframes removed from the map.",
		}),
		LandmarksErased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openvsslam_map_landmarks_erased_total",
			Help: "Total number of landmarks removed from the map.",
		}),
		StructureChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openvsslam_map_structure_checks_total",
			Help: "Structure checks by result (ok, violation).",
		}, []string{"result"}),
		RebuildDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "openvsslam_map_rebuild_connections_seconds",
			Help:    "Time spent rebuilding covisibility connections.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return multierr.Combine(
		reg.Register(m.Keyframes),
		reg.Register(m.Landmarks),
		reg.Register(m.KeyframesErased),
		reg.Register(m.LandmarksErased),
		reg.Register(m.StructureChecks),
		reg.Register(m.RebuildDurations),
	)
}
