package deploy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics records deploy engine activity.
type Metrics struct {
	deploys      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	filesWritten *prometheus.CounterVec
	blobUploads  *prometheus.CounterVec
}

var (
	metricsOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns engine metrics registered with the default registry.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics builds engine metrics and registers them with reg. Collectors
// already registered under the same name are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "share",
			Subsystem: "deploy",
			Name:      "deploys_total",
			Help:      "Finished deploys by pipeline and outcome",
		}, []string{"pipeline", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "share",
			Subsystem: "deploy",
			Name:      "deploy_duration_seconds",
			Help:      "Time from deploy start to activation or failure",
			Buckets:   durationBuckets,
		}, []string{"pipeline"}),
		filesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "share",
			Subsystem: "deploy",
			Name:      "files_written_total",
			Help:      "Files written into deploy trees",
		}, []string{"pipeline"}),
		blobUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "share",
			Subsystem: "deploy",
			Name:      "blob_uploads_total",
			Help:      "Incremental asset uploads by whether the content already existed",
		}, []string{"existed"}),
	}
	if reg == nil {
		return m
	}
	m.deploys = register(reg, m.deploys)
	m.duration = register(reg, m.duration)
	m.filesWritten = register(reg, m.filesWritten)
	m.blobUploads = register(reg, m.blobUploads)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) observeDeploy(pipeline string, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.deploys.WithLabelValues(pipeline, outcome).Inc()
	m.duration.WithLabelValues(pipeline).Observe(seconds)
}

func (m *Metrics) addFiles(pipeline string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.filesWritten.WithLabelValues(pipeline).Add(float64(n))
}

func (m *Metrics) observeUpload(existed bool) {
	if m == nil {
		return
	}
	label := "false"
	if existed {
		label = "true"
	}
	m.blobUploads.WithLabelValues(label).Inc()
}
