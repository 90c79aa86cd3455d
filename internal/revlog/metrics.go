package revlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconstructionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hgstore_revlog_reconstructions_total",
		Help: "Total number of revisions rebuilt from their delta chains",
	})

	integrityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hgstore_revlog_integrity_failures_total",
		Help: "Number of rebuilt revisions whose content did not match the node id",
	})

	chainLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hgstore_revlog_delta_chain_length",
		Help:    "Number of chunks applied to rebuild a revision",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hgstore_revlog_appends_total",
		Help: "Revisions appended, by how their chunk was stored",
	}, []string{"kind"})

	indexBuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hgstore_index_build_duration_seconds",
		Help:    "Duration of derived index builds",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	}, []string{"index", "mode"})
)

// IndexBuildTimer starts timing a derived index build. index names the
// structure ("nodemap", "dag") and mode is "full" or "extend". Call
// ObserveDuration on the result when the build finishes.
func IndexBuildTimer(index, mode string) *prometheus.Timer {
	return prometheus.NewTimer(indexBuildDuration.WithLabelValues(index, mode))
}
