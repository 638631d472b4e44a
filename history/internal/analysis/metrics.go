package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viewtrail_analysis_requests_total",
		Help: "Analysis requests by result (cache_hit, computed, error)",
	}, []string{"result"})

	completionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "viewtrail_analysis_completion_seconds",
		Help:    "Duration of completion endpoint calls",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
	})
)
