package scan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "viewtrail_scans_total",
		Help: "Finished scans by final status",
	}, []string{"status"})

	activeScans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "viewtrail_scans_active",
		Help: "Scan loops currently running",
	})

	pagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viewtrail_scan_pages_total",
		Help: "History pages fetched from the remote source",
	})

	newItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viewtrail_scan_new_items_total",
		Help: "New history items merged into user records",
	})

	pageFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "viewtrail_scan_page_fetch_seconds",
		Help:    "Duration of history page fetches including retries",
		Buckets: prometheus.DefBuckets,
	})
)
