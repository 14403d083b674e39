// Package metrics holds the prometheus collectors for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TierLookups counts resolution attempts per tier and outcome
	// (hit, miss, error, disabled).
	TierLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "property_sync_tier_lookups_total",
		Help: "Cache tier lookups by tier and outcome",
	}, []string{"tier", "outcome"})

	// TierWrites counts propagation writes into a faster tier.
	TierWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "property_sync_tier_writes_total",
		Help: "Self-healing writes by tier and result",
	}, []string{"tier", "result"})

	// Pages counts upstream pages by result.
	Pages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "property_sync_upstream_pages_total",
		Help: "Upstream pages fetched by result",
	}, []string{"result"})

	// Refreshes counts refresh runs by trigger and result.
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "property_sync_refreshes_total",
		Help: "Refresh runs by trigger and result",
	}, []string{"trigger", "result"})

	// ResolveDuration tracks how long a full tier resolution takes.
	ResolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "property_sync_resolve_duration_seconds",
		Help:    "Time to adopt data, by the tier that answered",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"tier"})

	// Listings is the size of the adopted canonical set.
	Listings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "property_sync_listings",
		Help: "Listings in the adopted canonical set",
	})

	// FilteredListings is the size of the current projection.
	FilteredListings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "property_sync_filtered_listings",
		Help: "Listings in the current filtered projection",
	})
)

// PageResult records one upstream page outcome.
func PageResult(ok bool) {
	if ok {
		Pages.WithLabelValues("ok").Inc()
		return
	}
	Pages.WithLabelValues("failed").Inc()
}
