// Package metrics provides Prometheus collectors for ingestion, search and caches.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "facefinder"

var (
	// IngestFilesTotal counts files by terminal outcome.
	// Labels: outcome (processed, skipped, failed)
	IngestFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Total number of source files handled by ingestion, by outcome",
		},
		[]string{"outcome"},
	)

	// IngestFacesTotal counts detected faces by what happened on insert.
	// Labels: result (inserted, duplicate)
	IngestFacesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "faces_total",
			Help:      "Total number of detected faces offered to the index",
		},
		[]string{"result"},
	)

	// IngestRunDuration tracks whole ingestion runs.
	IngestRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Duration of ingestion runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		},
	)

	// SearchRequestsTotal counts searches.
	// Labels: mode (scoped, universal), cache (hit, miss, bypass)
	SearchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total number of face searches",
		},
		[]string{"mode", "cache"},
	)

	// SearchDuration tracks search latency.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Duration of face searches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// PartitionsLoaded is the number of partitions held in memory.
	PartitionsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "partitions_loaded",
			Help:      "Number of index partitions loaded in memory",
		},
	)

	// PartitionCorruptions counts partitions that failed to decode.
	PartitionCorruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "corrupt_partitions_total",
			Help:      "Total number of index partitions that failed to load",
		},
	)

	// CacheLookupsTotal counts cache lookups.
	// Labels: cache (content, folder, search), result (hit, miss)
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)
)

// CacheLookup records a hit or miss for the named cache.
func CacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(cache, result).Inc()
}
