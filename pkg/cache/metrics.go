package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that can hand out a Stats snapshot.
type StatsSource interface {
	Stats() Stats
}

// StatsCollector exports cache statistics to Prometheus. Values are read
// from a fresh snapshot on every scrape.
type StatsCollector struct {
	source StatsSource

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	operations *prometheus.Desc
	errors     *prometheus.Desc
	retries    *prometheus.Desc
	hitRate    *prometheus.Desc
}

// NewStatsCollector creates a collector for source.
func NewStatsCollector(source StatsSource) *StatsCollector {
	return &StatsCollector{
		source:     source,
		hits:       prometheus.NewDesc("catalog_cache_hits_total", "Total number of cache hits", nil, nil),
		misses:     prometheus.NewDesc("catalog_cache_misses_total", "Total number of cache misses", nil, nil),
		operations: prometheus.NewDesc("catalog_cache_operations_total", "Total number of cache read operations", nil, nil),
		errors:     prometheus.NewDesc("catalog_cache_errors_total", "Total number of failed cache operations", nil, nil),
		retries:    prometheus.NewDesc("catalog_cache_retries_total", "Total number of cache operation retries", nil, nil),
		hitRate:    prometheus.NewDesc("catalog_cache_hit_rate_percent", "Cache hit rate as a percentage of read operations", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.operations
	ch <- c.errors
	ch <- c.retries
	ch <- c.hitRate
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(s.Operations))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors))
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(s.Retries))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, s.HitRate)
}
