package cache_test

import (
	"context"
	"strings"
	"testing"

	"github.com/illmade-knight/go-catalogcache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStats cache.Stats

func (s staticStats) Stats() cache.Stats { return cache.Stats(s) }

func TestStatsCollector(t *testing.T) {
	t.Run("Exports a snapshot", func(t *testing.T) {
		collector := cache.NewStatsCollector(staticStats{Hits: 3, Misses: 1, Operations: 4, Errors: 2, Retries: 5, HitRate: 75})

		expected := `
# HELP catalog_cache_hit_rate_percent Cache hit rate as a percentage of read operations
# TYPE catalog_cache_hit_rate_percent gauge
catalog_cache_hit_rate_percent 75
# HELP catalog_cache_hits_total Total number of cache hits
# TYPE catalog_cache_hits_total counter
catalog_cache_hits_total 3
# HELP catalog_cache_retries_total Total number of cache operation retries
# TYPE catalog_cache_retries_total counter
catalog_cache_retries_total 5
`
		err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
			"catalog_cache_hit_rate_percent", "catalog_cache_hits_total", "catalog_cache_retries_total")
		require.NoError(t, err)
		assert.Equal(t, 6, testutil.CollectAndCount(collector))
	})

	t.Run("Follows the live cache", func(t *testing.T) {
		c, _, _ := newTestCache(t)
		reg := prometheus.NewPedanticRegistry()
		require.NoError(t, reg.Register(cache.NewStatsCollector(c)))

		_, _, err := c.Get(context.Background(), 1)
		require.NoError(t, err)

		families, err := reg.Gather()
		require.NoError(t, err)
		values := map[string]float64{}
		for _, mf := range families {
			m := mf.GetMetric()[0]
			if m.GetCounter() != nil {
				values[mf.GetName()] = m.GetCounter().GetValue()
			} else {
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
		assert.Equal(t, 1.0, values["catalog_cache_misses_total"])
		assert.Equal(t, 1.0, values["catalog_cache_operations_total"])
		assert.Equal(t, 0.0, values["catalog_cache_hit_rate_percent"])
	})
}
