package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	hitsDesc = prometheus.NewDesc("ourfiles_block_cache_hits_total",
		"Block cache lookups served from memory.", nil, nil)
	missesDesc = prometheus.NewDesc("ourfiles_block_cache_misses_total",
		"Block cache lookups that went to disk.", nil, nil)
	evictionsDesc = prometheus.NewDesc("ourfiles_block_cache_evictions_total",
		"Blocks evicted from the cache.", nil, nil)
	sizeDesc = prometheus.NewDesc("ourfiles_block_cache_blocks",
		"Blocks currently cached.", nil, nil)
)

// Collector exposes cache metrics to prometheus.
type Collector struct {
	c *Cache
}

// NewCollector returns a prometheus collector for c.
func NewCollector(c *Cache) *Collector {
	return &Collector{c: c}
}

// Describe implements prometheus.Collector.
func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- hitsDesc
	ch <- missesDesc
	ch <- evictionsDesc
	ch <- sizeDesc
}

// Collect implements prometheus.Collector.
func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	m := col.c.Metrics()
	ch <- prometheus.MustNewConstMetric(hitsDesc, prometheus.CounterValue, float64(m.Hits))
	ch <- prometheus.MustNewConstMetric(missesDesc, prometheus.CounterValue, float64(m.Misses))
	ch <- prometheus.MustNewConstMetric(evictionsDesc, prometheus.CounterValue, float64(m.Evictions))
	ch <- prometheus.MustNewConstMetric(sizeDesc, prometheus.GaugeValue, float64(m.Size))
}
