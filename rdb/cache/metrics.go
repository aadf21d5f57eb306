package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics 以 prometheus 指标暴露缓存统计，采集时读取 Stats
type Metrics struct {
	collectors []prometheus.Collector
}

// NewMetrics 创建缓存指标，name 作为指标名前缀，需要调用方自行注册
func NewMetrics(name string, cache *Cache) *Metrics {
	gauge := func(suffix, help string, value func(Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name + "_cache_" + suffix,
			Help: help,
		}, func() float64 {
			return value(cache.Stats())
		})
	}

	return &Metrics{collectors: []prometheus.Collector{
		gauge("hits", "Number of result cache hits since last clear", func(s Stats) float64 { return float64(s.Hits) }),
		gauge("misses", "Number of result cache misses since last clear", func(s Stats) float64 { return float64(s.Misses) }),
		gauge("entries", "Number of cached results", func(s Stats) float64 { return float64(s.Size) }),
		gauge("hit_rate", "Result cache hit rate", func(s Stats) float64 { return s.HitRate }),
	}}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
