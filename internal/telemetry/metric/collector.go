package metric

import "github.com/prometheus/client_golang/prometheus"

// TableStats is a point-in-time view of the live table.
type TableStats struct {
	Entities         int
	WithAttributes   int
	ActiveGeneration uint64
}

// Collector exports live table statistics on every scrape.
type Collector struct {
	stats func() TableStats

	entities   *prometheus.Desc
	attributes *prometheus.Desc
	active     *prometheus.Desc
}

// NewCollector creates a collector reading from stats.
func NewCollector(stats func() TableStats) *Collector {
	return &Collector{
		stats: stats,
		entities: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "table", "entities"),
			"Entities currently held by the table.", nil, nil),
		attributes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "table", "entities_with_attributes"),
			"Entities that carry extra attributes.", nil, nil),
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "save", "active_generation"),
			"Generation of the running collection, 0 if idle.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entities
	ch <- c.attributes
	ch <- c.active
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.entities, prometheus.GaugeValue, float64(s.Entities))
	ch <- prometheus.MustNewConstMetric(c.attributes, prometheus.GaugeValue, float64(s.WithAttributes))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.ActiveGeneration))
}
