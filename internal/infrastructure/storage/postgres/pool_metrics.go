package postgres

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is satisfied by *Pool.
type StatsSource interface {
	Stats() PoolStats
}

// PoolCollector exports connection counts of warehouse pools, labelled by
// pool name. Stats are read at scrape time.
type PoolCollector struct {
	pools []StatsSource

	total    *prometheus.Desc
	acquired *prometheus.Desc
	idle     *prometheus.Desc
	max      *prometheus.Desc
	acquires *prometheus.Desc
	waited   *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

func NewPoolCollector(pools ...StatsSource) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("shipsync", "db_pool", name), help, []string{"pool"}, nil)
	}
	return &PoolCollector{
		pools:    pools,
		total:    desc("conns_total", "Open connections."),
		acquired: desc("conns_acquired", "Connections in use."),
		idle:     desc("conns_idle", "Idle connections."),
		max:      desc("conns_max", "Configured connection limit."),
		acquires: desc("acquires_total", "Successful connection acquisitions."),
		waited:   desc("acquire_seconds_total", "Time spent acquiring connections."),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.total, c.acquired, c.idle, c.max, c.acquires, c.waited} {
		ch <- d
	}
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.pools {
		s := p.Stats()
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns), s.Name)
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns), s.Name)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns), s.Name)
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns), s.Name)
		ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.AcquireCount), s.Name)
		ch <- prometheus.MustNewConstMetric(c.waited, prometheus.CounterValue, s.AcquireDuration.Seconds(), s.Name)
	}
}
