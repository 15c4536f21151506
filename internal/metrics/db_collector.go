package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a snapshot of connection pool usage.
type PoolStats struct {
	Total    int32
	Idle     int32
	Acquired int32
	Max      int32
}

// DBPoolStatFunc returns database pool statistics without importing pgxpool.
type DBPoolStatFunc func() PoolStats

type dbPoolCollector struct {
	stats DBPoolStatFunc
	descs [4]*prometheus.Desc
}

// NewDBPoolCollector creates a collector exposing the pool gauges.
func NewDBPoolCollector(stats DBPoolStatFunc) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("bg2_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		stats: stats,
		descs: [4]*prometheus.Desc{
			desc("total_conns", "Total number of connections in the DB pool."),
			desc("idle_conns", "Number of idle connections in the DB pool."),
			desc("acquired_conns", "Number of acquired connections in the DB pool."),
			desc("max_conns", "Maximum size of the DB pool."),
		},
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for i, v := range []int32{s.Total, s.Idle, s.Acquired, s.Max} {
		ch <- prometheus.MustNewConstMetric(c.descs[i], prometheus.GaugeValue, float64(v))
	}
}
