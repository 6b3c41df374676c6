package zstream

import "github.com/prometheus/client_golang/prometheus"

// StatsCollector exposes a connection's counters as prometheus
// counters. Register one per connection (or per pooled Stats) with
// distinct const labels.
//
//	reg.MustRegister(zstream.NewStatsCollector(conn.Stats(), prometheus.Labels{"peer": addr}))
type StatsCollector struct {
	stats *Stats

	txTotal      *prometheus.Desc
	txCompressed *prometheus.Desc
	rxTotal      *prometheus.Desc
	rxCompressed *prometheus.Desc
}

func NewStatsCollector(stats *Stats, labels prometheus.Labels) *StatsCollector {
	return &StatsCollector{
		stats: stats,
		txTotal: prometheus.NewDesc(
			"zstream_tx_bytes_total",
			"Plaintext bytes accepted by write operations.",
			nil, labels,
		),
		txCompressed: prometheus.NewDesc(
			"zstream_tx_bytes_compressed",
			"Compressed bytes handed to the next layer.",
			nil, labels,
		),
		rxTotal: prometheus.NewDesc(
			"zstream_rx_bytes_total",
			"Plaintext bytes delivered to read callers.",
			nil, labels,
		),
		rxCompressed: prometheus.NewDesc(
			"zstream_rx_bytes_compressed",
			"Compressed bytes pulled from the next layer.",
			nil, labels,
		),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.txTotal
	ch <- c.txCompressed
	ch <- c.rxTotal
	ch <- c.rxCompressed
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Load()
	ch <- prometheus.MustNewConstMetric(c.txTotal, prometheus.CounterValue, float64(s.TxBytesTotal))
	ch <- prometheus.MustNewConstMetric(c.txCompressed, prometheus.CounterValue, float64(s.TxBytesCompressed))
	ch <- prometheus.MustNewConstMetric(c.rxTotal, prometheus.CounterValue, float64(s.RxBytesTotal))
	ch <- prometheus.MustNewConstMetric(c.rxCompressed, prometheus.CounterValue, float64(s.RxBytesCompressed))
}
