// Package metrics exposes Prometheus collectors for the bridge, per
// SPEC_FULL.md §C.3. Grounded on go-server-3/internal/metrics/metrics.go's
// Registry/NewRegistry/Handler shape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the bridge exports.
type Registry struct {
	PacketsRX          prometheus.Counter
	PacketsTX          prometheus.Counter
	PublishFailures    prometheus.Counter
	BrokersConnected   prometheus.Gauge
	BrokerConnects     *prometheus.CounterVec
	BrokerDisconnects  *prometheus.CounterVec
	BrokerReconnects   *prometheus.CounterVec
	CommandsAccepted   prometheus.Counter
	CommandsRejected   *prometheus.CounterVec
	ProcessCPUPercent  prometheus.Gauge
	ProcessRSSBytes    prometheus.Gauge
}

// NewRegistry creates and registers the bridge's collectors.
func NewRegistry() *Registry {
	return &Registry{
		PacketsRX: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshbridge_packets_rx_total",
			Help: "Total number of RX packet events parsed from the device.",
		}),
		PacketsTX: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshbridge_packets_tx_total",
			Help: "Total number of TX packet events parsed from the device.",
		}),
		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshbridge_publish_failures_total",
			Help: "Total number of publish attempts that failed or were suppressed.",
		}),
		BrokersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshbridge_brokers_connected",
			Help: "Number of brokers currently connected.",
		}),
		BrokerConnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_broker_connects_total",
			Help: "Total successful connects, per broker.",
		}, []string{"broker"}),
		BrokerDisconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_broker_disconnects_total",
			Help: "Total disconnects, per broker.",
		}, []string{"broker"}),
		BrokerReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_broker_reconnects_total",
			Help: "Total reconnect attempts, per broker.",
		}, []string{"broker"}),
		CommandsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "meshbridge_commands_accepted_total",
			Help: "Total remote serial commands accepted and executed.",
		}),
		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_commands_rejected_total",
			Help: "Total remote serial commands rejected, by reason.",
		}, []string{"reason"}),
		ProcessCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshbridge_process_cpu_percent",
			Help: "Bridge process CPU utilization percent, sampled each stats interval.",
		}),
		ProcessRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "meshbridge_process_rss_bytes",
			Help: "Bridge process resident set size in bytes, sampled each stats interval.",
		}),
	}
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
