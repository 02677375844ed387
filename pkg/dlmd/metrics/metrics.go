// Package metrics exposes this daemon's health as Prometheus metrics,
// generalizing the prometheus/common logging import in
// pkg/mcast/core/transport.go into full client_golang instrumentation,
// since nothing in the daemon's domain otherwise exercises that
// dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"
)

// Metrics holds every gauge/counter this daemon reports.
type Metrics struct {
	ConnectedNodes   prometheus.Gauge
	Lockspaces       prometheus.Gauge
	JoinedLockspaces prometheus.Gauge
	Commits          prometheus.Counter
	MessagesSent     *prometheus.CounterVec
	MessagesRecv     *prometheus.CounterVec
}

// metricName validates a fully-qualified metric name before
// registration, catching a typo'd namespace/name pairing at startup
// instead of at the first scrape.
func metricName(namespace, name string) {
	full := model.LabelValue(namespace + "_" + name)
	if !model.IsValidMetricName(full) {
		panic("metrics: invalid metric name " + string(full))
	}
}

// New builds and registers a Metrics set against reg.
func New(reg prometheus.Registerer) *Metrics {
	metricName("dlmd", "connected_nodes")
	metricName("dlmd", "lockspaces")
	metricName("dlmd", "joined_lockspaces")
	metricName("dlmd", "commits_total")
	metricName("dlmd", "messages_sent_total")
	metricName("dlmd", "messages_received_total")

	m := &Metrics{
		ConnectedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlmd",
			Name:      "connected_nodes",
			Help:      "Number of peer nodes currently connected.",
		}),
		Lockspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlmd",
			Name:      "lockspaces",
			Help:      "Number of lockspaces currently tracked.",
		}),
		JoinedLockspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlmd",
			Name:      "joined_lockspaces",
			Help:      "Number of lockspaces the local node is a member of.",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlmd",
			Name:      "commits_total",
			Help:      "Number of lockspace reconfiguration commits applied.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmd",
			Name:      "messages_sent_total",
			Help:      "Peer protocol messages sent, by type.",
		}, []string{"type"}),
		MessagesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlmd",
			Name:      "messages_received_total",
			Help:      "Peer protocol messages received, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.ConnectedNodes, m.Lockspaces, m.JoinedLockspaces, m.Commits, m.MessagesSent, m.MessagesRecv)
	return m
}

// Handler returns an http.Handler serving reg in the Prometheus
// exposition format, for a debug listener.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
