// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	BridgeConnected   prometheus.Gauge
	OverlayClients    prometheus.Gauge
	MessagesReceived  prometheus.Counter
	StateUpdates      prometheus.Counter
	ParseErrors       prometheus.Counter
	BridgeConnections prometheus.Counter
	CommandsSent      prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		BridgeConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_connected",
			Help:      "Whether a bridge client is currently connected (0/1)",
		}),
		OverlayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overlay_clients",
			Help:      "Number of connected overlay websocket clients",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of lines received from the bridge",
		}),
		StateUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_updates_total",
			Help:      "Total number of state snapshots applied",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Total number of undecodable bridge messages",
		}),
		BridgeConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_connections_total",
			Help:      "Total number of accepted bridge connections",
		}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Total number of commands sent to the bridge",
		}),
	}

	prometheus.MustRegister(
		m.BridgeConnected,
		m.OverlayClients,
		m.MessagesReceived,
		m.StateUpdates,
		m.ParseErrors,
		m.BridgeConnections,
		m.CommandsSent,
	)

	return m
}

type Monitor struct {
	metrics   *Metrics
	mux       *http.ServeMux
	startTime time.Time
}

func NewMonitor(namespace string) *Monitor {
	m := &Monitor{
		metrics:   NewMetrics(namespace),
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}

	m.mux.Handle("/metrics", promhttp.Handler())
	expvar.Publish("uptime", expvar.Func(func() interface{} {
		return time.Since(m.startTime).Seconds()
	}))
	m.mux.Handle("/debug/vars", expvar.Handler())

	return m
}

// Handle registers an extra endpoint (e.g. /status) on the monitor
// server. Must be called before StartServer.
func (m *Monitor) Handle(pattern string, handler http.Handler) {
	m.mux.Handle(pattern, handler)
}

func (m *Monitor) StartServer(addr string) {
	go http.ListenAndServe(addr, m.mux)
}

func (m *Monitor) SetBridgeConnected(connected bool) {
	if connected {
		m.metrics.BridgeConnected.Set(1)
	} else {
		m.metrics.BridgeConnected.Set(0)
	}
}

func (m *Monitor) SetOverlayClients(count int) {
	m.metrics.OverlayClients.Set(float64(count))
}

func (m *Monitor) IncMessagesReceived() {
	m.metrics.MessagesReceived.Inc()
}

func (m *Monitor) IncStateUpdates() {
	m.metrics.StateUpdates.Inc()
}

func (m *Monitor) IncParseErrors() {
	m.metrics.ParseErrors.Inc()
}

func (m *Monitor) IncBridgeConnections() {
	m.metrics.BridgeConnections.Inc()
}

func (m *Monitor) IncCommandsSent() {
	m.metrics.CommandsSent.Inc()
}
