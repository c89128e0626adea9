package main

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without it in tests.
type Metrics struct {
	reg        *prom.Registry
	reports    *prom.CounterVec
	commands   *prom.CounterVec
	gestures   *prom.CounterVec
	statusAcks prom.Counter
	connState  prom.Gauge
}

// NewMetrics registers the collectors on a fresh registry. uptime supplies
// the petlink_uptime_seconds gauge.
func NewMetrics(uptime func() float64) *Metrics {
	m := &Metrics{reg: prom.NewRegistry()}

	m.reports = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "petlink",
		Name:      "reports_total",
		Help:      "Status report attempts by result (sent, failed, skipped)",
	}, []string{"result"})
	m.commands = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "petlink",
		Name:      "commands_total",
		Help:      "Remote commands processed by command and result",
	}, []string{"command", "result"})
	m.gestures = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "petlink",
		Name:      "gestures_total",
		Help:      "Input events reduced by the gesture coordinator",
	}, []string{"kind"})
	m.statusAcks = prom.NewCounter(prom.CounterOpts{
		Namespace: "petlink",
		Name:      "status_acks_total",
		Help:      "status_ack frames received from the reporting server",
	})
	m.connState = prom.NewGauge(prom.GaugeOpts{
		Namespace: "petlink",
		Name:      "connection_state",
		Help:      "Reporting channel state: 0 disconnected, 1 connecting, 2 connected",
	})

	m.reg.MustRegister(m.reports, m.commands, m.gestures, m.statusAcks, m.connState)

	if uptime != nil {
		m.reg.MustRegister(prom.NewGaugeFunc(prom.GaugeOpts{
			Namespace: "petlink",
			Name:      "uptime_seconds",
			Help:      "Device uptime counter as held by the state store",
		}, uptime))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) IncReport(result string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(result).Inc()
}

func (m *Metrics) IncCommand(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) IncGesture(kind string) {
	if m == nil {
		return
	}
	m.gestures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncStatusAck() {
	if m == nil {
		return
	}
	m.statusAcks.Inc()
}

func (m *Metrics) SetConnState(s ConnState) {
	if m == nil {
		return
	}
	m.connState.Set(float64(s))
}
