package fcgikit

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	buckets = []float64{0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.000, 2.500, 5.000, 10.000}
)

// Monitor bundles the interface's Prometheus collectors behind a private
// registry.
type Monitor struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	RecordsReceived     *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

func NewMonitor(logger *logrus.Logger) *Monitor {
	reg := prometheus.NewRegistry()
	monitor := &Monitor{
		Registry: reg,

		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastcgi_connections_accepted_total",
			Help: "Connections accepted by the interface",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fastcgi_connections_rejected_total",
			Help: "Connections rejected by limits, overload, or address authorization",
		}),
		RecordsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastcgi_records_received_total",
			Help: "Complete records received, by record type",
		}, []string{"type"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fastcgi_request_duration_seconds",
			Help:    "Time from request assignment to completion",
			Buckets: buckets,
		}, []string{"role", "protocol_status"}),
	}

	reg.MustRegister(monitor.ConnectionsAccepted)
	reg.MustRegister(monitor.ConnectionsRejected)
	reg.MustRegister(monitor.RecordsReceived)
	reg.MustRegister(monitor.RequestDuration)

	logger.Debugf("Monitor initialized")

	return monitor
}

func (m *Monitor) observeRecord(recordType byte) {
	if m == nil {
		return
	}
	m.RecordsReceived.WithLabelValues(strconv.Itoa(int(recordType))).Inc()
}

func (m *Monitor) observeAccept(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.ConnectionsAccepted.Inc()
	} else {
		m.ConnectionsRejected.Inc()
	}
}

func (m *Monitor) observeCompletion(role uint16, protocolStatus byte, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.
		WithLabelValues(
			strconv.Itoa(int(role)),
			strconv.Itoa(int(protocolStatus)),
		).
		Observe(seconds)
}
