// Package metrics holds the Prometheus instrumentation of the proxy core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vproxy"

// Registry is private to the proxy so tests and embedders do not collide
// with the global default registry.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	InvariantViolations = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invariant_violations_total",
		Help:      "Readiness events fired without legitimate work",
	})
	AcceptedConnections = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accepted_connections_total",
		Help:      "Sockets accepted by listening servers",
	})
	AcceptFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "accept_failures_total",
		Help:      "Failed accept calls",
	})
	ClosedConnections = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "closed_connections_total",
		Help:      "Connections closed by the reactor or by user code",
	})
	BytesRead = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "read_bytes_total",
		Help:      "Bytes read from sockets into in buffers",
	})
	BytesWritten = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "written_bytes_total",
		Help:      "Bytes written from out buffers to sockets",
	})
	ActiveSessions = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Proxy sessions currently open",
	}, []string{"lb"})
	SecurityDenied = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_denied_total",
		Help:      "Connections rejected by a security group",
	}, []string{"lb"})
	BackendConnectFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_connect_failures_total",
		Help:      "Failed connects to backend servers",
	}, []string{"group", "server"})
	ProtocolViolations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_violations_total",
		Help:      "Processor feed failures",
	}, []string{"protocol"})
)

// Handler serves the proxy registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
