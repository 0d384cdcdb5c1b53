// Package metrics exposes the agent's operational surface: a loopback
// /healthz liveness probe and a Prometheus /metrics endpoint. This is
// not the Control Protocol (control implements that independently over
// TLS with HMAC auth) — it is the ambient observability surface every
// echo+prometheus component in the teacher's monorepo provides,
// generalized from per-server HTTP APIs to one process-wide endpoint.
// Grounded on presbrey-pkg/echoprom/echoprom.go's registry/middleware
// shape and irc/server/botapi.go's echo.New()-per-component pattern.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brudvik/munin-agent/t"
)

// Registry is the process-wide Prometheus registry, kept separate from
// the default global one so tests can construct an isolated Server.
var Registry = prometheus.NewRegistry()

var (
	// ConnectionState reports the supervisor.State of each configured
	// server as a 0/1 gauge per (server, state) pair, mirroring the
	// teacher's per-server ServerStats snapshot.
	ConnectionState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "munin_agent_connection_state",
			Help: "1 for the supervisor state a server connection currently holds, 0 otherwise",
		},
		[]string{"server", "state"},
	)

	// ReconnectAttempts counts every reconnect dial a server's supervisor
	// has made since process start.
	ReconnectAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "munin_agent_reconnect_attempts_total",
			Help: "Reconnect attempts made by a server's supervisor",
		},
		[]string{"server"},
	)

	// SendQueueDepth tracks how many messages are currently buffered in
	// a server's send queue, as last set through SetSendQueueDepth; the
	// send queue itself does not report to it.
	SendQueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "munin_agent_send_queue_depth",
			Help: "Messages currently buffered in a server's send queue",
		},
		[]string{"server"},
	)

	// ProtectionActions counts channel protection enforcement actions by
	// server, channel, and action kind (kick, ban, warn).
	ProtectionActions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "munin_agent_protection_actions_total",
			Help: "Channel protection actions taken",
		},
		[]string{"server", "channel", "action"},
	)

	// ControlSessions reports the number of currently authenticated
	// Control Protocol sessions.
	ControlSessions = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "munin_agent_control_sessions",
			Help: "Authenticated control protocol sessions currently open",
		},
	)

	// AuditEventsDropped counts audit records the audit store failed to
	// persist, per spec.md §7's "every recovery path that drops work
	// records an audit event" policy — this is the meta-metric for when
	// even that path fails.
	AuditEventsDropped = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Name: "munin_agent_audit_events_dropped_total",
			Help: "Audit events that could not be persisted",
		},
	)
)

// SetConnectionState zeroes every other known state for server and sets
// state to 1, so a Grafana panel can graph exactly one active series per
// server without manual deduplication.
func SetConnectionState(server string, state string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		ConnectionState.WithLabelValues(server, s).Set(v)
	}
}

// IncReconnect records one reconnect attempt for server.
func IncReconnect(server string) {
	ReconnectAttempts.WithLabelValues(server).Inc()
}

// SetSendQueueDepth records the current buffered depth for server.
func SetSendQueueDepth(server string, depth int) {
	SendQueueDepth.WithLabelValues(server).Set(float64(depth))
}

// IncProtectionAction records one enforcement action.
func IncProtectionAction(server, channel, action string) {
	ProtectionActions.WithLabelValues(server, channel, action).Inc()
}

// HealthChecker reports whether the component it represents is healthy
// enough to serve traffic; Host implements this by checking that every
// server connection's session is registered.
type HealthChecker interface {
	Healthy() (bool, string)
}

// Server is the loopback-only HTTP surface. It is deliberately separate
// from the Control Protocol listener: spec.md's control plane is a
// bespoke authenticated binary protocol, while this is plaintext HTTP
// meant to be bound to 127.0.0.1 or scraped from inside a private
// network, per the teacher's webportal/botapi precedent of one echo
// instance per concern.
type Server struct {
	echo   *echo.Echo
	addr   string
	health HealthChecker
}

// NewServer builds the metrics HTTP surface listening on addr (commonly
// "127.0.0.1:9090"). health may be nil, in which case /healthz always
// reports ok.
func NewServer(addr string, health HealthChecker) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, addr: addr, health: health}
	s.Mount(e)
	return s
}

// Mount registers /healthz and /metrics onto any t.EchoMount (an
// *echo.Echo or an *echo.Group), so callers that already run their own
// echo instance for other purposes can fold this surface into it
// instead of standing up a second listener.
func (s *Server) Mount(m t.EchoMount) {
	m.GET("/healthz", s.handleHealthz)
	m.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})))
}

func (s *Server) handleHealthz(c echo.Context) error {
	if s.health == nil {
		return c.String(http.StatusOK, "ok")
	}
	ok, detail := s.health.Healthy()
	if !ok {
		return c.String(http.StatusServiceUnavailable, detail)
	}
	return c.String(http.StatusOK, "ok")
}

// Start begins serving in the background. It returns immediately;
// errors after startup are delivered to errCh (buffered, capacity 1).
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown gracefully stops the HTTP surface.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
