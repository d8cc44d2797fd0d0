package devmetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mates14/rts2go/internal/rts2"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "rts2"
	subsystem = "device"
)

// Label names for device metrics.
const (
	labelKind    = "kind"
	labelCommand = "command"
	labelResult  = "result"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Device Metrics
// -------------------------------------------------------------------------

// Collector holds all device daemon Prometheus metrics and implements
// rts2.MetricsReporter.
//
// Metrics are designed for observatory fleet monitoring:
//   - Connection gauges track live centrald, peer and client sessions.
//   - Line counters track protocol traffic volume per connection kind.
//   - Command counters record dispatch outcomes for alerting.
//   - Timeout and auth-failure counters flag unhealthy peers.
type Collector struct {
	// Connections tracks the number of currently open connections.
	// Incremented on accept/dial, decremented on removal.
	Connections *prometheus.GaugeVec

	// LinesReceived counts inbound protocol lines per connection kind.
	LinesReceived *prometheus.CounterVec

	// LinesSent counts outbound protocol lines per connection kind.
	LinesSent *prometheus.CounterVec

	// Commands counts dispatched command tokens by outcome.
	Commands *prometheus.CounterVec

	// CommandTimeouts counts in-flight and queued commands that expired
	// without a response.
	CommandTimeouts prometheus.Counter

	// ValueBroadcasts counts V lines broadcast to authenticated peers.
	ValueBroadcasts prometheus.Counter

	// StateBroadcasts counts S/B/R lines broadcast to authenticated peers.
	StateBroadcasts prometheus.Counter

	// AuthFailures counts rejected client authorizations.
	AuthFailures prometheus.Counter
}

// NewCollector creates a Collector with all device metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "rts2_device_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.LinesReceived,
		c.LinesSent,
		c.Commands,
		c.CommandTimeouts,
		c.ValueBroadcasts,
		c.StateBroadcasts,
		c.AuthFailures,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	kindLabels := []string{labelKind}

	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently open protocol connections.",
		}, kindLabels),

		LinesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lines_received_total",
			Help:      "Total protocol lines received.",
		}, kindLabels),

		LinesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lines_sent_total",
			Help:      "Total protocol lines sent.",
		}, kindLabels),

		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_total",
			Help:      "Total commands dispatched, by token and outcome.",
		}, []string{labelCommand, labelResult}),

		CommandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "command_timeouts_total",
			Help:      "Total commands that expired without a response.",
		}),

		ValueBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "value_broadcasts_total",
			Help:      "Total value update lines broadcast to authenticated peers.",
		}),

		StateBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_broadcasts_total",
			Help:      "Total state announcement lines broadcast to authenticated peers.",
		}),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total rejected client authorizations.",
		}),
	}
}

// -------------------------------------------------------------------------
// rts2.MetricsReporter implementation
// -------------------------------------------------------------------------

// ConnOpened increments the connection gauge for the given kind.
func (c *Collector) ConnOpened(kind rts2.ConnKind) {
	c.Connections.WithLabelValues(kind.String()).Inc()
}

// ConnClosed decrements the connection gauge for the given kind.
func (c *Collector) ConnClosed(kind rts2.ConnKind) {
	c.Connections.WithLabelValues(kind.String()).Dec()
}

// LineReceived increments the inbound line counter.
func (c *Collector) LineReceived(kind rts2.ConnKind) {
	c.LinesReceived.WithLabelValues(kind.String()).Inc()
}

// LineSent increments the outbound line counter.
func (c *Collector) LineSent(kind rts2.ConnKind) {
	c.LinesSent.WithLabelValues(kind.String()).Inc()
}

// CommandDispatched records one command dispatch outcome.
func (c *Collector) CommandDispatched(token string, ok bool) {
	c.Commands.WithLabelValues(token, strconv.FormatBool(ok)).Inc()
}

// CommandTimedOut increments the command timeout counter.
func (c *Collector) CommandTimedOut() {
	c.CommandTimeouts.Inc()
}

// ValueBroadcast increments the value broadcast counter.
func (c *Collector) ValueBroadcast() {
	c.ValueBroadcasts.Inc()
}

// StateBroadcast increments the state broadcast counter.
func (c *Collector) StateBroadcast() {
	c.StateBroadcasts.Inc()
}

// AuthFailure increments the rejected authorization counter.
func (c *Collector) AuthFailure() {
	c.AuthFailures.Inc()
}
