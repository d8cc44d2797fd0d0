package rts2

// MetricsReporter receives runtime instrumentation events. The
// prometheus-backed implementation lives in internal/metrics; the
// runtime itself only depends on this interface and falls back to the
// no-op reporter when none is configured.
type MetricsReporter interface {
	// ConnOpened is called when a connection is added to the manager.
	ConnOpened(kind ConnKind)

	// ConnClosed is called when a connection leaves the manager.
	ConnClosed(kind ConnKind)

	// LineReceived is called for every complete inbound protocol line.
	LineReceived(kind ConnKind)

	// LineSent is called for every outbound protocol line.
	LineSent(kind ConnKind)

	// CommandDispatched is called after a command token was dispatched.
	CommandDispatched(token string, ok bool)

	// CommandTimedOut is called when an in-flight or queued command
	// expires without a response.
	CommandTimedOut()

	// ValueBroadcast is called for every V broadcast to AUTH_OK peers.
	ValueBroadcast()

	// StateBroadcast is called for every S/B/R broadcast.
	StateBroadcast()

	// AuthFailure is called when a client authorization is rejected.
	AuthFailure()
}

// noopMetrics is the default reporter when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) ConnOpened(ConnKind)            {}
func (noopMetrics) ConnClosed(ConnKind)            {}
func (noopMetrics) LineReceived(ConnKind)          {}
func (noopMetrics) LineSent(ConnKind)              {}
func (noopMetrics) CommandDispatched(string, bool) {}
func (noopMetrics) CommandTimedOut()               {}
func (noopMetrics) ValueBroadcast()                {}
func (noopMetrics) StateBroadcast()                {}
func (noopMetrics) AuthFailure()                   {}
