package rts2

import (
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// ConnManager — keyed table of all active connections
// -------------------------------------------------------------------------

// ConnManager owns the table of live connections, keyed by connection
// id. All mutations and lookups are serialized under one mutex; the
// send paths only enqueue into per-connection write buffers, so no
// caller blocks on I/O while holding it.
type ConnManager struct {
	mu      sync.RWMutex
	conns   map[uint64]*Conn
	logger  *slog.Logger
	metrics MetricsReporter
}

// NewConnManager creates an empty connection manager.
func NewConnManager(logger *slog.Logger, mr MetricsReporter) *ConnManager {
	if mr == nil {
		mr = noopMetrics{}
	}
	return &ConnManager{
		conns:   make(map[uint64]*Conn),
		logger:  logger.With(slog.String("component", "rts2.connmgr")),
		metrics: mr,
	}
}

// Add registers a connection.
func (m *ConnManager) Add(c *Conn) {
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
	m.metrics.ConnOpened(c.kind)
}

// Remove deletes a connection from the table and marks it DELETE.
func (m *ConnManager) Remove(id uint64) {
	m.mu.Lock()
	c, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if ok {
		_ = c.Transition(StateDeleted)
		m.metrics.ConnClosed(c.kind)
	}
}

// Get looks up a connection by id.
func (m *ConnManager) Get(id uint64) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// All returns a snapshot of every registered connection.
func (m *ConnManager) All() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// ByKind returns the connections of the given kind.
func (m *ConnManager) ByKind(kind ConnKind) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Conn
	for _, c := range m.conns {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// ByState returns the connections currently in the given state.
func (m *ConnManager) ByState(st ConnState) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Conn
	for _, c := range m.conns {
		if c.State() == st {
			out = append(out, c)
		}
	}
	return out
}

// FindDevice returns the peer-device connection with the given remote
// name in AUTH_OK or AUTH_PENDING, if any.
func (m *ConnManager) FindDevice(name string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.kind != KindDevice {
			continue
		}
		st := c.State()
		if c.RemoteName() == name && (st == StateAuthOK || st == StateAuthPending) {
			return c, true
		}
	}
	return nil, false
}

// FindByCentraldID returns the connection carrying the given
// centrald-issued id, if any.
func (m *ConnManager) FindByCentraldID(id int) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		cid, _, _ := c.Identity()
		if cid == id {
			return c, true
		}
	}
	return nil, false
}

// Centrald returns the authenticated centrald connection, if any.
func (m *ConnManager) Centrald() (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.kind == KindCentrald && c.State() == StateAuthOK {
			return c, true
		}
	}
	return nil, false
}

// Broadcast sends a message to every connection matching the filter.
// A nil filter matches all. Send failures are logged and otherwise
// ignored; the stale sweep cleans up dead peers.
func (m *ConnManager) Broadcast(msg string, filter func(*Conn) bool) {
	for _, c := range m.All() {
		if filter != nil && !filter(c) {
			continue
		}
		if err := c.SendMessage(msg); err != nil {
			m.logger.Debug("broadcast send failed",
				slog.Uint64("conn", c.id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// BroadcastAuthOK sends a message to every authenticated connection.
func (m *ConnManager) BroadcastAuthOK(msg string) {
	m.Broadcast(msg, func(c *Conn) bool { return c.State() == StateAuthOK })
}

// SweepKeepalive probes silent connections. Run every ~15 seconds.
func (m *ConnManager) SweepKeepalive(now time.Time) {
	for _, c := range m.All() {
		c.CheckKeepalive(now)
	}
}

// SweepStale closes and removes timed-out connections. Run every ~60
// seconds.
func (m *ConnManager) SweepStale(now time.Time) {
	for _, c := range m.All() {
		if c.TimedOut(now) {
			m.logger.Info("closing timed-out connection",
				slog.Uint64("conn", c.id),
				slog.String("kind", c.kind.String()),
				slog.String("state", c.State().String()),
			)
			c.Close()
			m.Remove(c.id)
		}
	}
}

// SweepDeadlines enforces per-command deadlines on every connection.
// Run on the network loop's fast tick (~100ms).
func (m *ConnManager) SweepDeadlines(now time.Time) {
	for _, c := range m.All() {
		c.ExpireDeadlines(now)
	}
}

// CloseAll closes every connection and empties the table.
func (m *ConnManager) CloseAll() {
	for _, c := range m.All() {
		c.Close()
		m.Remove(c.id)
	}
}

// Len returns the number of registered connections.
func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
