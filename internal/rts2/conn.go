package rts2

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// -------------------------------------------------------------------------
// Connection Kinds
// -------------------------------------------------------------------------

// ConnKind distinguishes the three endpoint roles of a connection.
type ConnKind uint8

const (
	// KindClient is a connection accepted on the device's listener.
	KindClient ConnKind = iota

	// KindCentrald is the outbound session to the central server.
	KindCentrald

	// KindDevice is an outbound session to a peer device.
	KindDevice
)

// String returns the human-readable kind name.
func (k ConnKind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindCentrald:
		return "centrald"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Connection Errors & Defaults
// -------------------------------------------------------------------------

// Connection sentinel errors.
var (
	// ErrConnClosed indicates an operation on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrCommandInFlight indicates a SendCommand without queue-if-busy
	// while another command awaits its response.
	ErrCommandInFlight = errors.New("command already in flight")

	// ErrWriteBufferFull indicates the peer is not draining its socket.
	ErrWriteBufferFull = errors.New("write buffer full")

	// ErrInvalidTransition indicates a connection FSM violation.
	ErrInvalidTransition = errors.New("invalid connection state transition")
)

const (
	// DefaultIdleTimeout is the configurable idle timeout default.
	DefaultIdleTimeout = 300 * time.Second

	// DefaultCommandTimeout is the per-command deadline default.
	DefaultCommandTimeout = 60 * time.Second

	// preAuthTimeout bounds how long a centrald session may stay
	// unauthenticated before the sweep breaks it.
	preAuthTimeout = 60 * time.Second

	// connectTimeout bounds the CONNECTING state.
	connectTimeout = 10 * time.Second

	// writeQueueSize is the outbound line buffer depth. A full buffer
	// means the peer stopped reading; Send fails rather than blocks.
	writeQueueSize = 256

	// readBufferSize is the per-read socket buffer.
	readBufferSize = 4096

	// writeDeadline bounds a single socket write.
	writeDeadline = 10 * time.Second
)

// connIDs allocates process-unique connection ids.
var connIDs atomic.Uint64

// -------------------------------------------------------------------------
// Pending Commands
// -------------------------------------------------------------------------

// CommandCallback receives the outcome of a command sent with
// SendCommand: the matching +/- response, or a synthetic failure on
// timeout or connection teardown. It is invoked exactly once.
type CommandCallback func(ok bool, code int, msg string)

// pendingCommand is a command awaiting transmission or its response.
type pendingCommand struct {
	text     string
	cb       CommandCallback
	deadline time.Time
	done     bool
}

// finish invokes the callback exactly once.
func (pc *pendingCommand) finish(ok bool, code int, msg string) {
	if pc.done {
		return
	}
	pc.done = true
	if pc.cb != nil {
		pc.cb(ok, code, msg)
	}
}

// -------------------------------------------------------------------------
// Conn — one TCP endpoint
// -------------------------------------------------------------------------

// Conn is a single protocol endpoint: socket, lifecycle state,
// identity metadata learned during authentication, the in-flight
// command slot and the FIFO of queued commands.
//
// A Conn runs two goroutines once a socket is attached: a reader that
// splits lines and hands them to the line handler, and a writer that
// drains the outbound buffer. All other access is serialized by c.mu.
type Conn struct {
	id     uint64
	kind   ConnKind
	logger *slog.Logger

	onLine  func(*Conn, string)
	onClose func(*Conn)
	metrics MetricsReporter

	idleTimeout time.Duration

	mu    sync.Mutex
	nc    net.Conn
	state ConnState

	remoteName  string
	centraldID  int
	centraldNum int
	authKey     int

	peerState     uint32
	peerBop       uint32
	progressStart float64
	progressEnd   float64

	created      time.Time
	lastActivity time.Time

	inflight *pendingCommand
	fifo     *queue.Queue // of *pendingCommand

	// respOwed counts peer commands whose +/- response has not been
	// sent yet; further response-expecting lines are deferred.
	respOwed     int
	deferred     []string

	lineBuf LineBuffer
	writeCh chan []byte
	closed  bool
}

// ConnOption configures optional Conn parameters.
type ConnOption func(*Conn)

// WithIdleTimeout overrides the default idle timeout.
func WithIdleTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithConnMetrics attaches a MetricsReporter. Nil keeps the no-op
// reporter.
func WithConnMetrics(mr MetricsReporter) ConnOption {
	return func(c *Conn) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// WithLineHandler sets the handler for inbound non-response lines.
func WithLineHandler(fn func(*Conn, string)) ConnOption {
	return func(c *Conn) { c.onLine = fn }
}

// WithCloseHandler sets the handler invoked once when the connection
// breaks.
func WithCloseHandler(fn func(*Conn)) ConnOption {
	return func(c *Conn) { c.onClose = fn }
}

// NewConn creates a connection in the given initial state. Outbound
// connections start in StateConnecting and get their socket via
// Attach; accepted connections pass their socket to Attach immediately
// and start in StateConnected.
func NewConn(kind ConnKind, initial ConnState, logger *slog.Logger, opts ...ConnOption) *Conn {
	now := time.Now()
	c := &Conn{
		id:           connIDs.Add(1),
		kind:         kind,
		state:        initial,
		idleTimeout:  DefaultIdleTimeout,
		metrics:      noopMetrics{},
		created:      now,
		lastActivity: now,
		fifo:         queue.New(),
		writeCh:      make(chan []byte, writeQueueSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.With(
		slog.Uint64("conn", c.id),
		slog.String("kind", kind.String()),
	)
	return c
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// ID returns the process-unique connection id.
func (c *Conn) ID() uint64 { return c.id }

// Kind returns the endpoint role.
func (c *Conn) Kind() ConnKind { return c.kind }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteName returns the peer device name, when known.
func (c *Conn) RemoteName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteName
}

// SetRemoteName records the peer device name.
func (c *Conn) SetRemoteName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteName = name
}

// Identity returns the centrald-issued (id, partition, key) triple.
func (c *Conn) Identity() (id, num, key int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.centraldID, c.centraldNum, c.authKey
}

// SetIdentity records the centrald-issued identity.
func (c *Conn) SetIdentity(id, num, key int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.centraldID, c.centraldNum, c.authKey = id, num, key
}

// PeerState returns the last device state and BOP words seen from the
// peer.
func (c *Conn) PeerState() (state, bop uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerState, c.peerBop
}

// SetPeerState caches the peer's announced state and BOP words.
func (c *Conn) SetPeerState(state, bop uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerState, c.peerBop = state, bop
}

// SetProgress caches the peer's progress window.
func (c *Conn) SetProgress(start, end float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressStart, c.progressEnd = start, end
}

// Progress returns the last progress window seen from the peer.
func (c *Conn) Progress() (start, end float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressStart, c.progressEnd
}

// LastActivity returns the time of the last socket receive.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// RemoteAddr returns the socket's remote address, or nil before Attach.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	return c.nc.RemoteAddr()
}

// HasInflight reports whether a command awaits its response.
func (c *Conn) HasInflight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// QueueLen returns the number of commands waiting behind the in-flight
// slot.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fifo.Length()
}

// -------------------------------------------------------------------------
// FSM transitions
// -------------------------------------------------------------------------

// Transition moves the connection to a new lifecycle state, enforcing
// the FSM validity table.
func (c *Conn) Transition(to ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

func (c *Conn) transitionLocked(to ConnState) error {
	if !ValidTransition(c.state, to) {
		return fmt.Errorf("%s -> %s: %w", c.state, to, ErrInvalidTransition)
	}
	if c.state != to {
		c.logger.Debug("connection state change",
			slog.String("from", c.state.String()),
			slog.String("to", to.String()),
		)
		c.state = to
	}
	return nil
}

// -------------------------------------------------------------------------
// Socket attachment and pumps
// -------------------------------------------------------------------------

// Attach binds a socket to the connection, moves CONNECTING
// connections to CONNECTED, and starts the reader and writer pumps.
func (c *Conn) Attach(nc net.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = nc.Close()
		return ErrConnClosed
	}
	c.nc = nc
	if c.state == StateConnecting {
		if err := c.transitionLocked(StateConnected); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	go c.readLoop(nc)
	go c.writeLoop(nc)
	return nil
}

// readLoop is the sole socket reader: it feeds the line buffer and
// delivers complete lines. An empty read or error breaks the
// connection.
func (c *Conn) readLoop(nc net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.lastActivity = time.Now()
			lines := c.lineBuf.Feed(buf[:n])
			c.mu.Unlock()
			for _, line := range lines {
				c.metrics.LineReceived(c.kind)
				c.handleLine(line)
			}
		}
		if err != nil {
			c.logger.Debug("socket read ended", slog.String("error", err.Error()))
			c.Close()
			return
		}
	}
}

// writeLoop drains the outbound buffer to the socket in FIFO order.
// It owns the socket: when the buffer is closed it flushes whatever
// remains and only then closes the socket, so rejection lines enqueued
// right before teardown still reach the peer.
func (c *Conn) writeLoop(nc net.Conn) {
	defer func() { _ = nc.Close() }()
	for p := range c.writeCh {
		_ = nc.SetWriteDeadline(time.Now().Add(writeDeadline))
		if _, err := nc.Write(p); err != nil {
			c.logger.Debug("socket write failed", slog.String("error", err.Error()))
			go c.Close()
			return
		}
	}
}

// handleLine routes one complete inbound line: responses terminate the
// in-flight command, everything else goes to the line handler.
func (c *Conn) handleLine(line string) {
	if line == "" {
		return
	}
	if IsResponse(line) {
		ok, code, text, err := ParseResponse(line)
		if err != nil {
			c.logger.Warn("malformed response line", slog.String("line", line))
			return
		}
		c.finishInflight(ok, code, text)
		return
	}
	if c.onLine != nil {
		c.onLine(c, line)
	}
}

// finishInflight completes the current in-flight command and promotes
// the next queued command, if any.
func (c *Conn) finishInflight(ok bool, code int, msg string) {
	c.mu.Lock()
	pc := c.inflight
	c.inflight = nil
	expired := c.promoteLocked(time.Now())
	c.mu.Unlock()

	if pc != nil {
		pc.finish(ok, code, msg)
	} else {
		c.logger.Warn("response without in-flight command",
			slog.Int("code", code), slog.String("text", msg))
	}
	for _, e := range expired {
		c.metrics.CommandTimedOut()
		e.finish(false, -1, "Command timed out in queue")
	}
}

// promoteLocked pops queued commands until one with an unexpired
// deadline becomes in-flight. Expired entries are returned for
// callback invocation outside the lock.
func (c *Conn) promoteLocked(now time.Time) []*pendingCommand {
	var expired []*pendingCommand
	for c.inflight == nil && c.fifo.Length() > 0 {
		pc, _ := c.fifo.Remove().(*pendingCommand)
		if pc == nil {
			continue
		}
		if now.After(pc.deadline) {
			expired = append(expired, pc)
			continue
		}
		c.inflight = pc
		c.sendLocked([]byte(pc.text + "\n"))
	}
	return expired
}

// -------------------------------------------------------------------------
// Send paths
// -------------------------------------------------------------------------

// Send enqueues raw bytes for transmission. It never blocks: a full
// buffer or closed connection fails the send.
func (c *Conn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(p)
}

func (c *Conn) sendLocked(p []byte) error {
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.writeCh <- p:
		c.metrics.LineSent(c.kind)
		c.logger.Debug("send", slog.String("data", string(p)))
		return nil
	default:
		return ErrWriteBufferFull
	}
}

// SendMessage enqueues a text line, appending the terminating newline
// when absent.
func (c *Conn) SendMessage(text string) error {
	if len(text) == 0 || text[len(text)-1] != '\n' {
		text += "\n"
	}
	return c.Send([]byte(text))
}

// SendCommand issues a command expecting a +/- response. At most one
// command is in flight per connection; with queueIfBusy the command
// joins the FIFO and is transmitted when the current response arrives,
// otherwise the call fails. The callback fires exactly once: on the
// response, on deadline expiry, or at connection teardown.
func (c *Conn) SendCommand(text string, cb CommandCallback, queueIfBusy bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	pc := &pendingCommand{
		text:     text,
		cb:       cb,
		deadline: time.Now().Add(timeout),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.inflight != nil {
		if !queueIfBusy {
			return fmt.Errorf("%q: %w", text, ErrCommandInFlight)
		}
		c.fifo.Add(pc)
		return nil
	}
	c.inflight = pc
	return c.sendLocked([]byte(text + "\n"))
}

// -------------------------------------------------------------------------
// Response bookkeeping for peer-issued commands
// -------------------------------------------------------------------------

// BeginResponse records that a response is owed to the peer. Further
// response-expecting lines are deferred until EndResponse.
func (c *Conn) BeginResponse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respOwed++
}

// ResponseOwed reports whether a peer command still awaits its response.
func (c *Conn) ResponseOwed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respOwed > 0
}

// DeferLine stores an inbound command for replay after the owed
// response is sent.
func (c *Conn) DeferLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred = append(c.deferred, line)
}

// EndResponse marks the owed response as sent and returns the next
// deferred command to replay, if any.
func (c *Conn) EndResponse() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.respOwed > 0 {
		c.respOwed--
	}
	if c.respOwed == 0 && len(c.deferred) > 0 {
		line := c.deferred[0]
		c.deferred = c.deferred[1:]
		return line, true
	}
	return "", false
}

// -------------------------------------------------------------------------
// Sweeps — keepalive, deadlines, idle timeout
// -------------------------------------------------------------------------

// CheckKeepalive emits a T ready probe when the connection has been
// silent for more than a quarter of the idle timeout.
func (c *Conn) CheckKeepalive(now time.Time) {
	c.mu.Lock()
	idle := now.Sub(c.lastActivity)
	st := c.state
	c.mu.Unlock()
	if st == StateConnecting || st == StateBroken || st == StateDeleted {
		return
	}
	if idle > c.idleTimeout/4 {
		_ = c.SendMessage("T ready")
	}
}

// TimedOut reports whether the sweep should break the connection:
// unauthenticated centrald sessions older than a minute, dials stuck
// in CONNECTING past ten seconds, or anything idle beyond twice the
// configured timeout.
func (c *Conn) TimedOut(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	age := now.Sub(c.created)
	if c.kind == KindCentrald && c.state != StateAuthOK && age > preAuthTimeout {
		return true
	}
	if c.state == StateConnecting && age > connectTimeout {
		return true
	}
	return now.Sub(c.lastActivity) > 2*c.idleTimeout
}

// ExpireDeadlines fails the in-flight command when its deadline has
// passed and promotes the next queued command. Called from the network
// loop's fast tick; it never touches the socket beyond enqueuing the
// promoted command.
func (c *Conn) ExpireDeadlines(now time.Time) {
	c.mu.Lock()
	var timedOut *pendingCommand
	if c.inflight != nil && now.After(c.inflight.deadline) {
		timedOut = c.inflight
		c.inflight = nil
	}
	var expired []*pendingCommand
	if timedOut != nil {
		expired = c.promoteLocked(now)
	}
	c.mu.Unlock()

	if timedOut != nil {
		c.metrics.CommandTimedOut()
		timedOut.finish(false, -1, "timed out")
	}
	for _, e := range expired {
		c.metrics.CommandTimedOut()
		e.finish(false, -1, "Command timed out in queue")
	}
}

// -------------------------------------------------------------------------
// Teardown
// -------------------------------------------------------------------------

// Close breaks the connection: the state moves to BROKEN, the
// in-flight and queued command callbacks fire with failure, and the
// close handler runs once. Closing the outbound buffer lets the writer
// pump flush any remaining lines; the writer closes the socket once
// the buffer is drained.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateBroken
	inflight := c.inflight
	c.inflight = nil
	var queued []*pendingCommand
	for c.fifo.Length() > 0 {
		if pc, ok := c.fifo.Remove().(*pendingCommand); ok {
			queued = append(queued, pc)
		}
	}
	close(c.writeCh)
	c.mu.Unlock()

	if inflight != nil {
		inflight.finish(false, -1, "connection closed")
	}
	for _, pc := range queued {
		pc.finish(false, -1, "Command timed out in queue")
	}
	c.logger.Debug("connection closed")
	if c.onClose != nil {
		c.onClose(c)
	}
}
