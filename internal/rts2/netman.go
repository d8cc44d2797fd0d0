package rts2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// NetworkManager — listener, centrald session, pumps, interest loop
// -------------------------------------------------------------------------

// NetworkManager errors.
var (
	// ErrNoCentrald indicates no authenticated centrald connection is
	// available for an authorization relay.
	ErrNoCentrald = errors.New("authorization service not available")

	// ErrRegistrationRejected indicates centrald refused our register
	// command. The framework does not auto-reconnect; restarting is the
	// application's responsibility.
	ErrRegistrationRejected = errors.New("registration rejected by centrald")
)

const (
	// staleSweepInterval is how often timed-out connections are reaped.
	staleSweepInterval = 60 * time.Second

	// keepaliveSweepInterval is how often silent connections are probed.
	keepaliveSweepInterval = 15 * time.Second

	// deadlineSweepInterval is the fast tick that enforces per-command
	// deadlines and drains connection FIFOs.
	deadlineSweepInterval = 100 * time.Millisecond

	// interestTickInterval paces the interest loop.
	interestTickInterval = time.Second

	// shutdownGrace bounds the wait for pumps during shutdown.
	shutdownGrace = 2 * time.Second

	// taskQueueSize is the event loop's inbound work buffer.
	taskQueueSize = 1024
)

// MessageEvent is an M-line observatory message forwarded to the
// process-wide message sink.
type MessageEvent struct {
	Time   time.Time
	Origin string
	Type   int
	Text   string
}

// NetConfig carries the network-facing configuration of a device.
type NetConfig struct {
	// ListenPort is the device's TCP port; 0 means kernel-assigned.
	ListenPort int

	// ServerHost and ServerPort locate centrald.
	ServerHost string
	ServerPort int

	// IdleTimeout is the per-connection idle timeout.
	IdleTimeout time.Duration
}

// NetworkManager composes the runtime: the TCP listener, the outbound
// centrald session, the connection manager, the command registry, the
// entity registry, the interest set, and the event loop that serializes
// command dispatch and periodic sweeps.
type NetworkManager struct {
	logger  *slog.Logger
	metrics MetricsReporter

	device    *Device
	cm        *ConnManager
	reg       *Registry
	entities  *EntityRegistry
	interests *InterestSet

	cfg NetConfig

	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup

	mu         sync.Mutex
	listener   net.Listener
	actualPort int
	centraldID int
	authKey    int
	registered bool
	authorized bool
	// pendingAuth maps a centrald-issued client id to the client
	// connection waiting for authorization_ok.
	pendingAuth map[int]uint64

	onCentraldConnected func(connID uint64)
	msgSink             func(MessageEvent)
}

// NetworkOption configures optional NetworkManager parameters.
type NetworkOption func(*NetworkManager)

// WithNetworkMetrics attaches a MetricsReporter.
func WithNetworkMetrics(mr MetricsReporter) NetworkOption {
	return func(nm *NetworkManager) {
		if mr != nil {
			nm.metrics = mr
		}
	}
}

// WithCentraldConnected sets the callback run once the centrald
// session reaches AUTH_OK.
func WithCentraldConnected(fn func(connID uint64)) NetworkOption {
	return func(nm *NetworkManager) { nm.onCentraldConnected = fn }
}

// WithMessageSink sets the process-wide sink for M-line messages.
func WithMessageSink(fn func(MessageEvent)) NetworkOption {
	return func(nm *NetworkManager) { nm.msgSink = fn }
}

// NewNetworkManager wires a device to the network runtime. The device
// command group, the protocol handler groups and the entity handler
// group are registered in order.
func NewNetworkManager(dev *Device, cfg NetConfig, logger *slog.Logger, opts ...NetworkOption) *NetworkManager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	nm := &NetworkManager{
		logger:      logger.With(slog.String("component", "rts2.netman")),
		metrics:     noopMetrics{},
		device:      dev,
		entities:    NewEntityRegistry(),
		interests:   NewInterestSet(),
		cfg:         cfg,
		tasks:       make(chan func(), taskQueueSize),
		done:        make(chan struct{}),
		pendingAuth: make(map[int]uint64),
	}
	for _, opt := range opts {
		opt(nm)
	}
	nm.cm = NewConnManager(logger, nm.metrics)
	nm.reg = NewRegistry(logger, nm.metrics)
	nm.reg.Register(newStateHandlers(nm))
	nm.reg.Register(newValueHandlers(nm))
	nm.reg.Register(newEntityHandlers(nm))
	nm.reg.Register(newAuthHandlers(nm))
	nm.reg.Register(NewDeviceCommands(dev))
	dev.AttachSink(nm)
	return nm
}

// Registry exposes the command registry so applications can register
// additional handler groups.
func (nm *NetworkManager) Registry() *Registry { return nm.reg }

// Connections exposes the connection manager.
func (nm *NetworkManager) Connections() *ConnManager { return nm.cm }

// Entities exposes the centrald entity registry.
func (nm *NetworkManager) Entities() *EntityRegistry { return nm.entities }

// Interests exposes the interest set for subscriptions.
func (nm *NetworkManager) Interests() *InterestSet { return nm.interests }

// ListenPort returns the bound listener port (meaningful after Run
// has started; equals the configured port unless that was 0).
func (nm *NetworkManager) ListenPort() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.actualPort
}

// -------------------------------------------------------------------------
// Run — the network loop
// -------------------------------------------------------------------------

// Run binds the listener, dials centrald, and runs the event loop
// until the context is cancelled. The loop is the sole executor of
// command handlers; periodic sweeps run on its tickers.
func (nm *NetworkManager) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", nm.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("bind listener port %d: %w", nm.cfg.ListenPort, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	nm.mu.Lock()
	nm.listener = ln
	nm.actualPort = port
	nm.mu.Unlock()
	nm.logger.Info("listening", slog.Int("port", port))

	nm.wg.Add(1)
	go nm.acceptLoop(ln)

	if nm.cfg.ServerHost != "" {
		nm.dialCentrald()
	}

	nm.wg.Add(1)
	go nm.interestLoop()

	deadlines := time.NewTicker(deadlineSweepInterval)
	defer deadlines.Stop()
	keepalive := time.NewTicker(keepaliveSweepInterval)
	defer keepalive.Stop()
	stale := time.NewTicker(staleSweepInterval)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			nm.shutdown()
			return nil
		case task := <-nm.tasks:
			task()
		case now := <-deadlines.C:
			nm.cm.SweepDeadlines(now)
		case now := <-keepalive.C:
			nm.cm.SweepKeepalive(now)
		case now := <-stale.C:
			nm.cm.SweepStale(now)
		}
	}
}

// shutdown closes the listener and every connection, then waits for
// the pumps with a bounded grace period.
func (nm *NetworkManager) shutdown() {
	close(nm.done)
	nm.mu.Lock()
	ln := nm.listener
	nm.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	nm.cm.CloseAll()

	waited := make(chan struct{})
	go func() {
		nm.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(shutdownGrace):
		nm.logger.Warn("shutdown grace period expired")
	}
	nm.logger.Info("network manager stopped")
}

// enqueue hands work to the event loop. Blocks for backpressure;
// drops the task when the loop is shutting down.
func (nm *NetworkManager) enqueue(task func()) {
	select {
	case nm.tasks <- task:
	case <-nm.done:
	}
}

// lineReceived is every connection's line handler: dispatch runs on
// the event loop, never on the socket reader goroutine.
func (nm *NetworkManager) lineReceived(c *Conn, line string) {
	nm.enqueue(func() { nm.reg.Dispatch(c, line) })
}

// connClosed removes broken connections from the manager and drops
// any pending client authorization they were waiting on.
func (nm *NetworkManager) connClosed(c *Conn) {
	id, _, _ := c.Identity()
	nm.mu.Lock()
	if pending, ok := nm.pendingAuth[id]; ok && pending == c.ID() {
		delete(nm.pendingAuth, id)
	}
	nm.mu.Unlock()
	nm.cm.Remove(c.ID())
}

// -------------------------------------------------------------------------
// Listener
// -------------------------------------------------------------------------

// acceptLoop admits clients: each accepted socket becomes a client
// connection and immediately receives the meta-info block.
func (nm *NetworkManager) acceptLoop(ln net.Listener) {
	defer nm.wg.Done()
	for {
		sock, err := ln.Accept()
		if err != nil {
			select {
			case <-nm.done:
				return
			default:
			}
			nm.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}
		c := nm.newConn(KindClient, StateConnected)
		nm.cm.Add(c)
		if err := c.Attach(sock); err != nil {
			nm.logger.Warn("attach failed", slog.String("error", err.Error()))
			c.Close()
			continue
		}
		nm.logger.Info("client connected",
			slog.Uint64("conn", c.ID()),
			slog.String("addr", sock.RemoteAddr().String()),
		)
		nm.sendMetaInfo(c)
	}
}

// newConn builds a connection wired to this manager's handlers.
func (nm *NetworkManager) newConn(kind ConnKind, initial ConnState) *Conn {
	return NewConn(kind, initial, nm.logger,
		WithIdleTimeout(nm.cfg.IdleTimeout),
		WithConnMetrics(nm.metrics),
		WithLineHandler(nm.lineReceived),
		WithCloseHandler(nm.connClosed),
	)
}

// sendMetaInfo writes the full meta-info block: every value's M
// declaration, the F enumerators for selections, and the current V
// value.
func (nm *NetworkManager) sendMetaInfo(c *Conn) {
	for _, v := range nm.device.Catalogue().List() {
		for _, line := range v.MetaLines() {
			_ = c.SendMessage(line)
		}
	}
}

// -------------------------------------------------------------------------
// Outbound centrald session
// -------------------------------------------------------------------------

// dialCentrald opens the outbound centrald session. The dial runs on
// its own goroutine; registration continues on the event loop.
func (nm *NetworkManager) dialCentrald() {
	c := nm.newConn(KindCentrald, StateConnecting)
	nm.cm.Add(c)
	addr := net.JoinHostPort(nm.cfg.ServerHost, strconv.Itoa(nm.cfg.ServerPort))

	nm.wg.Add(1)
	go func() {
		defer nm.wg.Done()
		sock, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err != nil {
			nm.logger.Error("centrald dial failed",
				slog.String("addr", addr),
				slog.String("error", err.Error()),
			)
			c.Close()
			return
		}
		nm.enqueue(func() {
			if err := c.Attach(sock); err != nil {
				c.Close()
				return
			}
			nm.registerWithCentrald(c)
		})
	}()
}

// registerWithCentrald performs the registration handshake:
//
//	-> register 0 <device-name> <device-type> localhost <listen-port>
//	<- +0 ... / registered_as <id>
//	-> key <device-name>
//	<- authorization_key <name> <key> / A authorization_ok <id>
//
// AUTH_OK requires both registered_as and authorization_ok.
func (nm *NetworkManager) registerWithCentrald(c *Conn) {
	if err := c.Transition(StateAuthPending); err != nil {
		nm.logger.Warn("centrald session state", slog.String("error", err.Error()))
		return
	}
	cmd := fmt.Sprintf("register 0 %s %d localhost %d",
		nm.device.Name(), nm.device.Type(), nm.ListenPort())
	err := c.SendCommand(cmd, func(ok bool, code int, msg string) {
		if !ok {
			nm.logger.Error("centrald rejected registration",
				slog.Int("code", code), slog.String("msg", msg))
			c.Close()
		}
	}, true, DefaultCommandTimeout)
	if err != nil {
		nm.logger.Error("register send failed", slog.String("error", err.Error()))
		c.Close()
	}
}

// handleRegisteredAs records our centrald-issued device id and
// requests the auth key.
func (nm *NetworkManager) handleRegisteredAs(c *Conn, id int) {
	nm.mu.Lock()
	nm.centraldID = id
	nm.registered = true
	nm.mu.Unlock()
	nm.logger.Info("registered with centrald", slog.Int("device_id", id))

	// key draws the authorization_key notification, not a +/- response,
	// so it must not occupy the in-flight command slot.
	if err := c.SendMessage("key " + nm.device.Name()); err != nil {
		nm.logger.Warn("key send failed", slog.String("error", err.Error()))
	}
	nm.maybeCentraldAuthOK(c)
}

// handleAuthorizationKey stores the centrald-issued auth key for
// outbound peer sessions.
func (nm *NetworkManager) handleAuthorizationKey(name string, key int) {
	if name != nm.device.Name() {
		return
	}
	nm.mu.Lock()
	nm.authKey = key
	nm.mu.Unlock()
}

// handleAuthorizationOK resolves an authorization confirmation from
// centrald: for our own id it may complete the centrald session; for
// any other id it admits the pending client connection.
func (nm *NetworkManager) handleAuthorizationOK(c *Conn, id int) {
	nm.mu.Lock()
	own := nm.registered && id == nm.centraldID
	nm.mu.Unlock()

	if own {
		nm.mu.Lock()
		nm.authorized = true
		nm.mu.Unlock()
		nm.maybeCentraldAuthOK(c)
		return
	}
	nm.completeClientAuthorization(id)
}

// maybeCentraldAuthOK promotes the centrald session once both
// registered_as and authorization_ok have been seen.
func (nm *NetworkManager) maybeCentraldAuthOK(c *Conn) {
	nm.mu.Lock()
	ready := nm.registered && nm.authorized
	nm.mu.Unlock()
	if !ready || c.State() == StateAuthOK {
		return
	}
	if err := c.Transition(StateAuthOK); err != nil {
		nm.logger.Warn("centrald auth transition", slog.String("error", err.Error()))
		return
	}
	nm.logger.Info("centrald session authenticated")
	if nm.onCentraldConnected != nil {
		nm.onCentraldConnected(c.ID())
	}
}

// -------------------------------------------------------------------------
// Client authorization relay
// -------------------------------------------------------------------------

// handleClientAuth relays a client's auth request to centrald. The
// client stays AUTH_PENDING until centrald confirms with
// authorization_ok; without a centrald session the client is rejected
// and closed.
func (nm *NetworkManager) handleClientAuth(c *Conn, id, num, key int) {
	c.SetIdentity(id, num, key)
	if err := c.Transition(StateAuthPending); err != nil {
		nm.logger.Warn("client auth state", slog.String("error", err.Error()))
		return
	}

	central, ok := nm.cm.Centrald()
	if !ok {
		nm.metrics.AuthFailure()
		_ = c.SendMessage(FormatResponse(false, 1, "Authorization service not available"))
		c.Close()
		return
	}

	nm.mu.Lock()
	nm.pendingAuth[id] = c.ID()
	nm.mu.Unlock()

	if err := central.SendMessage(fmt.Sprintf("authorize %d %d", id, key)); err != nil {
		nm.logger.Warn("authorize relay failed", slog.String("error", err.Error()))
	}
}

// completeClientAuthorization admits the pending client for the given
// centrald id: AUTH_OK, meta-info, current state, +0 OK authorized.
func (nm *NetworkManager) completeClientAuthorization(id int) {
	nm.mu.Lock()
	connID, ok := nm.pendingAuth[id]
	delete(nm.pendingAuth, id)
	nm.mu.Unlock()
	if !ok {
		nm.logger.Warn("authorization_ok for unknown client", slog.Int("id", id))
		return
	}
	c, ok := nm.cm.Get(connID)
	if !ok {
		return
	}
	if err := c.Transition(StateAuthOK); err != nil {
		nm.logger.Warn("client auth transition", slog.String("error", err.Error()))
		return
	}
	nm.sendMetaInfo(c)
	_ = c.SendMessage(fmt.Sprintf("B %d %d", nm.device.State(), nm.device.Bop()))
	_ = c.SendMessage(FormatResponse(true, 0, "OK authorized"))
	nm.logger.Info("client authorized", slog.Uint64("conn", c.ID()), slog.Int("id", id))
}

// failClientAuthorization rejects the pending client for the given id.
func (nm *NetworkManager) failClientAuthorization(id int) {
	nm.mu.Lock()
	connID, ok := nm.pendingAuth[id]
	delete(nm.pendingAuth, id)
	nm.mu.Unlock()
	if !ok {
		return
	}
	c, ok := nm.cm.Get(connID)
	if !ok {
		return
	}
	nm.metrics.AuthFailure()
	_ = c.Transition(StateAuthFailed)
	_ = c.SendMessage(FormatResponse(false, 1, "authorization failed"))
	c.Close()
}

// -------------------------------------------------------------------------
// Outbound peer sessions
// -------------------------------------------------------------------------

// DialPeer opens an authenticated session to a peer device advertised
// by centrald, using our centrald-issued identity.
func (nm *NetworkManager) DialPeer(ent Entity) {
	c := nm.newConn(KindDevice, StateConnecting)
	c.SetRemoteName(ent.Name)
	nm.cm.Add(c)
	addr := net.JoinHostPort(ent.Host, strconv.Itoa(ent.Port))

	nm.wg.Add(1)
	go func() {
		defer nm.wg.Done()
		sock, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err != nil {
			nm.logger.Warn("peer dial failed",
				slog.String("peer", ent.Name),
				slog.String("error", err.Error()),
			)
			c.Close()
			return
		}
		nm.enqueue(func() {
			if err := c.Attach(sock); err != nil {
				c.Close()
				return
			}
			nm.authToPeer(c)
		})
	}()
}

// authToPeer sends our credentials to a peer device and promotes the
// session on the + response. Freshly authenticated interest peers get
// an immediate info and device_status so the callbacks fire.
func (nm *NetworkManager) authToPeer(c *Conn) {
	if err := c.Transition(StateAuthPending); err != nil {
		return
	}
	nm.mu.Lock()
	id, key := nm.centraldID, nm.authKey
	nm.mu.Unlock()

	// One centrald session per device, so the centrald index is 0.
	cmd := fmt.Sprintf("auth %d 0 %d", id, key)
	err := c.SendCommand(cmd, func(ok bool, code int, msg string) {
		if !ok {
			nm.logger.Warn("peer rejected auth",
				slog.String("peer", c.RemoteName()),
				slog.Int("code", code), slog.String("msg", msg))
			c.Close()
			return
		}
		if err := c.Transition(StateAuthOK); err != nil {
			return
		}
		nm.logger.Info("peer session authenticated", slog.String("peer", c.RemoteName()))
		if nm.interests.Contains(c.RemoteName()) {
			_ = c.SendCommand("info", nil, true, DefaultCommandTimeout)
			_ = c.SendCommand("device_status", nil, true, DefaultCommandTimeout)
		}
	}, true, DefaultCommandTimeout)
	if err != nil {
		c.Close()
	}
}

// -------------------------------------------------------------------------
// Interest loop
// -------------------------------------------------------------------------

// interestLoop periodically reconciles the interest set against the
// live peer sessions, dialing any advertised peer we are not yet
// connected to. Attempts to the same peer are spaced by the backoff.
func (nm *NetworkManager) interestLoop() {
	defer nm.wg.Done()
	ticker := time.NewTicker(interestTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-nm.done:
			return
		case now := <-ticker.C:
			nm.interestTick(now)
		}
	}
}

func (nm *NetworkManager) interestTick(now time.Time) {
	if _, ok := nm.cm.Centrald(); !ok {
		return
	}
	for _, name := range nm.interests.Names() {
		if _, connected := nm.cm.FindDevice(name); connected {
			continue
		}
		ent, advertised := nm.entities.ByName(name)
		if !advertised || ent.Kind != EntityDevice {
			continue
		}
		if !nm.interests.AttemptAllowed(name, now) {
			continue
		}
		nm.logger.Info("dialing interest peer",
			slog.String("peer", name),
			slog.String("host", ent.Host),
			slog.Int("port", ent.Port),
		)
		nm.DialPeer(ent)
	}
}

// -------------------------------------------------------------------------
// Broadcaster — the device's outlet
// -------------------------------------------------------------------------

// BroadcastValue sends the value's V line to every authenticated
// connection and clears its need-send flag.
func (nm *NetworkManager) BroadcastValue(v *Value) {
	nm.cm.BroadcastAuthOK(fmt.Sprintf("V %s %s", v.Name(), v.Render()))
	v.ClearNeedSend()
	nm.metrics.ValueBroadcast()
}

// BroadcastState sends a state announcement line to every
// authenticated connection.
func (nm *NetworkManager) BroadcastState(line string) {
	nm.cm.BroadcastAuthOK(line)
	nm.metrics.StateBroadcast()
}

// forwardMessage hands an M-line event to the process-wide sink.
func (nm *NetworkManager) forwardMessage(ev MessageEvent) {
	if nm.msgSink != nil {
		nm.msgSink(ev)
	}
}
