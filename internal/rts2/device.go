package rts2

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Device — state word, BOP word, value catalogue, queued writes
// -------------------------------------------------------------------------

// Broadcaster is the device's outlet to the network: the
// NetworkManager implements it. Split out as an interface so the
// device core is testable without sockets.
type Broadcaster interface {
	// BroadcastValue sends "V <name> <rendering>" to every AUTH_OK
	// connection and clears the value's need-send flag.
	BroadcastValue(v *Value)

	// BroadcastState sends the S/B/R announcement for the current
	// device state.
	BroadcastState(line string)
}

// Device owns the 32-bit state word, the BOP word, the value
// catalogue, the two mandatory time values, and the queued-value map
// that buffers writes arriving while the device is busy.
type Device struct {
	name    string
	devType int
	logger  *slog.Logger

	cat *Catalogue

	mu            sync.Mutex
	state         uint32
	bop           uint32
	progressStart float64
	progressEnd   float64

	// queued buffers network writes while shouldQueue reports busy.
	// Drained in insertion order on every state change.
	queued     map[string]string
	queueOrder []string

	shouldQueue    func(*Value) bool
	onStateChanged func(old, new uint32)
	onClientChange func(*Value)
	infoHook       func() error

	sink Broadcaster

	infotime *Value
	uptime   *Value
}

// DeviceOption configures optional Device parameters.
type DeviceOption func(*Device)

// WithShouldQueue installs the busy predicate: when it returns true
// for a value, network writes to that value are buffered until the
// next state change. Default: never queue.
func WithShouldQueue(fn func(*Value) bool) DeviceOption {
	return func(d *Device) { d.shouldQueue = fn }
}

// WithStateChangedHook installs the user state-changed hook, invoked
// after every broadcast state change.
func WithStateChangedHook(fn func(old, new uint32)) DeviceOption {
	return func(d *Device) { d.onStateChanged = fn }
}

// WithClientChangeHook installs the hook invoked after every
// network-originated value change.
func WithClientChangeHook(fn func(*Value)) DeviceOption {
	return func(d *Device) { d.onClientChange = fn }
}

// WithInfoHook installs the hardware refresh hook run by the info
// command before values are written to the requester.
func WithInfoHook(fn func() error) DeviceOption {
	return func(d *Device) { d.infoHook = fn }
}

// NewDevice creates a device core with an empty catalogue plus the two
// mandatory time values, infotime and uptime.
func NewDevice(name string, devType int, logger *slog.Logger, opts ...DeviceOption) *Device {
	d := &Device{
		name:        name,
		devType:     devType,
		logger:      logger.With(slog.String("component", "rts2.device"), slog.String("device", name)),
		cat:         NewCatalogue(),
		state:       StateNotReady,
		queued:      make(map[string]string),
		shouldQueue: func(*Value) bool { return false },
		sink:        nopBroadcaster{},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.infotime = d.MustNewValue("infotime", "time of last update", TypeTime, 0)
	d.uptime = d.MustNewValue("uptime", "daemon start time", TypeTime, 0)
	d.uptime.SetTime(time.Now())
	return d
}

// nopBroadcaster discards broadcasts; used until the device is
// attached to a network manager.
type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastValue(v *Value) { v.ClearNeedSend() }
func (nopBroadcaster) BroadcastState(string)   {}

// AttachSink wires the device to its network broadcaster.
func (d *Device) AttachSink(b Broadcaster) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = b
}

// Name returns the device name announced to centrald.
func (d *Device) Name() string { return d.name }

// Type returns the device type code.
func (d *Device) Type() int { return d.devType }

// Catalogue returns the device's value catalogue.
func (d *Device) Catalogue() *Catalogue { return d.cat }

// -------------------------------------------------------------------------
// Value factories — values are created through the catalogue owner
// -------------------------------------------------------------------------

// NewValue creates and registers a value of the given type.
func (d *Device) NewValue(name, desc string, typ ValueType, flags Flag) (*Value, error) {
	v := newValue(name, desc, typ, flags)
	if err := d.cat.Register(v); err != nil {
		return nil, err
	}
	return v, nil
}

// MustNewValue creates and registers a value, panicking on duplicate
// names. For device construction time only.
func (d *Device) MustNewValue(name, desc string, typ ValueType, flags Flag) *Value {
	v, err := d.NewValue(name, desc, typ, flags)
	if err != nil {
		panic(err)
	}
	return v
}

// NewSelection creates and registers a selection value with the given
// ordered labels.
func (d *Device) NewSelection(name, desc string, flags Flag, labels ...string) (*Value, error) {
	v, err := d.NewValue(name, desc, TypeSelection, flags)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		v.AddLabel(l)
	}
	return v, nil
}

// -------------------------------------------------------------------------
// State word
// -------------------------------------------------------------------------

// State returns the current device state word.
func (d *Device) State() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Bop returns the current BOP word.
func (d *Device) Bop() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bop
}

// StateLine renders the announcement for the current state: B when a
// BOP word is set, S otherwise.
func (d *Device) StateLine() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLineLocked("")
}

func (d *Device) stateLineLocked(msg string) string {
	if d.bop != 0 {
		if msg != "" {
			return fmt.Sprintf("B %d %d %s", d.state, d.bop, Quote(msg))
		}
		return fmt.Sprintf("B %d %d", d.state, d.bop)
	}
	if msg != "" {
		return fmt.Sprintf("S %d %s", d.state, Quote(msg))
	}
	return fmt.Sprintf("S %d", d.state)
}

// SetState updates the device state word and broadcasts S. Queued
// value writes are drained before and after the announcement: the
// first pass flushes writes the new state unblocks, the second
// catches writes the announcement itself made eligible. The S line is
// emitted even when the state is unchanged.
func (d *Device) SetState(newState uint32, msg string) {
	d.setState(newState, nil, nil, msg)
}

// SetBopState updates both the state word and the BOP word and
// broadcasts B. Queued values are always drained, even when the BOP
// word did not change.
func (d *Device) SetBopState(newState, newBop uint32, msg string) {
	d.setState(newState, &newBop, nil, msg)
}

// SetProgressState updates the state word with a progress window and
// broadcasts R.
func (d *Device) SetProgressState(newState uint32, start, end float64, msg string) {
	d.setState(newState, nil, &[2]float64{start, end}, msg)
}

func (d *Device) setState(newState uint32, newBop *uint32, progress *[2]float64, msg string) {
	d.mu.Lock()
	old := d.state
	d.state = newState
	if newBop != nil {
		d.bop = *newBop
	}
	if progress != nil {
		d.progressStart, d.progressEnd = progress[0], progress[1]
	}
	d.mu.Unlock()

	// First drain: writes the new state unblocks go out before the
	// state announcement, so consumers never observe the value change
	// after the state change that caused it.
	d.DrainQueued()

	var line string
	switch {
	case progress != nil:
		if msg != "" {
			line = fmt.Sprintf("R %d %s %s %s",
				newState, formatSeconds(progress[0]), formatSeconds(progress[1]), Quote(msg))
		} else {
			line = fmt.Sprintf("R %d %s %s",
				newState, formatSeconds(progress[0]), formatSeconds(progress[1]))
		}
	case newBop != nil:
		if msg != "" {
			line = fmt.Sprintf("B %d %d %s", newState, *newBop, Quote(msg))
		} else {
			line = fmt.Sprintf("B %d %d", newState, *newBop)
		}
	default:
		if msg != "" {
			line = fmt.Sprintf("S %d %s", newState, Quote(msg))
		} else {
			line = fmt.Sprintf("S %d", newState)
		}
	}
	d.sink.BroadcastState(line)

	// Second drain: the announcement may have changed the busy
	// predicate's answer.
	d.DrainQueued()

	if d.onStateChanged != nil {
		d.onStateChanged(old, newState)
	}
	d.logger.Debug("state change",
		slog.String("old", fmt.Sprintf("0x%08x", old)),
		slog.String("new", fmt.Sprintf("0x%08x", newState)),
	)
}

// formatSeconds renders a progress timestamp as Unix seconds.
func formatSeconds(t float64) string {
	return fmt.Sprintf("%.6f", t)
}

// -------------------------------------------------------------------------
// Network-originated writes (X command)
// -------------------------------------------------------------------------

// ApplyClientSet handles an X write from a peer: writable check, busy
// check, type-aware parse, broadcast, client-change hook. The returned
// text is the +0 response payload. Busy writes are buffered into the
// queued-value map and acknowledged immediately.
func (d *Device) ApplyClientSet(name, raw string) (string, error) {
	v, ok := d.cat.Get(name)
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrValueNotFound)
	}
	if !v.Writable() {
		return "", fmt.Errorf("%s: %w", name, ErrValueNotWritable)
	}

	if d.shouldQueue(v) {
		d.mu.Lock()
		if _, buffered := d.queued[name]; !buffered {
			d.queueOrder = append(d.queueOrder, name)
		}
		d.queued[name] = raw
		d.mu.Unlock()
		d.logger.Debug("value write queued",
			slog.String("value", name), slog.String("raw", raw))
		return fmt.Sprintf("Value %s will change when device is idle", name), nil
	}

	if err := v.Parse(raw); err != nil {
		return "", err
	}
	d.sink.BroadcastValue(v)
	if d.onClientChange != nil {
		d.onClientChange(v)
	}
	return fmt.Sprintf("Value %s changed", name), nil
}

// PublishValue broadcasts a value changed from the hardware side to
// every authenticated connection.
func (d *Device) PublishValue(v *Value) {
	d.sink.BroadcastValue(v)
}

// DrainQueued applies the buffered value writes that the busy
// predicate no longer rejects, in insertion order, broadcasting each.
func (d *Device) DrainQueued() {
	d.mu.Lock()
	order := d.queueOrder
	pending := d.queued
	d.queueOrder = nil
	d.queued = make(map[string]string)
	d.mu.Unlock()

	var keepOrder []string
	keep := make(map[string]string)
	for _, name := range order {
		raw := pending[name]
		v, ok := d.cat.Get(name)
		if !ok {
			continue
		}
		if d.shouldQueue(v) {
			keepOrder = append(keepOrder, name)
			keep[name] = raw
			continue
		}
		if err := v.Parse(raw); err != nil {
			d.logger.Warn("queued value write failed",
				slog.String("value", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.sink.BroadcastValue(v)
		if d.onClientChange != nil {
			d.onClientChange(v)
		}
	}

	if len(keepOrder) > 0 {
		d.mu.Lock()
		// Re-buffered writes keep their position ahead of writes that
		// arrived while the drain ran.
		d.queueOrder = append(keepOrder, d.queueOrder...)
		for name, raw := range keep {
			if _, overwritten := d.queued[name]; !overwritten {
				d.queued[name] = raw
			}
		}
		d.mu.Unlock()
	}
}

// QueuedLen returns the number of buffered value writes.
func (d *Device) QueuedLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queueOrder)
}

// -------------------------------------------------------------------------
// Built-in device command group: info, base_info, device_status
// -------------------------------------------------------------------------

// Infotime returns the mandatory infotime value.
func (d *Device) Infotime() *Value { return d.infotime }

// RunInfo refreshes the hardware values via the info hook, stamps
// infotime, and writes every catalogue value plus the current state to
// the requester.
func (d *Device) RunInfo(c *Conn) error {
	if d.infoHook != nil {
		if err := d.infoHook(); err != nil {
			return err
		}
	}
	d.infotime.SetTime(time.Now())
	for _, v := range d.cat.List() {
		_ = c.SendMessage(fmt.Sprintf("V %s %s", v.Name(), v.Render()))
	}
	_ = c.SendMessage(d.StateLine())
	return nil
}

// deviceCommands is the built-in handler group for the device-level
// word commands.
type deviceCommands struct {
	dev *Device
}

// NewDeviceCommands returns the handler group for info, base_info,
// device_status and the X value-set command.
func NewDeviceCommands(dev *Device) HandlerGroup {
	return &deviceCommands{dev: dev}
}

func (g *deviceCommands) Commands() []string {
	return []string{"info", "base_info", "device_status", "X"}
}

func (g *deviceCommands) NeedsResponse(token string) bool {
	return true
}

func (g *deviceCommands) Dispatch(token string, c *Conn, params []string) (bool, string) {
	switch token {
	case "info":
		if err := g.dev.RunInfo(c); err != nil {
			return false, err.Error()
		}
		return true, "OK"
	case "base_info":
		// Constant values were already sent in the meta-info block.
		return true, "OK"
	case "device_status":
		_ = c.SendMessage(g.dev.StateLine())
		return true, "OK"
	case "X":
		// X <name> = <value>
		if len(params) < 3 || params[1] != "=" {
			return false, "usage: X <name> = <value>"
		}
		// Pair types carry two fields after the equals sign.
		raw := strings.Join(params[2:], " ")
		text, err := g.dev.ApplyClientSet(params[0], raw)
		if err != nil {
			return false, err.Error()
		}
		return true, text
	default:
		return false, fmt.Sprintf("Unknown command: %s", token)
	}
}
