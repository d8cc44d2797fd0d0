// Package filterd implements a filter wheel device with a simulated
// drive. The wheel exposes the selected filter and the per-slot
// movement time; writes arriving while the wheel turns are buffered
// and applied once it stops.
package filterd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mates14/rts2go/internal/app"
	"github.com/mates14/rts2go/internal/rts2"
)

// FilterMove is the device-specific state bit set while the wheel
// turns.
const FilterMove uint32 = 0x00000001

// defaultFilters is the wheel loadout when --filters is not given.
const defaultFilters = "open:B:V:R:I"

// defaultSlotTime is the simulated per-slot movement time.
const defaultSlotTime = 0.5

// moveQueueSize bounds buffered move requests from the network side.
const moveQueueSize = 8

// Wheel is the filter wheel device: the selection value, the movement
// timing value, and the simulated drive loop.
type Wheel struct {
	dev    *rts2.Device
	logger *slog.Logger

	filter *rts2.Value
	sleep  *rts2.Value

	// position is the slot the simulated hardware actually sits on;
	// the selection value carries the commanded slot.
	position int

	moves chan int
}

// Class returns the daemon descriptor for the filter wheel binary.
func Class() app.DeviceClass {
	return app.DeviceClass{
		Binary:      "rts2-filterd",
		Short:       "RTS2 filter wheel daemon (simulated drive)",
		DefaultName: "W0",
		Type:        rts2.DeviceTypeFW,
		RegisterFlags: func(fs *pflag.FlagSet) {
			fs.String("filters", defaultFilters, "colon-separated filter names")
		},
		New: New,
	}
}

// New constructs the wheel device. The filter loadout comes from the
// --filters flag; the simulated drive runs as the returned Runner.
func New(p app.BuildParams) (*rts2.Device, app.Runner, error) {
	loadout := defaultFilters
	if p.Flags != nil {
		if s, err := p.Flags.GetString("filters"); err == nil && s != "" {
			loadout = s
		}
	}
	return NewWithFilters(p, loadout)
}

// NewWithFilters constructs the wheel with an explicit loadout string.
func NewWithFilters(p app.BuildParams, loadout string) (*rts2.Device, app.Runner, error) {
	labels := strings.Split(loadout, ":")
	if len(labels) == 0 || labels[0] == "" {
		return nil, nil, fmt.Errorf("filter loadout %q: no filter names", loadout)
	}

	w := &Wheel{
		logger: p.Logger.With(slog.String("component", "filterd")),
		moves:  make(chan int, moveQueueSize),
	}
	w.dev = rts2.NewDevice(p.Cfg.Device.Name, rts2.DeviceTypeFW, p.Logger,
		rts2.WithShouldQueue(w.shouldQueue),
		rts2.WithClientChangeHook(w.onClientChange),
	)

	var err error
	w.filter, err = w.dev.NewSelection("filter", "currently selected filter",
		rts2.FlagWritable, labels...)
	if err != nil {
		return nil, nil, fmt.Errorf("create filter value: %w", err)
	}
	w.sleep, err = w.dev.NewValue("filter_sleep", "per-slot movement time in seconds",
		rts2.TypeDouble, rts2.FlagWritable)
	if err != nil {
		return nil, nil, fmt.Errorf("create filter_sleep value: %w", err)
	}
	w.sleep.SetFloat(defaultSlotTime)

	return w.dev, w, nil
}

// Device returns the underlying device core.
func (w *Wheel) Device() *rts2.Device { return w.dev }

// shouldQueue buffers every network write while the wheel turns.
func (w *Wheel) shouldQueue(*rts2.Value) bool {
	return w.dev.State()&FilterMove != 0
}

// onClientChange turns writes to the filter selection into move
// requests for the drive loop.
func (w *Wheel) onClientChange(v *rts2.Value) {
	if v != w.filter {
		return
	}
	target := v.Selection()
	select {
	case w.moves <- target:
	default:
		w.logger.Warn("move queue full, dropping request",
			slog.Int("target", target))
	}
}

// Run is the simulated drive loop. It marks the device ready, then
// serves move requests one at a time: FILTER_MOVE goes up with an
// exposure block, the wheel steps slot by slot, and the bit clears
// when the commanded slot is reached.
func (w *Wheel) Run(ctx context.Context) error {
	w.dev.SetState(0, "filter wheel ready")
	for {
		select {
		case <-ctx.Done():
			return nil
		case target := <-w.moves:
			w.move(ctx, target)
		}
	}
}

// move steps the simulated wheel to the target slot. Exposures are
// blocked while the wheel turns.
func (w *Wheel) move(ctx context.Context, target int) {
	if target == w.position {
		return
	}
	w.logger.Info("moving filter wheel",
		slog.Int("from", w.position),
		slog.Int("to", target),
	)
	w.dev.SetBopState(w.dev.State()|FilterMove, rts2.BopExposure, "moving filter")

	slotTime := time.Duration(w.sleep.Float() * float64(time.Second))
	for w.position != target {
		select {
		case <-ctx.Done():
			w.dev.SetBopState(w.dev.State()&^FilterMove, 0, "move aborted")
			return
		case <-time.After(slotTime):
		}
		if target > w.position {
			w.position++
		} else {
			w.position--
		}
	}

	w.dev.SetBopState(w.dev.State()&^FilterMove, 0,
		fmt.Sprintf("filter %s selected", w.filter.SelectionLabel()))
}
