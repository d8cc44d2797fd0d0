// Package focusd implements a focuser device with a simulated stage.
// The focuser tracks a commanded target position and steps toward it,
// raising FOC_FOCUSING and an exposure block while the stage moves.
package focusd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/mates14/rts2go/internal/app"
	"github.com/mates14/rts2go/internal/rts2"
)

// FocFocusing is the device-specific state bit set while the stage
// moves.
const FocFocusing uint32 = 0x00000001

// tickInterval paces the simulated stage.
const tickInterval = 100 * time.Millisecond

// defaultStep is the stage travel per tick when focstep is unset.
const defaultStep = 1

// Focuser is the focuser device: current position, commanded target,
// step size, and the simulated stage loop.
type Focuser struct {
	dev    *rts2.Device
	logger *slog.Logger

	pos    *rts2.Value
	target *rts2.Value
	step   *rts2.Value
}

// Class returns the daemon descriptor for the focuser binary.
func Class() app.DeviceClass {
	return app.DeviceClass{
		Binary:      "rts2-focusd",
		Short:       "RTS2 focuser daemon (simulated stage)",
		DefaultName: "F0",
		Type:        rts2.DeviceTypeFocus,
		RegisterFlags: func(fs *pflag.FlagSet) {
			fs.Float64("start-position", 0, "initial stage position")
		},
		New: New,
	}
}

// New constructs the focuser device and its simulated stage runner.
func New(p app.BuildParams) (*rts2.Device, app.Runner, error) {
	start := 0.0
	if p.Flags != nil {
		if v, err := p.Flags.GetFloat64("start-position"); err == nil {
			start = v
		}
	}

	f := &Focuser{
		logger: p.Logger.With(slog.String("component", "focusd")),
	}
	f.dev = rts2.NewDevice(p.Cfg.Device.Name, rts2.DeviceTypeFocus, p.Logger,
		rts2.WithShouldQueue(f.shouldQueue),
	)

	var err error
	f.pos, err = f.dev.NewValue("FOC_POS", "focuser position",
		rts2.TypeDouble, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("create FOC_POS value: %w", err)
	}
	f.target, err = f.dev.NewValue("FOC_TAR", "commanded focuser position",
		rts2.TypeDouble, rts2.FlagWritable)
	if err != nil {
		return nil, nil, fmt.Errorf("create FOC_TAR value: %w", err)
	}
	f.step, err = f.dev.NewValue("focstep", "stage travel per tick",
		rts2.TypeInteger, rts2.FlagWritable)
	if err != nil {
		return nil, nil, fmt.Errorf("create focstep value: %w", err)
	}
	f.pos.SetFloat(start)
	f.target.SetFloat(start)
	f.step.SetInt(defaultStep)

	return f.dev, f, nil
}

// Device returns the underlying device core.
func (f *Focuser) Device() *rts2.Device { return f.dev }

// shouldQueue buffers writes to everything except the target while
// the stage moves. FOC_TAR stays writable so a move can be retargeted
// mid-travel.
func (f *Focuser) shouldQueue(v *rts2.Value) bool {
	if v == f.target {
		return false
	}
	return f.dev.State()&FocFocusing != 0
}

// Run is the simulated stage loop. Each tick the stage travels at
// most focstep toward the commanded target; FOC_FOCUSING and an
// exposure block are held for the whole travel.
func (f *Focuser) Run(ctx context.Context) error {
	f.dev.SetState(0, "focuser ready")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.tick()
		}
	}
}

// tick advances the stage one step and manages the moving bit.
func (f *Focuser) tick() {
	pos := f.pos.Float()
	tar := f.target.Float()
	moving := f.dev.State()&FocFocusing != 0

	if pos == tar {
		if moving {
			f.dev.SetBopState(f.dev.State()&^FocFocusing, 0,
				fmt.Sprintf("focuser at %g", pos))
		}
		return
	}

	if !moving {
		f.logger.Info("focusing",
			slog.Float64("from", pos),
			slog.Float64("to", tar),
		)
		f.dev.SetBopState(f.dev.State()|FocFocusing, rts2.BopExposure, "focusing")
	}

	step := float64(f.step.Int())
	if step <= 0 {
		step = defaultStep
	}
	switch {
	case tar > pos+step:
		pos += step
	case tar < pos-step:
		pos -= step
	default:
		pos = tar
	}
	f.pos.SetFloat(pos)
	f.dev.PublishValue(f.pos)
}
