package filterd_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mates14/rts2go/internal/app"
	"github.com/mates14/rts2go/internal/config"
	"github.com/mates14/rts2go/internal/filterd"
	"github.com/mates14/rts2go/internal/rts2"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stateSink forwards state broadcasts to a channel so tests can follow
// the simulated drive without polling.
type stateSink struct {
	states chan string
}

func (s *stateSink) BroadcastValue(v *rts2.Value) { v.ClearNeedSend() }
func (s *stateSink) BroadcastState(line string)   { s.states <- line }

func buildParams(name string) app.BuildParams {
	return app.BuildParams{
		Cfg:    &config.Config{Device: config.DeviceConfig{Name: name}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func waitLine(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line := <-ch:
		return line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a state broadcast")
		return ""
	}
}

func TestNewWithFilters(t *testing.T) {
	t.Parallel()

	dev, runner, err := filterd.NewWithFilters(buildParams("W0"), "open:B:V:R:I")
	if err != nil {
		t.Fatalf("NewWithFilters: %v", err)
	}
	if runner == nil {
		t.Fatal("runner is nil")
	}
	if dev.Type() != rts2.DeviceTypeFW {
		t.Errorf("device type = %d, want %d", dev.Type(), rts2.DeviceTypeFW)
	}

	v, ok := dev.Catalogue().Get("filter")
	if !ok {
		t.Fatal("filter value missing")
	}
	labels := v.Labels()
	if len(labels) != 5 || labels[0] != "open" || labels[4] != "I" {
		t.Errorf("filter labels = %q", labels)
	}
	if !v.Writable() {
		t.Error("filter value is not writable")
	}

	sleep, ok := dev.Catalogue().Get("filter_sleep")
	if !ok {
		t.Fatal("filter_sleep value missing")
	}
	if sleep.Float() != 0.5 {
		t.Errorf("filter_sleep = %v, want 0.5", sleep.Float())
	}
}

func TestNewWithFiltersEmptyLoadout(t *testing.T) {
	t.Parallel()

	if _, _, err := filterd.NewWithFilters(buildParams("W0"), ""); err == nil {
		t.Error("NewWithFilters accepted an empty loadout")
	}
}

func TestWheelMove(t *testing.T) {
	t.Parallel()

	dev, runner, err := filterd.NewWithFilters(buildParams("W0"), "open:B:V")
	if err != nil {
		t.Fatalf("NewWithFilters: %v", err)
	}

	sink := &stateSink{states: make(chan string, 16)}
	dev.AttachSink(sink)

	// Shrink the simulated travel time before the drive starts.
	if _, err := dev.ApplyClientSet("filter_sleep", "0.001"); err != nil {
		t.Fatalf("set filter_sleep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("drive loop did not stop")
		}
	}()

	if got := waitLine(t, sink.states); got != `S 0 "filter wheel ready"` {
		t.Fatalf("ready announcement = %q", got)
	}

	// Commanding slot 2 raises FILTER_MOVE with an exposure block, then
	// clears it once the wheel arrives.
	if _, err := dev.ApplyClientSet("filter", "V"); err != nil {
		t.Fatalf("set filter: %v", err)
	}

	if got := waitLine(t, sink.states); got != `B 1 16777216 "moving filter"` {
		t.Fatalf("move announcement = %q", got)
	}
	if got := waitLine(t, sink.states); got != `B 0 0 "filter V selected"` {
		t.Fatalf("arrival announcement = %q", got)
	}
	if dev.State()&filterd.FilterMove != 0 {
		t.Error("FILTER_MOVE still set after arrival")
	}
}

func TestWheelQueuesWritesWhileMoving(t *testing.T) {
	t.Parallel()

	dev, _, err := filterd.NewWithFilters(buildParams("W0"), "open:B:V")
	if err != nil {
		t.Fatalf("NewWithFilters: %v", err)
	}

	// Simulate a turning wheel without the drive loop.
	dev.SetState(filterd.FilterMove, "")

	text, err := dev.ApplyClientSet("filter_sleep", "1.5")
	if err != nil {
		t.Fatalf("ApplyClientSet: %v", err)
	}
	if text != "Value filter_sleep will change when device is idle" {
		t.Errorf("response text = %q", text)
	}
	if dev.QueuedLen() != 1 {
		t.Errorf("QueuedLen() = %d, want 1", dev.QueuedLen())
	}

	// The buffered write applies when the wheel stops.
	dev.SetState(0, "")
	sleep, _ := dev.Catalogue().Get("filter_sleep")
	if sleep.Float() != 1.5 {
		t.Errorf("filter_sleep after drain = %v, want 1.5", sleep.Float())
	}
}
