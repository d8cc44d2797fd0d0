package devmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	devmetrics "github.com/mates14/rts2go/internal/metrics"
	"github.com/mates14/rts2go/internal/rts2"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := devmetrics.NewCollector(reg)

	if c.Connections == nil {
		t.Error("Connections is nil")
	}
	if c.LinesReceived == nil {
		t.Error("LinesReceived is nil")
	}
	if c.LinesSent == nil {
		t.Error("LinesSent is nil")
	}
	if c.Commands == nil {
		t.Error("Commands is nil")
	}
	if c.CommandTimeouts == nil {
		t.Error("CommandTimeouts is nil")
	}
	if c.ValueBroadcasts == nil {
		t.Error("ValueBroadcasts is nil")
	}
	if c.StateBroadcasts == nil {
		t.Error("StateBroadcasts is nil")
	}
	if c.AuthFailures == nil {
		t.Error("AuthFailures is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestConnectionGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := devmetrics.NewCollector(reg)

	// Open two client connections and one centrald session.
	c.ConnOpened(rts2.KindClient)
	c.ConnOpened(rts2.KindClient)
	c.ConnOpened(rts2.KindCentrald)

	val := gaugeValue(t, c.Connections, "client")
	if val != 2 {
		t.Errorf("client connections gauge = %v, want 2", val)
	}

	val = gaugeValue(t, c.Connections, "centrald")
	if val != 1 {
		t.Errorf("centrald connections gauge = %v, want 1", val)
	}

	// Close one client -- gauge drops to 1, centrald unaffected.
	c.ConnClosed(rts2.KindClient)

	val = gaugeValue(t, c.Connections, "client")
	if val != 1 {
		t.Errorf("after ConnClosed: client gauge = %v, want 1", val)
	}

	val = gaugeValue(t, c.Connections, "centrald")
	if val != 1 {
		t.Errorf("centrald gauge = %v, want 1 (should be unaffected)", val)
	}
}

func TestLineCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := devmetrics.NewCollector(reg)

	c.LineReceived(rts2.KindClient)
	c.LineReceived(rts2.KindClient)
	c.LineReceived(rts2.KindClient)

	val := counterValue(t, c.LinesReceived, "client")
	if val != 3 {
		t.Errorf("LinesReceived = %v, want 3", val)
	}

	c.LineSent(rts2.KindDevice)
	c.LineSent(rts2.KindDevice)

	val = counterValue(t, c.LinesSent, "device")
	if val != 2 {
		t.Errorf("LinesSent = %v, want 2", val)
	}
}

func TestCommandCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := devmetrics.NewCollector(reg)

	c.CommandDispatched("info", true)
	c.CommandDispatched("info", true)
	c.CommandDispatched("X", false)

	val := counterValue(t, c.Commands, "info", "true")
	if val != 2 {
		t.Errorf("Commands(info, true) = %v, want 2", val)
	}

	val = counterValue(t, c.Commands, "X", "false")
	if val != 1 {
		t.Errorf("Commands(X, false) = %v, want 1", val)
	}
}

func TestPlainCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := devmetrics.NewCollector(reg)

	c.CommandTimedOut()
	c.ValueBroadcast()
	c.ValueBroadcast()
	c.StateBroadcast()
	c.AuthFailure()
	c.AuthFailure()
	c.AuthFailure()

	if val := plainCounterValue(t, c.CommandTimeouts); val != 1 {
		t.Errorf("CommandTimeouts = %v, want 1", val)
	}
	if val := plainCounterValue(t, c.ValueBroadcasts); val != 2 {
		t.Errorf("ValueBroadcasts = %v, want 2", val)
	}
	if val := plainCounterValue(t, c.StateBroadcasts); val != 1 {
		t.Errorf("StateBroadcasts = %v, want 1", val)
	}
	if val := plainCounterValue(t, c.AuthFailures); val != 3 {
		t.Errorf("AuthFailures = %v, want 3", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

// plainCounterValue reads the current value of an unlabeled counter.
func plainCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
