package rts2_test

import (
	"testing"
	"time"

	"github.com/mates14/rts2go/internal/rts2"
)

func TestInterestSubscribeValue(t *testing.T) {
	t.Parallel()

	s := rts2.NewInterestSet()

	var gotDevice, gotValue, gotRaw string
	err := s.SubscribeValue("CCD1.temp", func(device, value, raw string) {
		gotDevice, gotValue, gotRaw = device, value, raw
	})
	if err != nil {
		t.Fatalf("SubscribeValue: %v", err)
	}

	if !s.Contains("CCD1") {
		t.Error("Contains(CCD1) = false after subscription")
	}
	if s.Contains("CCD2") {
		t.Error("Contains(CCD2) = true with no subscription")
	}

	s.NotifyValue("CCD1", "temp", "-1.50000000000000000000e+01")
	if gotDevice != "CCD1" || gotValue != "temp" || gotRaw != "-1.50000000000000000000e+01" {
		t.Errorf("callback got (%q, %q, %q)", gotDevice, gotValue, gotRaw)
	}

	// A different value of the same device does not fire the callback.
	gotRaw = ""
	s.NotifyValue("CCD1", "exposure", "1")
	if gotRaw != "" {
		t.Errorf("callback fired for unsubscribed value, raw = %q", gotRaw)
	}
}

func TestInterestSubscribeValueBadKey(t *testing.T) {
	t.Parallel()

	s := rts2.NewInterestSet()
	if err := s.SubscribeValue("nodot", nil); err == nil {
		t.Error("SubscribeValue accepted a key without a dot")
	}
	if err := s.SubscribeValue(".temp", nil); err == nil {
		t.Error("SubscribeValue accepted an empty device name")
	}
}

func TestInterestSubscribeState(t *testing.T) {
	t.Parallel()

	s := rts2.NewInterestSet()

	var gotState, gotBop uint32
	s.SubscribeState("W0", func(device string, state, bop uint32) {
		gotState, gotBop = state, bop
	})

	if !s.Contains("W0") {
		t.Error("Contains(W0) = false after state subscription")
	}

	s.NotifyState("W0", 0x10001, 0x01000000)
	if gotState != 0x10001 || gotBop != 0x01000000 {
		t.Errorf("state callback got (0x%x, 0x%x)", gotState, gotBop)
	}

	// Notifications for other devices are ignored.
	gotState = 0
	s.NotifyState("F0", 7, 0)
	if gotState != 0 {
		t.Error("state callback fired for unsubscribed device")
	}
}

func TestInterestNames(t *testing.T) {
	t.Parallel()

	s := rts2.NewInterestSet()
	_ = s.SubscribeValue("CCD1.temp", func(string, string, string) {})
	_ = s.SubscribeValue("CCD1.filter", func(string, string, string) {})
	s.SubscribeState("W0", func(string, uint32, uint32) {})

	names := s.Names()
	if len(names) != 2 {
		t.Errorf("Names() = %q, want 2 device names", names)
	}
	seen := make(map[string]bool)
	for _, n := range names {
		seen[n] = true
	}
	if !seen["CCD1"] || !seen["W0"] {
		t.Errorf("Names() = %q, want CCD1 and W0", names)
	}
}

func TestInterestAttemptBackoff(t *testing.T) {
	t.Parallel()

	s := rts2.NewInterestSet()
	base := time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)

	if !s.AttemptAllowed("CCD1", base) {
		t.Fatal("first attempt denied")
	}
	// Within the backoff window every attempt is denied.
	if s.AttemptAllowed("CCD1", base.Add(time.Second)) {
		t.Error("attempt allowed 1s after the last one")
	}
	if s.AttemptAllowed("CCD1", base.Add(29*time.Second)) {
		t.Error("attempt allowed 29s after the last one")
	}
	// After the window the next attempt is permitted and re-arms the clock.
	if !s.AttemptAllowed("CCD1", base.Add(31*time.Second)) {
		t.Error("attempt denied after the backoff elapsed")
	}
	if s.AttemptAllowed("CCD1", base.Add(32*time.Second)) {
		t.Error("attempt allowed right after the re-armed one")
	}

	// Backoff is tracked per device.
	if !s.AttemptAllowed("W0", base) {
		t.Error("first attempt for another device denied")
	}
}
