package rts2_test

import (
	"testing"

	"github.com/mates14/rts2go/internal/rts2"
)

func TestCentralStateDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		word    rts2.CentralState
		period  rts2.Period
		onoff   rts2.OnOff
		weather bool
	}{
		{name: "daytime on", word: 0x00, period: rts2.PeriodDay, onoff: rts2.On},
		{name: "night on", word: 0x03, period: rts2.PeriodNight, onoff: rts2.On},
		{name: "night standby", word: 0x13, period: rts2.PeriodNight, onoff: rts2.Standby},
		{name: "dusk soft off", word: 0x22, period: rts2.PeriodDusk, onoff: rts2.SoftOff},
		{name: "morning hard off", word: 0x35, period: rts2.PeriodMorning, onoff: rts2.HardOff},
		{name: "bad weather night", word: 0x80000003, period: rts2.PeriodNight, onoff: rts2.On, weather: true},
		{name: "unknown period", word: 0x09, period: rts2.PeriodUnknown, onoff: rts2.On},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.word.Period(); got != tt.period {
				t.Errorf("Period() = %s, want %s", got, tt.period)
			}
			if got := tt.word.OnOff(); got != tt.onoff {
				t.Errorf("OnOff() = %s, want %s", got, tt.onoff)
			}
			if got := tt.word.WeatherBad(); got != tt.weather {
				t.Errorf("WeatherBad() = %v, want %v", got, tt.weather)
			}
		})
	}
}

func TestStateMasks(t *testing.T) {
	t.Parallel()

	// The masks partition the word: device bits, error bits, weather
	// reason and BOP classes must not overlap.
	if rts2.StateDeviceMask&rts2.StateErrorMask != 0 {
		t.Error("device mask overlaps error mask")
	}
	if rts2.StateErrorMask&rts2.StateWeatherReasonMask != 0 {
		t.Error("error mask overlaps weather reason mask")
	}
	if rts2.StateWeatherReasonMask&rts2.BopMask != 0 {
		t.Error("weather reason mask overlaps BOP mask")
	}
	if rts2.BopMask&(rts2.StateStopEverything|rts2.StateWeatherBad) != 0 {
		t.Error("BOP mask overlaps the global bits")
	}

	all := rts2.BopExposure | rts2.BopReadout | rts2.BopTelMove | rts2.BopWillExpose | rts2.BopTrigExpose
	if all != rts2.BopMask {
		t.Errorf("BOP classes = 0x%x, want 0x%x", all, rts2.BopMask)
	}
}
