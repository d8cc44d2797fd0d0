package rts2

// -------------------------------------------------------------------------
// Device State Word — 32-bit layout
// -------------------------------------------------------------------------
//
// Bit layout (wire compatible with the C++ centrald):
//
//	bits  0-15  device-kind specific (FILTERD_MOVE, FOC_FOCUSING, ...)
//	bits 16-19  error mask (ERROR_HW, ERROR_KILL, NOT_READY)
//	bits 20-23  weather reason
//	bits 24-28  BOP coordination classes
//	bit  30     stop everything
//	bit  31     weather bad

const (
	// StateDeviceMask selects the device-kind specific low bits.
	StateDeviceMask uint32 = 0x0000ffff

	// StateErrorHW flags a hardware error reported by the driver.
	StateErrorHW uint32 = 0x00010000

	// StateErrorKill flags a forcibly interrupted operation.
	StateErrorKill uint32 = 0x00020000

	// StateNotReady flags a device that has not completed startup.
	StateNotReady uint32 = 0x00040000

	// StateErrorMask selects all error bits.
	StateErrorMask uint32 = 0x000f0000

	// StateWeatherReasonMask selects the weather-reason bits.
	StateWeatherReasonMask uint32 = 0x00f00000

	// StateStopEverything orders all motion to cease.
	StateStopEverything uint32 = 0x40000000

	// StateWeatherBad flags unsafe observing weather.
	StateWeatherBad uint32 = 0x80000000
)

// -------------------------------------------------------------------------
// BOP Word — Block-Operation coordination classes
// -------------------------------------------------------------------------

const (
	// BopExposure blocks while a camera exposure is running.
	BopExposure uint32 = 0x01000000

	// BopReadout blocks while a detector readout is running.
	BopReadout uint32 = 0x02000000

	// BopTelMove blocks while the telescope is moving.
	BopTelMove uint32 = 0x04000000

	// BopWillExpose announces an imminent exposure.
	BopWillExpose uint32 = 0x08000000

	// BopTrigExpose blocks until an exposure trigger is serviced.
	BopTrigExpose uint32 = 0x10000000

	// BopMask selects all BOP bits.
	BopMask uint32 = 0x1f000000
)

// -------------------------------------------------------------------------
// Centrald System State
// -------------------------------------------------------------------------
//
// Encoding: period in bits 0-3, on/off in bits 4-5, weather-bad in bit 31.

// Period is the observing period of the day as tracked by centrald.
type Period uint8

// Observing periods.
const (
	PeriodDay Period = iota
	PeriodEvening
	PeriodDusk
	PeriodNight
	PeriodDawn
	PeriodMorning
	PeriodUnknown Period = 0x0f
)

// String returns the human-readable period name.
func (p Period) String() string {
	switch p {
	case PeriodDay:
		return "day"
	case PeriodEvening:
		return "evening"
	case PeriodDusk:
		return "dusk"
	case PeriodNight:
		return "night"
	case PeriodDawn:
		return "dawn"
	case PeriodMorning:
		return "morning"
	default:
		return "unknown"
	}
}

// OnOff is the observatory on/standby/off switch tracked by centrald.
type OnOff uint8

// On/off states, stored in bits 4-5 of the centrald state word.
const (
	On OnOff = iota
	Standby
	SoftOff
	HardOff
)

// String returns the human-readable on/off name.
func (o OnOff) String() string {
	switch o {
	case On:
		return "on"
	case Standby:
		return "standby"
	case SoftOff:
		return "soft off"
	case HardOff:
		return "hard off"
	default:
		return "unknown"
	}
}

// CentralState is the decoded centrald system state word.
type CentralState uint32

// Period extracts the observing period from bits 0-3.
func (cs CentralState) Period() Period {
	p := Period(cs & 0x0f)
	if p > PeriodMorning {
		return PeriodUnknown
	}
	return p
}

// OnOff extracts the on/off switch from bits 4-5.
func (cs CentralState) OnOff() OnOff {
	return OnOff((cs >> 4) & 0x03)
}

// WeatherBad reports whether centrald flags unsafe weather (bit 31).
func (cs CentralState) WeatherBad() bool {
	return uint32(cs)&StateWeatherBad != 0
}

// -------------------------------------------------------------------------
// Device Types
// -------------------------------------------------------------------------

// Well-known device type codes carried in the register message and the
// centrald device announcements.
const (
	DeviceTypeMount   = 1
	DeviceTypeCCD     = 2
	DeviceTypeDome    = 3
	DeviceTypeWeather = 4
	DeviceTypeRotator = 5
	DeviceTypePhot    = 6
	DeviceTypePlan    = 7
	DeviceTypeGRB     = 8
	DeviceTypeFocus   = 9
	DeviceTypeMirror  = 10
	DeviceTypeCupola  = 11
	DeviceTypeFW      = 13
	DeviceTypeSensor  = 15
)
