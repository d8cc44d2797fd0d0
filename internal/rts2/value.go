package rts2

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Value Types — low 7 bits of the metadata word
// -------------------------------------------------------------------------

// ValueType is the type tag transmitted in the low 7 bits of the M line.
type ValueType uint32

// Value type tags.
const (
	TypeString    ValueType = 0x01
	TypeInteger   ValueType = 0x02
	TypeTime      ValueType = 0x03
	TypeDouble    ValueType = 0x04
	TypeFloat     ValueType = 0x05
	TypeBool      ValueType = 0x06
	TypeSelection ValueType = 0x07
	TypeLongInt   ValueType = 0x08
	TypeRaDec     ValueType = 0x09
	TypeAltAz     ValueType = 0x0a
	TypePID       ValueType = 0x0b
	TypeStat      ValueType = 0x10
	TypeMMax      ValueType = 0x20
	TypeRectangle ValueType = 0x30
	TypeArray     ValueType = 0x40
	TypeTimeSerie ValueType = 0x60

	// TypeMask selects the type tag bits of the metadata word.
	TypeMask uint32 = 0x0000007f
)

// String returns the human-readable type name.
func (vt ValueType) String() string {
	switch vt {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeTime:
		return "time"
	case TypeDouble:
		return "double"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeSelection:
		return "selection"
	case TypeLongInt:
		return "longint"
	case TypeRaDec:
		return "radec"
	case TypeAltAz:
		return "altaz"
	case TypePID:
		return "pid"
	case TypeStat:
		return "stat"
	case TypeMMax:
		return "mmax"
	case TypeRectangle:
		return "rectangle"
	case TypeArray:
		return "array"
	case TypeTimeSerie:
		return "timeserie"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Value Flags — high bits of the metadata word
// -------------------------------------------------------------------------

// Flag holds the non-type bits of the metadata word.
type Flag uint32

// Value flags.
const (
	// FlagArchive marks a value persisted to the observation archive.
	FlagArchive Flag = 0x00000100

	// FlagScriptTemp marks a script-lifetime temporary value.
	FlagScriptTemp Flag = 0x00080000

	// FlagNotNull rejects empty writes.
	FlagNotNull Flag = 0x00400000

	// FlagAutosave marks a value restored from the device autosave file.
	FlagAutosave Flag = 0x00800000

	// FlagWritable allows peers to change the value via X.
	FlagWritable Flag = 0x02000000

	// FlagWarning renders the value as a warning in monitors.
	FlagWarning Flag = 0x10000000

	// FlagError renders the value as an error in monitors.
	FlagError Flag = 0x20000000
)

// -------------------------------------------------------------------------
// Value — tagged variant with per-type parse and render
// -------------------------------------------------------------------------

// Value sentinel errors.
var (
	ErrValueNotWritable  = errors.New("value is not writable")
	ErrValueNotNull      = errors.New("value must not be null")
	ErrBadSelection      = errors.New("not a valid selection index or label")
	ErrBadBool           = errors.New("not a boolean value")
	ErrBadPair           = errors.New("expected two floating point fields")
	ErrDuplicateValue    = errors.New("value name already registered")
	ErrValueNotFound     = errors.New("value not found")
	ErrUnsupportedType   = errors.New("unsupported value type")
)

// BoolState is the tri-state storage for TypeBool values.
type BoolState int8

// Boolean states; unknown renders as "unknown".
const (
	BoolUnknown BoolState = iota - 1
	BoolFalse
	BoolTrue
)

// Stat holds the running statistics of a TypeStat value (Welford).
type Stat struct {
	Count int64
	Mean  float64
	M2    float64
	Min   float64
	Max   float64
}

// Update folds x into the running statistics.
func (st *Stat) Update(x float64) {
	st.Count++
	if st.Count == 1 {
		st.Min, st.Max = x, x
	} else {
		st.Min = math.Min(st.Min, x)
		st.Max = math.Max(st.Max, x)
	}
	delta := x - st.Mean
	st.Mean += delta / float64(st.Count)
	st.M2 += delta * (x - st.Mean)
}

// Variance returns the sample variance, or NaN for fewer than two samples.
func (st *Stat) Variance() float64 {
	if st.Count < 2 {
		return math.NaN()
	}
	return st.M2 / float64(st.Count-1)
}

// Value is a named, typed, flagged entry of the device catalogue.
// Storage is a tagged variant: exactly one of the storage fields is
// meaningful for a given type tag. All accessors are safe for
// concurrent use.
type Value struct {
	name string
	desc string
	typ  ValueType

	mu    sync.Mutex
	flags Flag
	null  bool

	str    string
	intv   int64
	fl     float64 // double, float, time, stat sample
	boolv  BoolState
	selIdx int
	labels []string
	f1, f2 float64 // radec, altaz pair
	stat   Stat

	changed  bool
	needSend bool
}

// newValue constructs a bare value; catalogue factories wrap this.
func newValue(name, desc string, typ ValueType, flags Flag) *Value {
	return &Value{
		name:  name,
		desc:  desc,
		typ:   typ,
		flags: flags,
		null:  true,
		boolv: BoolUnknown,
	}
}

// Name returns the catalogue-unique value name.
func (v *Value) Name() string { return v.name }

// Description returns the human-readable description sent in the M line.
func (v *Value) Description() string { return v.desc }

// Type returns the value type tag.
func (v *Value) Type() ValueType { return v.typ }

// MetaBits returns the full metadata word (type tag plus flags).
func (v *Value) MetaBits() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint32(v.typ) | uint32(v.flags)
}

// Writable reports whether peers may change the value via X.
func (v *Value) Writable() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flags&FlagWritable != 0
}

// Changed reports whether the value changed since the flag was cleared.
func (v *Value) Changed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}

// NeedSend reports whether the value awaits a broadcast.
func (v *Value) NeedSend() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.needSend
}

// ClearNeedSend clears the broadcast-pending flag.
func (v *Value) ClearNeedSend() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.needSend = false
}

// ClearChanged clears the changed flag.
func (v *Value) ClearChanged() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.changed = false
}

// IsNull reports whether the value holds no data.
func (v *Value) IsNull() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.null
}

// markDirty records a mutation. Callers hold v.mu.
func (v *Value) markDirty() {
	v.null = false
	v.changed = true
	v.needSend = true
}

// -------------------------------------------------------------------------
// Typed setters (hardware-side mutation)
// -------------------------------------------------------------------------

// SetString stores a string value.
func (v *Value) SetString(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.str = s
	v.markDirty()
}

// SetInt stores an integer or long integer value.
func (v *Value) SetInt(i int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.intv = i
	v.markDirty()
}

// SetFloat stores a double, float or time value. For TypeStat the
// sample is also folded into the running statistics.
func (v *Value) SetFloat(f float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fl = f
	if v.typ == TypeStat {
		v.stat.Update(f)
	}
	v.markDirty()
}

// SetTime stores a time value as Unix seconds with fraction.
func (v *Value) SetTime(t time.Time) {
	v.SetFloat(float64(t.UnixNano()) / 1e9)
}

// SetBool stores a boolean value.
func (v *Value) SetBool(b bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b {
		v.boolv = BoolTrue
	} else {
		v.boolv = BoolFalse
	}
	v.markDirty()
}

// SetSelection stores a selection index. Out-of-range indices are
// rejected so the rendering invariant 0 <= i < len(labels) holds.
func (v *Value) SetSelection(idx int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if idx < 0 || idx >= len(v.labels) {
		return fmt.Errorf("index %d of %d labels: %w", idx, len(v.labels), ErrBadSelection)
	}
	v.selIdx = idx
	v.markDirty()
	return nil
}

// SetPair stores a coordinate pair (RA/Dec or Alt/Az).
func (v *Value) SetPair(a, b float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.f1, v.f2 = a, b
	v.markDirty()
}

// AddLabel appends a selection label.
func (v *Value) AddLabel(label string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.labels = append(v.labels, label)
}

// Labels returns a copy of the selection label list.
func (v *Value) Labels() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.labels))
	copy(out, v.labels)
	return out
}

// -------------------------------------------------------------------------
// Typed getters
// -------------------------------------------------------------------------

// String returns the string storage.
func (v *Value) String() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.str
}

// Int returns the integer storage.
func (v *Value) Int() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.intv
}

// Float returns the floating point storage.
func (v *Value) Float() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fl
}

// Bool returns the tri-state boolean storage.
func (v *Value) Bool() BoolState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.boolv
}

// Selection returns the selection index.
func (v *Value) Selection() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selIdx
}

// SelectionLabel returns the label for the current selection index, or
// the empty string when the value is null.
func (v *Value) SelectionLabel() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.null || v.selIdx < 0 || v.selIdx >= len(v.labels) {
		return ""
	}
	return v.labels[v.selIdx]
}

// Pair returns the coordinate pair storage.
func (v *Value) Pair() (float64, float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.f1, v.f2
}

// Statistics returns a copy of the running statistics of a TypeStat value.
func (v *Value) Statistics() Stat {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stat
}

// -------------------------------------------------------------------------
// Render — wire representation for V lines
// -------------------------------------------------------------------------

// floatFormat is the wire precision of floating point renderings.
const floatFormat = "%.20e"

// Render returns the wire rendering of the current value as sent in a
// V line.
func (v *Value) Render() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.renderLocked()
}

func (v *Value) renderLocked() string {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeInteger, TypeLongInt, TypePID:
		if v.null {
			return ""
		}
		return strconv.FormatInt(v.intv, 10)
	case TypeDouble, TypeFloat, TypeTime, TypeStat:
		if math.IsNaN(v.fl) || v.null {
			return "nan"
		}
		return fmt.Sprintf(floatFormat, v.fl)
	case TypeBool:
		switch v.boolv {
		case BoolTrue:
			return "true"
		case BoolFalse:
			return "false"
		default:
			return "unknown"
		}
	case TypeSelection:
		if v.null {
			return ""
		}
		return strconv.Itoa(v.selIdx)
	case TypeRaDec, TypeAltAz:
		return fmt.Sprintf(floatFormat+" "+floatFormat, v.f1, v.f2)
	default:
		return v.str
	}
}

// -------------------------------------------------------------------------
// Parse — network-originated writes (X command)
// -------------------------------------------------------------------------

// trueWords and falseWords are the accepted boolean spellings,
// compared case-insensitively.
var (
	trueWords  = map[string]struct{}{"true": {}, "on": {}, "1": {}, "yes": {}}
	falseWords = map[string]struct{}{"false": {}, "off": {}, "0": {}, "no": {}}
)

// Parse applies a wire rendering to the value using the per-type parse
// rules. On a conversion failure the old value is preserved and an
// error is returned. A successful parse sets the changed and need-send
// flags.
func (v *Value) Parse(raw string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.typ {
	case TypeString:
		v.str = raw
	case TypeInteger, TypeLongInt, TypePID:
		if raw == "" {
			if v.flags&FlagNotNull != 0 {
				return fmt.Errorf("%s: %w", v.name, ErrValueNotNull)
			}
			v.null = true
			v.changed = true
			v.needSend = true
			return nil
		}
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse integer %q: %w", raw, err)
		}
		v.intv = i
	case TypeDouble, TypeFloat, TypeTime:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse float %q: %w", raw, err)
		}
		v.fl = f
	case TypeStat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse float %q: %w", raw, err)
		}
		v.fl = f
		v.stat.Update(f)
	case TypeBool:
		w := strings.ToLower(strings.TrimSpace(raw))
		if _, ok := trueWords[w]; ok {
			v.boolv = BoolTrue
		} else if _, ok := falseWords[w]; ok {
			v.boolv = BoolFalse
		} else {
			return fmt.Errorf("%q: %w", raw, ErrBadBool)
		}
	case TypeSelection:
		idx, err := v.parseSelectionLocked(raw)
		if err != nil {
			return err
		}
		v.selIdx = idx
	case TypeRaDec, TypeAltAz:
		fields := strings.Fields(raw)
		if len(fields) != 2 {
			return fmt.Errorf("%q: %w", raw, ErrBadPair)
		}
		a, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("parse pair %q: %w", raw, err)
		}
		b, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("parse pair %q: %w", raw, err)
		}
		v.f1, v.f2 = a, b
	default:
		return fmt.Errorf("type %s: %w", v.typ, ErrUnsupportedType)
	}

	v.markDirty()
	return nil
}

// parseSelectionLocked accepts a decimal index or an exact label.
func (v *Value) parseSelectionLocked(raw string) (int, error) {
	if idx, err := strconv.Atoi(raw); err == nil {
		if idx < 0 || idx >= len(v.labels) {
			return 0, fmt.Errorf("index %d of %d labels: %w", idx, len(v.labels), ErrBadSelection)
		}
		return idx, nil
	}
	for i, l := range v.labels {
		if l == raw {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", raw, ErrBadSelection)
}

// -------------------------------------------------------------------------
// Meta-info lines
// -------------------------------------------------------------------------

// MetaLines renders the metadata announcement for the value: the M
// line, the F enumerators for selections, and the current V line.
// This is the per-value slice of the meta-info block sent to every
// newly admitted peer.
func (v *Value) MetaLines() []string {
	lines := []string{
		fmt.Sprintf("M %d %s %s", v.MetaBits(), Quote(v.name), Quote(v.desc)),
	}
	if v.typ == TypeSelection {
		lines = append(lines, fmt.Sprintf("F %s", Quote(v.name)))
		for _, label := range v.Labels() {
			lines = append(lines, fmt.Sprintf("F %s %s", Quote(v.name), Quote(label)))
		}
	}
	lines = append(lines, fmt.Sprintf("V %s %s", v.name, v.Render()))
	return lines
}

// -------------------------------------------------------------------------
// Catalogue — the device's named value table
// -------------------------------------------------------------------------

// Catalogue holds the device's values in registration order. Names are
// unique. Values are registered at device construction and never
// unregistered in normal operation.
type Catalogue struct {
	mu     sync.Mutex
	byName map[string]*Value
	order  []*Value
}

// NewCatalogue creates an empty value catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{byName: make(map[string]*Value)}
}

// Register adds a value to the catalogue. Duplicate names are rejected.
func (c *Catalogue) Register(v *Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byName[v.name]; exists {
		return fmt.Errorf("%s: %w", v.name, ErrDuplicateValue)
	}
	c.byName[v.name] = v
	c.order = append(c.order, v)
	return nil
}

// Get looks up a value by name.
func (c *Catalogue) Get(name string) (*Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.byName[name]
	return v, ok
}

// List returns the values in registration order.
func (c *Catalogue) List() []*Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Value, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of registered values.
func (c *Catalogue) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
