package rts2_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"reflect"
	"testing"

	"github.com/mates14/rts2go/internal/rts2"
)

// discardLogger returns a logger that swallows everything; test devices
// do not need log output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDevice creates a bare device core for value factory access.
func newTestDevice(t *testing.T, opts ...rts2.DeviceOption) *rts2.Device {
	t.Helper()
	return rts2.NewDevice("T0", rts2.DeviceTypeFW, discardLogger(), opts...)
}

func TestValueRender(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t)

	t.Run("string", func(t *testing.T) {
		v := dev.MustNewValue("sername", "serial number", rts2.TypeString, 0)
		v.SetString("ABC-123")
		if got := v.Render(); got != "ABC-123" {
			t.Errorf("Render() = %q", got)
		}
	})

	t.Run("integer", func(t *testing.T) {
		v := dev.MustNewValue("counter", "frame counter", rts2.TypeInteger, 0)
		if got := v.Render(); got != "" {
			t.Errorf("null integer Render() = %q, want empty", got)
		}
		v.SetInt(-42)
		if got := v.Render(); got != "-42" {
			t.Errorf("Render() = %q, want -42", got)
		}
	})

	t.Run("double", func(t *testing.T) {
		v := dev.MustNewValue("exposure", "exposure length", rts2.TypeDouble, 0)
		if got := v.Render(); got != "nan" {
			t.Errorf("null double Render() = %q, want nan", got)
		}
		v.SetFloat(2.5)
		if got := v.Render(); got != "2.50000000000000000000e+00" {
			t.Errorf("Render() = %q", got)
		}
		v.SetFloat(math.NaN())
		if got := v.Render(); got != "nan" {
			t.Errorf("NaN Render() = %q, want nan", got)
		}
	})

	t.Run("bool", func(t *testing.T) {
		v := dev.MustNewValue("cooling", "cooling enabled", rts2.TypeBool, 0)
		if got := v.Render(); got != "unknown" {
			t.Errorf("fresh bool Render() = %q, want unknown", got)
		}
		v.SetBool(true)
		if got := v.Render(); got != "true" {
			t.Errorf("Render() = %q, want true", got)
		}
		v.SetBool(false)
		if got := v.Render(); got != "false" {
			t.Errorf("Render() = %q, want false", got)
		}
	})

	t.Run("selection", func(t *testing.T) {
		v, err := dev.NewSelection("filter", "selected filter", 0, "open", "B", "V")
		if err != nil {
			t.Fatalf("NewSelection: %v", err)
		}
		if got := v.Render(); got != "" {
			t.Errorf("null selection Render() = %q, want empty", got)
		}
		if err := v.SetSelection(2); err != nil {
			t.Fatalf("SetSelection: %v", err)
		}
		if got := v.Render(); got != "2" {
			t.Errorf("Render() = %q, want 2", got)
		}
		if got := v.SelectionLabel(); got != "V" {
			t.Errorf("SelectionLabel() = %q, want V", got)
		}
	})

	t.Run("pair", func(t *testing.T) {
		v := dev.MustNewValue("tel", "telescope position", rts2.TypeRaDec, 0)
		v.SetPair(12.5, -30.25)
		want := "1.25000000000000000000e+01 -3.02500000000000000000e+01"
		if got := v.Render(); got != want {
			t.Errorf("Render() = %q, want %q", got, want)
		}
	})
}

func TestValueParse(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t)

	t.Run("integer", func(t *testing.T) {
		v := dev.MustNewValue("focstep", "focusing step", rts2.TypeInteger, rts2.FlagWritable)
		if err := v.Parse("17"); err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if v.Int() != 17 {
			t.Errorf("Int() = %d, want 17", v.Int())
		}
		if !v.Changed() || !v.NeedSend() {
			t.Error("Parse did not mark the value dirty")
		}
		// Bad input preserves the stored value.
		if err := v.Parse("seventeen"); err == nil {
			t.Fatal("Parse accepted garbage")
		}
		if v.Int() != 17 {
			t.Errorf("Int() after failed parse = %d, want 17", v.Int())
		}
	})

	t.Run("integer empty sets null", func(t *testing.T) {
		v := dev.MustNewValue("nullable", "nullable integer", rts2.TypeInteger, rts2.FlagWritable)
		v.SetInt(5)
		if err := v.Parse(""); err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !v.IsNull() {
			t.Error("empty write did not null the value")
		}
		if got := v.Render(); got != "" {
			t.Errorf("Render() = %q, want empty", got)
		}
	})

	t.Run("not null rejects empty", func(t *testing.T) {
		v := dev.MustNewValue("required", "mandatory integer", rts2.TypeInteger,
			rts2.FlagWritable|rts2.FlagNotNull)
		v.SetInt(5)
		if err := v.Parse(""); !errors.Is(err, rts2.ErrValueNotNull) {
			t.Fatalf("Parse(\"\") error = %v, want ErrValueNotNull", err)
		}
		if v.Int() != 5 {
			t.Errorf("Int() = %d, want 5", v.Int())
		}
	})

	t.Run("double", func(t *testing.T) {
		v := dev.MustNewValue("sleep", "slot travel time", rts2.TypeDouble, rts2.FlagWritable)
		if err := v.Parse("0.5"); err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if v.Float() != 0.5 {
			t.Errorf("Float() = %v, want 0.5", v.Float())
		}
		// Scientific notation, as peers send it.
		if err := v.Parse("2.50000000000000000000e+00"); err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if v.Float() != 2.5 {
			t.Errorf("Float() = %v, want 2.5", v.Float())
		}
	})

	t.Run("bool words", func(t *testing.T) {
		v := dev.MustNewValue("fan", "fan switch", rts2.TypeBool, rts2.FlagWritable)

		for _, w := range []string{"true", "on", "1", "yes", "TRUE", "On"} {
			if err := v.Parse(w); err != nil {
				t.Fatalf("Parse(%q): %v", w, err)
			}
			if v.Bool() != rts2.BoolTrue {
				t.Errorf("Parse(%q): Bool() = %v, want true", w, v.Bool())
			}
		}
		for _, w := range []string{"false", "off", "0", "no", "FALSE"} {
			if err := v.Parse(w); err != nil {
				t.Fatalf("Parse(%q): %v", w, err)
			}
			if v.Bool() != rts2.BoolFalse {
				t.Errorf("Parse(%q): Bool() = %v, want false", w, v.Bool())
			}
		}
		if err := v.Parse("maybe"); !errors.Is(err, rts2.ErrBadBool) {
			t.Errorf("Parse(maybe) error = %v, want ErrBadBool", err)
		}
	})

	t.Run("selection", func(t *testing.T) {
		v, err := dev.NewSelection("wheel", "filter slot", rts2.FlagWritable, "open", "B", "V", "R")
		if err != nil {
			t.Fatalf("NewSelection: %v", err)
		}

		if err := v.Parse("3"); err != nil {
			t.Fatalf("Parse(3): %v", err)
		}
		if v.Selection() != 3 {
			t.Errorf("Selection() = %d, want 3", v.Selection())
		}

		if err := v.Parse("B"); err != nil {
			t.Fatalf("Parse(B): %v", err)
		}
		if v.Selection() != 1 {
			t.Errorf("Selection() = %d, want 1", v.Selection())
		}

		if err := v.Parse("9"); !errors.Is(err, rts2.ErrBadSelection) {
			t.Errorf("Parse(9) error = %v, want ErrBadSelection", err)
		}
		if err := v.Parse("H-alpha"); !errors.Is(err, rts2.ErrBadSelection) {
			t.Errorf("Parse(H-alpha) error = %v, want ErrBadSelection", err)
		}
		if v.Selection() != 1 {
			t.Errorf("Selection() after failed parse = %d, want 1", v.Selection())
		}
	})

	t.Run("pair", func(t *testing.T) {
		v := dev.MustNewValue("ortetel", "telescope target", rts2.TypeAltAz, rts2.FlagWritable)
		if err := v.Parse("45.0 180.5"); err != nil {
			t.Fatalf("Parse: %v", err)
		}
		a, b := v.Pair()
		if a != 45.0 || b != 180.5 {
			t.Errorf("Pair() = (%v, %v)", a, b)
		}
		if err := v.Parse("45.0"); !errors.Is(err, rts2.ErrBadPair) {
			t.Errorf("Parse single field error = %v, want ErrBadPair", err)
		}
	})
}

func TestStatWelford(t *testing.T) {
	t.Parallel()

	var st rts2.Stat
	if !math.IsNaN(st.Variance()) {
		t.Error("variance of empty stat should be NaN")
	}

	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		st.Update(x)
	}

	if st.Count != 8 {
		t.Errorf("Count = %d, want 8", st.Count)
	}
	if st.Mean != 5 {
		t.Errorf("Mean = %v, want 5", st.Mean)
	}
	if st.Min != 2 || st.Max != 9 {
		t.Errorf("Min/Max = %v/%v, want 2/9", st.Min, st.Max)
	}
	// Sample variance of the classic series is 32/7.
	if got, want := st.Variance(), 32.0/7.0; math.Abs(got-want) > 1e-12 {
		t.Errorf("Variance = %v, want %v", got, want)
	}
}

func TestMetaLines(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t)
	v, err := dev.NewSelection("filter", "currently selected filter",
		rts2.FlagWritable, "open", "closed")
	if err != nil {
		t.Fatalf("NewSelection: %v", err)
	}
	if err := v.SetSelection(1); err != nil {
		t.Fatalf("SetSelection: %v", err)
	}

	want := []string{
		fmt.Sprintf("M %d %s %s", v.MetaBits(), `"filter"`, `"currently selected filter"`),
		`F "filter"`,
		`F "filter" "open"`,
		`F "filter" "closed"`,
		"V filter 1",
	}
	if got := v.MetaLines(); !reflect.DeepEqual(got, want) {
		t.Errorf("MetaLines() = %q, want %q", got, want)
	}
}

func TestMetaLinesScalar(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t)
	v := dev.MustNewValue("temp", "sensor temperature", rts2.TypeDouble, 0)
	v.SetFloat(1.0)

	got := v.MetaLines()
	if len(got) != 2 {
		t.Fatalf("MetaLines() = %q, want 2 lines", got)
	}
	if got[1] != "V temp 1.00000000000000000000e+00" {
		t.Errorf("V line = %q", got[1])
	}
}

func TestCatalogue(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t)
	if _, err := dev.NewValue("a", "first", rts2.TypeInteger, 0); err != nil {
		t.Fatalf("NewValue: %v", err)
	}
	if _, err := dev.NewValue("b", "second", rts2.TypeInteger, 0); err != nil {
		t.Fatalf("NewValue: %v", err)
	}

	// Duplicate names are rejected.
	if _, err := dev.NewValue("a", "dup", rts2.TypeString, 0); !errors.Is(err, rts2.ErrDuplicateValue) {
		t.Fatalf("duplicate NewValue error = %v, want ErrDuplicateValue", err)
	}

	cat := dev.Catalogue()
	// Mandatory infotime and uptime come first, then registration order.
	var names []string
	for _, v := range cat.List() {
		names = append(names, v.Name())
	}
	want := []string{"infotime", "uptime", "a", "b"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("List() order = %q, want %q", names, want)
	}

	if _, ok := cat.Get("b"); !ok {
		t.Error("Get(b) not found")
	}
	if _, ok := cat.Get("zzz"); ok {
		t.Error("Get(zzz) found a value that was never registered")
	}
	if cat.Len() != 4 {
		t.Errorf("Len() = %d, want 4", cat.Len())
	}
}

func TestMetaBits(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t)
	v := dev.MustNewValue("w", "writable double", rts2.TypeDouble, rts2.FlagWritable)

	bits := v.MetaBits()
	if bits&rts2.TypeMask != uint32(rts2.TypeDouble) {
		t.Errorf("type bits = 0x%x, want 0x%x", bits&rts2.TypeMask, uint32(rts2.TypeDouble))
	}
	if bits&uint32(rts2.FlagWritable) == 0 {
		t.Error("writable flag missing from metadata word")
	}
	if !v.Writable() {
		t.Error("Writable() = false")
	}
}
