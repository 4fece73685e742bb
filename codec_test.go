package dbus_test

import (
	"bytes"
	"testing"

	"github.com/coriolis-labs/dbuscore"
	"github.com/coriolis-labs/dbuscore/fragments"
)

func marshalAll(t *testing.T, sig string, vals []any) []byte {
	t.Helper()
	codecs, err := dbus.CodecsFor(sig)
	if err != nil {
		t.Fatalf("CodecsFor(%q): %v", sig, err)
	}
	if len(codecs) != len(vals) {
		t.Fatalf("CodecsFor(%q) returned %d codecs, want %d", sig, len(codecs), len(vals))
	}
	enc := &fragments.Encoder{Order: fragments.LittleEndian}
	for i, c := range codecs {
		if err := c.Marshal(enc, vals[i]); err != nil {
			t.Fatalf("marshal %v: %v", vals[i], err)
		}
	}
	return enc.Out
}

func unmarshalAll(t *testing.T, sig string, bs []byte) []any {
	t.Helper()
	codecs, err := dbus.CodecsFor(sig)
	if err != nil {
		t.Fatalf("CodecsFor(%q): %v", sig, err)
	}
	dec := fragments.NewDecoder(fragments.LittleEndian, bs)
	out := make([]any, len(codecs))
	for i, c := range codecs {
		v, err := c.Unmarshal(dec)
		if err != nil {
			t.Fatalf("unmarshal element %d: %v", i, err)
		}
		out[i] = v
	}
	return out
}

// Scenario A: signature "yi", values [7, -3].
func TestScenarioPrimitives(t *testing.T) {
	got := marshalAll(t, "yi", []any{byte(7), int32(-3)})
	want := []byte{0x07, 0x00, 0x00, 0x00, 0xfd, 0xff, 0xff, 0xff}
	if !bytes.Equal(got, want) {
		t.Fatalf("marshal: got % x, want % x", got, want)
	}

	vals := unmarshalAll(t, "yi", got)
	if vals[0].(byte) != 7 || vals[1].(int32) != -3 {
		t.Fatalf("round trip: got %v, want [7 -3]", vals)
	}
}

// Scenario B: signature "s", value "abc".
func TestScenarioString(t *testing.T) {
	got := marshalAll(t, "s", []any{"abc"})
	want := []byte{0x03, 0x00, 0x00, 0x00, 'a', 'b', 'c', 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("marshal: got % x, want % x", got, want)
	}
	vals := unmarshalAll(t, "s", got)
	if vals[0].(string) != "abc" {
		t.Fatalf("round trip: got %q, want %q", vals[0], "abc")
	}
}

// Scenario C: signature "as", value ["hi", "yo"].
func TestScenarioStringArray(t *testing.T) {
	got := marshalAll(t, "as", []any{[]any{"hi", "yo"}})
	want := []byte{
		0x0e, 0x00, 0x00, 0x00, // array length = 14
		0x02, 0x00, 0x00, 0x00, 'h', 'i', 0x00, 0x00, // "hi" + 1 pad byte
		0x02, 0x00, 0x00, 0x00, 'y', 'o', 0x00,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("marshal: got % x, want % x", got, want)
	}

	vals := unmarshalAll(t, "as", got)
	elems := vals[0].([]any)
	if len(elems) != 2 || elems[0].(string) != "hi" || elems[1].(string) != "yo" {
		t.Fatalf("round trip: got %v, want [hi yo]", elems)
	}
}

// Scenario D: signature "as", value [].
func TestScenarioEmptyArray(t *testing.T) {
	got := marshalAll(t, "as", []any{[]any{}})
	want := []byte{0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("marshal: got % x, want % x", got, want)
	}
}

// Alignment law: every scalar of width w began at an offset congruent
// to 0 mod w, for a signature mixing every primitive width.
func TestAlignmentLaw(t *testing.T) {
	sig := "ynqiuxtd"
	vals := []any{byte(1), true, int16(2), uint16(3), int32(4), uint32(5), int64(6), uint64(7)}
	widths := []int{1, 4, 2, 2, 4, 4, 8, 8}

	codecs, err := dbus.CodecsFor(sig)
	if err != nil {
		t.Fatalf("CodecsFor: %v", err)
	}
	enc := &fragments.Encoder{Order: fragments.LittleEndian}
	for i, c := range codecs {
		before := enc.Position()
		if err := c.Marshal(enc, vals[i]); err != nil {
			t.Fatalf("marshal %d: %v", i, err)
		}
		// the scalar's value is the last w bytes written; padding is
		// inserted before it, so the value's first byte must be aligned.
		w := widths[i]
		start := enc.Position() - w
		if start < before || start%w != 0 {
			t.Fatalf("element %d: value of width %d starts at offset %d (element began at %d)", i, w, start, before)
		}
	}
}

// Marshal/unmarshal round trip across a representative grammar sample.
func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	tests := []struct {
		sig string
		val any
	}{
		{"y", byte(42)},
		{"b", true},
		{"n", int16(-100)},
		{"q", uint16(100)},
		{"i", int32(-100000)},
		{"u", uint32(100000)},
		{"x", int64(-1 << 40)},
		{"t", uint64(1 << 40)},
		{"d", 3.5},
		{"s", "hello, world"},
		{"o", dbus.ObjectPath("/org/example/Object")},
		{"g", dbus.Signature("a{sv}")},
		{"as", []any{"a", "b", "c"}},
		{"ai", []any{int32(1), int32(2), int32(3)}},
		{"(nb)", []any{int16(7), false}},
		{"a(nb)", []any{[]any{int16(1), true}, []any{int16(2), false}}},
	}
	for _, tc := range tests {
		t.Run(tc.sig, func(t *testing.T) {
			bs := marshalAll(t, tc.sig, []any{tc.val})
			got := unmarshalAll(t, tc.sig, bs)[0]
			if !valuesEqual(got, tc.val) {
				t.Errorf("round trip %q: got %#v, want %#v", tc.sig, got, tc.val)
			}
		})
	}
}

func valuesEqual(a, b any) bool {
	as, aok := a.([]any)
	bs, bok := b.([]any)
	if aok != bok {
		return false
	}
	if aok {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valuesEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
