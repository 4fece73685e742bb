package dbus

import (
	"bytes"
	"testing"
)

// Scenario E: a Hello call with an empty body.
func TestBuildHelloCall(t *testing.T) {
	b := newMessageBuilder(msgKindCall, 0)
	if err := b.SetHeader(fieldPath, ObjectPath("/org/freedesktop/DBus")); err != nil {
		t.Fatal(err)
	}
	if err := b.SetHeader(fieldDestination, "org.freedesktop.DBus"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetHeader(fieldInterface, "org.freedesktop.DBus"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetHeader(fieldMember, "Hello"); err != nil {
		t.Fatal(err)
	}

	const serial = 7
	buf, err := b.Build(serial, nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(buf) < 16 {
		t.Fatalf("message too short: %d bytes", len(buf))
	}

	fixed := buf[:8]
	wantPrefix := []byte{'l', byte(msgKindCall), 0, protocolVersion, 0, 0, 0, 0}
	if !bytes.Equal(fixed, wantPrefix) {
		t.Errorf("fixed prefix: got % x, want % x", fixed, wantPrefix)
	}

	r, err := newMessageReader(buf)
	if err != nil {
		t.Fatalf("newMessageReader: %v", err)
	}
	if r.serial != serial {
		t.Errorf("serial: got %d, want %d", r.serial, serial)
	}
	if r.bodyLen != 0 {
		t.Errorf("body length: got %d, want 0", r.bodyLen)
	}
	if _, present, err := r.findHeader(fieldSignature); err != nil {
		t.Fatalf("findHeader(SIGNATURE): %v", err)
	} else if present {
		t.Errorf("SIGNATURE header present on an empty-body message")
	}

	hdr, err := r.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if hdr.Path != "/org/freedesktop/DBus" || hdr.Member != "Hello" {
		t.Errorf("decoded header: %+v", hdr)
	}
}

// Message framing law: body_length = total_len - round_up(16+fields_len, 8).
func TestMessageFramingLaw(t *testing.T) {
	b := newMessageBuilder(msgKindCall, 0)
	must(t, b.SetHeader(fieldPath, ObjectPath("/a/b")))
	must(t, b.SetHeader(fieldMember, "DoThing"))
	must(t, b.SetHeader(fieldInterface, "org.example.Iface"))

	codecs, err := CodecsFor("su")
	if err != nil {
		t.Fatal(err)
	}
	buf, err := b.Build(3, codecs, []any{"payload", uint32(99)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	r, err := newMessageReader(buf)
	if err != nil {
		t.Fatal(err)
	}
	total, err := messageLength(buf)
	if err != nil {
		t.Fatal(err)
	}
	if total != len(buf) {
		t.Fatalf("messageLength: got %d, want %d (full buffer)", total, len(buf))
	}
	wantBodyLen := total - roundUp(16+int(r.fieldsLen), 8)
	if int(r.bodyLen) != wantBodyLen {
		t.Errorf("body length: got %d, want %d", r.bodyLen, wantBodyLen)
	}

	vals, err := r.Body(codecs)
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	if vals[0].(string) != "payload" || vals[1].(uint32) != 99 {
		t.Errorf("decoded body: %v", vals)
	}
}

// Reassembly law: messageLength computed from only the fixed 16-byte
// prefix exactly predicts where one message ends in a stream formed by
// concatenating several messages.
func TestReassemblyLength(t *testing.T) {
	build := func(serial uint32, body string) []byte {
		b := newMessageBuilder(msgKindSignal, 0)
		must(t, b.SetHeader(fieldPath, ObjectPath("/a")))
		must(t, b.SetHeader(fieldInterface, "org.example.Iface"))
		must(t, b.SetHeader(fieldMember, "Changed"))
		codecs, err := CodecsFor("s")
		if err != nil {
			t.Fatal(err)
		}
		buf, err := b.Build(serial, codecs, []any{body})
		if err != nil {
			t.Fatal(err)
		}
		return buf
	}

	msgs := [][]byte{build(1, "first"), build(2, "second and longer"), build(3, "")}
	var stream []byte
	for _, m := range msgs {
		stream = append(stream, m...)
	}

	pos := 0
	for i, want := range msgs {
		n, err := messageLength(stream[pos : pos+16])
		if err != nil {
			t.Fatalf("message %d: messageLength: %v", i, err)
		}
		got := stream[pos : pos+n]
		if !bytes.Equal(got, want) {
			t.Errorf("message %d: got %d bytes, want %d bytes matching original", i, len(got), len(want))
		}
		pos += n
	}
	if pos != len(stream) {
		t.Errorf("residual bytes after reassembly: %d", len(stream)-pos)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
