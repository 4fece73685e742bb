package fragments

import "math"

// An Encoder is a position-tracked cursor over a growable byte buffer.
// It offers aligned writes of fixed-width scalars, length-prefixed
// strings and signatures, and explicit padding, matching the
// alignment rules of the DBus wire format.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output so far.
	Out []byte
}

// Pad inserts padding bytes as needed to make the next write start at
// an offset that is a multiple of align bytes. If the cursor is
// already correctly aligned, no padding is inserted. align must be
// one of 1, 2, 4 or 8.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Position returns the current write offset.
func (e *Encoder) Position() int {
	return len(e.Out)
}

// Write appends bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bool writes a DBus boolean: a 4-byte-aligned uint32 of 0 or 1.
func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

// String writes a DBus string: a 4-byte-aligned uint32 byte length
// (excluding the terminator), the UTF-8 bytes, and a trailing NUL.
func (e *Encoder) String(s string) {
	e.Pad(4)
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes a DBus signature: an unaligned uint8 byte length,
// the signature bytes, and a trailing NUL.
func (e *Encoder) Signature(s string) {
	e.Out = append(e.Out, uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a 2-byte-aligned uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a 4-byte-aligned uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes an 8-byte-aligned uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Int16 writes a 2-byte-aligned int16.
func (e *Encoder) Int16(i16 int16) { e.Uint16(uint16(i16)) }

// Int32 writes a 4-byte-aligned int32.
func (e *Encoder) Int32(i32 int32) { e.Uint32(uint32(i32)) }

// Int64 writes an 8-byte-aligned int64.
func (e *Encoder) Int64(i64 int64) { e.Uint64(uint64(i64)) }

// Float64 writes an 8-byte-aligned IEEE754 double.
func (e *Encoder) Float64(f float64) { e.Uint64(math.Float64bits(f)) }

// U32Patch is a handle returned by [Encoder.ReserveUint32] that
// back-patches a uint32 once its value is known. The handle is an
// offset into Out, not a pointer, so it stays valid across any number
// of further appends even if Out's backing array is reallocated by
// growth.
type U32Patch struct {
	offset int
}

// ReserveUint32 writes a placeholder uint32 (4-byte aligned) and
// returns a handle that can later set its value. Used for array
// lengths and other fields whose value isn't known until after more
// bytes have been written.
func (e *Encoder) ReserveUint32() U32Patch {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	return U32Patch{offset}
}

// Set back-patches the reserved uint32 with v.
func (e *Encoder) Set(p U32Patch, v uint32) {
	e.Order.PutUint32(e.Out[p.offset:], v)
}

// Array writes a DBus array.
//
// Array elements must be added within the provided elements function,
// which is responsible for writing each element in turn using the
// element codec. elemAlign is the alignment of the array's element
// type: the array header is followed by padding to elemAlign before
// the first element (emitted even for an empty array), and the
// written length excludes that pad but includes all inter-element
// padding.
func (e *Encoder) Array(elemAlign int, elements func() error) error {
	lenPatch := e.ReserveUint32()
	e.Pad(elemAlign)
	start := len(e.Out)
	err := elements()
	e.Set(lenPatch, uint32(len(e.Out)-start))
	return err
}

// Struct writes a DBus struct: an 8-byte alignment pad followed by
// the fields written in turn by the elements function.
func (e *Encoder) Struct(elements func() error) error {
	e.Pad(8)
	return elements()
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B')
// that matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Write([]byte{e.Order.dbusFlag()})
}
