package fragments

import (
	"fmt"
	"math"
)

// A Decoder is a position-tracked cursor over a byte slice holding
// exactly one DBus message (or a self-contained fragment of one, such
// as a single header field value). Methods advance the read position
// as needed to account for the padding required by DBus alignment
// rules, except for [Decoder.Read] which consumes bytes verbatim.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the remaining bytes to decode.
	In []byte

	pos int
}

// NewDecoder returns a Decoder reading bs from the start.
func NewDecoder(order ByteOrder, bs []byte) *Decoder {
	return &Decoder{Order: order, In: bs}
}

// Position returns the current read offset, relative to the start of
// the slice the Decoder was constructed with.
func (d *Decoder) Position() int {
	return d.pos
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.In)
}

// Pad consumes padding bytes as needed to make the next read start at
// an offset that is a multiple of align bytes. If the decoder is
// already correctly aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.pos % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	_, err := d.advance(skip)
	if err != nil {
		return fmt.Errorf("consuming alignment padding: %w", err)
	}
	return nil
}

// advance consumes n bytes and returns them, without alignment.
func (d *Decoder) advance(n int) ([]byte, error) {
	if n < 0 || n > len(d.In) {
		return nil, fmt.Errorf("short read: need %d bytes, have %d", n, len(d.In))
	}
	bs := d.In[:n]
	d.In = d.In[n:]
	d.pos += n
	return bs, nil
}

// Read reads n bytes verbatim, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	return d.advance(n)
}

// Bytes reads a DBus byte array: a uint32 length followed by that
// many raw bytes.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a DBus string: a uint32 byte length, that many UTF-8
// bytes, and a trailing NUL which is consumed but not included in the
// result.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	return string(ret[:len(ret)-1]), nil
}

// Signature reads a DBus signature: an unaligned uint8 byte length,
// that many bytes, and a trailing NUL.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	return string(ret[:len(ret)-1]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a 2-byte-aligned uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a 4-byte-aligned uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads an 8-byte-aligned uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Int16 reads a 2-byte-aligned int16.
func (d *Decoder) Int16() (int16, error) {
	v, err := d.Uint16()
	return int16(v), err
}

// Int32 reads a 4-byte-aligned int32.
func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// Int64 reads an 8-byte-aligned int64.
func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

// Float64 reads an 8-byte-aligned IEEE754 double.
func (d *Decoder) Float64() (float64, error) {
	v, err := d.Uint64()
	return math.Float64frombits(v), err
}

// Bool reads a DBus boolean: a 4-byte-aligned uint32 that must be 0
// or 1.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean value %d", v)
	}
}

// Array reads a DBus array.
//
// readElement is called repeatedly, once per array element, until the
// array's declared byte length is exhausted; it must consume exactly
// one element's worth of bytes per call. elemAlign is the alignment
// of the array's element type, which determines the padding consumed
// between the length and the first element (present even for an
// empty array).
func (d *Decoder) Array(elemAlign int, readElement func(idx int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	if ln == 0 {
		return 0, nil
	}
	if int(ln) > len(d.In) {
		return 0, fmt.Errorf("array length %d exceeds remaining message bytes %d", ln, len(d.In))
	}

	end := d.pos + int(ln)
	idx := 0
	for d.pos < end {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	if d.pos != end {
		return idx, fmt.Errorf("array element decode overran declared length (at %d, array ends at %d)", d.pos, end)
	}
	return idx, nil
}

// Struct reads a DBus struct: an 8-byte alignment pad followed by the
// fields read in turn by the fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads the DBus byte order flag byte and sets
// [Decoder.Order] to match it. It accepts both 'l' (little-endian)
// and 'B' (big-endian); any other value is an error.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	switch v {
	case 'B':
		d.Order = BigEndian
	case 'l':
		d.Order = LittleEndian
	default:
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	return nil
}
