package dbus

import (
	"fmt"
	"sort"

	"github.com/coriolis-labs/dbuscore/fragments"
)

// headerEntry is one pending (id, value) pair recorded by
// [messageBuilder.SetHeader] before the fixed header is serialized.
type headerEntry struct {
	id    uint8
	codec Codec
	value any
}

// messageBuilder assembles one DBus message: fixed 16-byte prefix,
// variable header-fields array, body-alignment padding, and body. It
// implements component 4.3's Builder.
type messageBuilder struct {
	kind   msgKind
	flags  byte
	fields []headerEntry
	seen   map[uint8]bool
}

// newMessageBuilder starts a builder for a message of the given kind.
func newMessageBuilder(kind msgKind, flags byte) *messageBuilder {
	return &messageBuilder{kind: kind, flags: flags, seen: map[uint8]bool{}}
}

// SetHeader records a header field to be emitted. id must be one of
// the eight ids in component 3's table, and value must match the
// fixed type paired with it: object path for 1, string for
// 2/3/4/6/7, uint32 for 5, signature for 8.
func (b *messageBuilder) SetHeader(id uint8, value any) error {
	codec, err := headerFieldCodec(id)
	if err != nil {
		return err
	}
	if b.seen[id] {
		return fmt.Errorf("header field %d set twice", id)
	}
	b.seen[id] = true
	b.fields = append(b.fields, headerEntry{id, codec, value})
	return nil
}

// Build lays down the complete message and returns its bytes. serial
// is stamped at offset 8; a serial of 0 is only valid for messages
// the connection assigns a serial to immediately before writing to
// the socket, never for a message actually put on the wire.
func (b *messageBuilder) Build(serial uint32, bodyCodecs []Codec, bodyValues []any) ([]byte, error) {
	enc := &fragments.Encoder{Order: fragments.LittleEndian}

	enc.ByteOrderFlag()
	enc.Uint8(uint8(b.kind))
	enc.Uint8(b.flags)
	enc.Uint8(protocolVersion)
	bodyLenPatch := enc.ReserveUint32()
	enc.Uint32(serial)
	fieldsLenPatch := enc.ReserveUint32()

	if enc.Position() != 16 {
		return nil, fmt.Errorf("internal error: fixed header is %d bytes, want 16", enc.Position())
	}

	fields := append([]headerEntry(nil), b.fields...)
	if len(bodyCodecs) > 0 {
		if b.seen[fieldSignature] {
			return nil, fmt.Errorf("header field 8 (SIGNATURE) is derived automatically and must not be set explicitly")
		}
		fields = append(fields, headerEntry{fieldSignature, signatureCodec{}, Signature(joinSignatures(bodyCodecs))})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].id < fields[j].id })

	fieldsStart := enc.Position()
	for _, f := range fields {
		if err := enc.Struct(func() error {
			enc.Uint8(f.id)
			enc.Signature(f.codec.Signature())
			return f.codec.Marshal(enc, f.value)
		}); err != nil {
			return nil, fmt.Errorf("marshalling header field %d: %w", f.id, err)
		}
	}
	enc.Set(fieldsLenPatch, uint32(enc.Position()-fieldsStart))

	enc.Pad(8)
	bodyStart := enc.Position()
	for i, c := range bodyCodecs {
		if err := c.Marshal(enc, bodyValues[i]); err != nil {
			return nil, fmt.Errorf("marshalling body value %d: %w", i, err)
		}
	}
	enc.Set(bodyLenPatch, uint32(enc.Position()-bodyStart))

	return enc.Out, nil
}

// messageReader wraps the bytes of exactly one complete DBus message
// and exposes its fixed header, a fast-path lookup of individual
// header fields, and typed body decoding. It implements component
// 4.3's Reader.
type messageReader struct {
	buf          []byte
	order        fragments.ByteOrder
	kind         msgKind
	flags        byte
	version      uint8
	bodyLen      uint32
	serial       uint32
	fieldsLen    uint32
}

// newMessageReader parses the fixed 16-byte prefix of buf, which must
// hold at least one complete message (see [messageLength]).
func newMessageReader(buf []byte) (*messageReader, error) {
	if len(buf) < 16 {
		return nil, &ProtocolError{"message shorter than fixed header"}
	}
	dec := fragments.NewDecoder(fragments.NativeEndian, buf)
	if err := dec.ByteOrderFlag(); err != nil {
		return nil, &ProtocolError{err.Error()}
	}
	kindByte, err := dec.Uint8()
	if err != nil {
		return nil, &ProtocolError{err.Error()}
	}
	if kindByte == 0 || kindByte > 4 {
		return nil, &ProtocolError{fmt.Sprintf("unknown message kind %d", kindByte)}
	}
	flags, err := dec.Uint8()
	if err != nil {
		return nil, &ProtocolError{err.Error()}
	}
	version, err := dec.Uint8()
	if err != nil {
		return nil, &ProtocolError{err.Error()}
	}
	if version != protocolVersion {
		return nil, &ProtocolError{fmt.Sprintf("unsupported protocol version %d", version)}
	}
	bodyLen, err := dec.Uint32()
	if err != nil {
		return nil, &ProtocolError{err.Error()}
	}
	serial, err := dec.Uint32()
	if err != nil {
		return nil, &ProtocolError{err.Error()}
	}
	fieldsLen, err := dec.Uint32()
	if err != nil {
		return nil, &ProtocolError{err.Error()}
	}

	return &messageReader{
		buf:       buf,
		order:     dec.Order,
		kind:      msgKind(kindByte),
		flags:     flags,
		version:   version,
		bodyLen:   bodyLen,
		serial:    serial,
		fieldsLen: fieldsLen,
	}, nil
}

// messageLength inspects the fixed prefix of buf — which must already
// hold at least 16 bytes — and returns the total byte length of the
// complete message it begins, per component 4.4's reassembly formula.
func messageLength(buf []byte) (int, error) {
	if len(buf) < 16 {
		return 0, fmt.Errorf("need at least 16 bytes, have %d", len(buf))
	}
	order := fragments.NativeEndian
	switch buf[0] {
	case 'l':
		order = fragments.LittleEndian
	case 'B':
		order = fragments.BigEndian
	default:
		return 0, &ProtocolError{fmt.Sprintf("unknown byte order flag %q", buf[0])}
	}
	fieldsLen := order.Uint32(buf[12:16])
	bodyLen := order.Uint32(buf[4:8])
	return roundUp(16+int(fieldsLen), 8) + int(bodyLen), nil
}

func roundUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

// findHeader scans the header-fields array looking for id, decoding
// only the fields it passes over, and returns the first match. It
// implements component 4.3's find_header fast path: it does not
// deserialize fields it isn't looking for beyond what's needed to
// skip them.
func (r *messageReader) findHeader(id uint8) (any, bool, error) {
	dec := fragments.NewDecoder(r.order, r.buf[16:16+int(r.fieldsLen)])
	for dec.Remaining() > 0 {
		var fieldID uint8
		var value any
		err := dec.Struct(func() error {
			var err error
			fieldID, err = dec.Uint8()
			if err != nil {
				return err
			}
			sig, err := dec.Signature()
			if err != nil {
				return err
			}
			codec, err := headerFieldCodec(fieldID)
			if err != nil {
				return err
			}
			if codec.Signature() != sig {
				return fmt.Errorf("header field %d has wrong signature %q, want %q", fieldID, sig, codec.Signature())
			}
			value, err = codec.Unmarshal(dec)
			return err
		})
		if err != nil {
			return nil, false, &ProtocolError{fmt.Sprintf("reading header fields: %s", err)}
		}
		if fieldID == id {
			return value, true, nil
		}
	}
	return nil, false, nil
}

// Header fully decodes the header-fields array and the fixed header
// into a [header] value, validating it against the requirements for
// its Kind.
func (r *messageReader) Header() (*header, error) {
	h := &header{Kind: r.kind, Flags: r.flags, Version: r.version, Serial: r.serial}

	set := func(id uint8) (any, bool, error) { return r.findHeader(id) }

	if v, ok, err := set(fieldPath); err != nil {
		return nil, err
	} else if ok {
		h.Path, h.hasPath = v.(ObjectPath), true
	}
	if v, ok, err := set(fieldInterface); err != nil {
		return nil, err
	} else if ok {
		h.Interface, h.hasInterface = v.(string), true
	}
	if v, ok, err := set(fieldMember); err != nil {
		return nil, err
	} else if ok {
		h.Member, h.hasMember = v.(string), true
	}
	if v, ok, err := set(fieldErrorName); err != nil {
		return nil, err
	} else if ok {
		h.ErrName, h.hasErrName = v.(string), true
	}
	if v, ok, err := set(fieldReplySerial); err != nil {
		return nil, err
	} else if ok {
		h.ReplySerial, h.hasReplySerial = v.(uint32), true
	}
	if v, ok, err := set(fieldDestination); err != nil {
		return nil, err
	} else if ok {
		h.Destination, h.hasDestination = v.(string), true
	}
	if v, ok, err := set(fieldSender); err != nil {
		return nil, err
	} else if ok {
		h.Sender, h.hasSender = v.(string), true
	}
	if v, ok, err := set(fieldSignature); err != nil {
		return nil, err
	} else if ok {
		h.Signature, h.hasSig = v.(Signature), true
	}

	if err := h.Valid(); err != nil {
		return nil, err
	}
	return h, nil
}

// bodyStart returns the byte offset at which the body begins.
func (r *messageReader) bodyStart() int {
	return roundUp(16+int(r.fieldsLen), 8)
}

// Body decodes the message body using codecs, which must match the
// body's declared SIGNATURE header field.
func (r *messageReader) Body(codecs []Codec) ([]any, error) {
	start := r.bodyStart()
	end := start + int(r.bodyLen)
	if end > len(r.buf) {
		return nil, &ProtocolError{fmt.Sprintf("declared body length %d exceeds message bytes", r.bodyLen)}
	}
	dec := fragments.NewDecoder(r.order, r.buf[start:end])
	ret := make([]any, len(codecs))
	for i, c := range codecs {
		v, err := c.Unmarshal(dec)
		if err != nil {
			return nil, fmt.Errorf("decoding body value %d: %w", i, err)
		}
		ret[i] = v
	}
	if dec.Remaining() != 0 {
		return nil, &ProtocolError{fmt.Sprintf("body has %d trailing undecoded bytes", dec.Remaining())}
	}
	return ret, nil
}
