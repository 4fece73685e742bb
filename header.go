package dbus

import "fmt"

// msgKind is the type of a DBus message, the byte at header offset 1.
type msgKind byte

const (
	msgKindCall msgKind = iota + 1
	msgKindReturn
	msgKindError
	msgKindSignal
)

func (k msgKind) String() string {
	switch k {
	case msgKindCall:
		return "call"
	case msgKindReturn:
		return "return"
	case msgKindError:
		return "error"
	case msgKindSignal:
		return "signal"
	default:
		return fmt.Sprintf("msgKind(%d)", byte(k))
	}
}

// Header field flags, the byte at header offset 2.
const (
	flagNoReplyExpected byte = 1 << 0
	flagNoAutoStart     byte = 1 << 1
	flagAllowInteractiveAuth byte = 1 << 2
)

// protocolVersion is the only DBus wire protocol version this core
// speaks. A peer advertising any other version is a protocol error.
const protocolVersion uint8 = 1

// Header field ids, per the fixed table in component 3.
const (
	fieldPath        uint8 = 1
	fieldInterface   uint8 = 2
	fieldMember      uint8 = 3
	fieldErrorName   uint8 = 4
	fieldReplySerial uint8 = 5
	fieldDestination uint8 = 6
	fieldSender      uint8 = 7
	fieldSignature   uint8 = 8
)

// headerFieldCodec returns the codec of the value type required for
// header field id, per the fixed pairing in component 4.3:
// 1->object path, 2/3/4/6/7->string, 5->uint32, 8->signature.
func headerFieldCodec(id uint8) (Codec, error) {
	switch id {
	case fieldPath:
		return objectPathCodec{}, nil
	case fieldInterface, fieldMember, fieldErrorName, fieldDestination, fieldSender:
		return stringCodec{}, nil
	case fieldReplySerial:
		return primitiveCodecs['u'], nil
	case fieldSignature:
		return signatureCodec{}, nil
	default:
		return nil, &ProtocolError{fmt.Sprintf("unknown header field id %d", id)}
	}
}

// header is the decoded fixed and variable header of one message, as
// produced by [messageReader.Header].
type header struct {
	Kind    msgKind
	Flags   byte
	Version uint8
	Serial  uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrName     string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   Signature

	hasPath, hasInterface, hasMember, hasErrName       bool
	hasReplySerial, hasDestination, hasSender, hasSig bool
}

// Valid checks that h carries the header fields this core's component
// 3 table requires for its Kind.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return &ProtocolError{"message with zero serial"}
	}
	switch h.Kind {
	case msgKindCall:
		if !h.hasPath {
			return &ProtocolError{"call message missing PATH header"}
		}
		if !h.hasMember {
			return &ProtocolError{"call message missing MEMBER header"}
		}
	case msgKindReturn:
		if !h.hasReplySerial {
			return &ProtocolError{"return message missing REPLY_SERIAL header"}
		}
	case msgKindError:
		if !h.hasReplySerial {
			return &ProtocolError{"error message missing REPLY_SERIAL header"}
		}
		if !h.hasErrName {
			return &ProtocolError{"error message missing ERROR_NAME header"}
		}
	case msgKindSignal:
		if !h.hasPath {
			return &ProtocolError{"signal message missing PATH header"}
		}
		if !h.hasInterface {
			return &ProtocolError{"signal message missing INTERFACE header"}
		}
		if !h.hasMember {
			return &ProtocolError{"signal message missing MEMBER header"}
		}
	default:
		return &ProtocolError{fmt.Sprintf("unknown message kind %d", h.Kind)}
	}
	return nil
}

// WantReply reports whether this message requires a reply.
func (h *header) WantReply() bool {
	return h.Kind == msgKindCall && h.Flags&flagNoReplyExpected == 0
}

// CanInteract reports whether the sender allows an interactive
// authorization prompt while servicing this call.
func (h *header) CanInteract() bool {
	return h.Kind == msgKindCall && h.Flags&flagAllowInteractiveAuth != 0
}
