package dbus

import (
	"errors"
	"fmt"
)

// SignatureError is returned when a type signature string is
// malformed: unbalanced braces, an empty struct or dict, an unknown
// type code, or a trailing array marker with no element type.
type SignatureError struct {
	// Signature is the complete signature string that failed to parse.
	Signature string
	// Index is the byte offset of the offending character.
	Index int
	// Reason explains what was wrong at Index.
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("bad signature %q at index %d: %s", e.Signature, e.Index, e.Reason)
}

// MarshalError is returned when a value does not match the shape
// required by a codec: wrong Go type, a numeric value out of range
// for its DBus width, a non-UTF8 string, or a string too long for its
// length prefix.
type MarshalError struct {
	// Signature is the signature of the codec that rejected the value.
	Signature string
	// Reason explains why the value was rejected.
	Reason error
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("cannot marshal value as %q: %s", e.Signature, e.Reason)
}

func (e *MarshalError) Unwrap() error { return e.Reason }

// ProtocolError is returned when bytes received from a peer violate
// the DBus wire format invariants: an unknown endianness flag, an
// unsupported protocol version, a header field of the wrong basic
// type, or a message whose declared lengths cannot be satisfied by
// the available bytes. A ProtocolError met while reading the incoming
// message stream closes the [Conn]; one met while decoding a reply
// body is returned to the caller and leaves the Conn open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dbus protocol error: %s", e.Reason)
}

// AuthError is returned when every configured SASL authentication
// method was rejected by the server, or the server sent handshake
// text that could not be parsed. An AuthError is fatal to the
// handshake in progress.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("dbus authentication failed: %s", e.Reason)
}

// TransportError wraps a failure from the underlying byte stream:
// socket errors, or an unexpected close. A TransportError is fatal to
// the [Conn] that produced it.
type TransportError struct {
	Reason error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dbus transport error: %s", e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Reason }

// CallError is returned when a method call's peer replies with a
// message of kind Error. It carries the error name and, if present,
// the first string of the error body.
type CallError struct {
	// Name is the error name provided by the remote peer, e.g.
	// "org.freedesktop.DBus.Error.ServiceUnknown".
	Name string
	// Detail is the human-readable explanation of what went wrong, if
	// the peer included one as the first string of the error body.
	Detail string
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// TimeoutError is returned when a call's context deadline expires
// before a reply arrives.
type TimeoutError struct {
	// Serial is the serial of the call that timed out.
	Serial uint32
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call with serial %d timed out waiting for a reply", e.Serial)
}

// CancelledError is returned when a call's context is cancelled
// before a reply arrives, or when the owning [Conn] is closed while
// the call is outstanding.
type CancelledError struct {
	// Serial is the serial of the call that was cancelled.
	Serial uint32
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("call with serial %d was cancelled", e.Serial)
}

// errNotImplemented is returned by the codecs for DBus extension
// points (variant, dictionary, file descriptor) that this core
// specifies the shape of but does not fill in.
var errNotImplemented = errors.New("codec not implemented in this core")
