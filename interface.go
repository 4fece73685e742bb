package dbus

import (
	"context"
	"fmt"
)

// Interface is a named set of methods, properties and signals offered
// by an [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the connection the interface is reached through.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the bus name offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the object the interface is attached to.
func (f Interface) Object() Object { return f.o }

// Name returns the interface's name.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Call invokes method with a body described by inSig and args, and
// decodes the reply body according to outSig.
//
// This is a low-level calling API: the caller is responsible for
// matching inSig/args and outSig to the signature the method actually
// expects and returns. args may be nil for a method with an empty
// inSig.
func (f Interface) Call(ctx context.Context, method string, inSig Signature, args []any, outSig Signature) ([]any, error) {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.name, method, inSig, args, outSig)
}

// OneWay invokes method with the NO_REPLY_EXPECTED flag set, and
// returns once the call has been written to the socket.
//
// Since the bus suppresses the reply, there is no way to know whether
// the call was delivered to, or acted on, by the peer.
func (f Interface) OneWay(ctx context.Context, method string, inSig Signature, args []any) error {
	return f.Conn().oneWay(ctx, f.Peer().Name(), f.Object().Path(), f.name, method, inSig, args)
}

// GetProperty reads the current value of a property exposed through
// org.freedesktop.DBus.Properties.
//
// Properties are carried on the wire as a DBus variant, whose
// marshalling this core specifies the shape of but does not
// implement (component 4.2); GetProperty therefore always fails with
// a [ProtocolError] wrapping the variant codec's "not implemented"
// error. It is kept as a named entry point so that a future variant
// codec only needs to be wired in here.
func (f Interface) GetProperty(ctx context.Context, name string) (any, error) {
	_, err := f.Object().Interface(ifaceProps).Call(
		ctx, "Get", mustParseSignature("ss"), []any{f.name, name}, mustParseSignature("v"))
	return nil, err
}

// SetProperty sets a property exposed through
// org.freedesktop.DBus.Properties. See [Interface.GetProperty] for why
// this always returns an error in this core.
func (f Interface) SetProperty(ctx context.Context, name string, value any) error {
	_, err := f.Object().Interface(ifaceProps).Call(
		ctx, "Set", mustParseSignature("ssv"), []any{f.name, name, value}, mustParseSignature(""))
	return err
}

// GetAllProperties reads every property exposed through
// org.freedesktop.DBus.Properties. See [Interface.GetProperty] for why
// this returns an error in this core whenever the reply holds at least
// one property; an empty reply yields a nil map and a nil error.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]any, error) {
	_, err := f.Object().Interface(ifaceProps).Call(
		ctx, "GetAll", mustParseSignature("s"), []any{f.name}, mustParseSignature("a{sv}"))
	return nil, err
}
