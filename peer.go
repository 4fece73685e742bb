package dbus

import (
	"context"
	"strings"
)

// Peer is a handle for a remote bus name. It is purely local
// bookkeeping: constructing one does not verify that the name exists
// or is currently reachable.
type Peer struct {
	c    *Conn
	name string
}

// Conn returns the connection the peer is reached through.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	return p.name
}

// Object returns a handle for one of the peer's objects.
func (p Peer) Object(path ObjectPath) Object {
	return Object{p: p, path: path}
}

// Ping calls org.freedesktop.DBus.Peer.Ping on the peer's root object,
// a cheap liveness check.
func (p Peer) Ping(ctx context.Context) error {
	_, err := p.Object("/").Interface("org.freedesktop.DBus.Peer").Call(ctx, "Ping", mustParseSignature(""), nil, mustParseSignature(""))
	return err
}

// IsUniqueName reports whether p names a specific connection
// (":1.42") rather than a well-known service name ("org.example.Foo").
func (p Peer) IsUniqueName() bool {
	return strings.HasPrefix(p.name, ":")
}

// Owner resolves a well-known name to the unique name of its current
// owner. Calling Owner on a unique name returns it unchanged.
func (p Peer) Owner(ctx context.Context) (Peer, error) {
	if p.IsUniqueName() {
		return p, nil
	}
	owner, err := p.c.GetNameOwner(ctx, p.name)
	if err != nil {
		return Peer{}, err
	}
	return p.c.Peer(owner), nil
}
