package dbus

import (
	"cmp"
	"context"
	"fmt"
	"strings"
)

// Object is a single object exported by a [Peer], identified by its
// path.
type Object struct {
	p    Peer
	path ObjectPath
}

// Conn returns the connection the object is reached through.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the bus name offering the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s%s", o.p, o.path)
}

// Interface returns a handle for one of the interfaces the object
// implements.
func (o Object) Interface(name string) Interface {
	return Interface{o: o, name: name}
}

// IntrospectXML calls org.freedesktop.DBus.Introspectable.Introspect
// and returns the raw XML document describing the object.
func (o Object) IntrospectXML(ctx context.Context) (string, error) {
	res, err := o.Interface(ifaceIntrospectable).Call(ctx, "Introspect", mustParseSignature(""), nil, mustParseSignature("s"))
	if err != nil {
		return "", err
	}
	s, _ := res[0].(string)
	return s, nil
}

// Introspect calls org.freedesktop.DBus.Introspectable.Introspect and
// parses the result into the object's interfaces and children.
func (o Object) Introspect(ctx context.Context) (*ObjectDescription, error) {
	xml, err := o.IntrospectXML(ctx)
	if err != nil {
		return nil, err
	}
	return ParseIntrospection(xml)
}

// Child returns the object at name, a path component relative to o.
func (o Object) Child(name string) Object {
	p := string(o.path)
	if p != "/" {
		p += "/"
	}
	p += strings.TrimPrefix(name, "/")
	return Object{p: o.p, path: ObjectPath(p)}
}

// Compare orders two objects on the same peer by path, for use with
// ordered containers such as [github.com/creachadair/mds/heapq.New].
func (o Object) Compare(other Object) int {
	return cmp.Compare(o.path, other.path)
}

const ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
