// Package transport opens the raw byte stream a [dbus.Conn] speaks
// the DBus wire protocol over. It knows nothing about SASL handshakes
// or message framing; it only dials the socket and hands back a
// buffered [io.ReadWriteCloser].
package transport

import (
	"bufio"
	"context"
	"net"
	"time"
)

// Transport is a raw byte stream to a DBus bus.
type Transport interface {
	Read(bs []byte) (int, error)
	Write(bs []byte) (int, error)
	Close() error
}

// DialUnix connects to the unix-domain socket at path, which is
// either a filesystem path or, if it begins with a NUL byte, a name
// in the abstract socket namespace. ctx's deadline, if any, bounds
// the time to connect; DialUnix clears the deadline
// before returning so that the connection can be used for its full
// lifetime.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	d := net.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		d.Deadline = deadline
	}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	uconn := conn.(*net.UnixConn)
	if err := uconn.SetDeadline(time.Time{}); err != nil {
		uconn.Close()
		return nil, err
	}
	return &unixTransport{conn: uconn, buf: bufio.NewReader(uconn)}, nil
}

// unixTransport is a Transport over a Unix domain socket, with a
// buffered reader so the connection's reassembly loop can issue many
// small reads without a syscall each time.
type unixTransport struct {
	conn *net.UnixConn
	buf  *bufio.Reader
}

func (u *unixTransport) Read(bs []byte) (int, error)  { return u.buf.Read(bs) }
func (u *unixTransport) Write(bs []byte) (int, error) { return u.conn.Write(bs) }
func (u *unixTransport) Close() error                 { return u.conn.Close() }
