package dbus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/coriolis-labs/dbuscore/transport"
)

// SystemBus connects to the system bus, at its well-known socket
// path.
func SystemBus(ctx context.Context) (*Conn, error) {
	return newUnixConn(ctx, "/run/dbus/system_bus_socket")
}

// SessionBus connects to the current user's session bus, at the
// address named by DBUS_SESSION_BUS_ADDRESS.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr, err := sessionBusAddress()
	if err != nil {
		return nil, err
	}
	path, err := addr.unixSocketPath()
	if err != nil {
		return nil, err
	}
	return newUnixConn(ctx, path)
}

func newUnixConn(ctx context.Context, path string) (*Conn, error) {
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, &TransportError{err}
	}
	return newConn(ctx, t)
}

// newConn drives the four-phase handshake of component 4.4 over t,
// then starts the connection's read loop and returns once Hello has
// completed.
func newConn(ctx context.Context, t transport.Transport) (*Conn, error) {
	r := bufio.NewReader(t)
	if err := handshake(r, t); err != nil {
		t.Close()
		return nil, err
	}

	c := &Conn{
		t:     t,
		r:     r,
		calls: map[uint32]*pendingCall{},
	}
	c.bus = c.Peer("org.freedesktop.DBus").Object("/org/freedesktop/DBus")

	go c.readLoop()

	helloSig, err := ParseSignature("")
	if err != nil {
		return nil, err
	}
	outSig, err := ParseSignature("s")
	if err != nil {
		return nil, err
	}
	res, err := c.call(ctx, "org.freedesktop.DBus", "/org/freedesktop/DBus", ifaceBus, "Hello", helloSig, nil, outSig)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	name, _ := res[0].(string)
	c.clientID = name

	return c, nil
}

// Conn is an open DBus connection: a handshaked, named (post-Hello)
// session over one stream socket, per component 4.4's state machine.
// Once constructed by [SystemBus] or [SessionBus], a Conn is always in
// the `ready` state until [Conn.Close].
type Conn struct {
	t transport.Transport
	r *bufio.Reader

	clientID string
	bus      Object

	writeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	calls      map[uint32]*pendingCall
	nextSerial uint32
	watchers   mapset.Set[*Watcher]
}

// pendingCall is a call awaiting its reply, keyed by serial in
// [Conn.calls].
type pendingCall struct {
	done  chan struct{}
	reply *messageReader
	err   error
}

// LocalName returns the connection's unique bus name, assigned by the
// bus during the Hello call.
func (c *Conn) LocalName() string { return c.clientID }

// Peer returns a handle for the bus name. The returned value is
// purely local bookkeeping: it does not indicate that name currently
// exists or is reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{c: c, name: name}
}

// Close shuts down the connection, failing every outstanding call
// with a [CancelledError] and closing the underlying transport.
func (c *Conn) Close() error {
	var pending map[uint32]*pendingCall
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending, c.calls = c.calls, nil
	c.mu.Unlock()

	for serial, p := range pending {
		p.err = &CancelledError{Serial: serial}
		close(p.done)
	}
	return c.t.Close()
}

// allocSerial returns the next outbound message serial, wrapping from
// 2^31 back to 1. Zero is never returned: it is reserved to mean "no
// reply serial" in the REPLY_SERIAL header field.
func (c *Conn) allocSerial() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	c.nextSerial++
	if c.nextSerial > 1<<31 {
		c.nextSerial = 1
	}
	return c.nextSerial, nil
}

// writeMessage assigns buf's serial at offset 8 and writes it to the
// transport. buf must already hold a complete message produced by
// [messageBuilder.Build] with a placeholder serial.
func (c *Conn) writeMessage(serial uint32, buf []byte) error {
	fragments_putSerial(buf, serial)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.t.Write(buf)
	if err != nil {
		c.Close()
		return &TransportError{err}
	}
	return nil
}

// call sends a method call and blocks for its reply. inSig/args
// describe and supply the call body; outSig describes the expected
// reply body, which is decoded and returned. A zero inSig (empty
// signature) sends a message with no body.
func (c *Conn) call(ctx context.Context, destination string, path ObjectPath, iface, method string, inSig Signature, args []any, outSig Signature) ([]any, error) {
	bodyCodecs, err := CodecsFor(string(inSig))
	if err != nil {
		return nil, err
	}

	b := newMessageBuilder(msgKindCall, 0)
	if err := b.SetHeader(fieldPath, path); err != nil {
		return nil, err
	}
	if err := b.SetHeader(fieldInterface, iface); err != nil {
		return nil, err
	}
	if err := b.SetHeader(fieldMember, method); err != nil {
		return nil, err
	}
	if err := b.SetHeader(fieldDestination, destination); err != nil {
		return nil, err
	}

	buf, err := b.Build(0, bodyCodecs, args)
	if err != nil {
		return nil, err
	}

	serial, err := c.allocSerial()
	if err != nil {
		return nil, err
	}

	pending := &pendingCall{done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	c.calls[serial] = pending
	c.mu.Unlock()

	if err := c.writeMessage(serial, buf); err != nil {
		c.mu.Lock()
		delete(c.calls, serial)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-pending.done:
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.calls, serial)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Serial: serial}
		}
		return nil, &CancelledError{Serial: serial}
	}

	if pending.err != nil {
		return nil, pending.err
	}

	outCodecs, err := CodecsFor(string(outSig))
	if err != nil {
		return nil, err
	}
	return pending.reply.Body(outCodecs)
}

// oneWay sends a method call with the NO_REPLY_EXPECTED flag set and
// returns once it has been written to the socket.
func (c *Conn) oneWay(ctx context.Context, destination string, path ObjectPath, iface, method string, inSig Signature, args []any) error {
	bodyCodecs, err := CodecsFor(string(inSig))
	if err != nil {
		return err
	}

	b := newMessageBuilder(msgKindCall, flagNoReplyExpected)
	if err := b.SetHeader(fieldPath, path); err != nil {
		return err
	}
	if err := b.SetHeader(fieldInterface, iface); err != nil {
		return err
	}
	if err := b.SetHeader(fieldMember, method); err != nil {
		return err
	}
	if err := b.SetHeader(fieldDestination, destination); err != nil {
		return err
	}

	buf, err := b.Build(0, bodyCodecs, args)
	if err != nil {
		return err
	}
	serial, err := c.allocSerial()
	if err != nil {
		return err
	}
	return c.writeMessage(serial, buf)
}

// readLoop reads and dispatches messages until the transport closes
// or a protocol error makes the connection unusable.
func (c *Conn) readLoop() {
	for {
		if err := c.readAndDispatch(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("dbus: connection error, closing: %v", err)
			c.Close()
			return
		}
	}
}

// readAndDispatch reads exactly one complete message from c.r using
// the stream reassembly rule of component 4.4 — read the fixed
// header, compute the total message length from its declared
// header-fields and body lengths, then read the remainder — and hands
// it to the appropriate pending call or watcher.
func (c *Conn) readAndDispatch() error {
	prefix := make([]byte, 16)
	if _, err := io.ReadFull(c.r, prefix); err != nil {
		return err
	}
	total, err := messageLength(prefix)
	if err != nil {
		return err
	}
	buf := make([]byte, total)
	copy(buf, prefix)
	if _, err := io.ReadFull(c.r, buf[16:]); err != nil {
		return err
	}

	reader, err := newMessageReader(buf)
	if err != nil {
		return err
	}
	hdr, err := reader.Header()
	if err != nil {
		return err
	}

	switch reader.kind {
	case msgKindReturn:
		c.deliver(hdr.ReplySerial, reader, nil)
	case msgKindError:
		c.deliver(hdr.ReplySerial, reader, errorFromHeader(hdr, reader))
	case msgKindSignal:
		c.dispatchSignal(hdr, reader)
	case msgKindCall:
		// This core is a client library: it does not expose local
		// objects for incoming calls to target. Unsolicited calls are
		// dropped.
	}
	return nil
}

// errorFromHeader builds the [CallError] a peer's error reply
// represents, decoding the conventional leading error-detail string
// from the body if the declared signature allows for one.
func errorFromHeader(hdr *header, reader *messageReader) error {
	detail := ""
	if hdr.hasSig && len(hdr.Signature) > 0 && hdr.Signature[0] == 's' {
		codecs, err := CodecsFor(string(hdr.Signature))
		if err == nil {
			if vals, err := reader.Body(codecs); err == nil {
				detail, _ = vals[0].(string)
			}
		}
	}
	return &CallError{Name: hdr.ErrName, Detail: detail}
}

// deliver completes the pending call registered under serial, if any.
// A reply with no matching pending call (a response to a call that
// was already cancelled) is silently dropped.
func (c *Conn) deliver(serial uint32, reply *messageReader, err error) {
	c.mu.Lock()
	p, ok := c.calls[serial]
	if ok {
		delete(c.calls, serial)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.reply, p.err = reply, err
	close(p.done)
}

// dispatchSignal hands a received signal message to every registered
// watcher. Signal reception is a specified extension point: this core
// delivers the raw header and message reader and leaves interpretation
// to the watcher.
func (c *Conn) dispatchSignal(hdr *header, reader *messageReader) {
	c.mu.Lock()
	ws := c.watchers
	c.mu.Unlock()
	for w := range ws {
		w.deliver(hdr, reader)
	}
}

// registerWatcher adds w to the set of watchers notified of incoming
// signals. Used by [Conn.Watch].
func (c *Conn) registerWatcher(w *Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchers == nil {
		c.watchers = mapset.New[*Watcher]()
	}
	c.watchers.Add(w)
}

// unregisterWatcher removes w from the watcher set.
func (c *Conn) unregisterWatcher(w *Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchers, w)
}

// ifaceBus is the interface name of the bus daemon's own object.
const ifaceBus = "org.freedesktop.DBus"
const ifaceProps = "org.freedesktop.DBus.Properties"

// fragments_putSerial stamps serial into the 4 bytes at offset 8 of a
// built message, honoring the byte order flag at offset 0. Builder
// output is always little-endian (component 3), so this could inline
// binary.LittleEndian.PutUint32, but goes through the flag byte to
// stay correct if that ever changes.
func fragments_putSerial(buf []byte, serial uint32) {
	if len(buf) < 12 {
		panic("message shorter than fixed header")
	}
	var put func([]byte, uint32)
	switch buf[0] {
	case 'B':
		put = beUint32
	default:
		put = leUint32
	}
	put(buf[8:12], serial)
}

func leUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func beUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}
