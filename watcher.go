package dbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/mds/queue"
)

const maxWatcherQueue = 20

// Watch registers a new [Watcher] that receives signals delivered to
// this connection. A freshly returned Watcher matches every signal;
// use [Watcher.MatchInterface] or [Watcher.MatchMember] to narrow it.
//
// Signal reception is a specified extension point (component 4.4):
// this core correlates calls and replies by serial, and separately
// hands complete signal messages to every registered Watcher without
// interpreting their bodies beyond what [Notification.Body] offers.
func (c *Conn) Watch() *Watcher {
	w := &Watcher{
		conn:        c,
		out:         make(chan *Notification),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go w.pump()
	c.registerWatcher(w)
	return w
}

// Watcher delivers signals received from the bus that pass its
// filter.
type Watcher struct {
	conn *Conn

	out  chan *Notification
	wake chan struct{}

	stop    chan struct{}
	stopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[*Notification]
	ifaces  map[string]bool
	members map[string]bool
	rules   []string
}

// Notification is one signal received from a bus peer.
type Notification struct {
	// Sender is the unique bus name that emitted the signal.
	Sender string
	// Path is the object path the signal was emitted from.
	Path ObjectPath
	// Interface is the signal's interface.
	Interface string
	// Member is the signal's name.
	Member string
	// Signature is the declared signature of Body.
	Signature Signature
	// Body is the signal's decoded arguments, in order, or nil if the
	// body could not be decoded with this core's supported codecs
	// (for example, a body containing a variant or dict).
	Body []any
	// Overflow reports that the watcher discarded notifications
	// that arrived after this one because the caller wasn't draining
	// fast enough.
	Overflow bool
}

// Chan returns the channel signals are delivered on. The caller must
// drain it promptly: once [maxWatcherQueue] undelivered notifications
// have queued up, further ones are dropped and the last queued
// notification is flagged via [Notification.Overflow].
func (w *Watcher) Chan() <-chan *Notification { return w.out }

// MatchInterface asks the bus to route signals on iface to this
// connection, and restricts delivery through this Watcher to signals
// whose INTERFACE header equals iface. Interfaces are additive across
// calls to MatchInterface, as members are across calls to
// [Watcher.MatchMember]; once both kinds are set, a signal must match
// one listed interface and one listed member. A Watcher with no
// filters set delivers every signal that reaches the connection.
func (w *Watcher) MatchInterface(ctx context.Context, iface string) error {
	rule := fmt.Sprintf("type='signal',interface='%s'", iface)
	if err := w.conn.addMatch(ctx, rule); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ifaces == nil {
		w.ifaces = map[string]bool{}
	}
	w.ifaces[iface] = true
	w.rules = append(w.rules, rule)
	return nil
}

// MatchAll asks the bus to route every signal to this connection,
// without narrowing this Watcher's local filter. Combine with
// [Watcher.MatchInterface] or [Watcher.MatchMember] if the bus-side
// subscription should be broader than what this Watcher delivers.
func (w *Watcher) MatchAll(ctx context.Context) error {
	const rule = "type='signal'"
	if err := w.conn.addMatch(ctx, rule); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rules = append(w.rules, rule)
	return nil
}

// MatchMember asks the bus to route signals named member to this
// connection, and restricts delivery through this Watcher to signals
// whose MEMBER header equals member.
func (w *Watcher) MatchMember(ctx context.Context, member string) error {
	rule := fmt.Sprintf("type='signal',member='%s'", member)
	if err := w.conn.addMatch(ctx, rule); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.members == nil {
		w.members = map[string]bool{}
	}
	w.members[member] = true
	w.rules = append(w.rules, rule)
	return nil
}

// Close stops the watcher. After Close, [Watcher.Chan] yields no
// further notifications and is closed.
func (w *Watcher) Close() {
	select {
	case <-w.stopped:
		return
	default:
	}
	close(w.stop)
	<-w.stopped
	w.conn.unregisterWatcher(w)

	w.mu.Lock()
	rules := w.rules
	w.rules = nil
	w.mu.Unlock()
	for _, rule := range rules {
		w.conn.removeMatch(context.Background(), rule)
	}
}

func (w *Watcher) matches(hdr *header) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ifaces) > 0 && !w.ifaces[hdr.Interface] {
		return false
	}
	if len(w.members) > 0 && !w.members[hdr.Member] {
		return false
	}
	return true
}

func (w *Watcher) deliver(hdr *header, reader *messageReader) {
	if !w.matches(hdr) {
		return
	}

	var body []any
	if hdr.hasSig {
		if codecs, err := CodecsFor(string(hdr.Signature)); err == nil {
			if vals, err := reader.Body(codecs); err == nil {
				body = vals
			}
		}
	}

	n := &Notification{
		Sender:    hdr.Sender,
		Path:      hdr.Path,
		Interface: hdr.Interface,
		Member:    hdr.Member,
		Signature: hdr.Signature,
		Body:      body,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopped:
		return
	default:
	}
	if w.queue.Len() >= maxWatcherQueue {
		if last, ok := w.queue.Peek(-1); ok {
			last.Overflow = true
		}
		return
	}
	w.queue.Add(n)
	if w.queue.Len() == 1 {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) pump() {
	defer close(w.stopped)
	defer close(w.out)
	for {
		n := func() *Notification {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if n == nil {
			select {
			case <-w.stop:
				return
			case <-w.wake:
				continue
			}
		}
		select {
		case w.out <- n:
		case <-w.stop:
			return
		}
	}
}
