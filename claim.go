package dbus

import "context"

// ClaimOptions are the options for a [Conn.Claim] to a bus name. They
// map directly onto the flag bits of the bus's RequestName method.
type ClaimOptions struct {
	// AllowReplacement permits a later request with TryReplace set to
	// take over ownership from this claim.
	AllowReplacement bool
	// TryReplace attempts to replace the current owner, if any.
	// Replacement only succeeds if the current owner's claim set
	// AllowReplacement.
	TryReplace bool
	// NoQueue causes this claim to never join the backup queue: if
	// ownership cannot be secured immediately, the claim is dropped
	// rather than queued to succeed the current owner later.
	NoQueue bool
}

func (o ClaimOptions) flags() NameRequestFlags {
	var f NameRequestFlags
	if o.AllowReplacement {
		f |= NameRequestAllowReplacement
	}
	if o.TryReplace {
		f |= NameRequestReplace
	}
	if o.NoQueue {
		f |= NameRequestNoQueue
	}
	return f
}

// Claim is a claim to ownership of a bus name, tracked via the
// NameAcquired/NameLost signals the bus sends the claimant.
type Claim struct {
	c    *Conn
	w    *Watcher
	name string
	opts ClaimOptions

	owner chan bool
}

// Claim requests ownership of name with the given options, and starts
// tracking NameAcquired/NameLost notifications for it. The caller must
// read [Claim.Chan] to learn whether and when ownership is granted.
func (c *Conn) Claim(ctx context.Context, name string, opts ClaimOptions) (*Claim, error) {
	w := c.Watch()
	if err := w.MatchMember(ctx, "NameAcquired"); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.MatchMember(ctx, "NameLost"); err != nil {
		w.Close()
		return nil, err
	}

	cl := &Claim{c: c, w: w, name: name, opts: opts, owner: make(chan bool, 1)}
	if err := cl.Request(ctx, opts); err != nil {
		w.Close()
		return nil, err
	}
	go cl.pump()
	return cl, nil
}

// Request re-requests the claimed name with updated options, without
// relinquishing current ownership if this claim already holds it.
func (cl *Claim) Request(ctx context.Context, opts ClaimOptions) error {
	cl.opts = opts
	_, err := cl.c.RequestName(ctx, cl.name, opts.flags())
	return err
}

// Name returns the claimed bus name.
func (cl *Claim) Name() string { return cl.name }

// Chan reports, on every ownership change, whether this claim
// currently owns the name.
func (cl *Claim) Chan() <-chan bool { return cl.owner }

// Close abandons the claim and releases the name if currently owned.
func (cl *Claim) Close() error {
	cl.w.Close()
	_, err := cl.c.bus.Conn().call(context.Background(), "org.freedesktop.DBus", "/org/freedesktop/DBus",
		ifaceBus, "ReleaseName", mustParseSignature("s"), []any{cl.name}, mustParseSignature("u"))
	return err
}

func (cl *Claim) pump() {
	defer close(cl.owner)
	for n := range cl.w.Chan() {
		if len(n.Body) == 0 {
			continue
		}
		name, ok := n.Body[0].(string)
		if !ok || name != cl.name {
			continue
		}
		var owner bool
		switch n.Member {
		case "NameAcquired":
			owner = true
		case "NameLost":
			owner = false
		default:
			continue
		}
		select {
		case cl.owner <- owner:
		case <-cl.owner:
			cl.owner <- owner
		}
	}
}
