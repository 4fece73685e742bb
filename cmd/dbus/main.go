// Command dbus is a small interactive probe for the message bus,
// built on top of [github.com/coriolis-labs/dbuscore].
package main

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coriolis-labs/dbuscore"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/kr/pretty"
)

var globalArgs struct {
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
	Names         string `flag:"names,Comma-separated list of bus names to claim"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	mk := dbus.SystemBus
	if globalArgs.UseSessionBus {
		mk = dbus.SessionBus
	}
	conn, err := mk(ctx)
	if err != nil {
		return nil, err
	}

	if globalArgs.Names == "" {
		return conn, nil
	}

	for _, n := range strings.Split(globalArgs.Names, ",") {
		claim, err := conn.Claim(ctx, n, dbus.ClaimOptions{})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func() {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}()
	}

	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list",
				Usage: "list args...",
				Commands: []*command.C{
					{
						Name:  "peers",
						Usage: "list peers",
						Help:  "List well-known names registered on the bus, with their unique-name owner.",
						Run:   command.Adapt(runListPeers),
					},
					{
						Name:  "interfaces",
						Usage: "list interfaces [peer] [object] [interface]",
						Help: `List bus interfaces.

With no arguments, enumerates all discoverable interfaces on named bus
services. Unique bus names (like ":1.234") are skipped because many of
them do not expect to be sent RPCs, and do not respond correctly.

With one argument, enumerate all objects of the given peer and the
interfaces they implement.

With two arguments, enumerate all interfaces on the given peer and
object.

With three arguments, list only the exact peer, object and interface
specified.
`,
						Run: runListInterfaces,
					},
					{
						Name: "props",
						Usage: "list props [peer] [object] [interface] [property]",
						Help: `List properties.

Property access requires the variant and dict codecs, which this core
specifies but does not implement: every call made by this subcommand
will fail. It is kept to show the calling shape property access would
take once those codecs exist.`,
						Run: runListProps,
					},
				},
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer via org.freedesktop.DBus.Peer.Ping.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "introspect",
				Usage: "introspect peer object",
				Help:  "Print the raw introspection XML for one object.",
				Run:   command.Adapt(runIntrospect),
			},
			{
				Name: "call",
				Usage: "call peer object interface method in-sig out-sig [args...]",
				Help: `Make a method call and print the reply.

in-sig and out-sig are DBus type signatures, e.g. "s" or "". Arguments
are parsed according to in-sig; only basic (non-container) argument
types can be supplied this way.`,
				Run: runCall,
			},
			{
				Name:  "listen",
				Usage: "listen [interface] [member]",
				Help:  "Listen for signals matching interface and/or member (either may be empty for any).",
				Run:   runListen,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runListPeers(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	peers, err := conn.Peers(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	aliases := map[dbus.Peer][]dbus.Peer{}

	for _, p := range peers {
		if p.IsUniqueName() {
			continue
		}
		owner, err := p.Owner(ctx)
		if err != nil {
			fmt.Printf("Getting owner of %s: %v\n", p, err)
			continue
		}
		aliases[owner] = append(aliases[owner], p)
		aliases[p] = []dbus.Peer{owner}
	}
	for _, alias := range aliases {
		slices.SortFunc(alias, func(a, b dbus.Peer) int {
			return cmp.Compare(a.Name(), b.Name())
		})
	}

	for _, p := range peers {
		alias := aliases[p]
		if len(alias) == 0 {
			fmt.Println(p)
			continue
		}
		names := make([]string, len(alias))
		for i, a := range alias {
			names[i] = a.Name()
		}
		fmt.Printf("%s (%s)\n", p.Name(), strings.Join(names, ", "))
	}

	return nil
}

func runListInterfaces(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 3)
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var out indenter
	var prev dbus.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.v(err)
			continue
		}
		ownerName := p.Name()
		if owner, err := p.Owner(ctx); err == nil {
			ownerName = owner.Name()
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.v(err)
				continue
			}
			if iface.Peer() != prev.Peer() {
				out.indent(0)
				if prev.Peer() != (dbus.Peer{}) {
					out.s("")
				}
				out.f("%s (%s)", iface.Peer().Name(), ownerName)
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
				out.indent(2)
			}

			out.v(iface.Description)
			prev = iface.Interface
		}
	}

	return nil
}

func runListProps(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 4)
	pf, err := regexp.Compile(args[3])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), 10*time.Second)
	defer cancel()
	var out indenter
	var prev dbus.Interface
	for p, err := range listPeers(ctx, conn, args[0]) {
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		for iface, err := range listInterfaces(ctx, p, args[1], args[2]) {
			if err != nil {
				out.indent(0)
				out.v(err)
				continue
			}
			if len(iface.Description.Properties) == 0 {
				continue
			}

			props, err := iface.GetAllProperties(ctx)
			if err != nil {
				out.indent(0)
				out.v(fmt.Errorf("listing properties of %s: %w", iface, err))
				continue
			}
			ks := slices.Sorted(maps.Keys(props))
			ks = slices.Collect(slice.Select(ks, pf.MatchString))
			if len(ks) == 0 {
				continue
			}

			if iface.Peer() != prev.Peer() {
				out.indent(0)
				out.v(iface.Peer().Name())
				out.indent(1)
				out.v(iface.Object().Path())
			} else if iface.Object() != prev.Object() {
				out.indent(1)
				out.v(iface.Object().Path())
			}
			prev = iface.Interface

			out.indent(2)
			out.v(iface.Name())
			out.indent(3)
			for _, k := range ks {
				out.f("%s: %v", k, props[k])
			}
		}
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	return nil
}

func runIntrospect(env *command.Env, peer, object string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	xml, err := conn.Peer(peer).Object(dbus.ObjectPath(object)).IntrospectXML(env.Context())
	if err != nil {
		return fmt.Errorf("introspecting %s%s: %w", peer, object, err)
	}
	fmt.Println(xml)
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 6 {
		return env.Usagef("call requires peer, object, interface, method, in-sig and out-sig")
	}
	peer, object, iface, method, inSig, outSig := env.Args[0], env.Args[1], env.Args[2], env.Args[3], env.Args[4], env.Args[5]
	rawArgs := env.Args[6:]

	in, err := dbus.ParseSignature(inSig)
	if err != nil {
		return fmt.Errorf("parsing in-sig: %w", err)
	}
	out, err := dbus.ParseSignature(outSig)
	if err != nil {
		return fmt.Errorf("parsing out-sig: %w", err)
	}
	args, err := parseCallArgs(in, rawArgs)
	if err != nil {
		return fmt.Errorf("parsing arguments: %w", err)
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	res, err := conn.Peer(peer).Object(dbus.ObjectPath(object)).Interface(iface).Call(ctx, method, in, args, out)
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", iface, method, err)
	}
	fmt.Printf("%# v\n", pretty.Formatter(res))
	return nil
}

// parseCallArgs converts command-line strings into the Go values
// CodecsFor(string(sig)) expects, one argument per top-level codec in
// sig. Only basic (non-container) signature characters are supported;
// structs, arrays, dicts and variants cannot be constructed from the
// command line.
func parseCallArgs(sig dbus.Signature, raw []string) ([]any, error) {
	codecs, err := dbus.CodecsFor(string(sig))
	if err != nil {
		return nil, err
	}
	if len(codecs) != len(raw) {
		return nil, fmt.Errorf("signature %q wants %d arguments, got %d", sig, len(codecs), len(raw))
	}
	args := make([]any, len(codecs))
	for i, c := range codecs {
		v, err := parseCallArg(c.Signature(), raw[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

func parseCallArg(sig, raw string) (any, error) {
	switch sig {
	case "y":
		n, err := strconv.ParseUint(raw, 10, 8)
		return byte(n), err
	case "b":
		return strconv.ParseBool(raw)
	case "n":
		n, err := strconv.ParseInt(raw, 10, 16)
		return int16(n), err
	case "q":
		n, err := strconv.ParseUint(raw, 10, 16)
		return uint16(n), err
	case "i":
		n, err := strconv.ParseInt(raw, 10, 32)
		return int32(n), err
	case "u":
		n, err := strconv.ParseUint(raw, 10, 32)
		return uint32(n), err
	case "x":
		return strconv.ParseInt(raw, 10, 64)
	case "t":
		return strconv.ParseUint(raw, 10, 64)
	case "d":
		return strconv.ParseFloat(raw, 64)
	case "s", "g":
		return raw, nil
	case "o":
		return dbus.ObjectPath(raw), nil
	default:
		return nil, fmt.Errorf("signature %q is not a basic type this CLI can construct", sig)
	}
}

func runListen(env *command.Env) error {
	args := growTo(env.Args, 2)
	iface, member := args[0], args[1]

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	w := conn.Watch()
	defer w.Close()

	switch {
	case iface == "" && member == "":
		if err := w.MatchAll(env.Context()); err != nil {
			return fmt.Errorf("subscribing to all signals: %w", err)
		}
	default:
		if iface != "" {
			if err := w.MatchInterface(env.Context(), iface); err != nil {
				return fmt.Errorf("subscribing to interface %s: %w", iface, err)
			}
		}
		if member != "" {
			if err := w.MatchMember(env.Context(), member); err != nil {
				return fmt.Errorf("subscribing to member %s: %w", member, err)
			}
		}
	}

	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case n, ok := <-w.Chan():
			if !ok {
				return nil
			}
			fmt.Printf("%s.%s from %s on %s:\n  %# v\n\n", n.Interface, n.Member, n.Sender, n.Path, pretty.Formatter(n.Body))
			if n.Overflow {
				fmt.Println("OVERFLOW, some signals lost")
			}
		}
	}
}
