package dbus

import (
	"fmt"
	"os"
	"strings"
)

// address is a parsed DBus server address string: "transport:k1=v1,k2=v2,…".
// This core supports the unix transport only.
type address struct {
	transport string
	params    map[string]string
}

// parseAddress parses one address out of a DBUS_SESSION_BUS_ADDRESS
// style ';'-separated address list entry.
func parseAddress(s string) (*address, error) {
	transport, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("malformed bus address %q: missing transport prefix", s)
	}
	params := map[string]string{}
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("malformed bus address %q: bad key=value pair %q", s, kv)
			}
			params[k] = v
		}
	}
	return &address{transport: transport, params: params}, nil
}

// unixSocketPath returns the filesystem or abstract-namespace path
// this address names, prefixing a NUL byte for abstract sockets per
// the Linux abstract namespace convention.
func (a *address) unixSocketPath() (string, error) {
	if a.transport != "unix" {
		return "", fmt.Errorf("unsupported transport %q", a.transport)
	}
	if p, ok := a.params["path"]; ok {
		return p, nil
	}
	if p, ok := a.params["abstract"]; ok {
		return "\x00" + p, nil
	}
	return "", fmt.Errorf("unix address has neither path= nor abstract= key")
}

// parseAddressList parses a ';'-separated list of bus addresses, as
// found in DBUS_SESSION_BUS_ADDRESS, and returns the first one this
// core knows how to dial.
func parseAddressList(list string) (*address, error) {
	var errs []string
	for _, s := range strings.Split(list, ";") {
		addr, err := parseAddress(s)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if addr.transport == "unix" {
			return addr, nil
		}
		errs = append(errs, fmt.Sprintf("unsupported transport %q", addr.transport))
	}
	return nil, fmt.Errorf("no usable address in %q: %s", list, strings.Join(errs, "; "))
}

// sessionBusAddress returns the session bus address from the
// environment, per the well-known DBUS_SESSION_BUS_ADDRESS variable.
func sessionBusAddress() (*address, error) {
	v := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if v == "" {
		return nil, fmt.Errorf("DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return parseAddressList(v)
}
