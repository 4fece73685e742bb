package dbus

import "testing"

func TestParseAddress(t *testing.T) {
	a, err := parseAddress("unix:path=/run/dbus/system_bus_socket,guid=abc123")
	if err != nil {
		t.Fatalf("parseAddress: %v", err)
	}
	if a.transport != "unix" {
		t.Errorf("transport: got %q, want unix", a.transport)
	}
	if a.params["path"] != "/run/dbus/system_bus_socket" {
		t.Errorf("path param: got %q", a.params["path"])
	}
	if a.params["guid"] != "abc123" {
		t.Errorf("guid param: got %q", a.params["guid"])
	}
}

func TestParseAddressMissingTransport(t *testing.T) {
	if _, err := parseAddress("no-colon-here"); err == nil {
		t.Error("want error for address with no transport prefix")
	}
}

func TestUnixSocketPath(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"unix:path=/tmp/sock", "/tmp/sock"},
		{"unix:abstract=foo/bar", "\x00foo/bar"},
	}
	for _, tc := range tests {
		a, err := parseAddress(tc.addr)
		if err != nil {
			t.Fatalf("parseAddress(%q): %v", tc.addr, err)
		}
		got, err := a.unixSocketPath()
		if err != nil {
			t.Fatalf("unixSocketPath(%q): %v", tc.addr, err)
		}
		if got != tc.want {
			t.Errorf("unixSocketPath(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestUnixSocketPathRequiresPathOrAbstract(t *testing.T) {
	a, err := parseAddress("unix:guid=abc123")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.unixSocketPath(); err == nil {
		t.Error("want error when neither path= nor abstract= is present")
	}
}

func TestParseAddressListPicksFirstUnix(t *testing.T) {
	a, err := parseAddressList("launchd:env=DBUS_LAUNCHD_SESSION_BUS_SOCKET;unix:path=/run/user/1000/bus")
	if err != nil {
		t.Fatalf("parseAddressList: %v", err)
	}
	if a.transport != "unix" {
		t.Fatalf("transport: got %q, want unix", a.transport)
	}
	p, err := a.unixSocketPath()
	if err != nil {
		t.Fatal(err)
	}
	if p != "/run/user/1000/bus" {
		t.Errorf("path: got %q", p)
	}
}

func TestParseAddressListNoUsableTransport(t *testing.T) {
	if _, err := parseAddressList("launchd:env=FOO"); err == nil {
		t.Error("want error when no address in the list uses a supported transport")
	}
}
