package dbus_test

import (
	"testing"

	"github.com/coriolis-labs/dbuscore"
)

func TestSignatureRoundTrip(t *testing.T) {
	sigs := []string{
		"",
		"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g",
		"ay", "as", "ai", "aas",
		"(nb)", "(y(nb))", "a(nb)",
		"(asa(nb)aa(y(nb)))",
		"yi", "sii",
	}
	for _, sig := range sigs {
		t.Run(sig, func(t *testing.T) {
			codecs, err := dbus.CodecsFor(sig)
			if err != nil {
				t.Fatalf("CodecsFor(%q): %v", sig, err)
			}
			var got string
			for _, c := range codecs {
				got += c.Signature()
			}
			if got != sig {
				t.Errorf("round trip: got %q, want %q", got, sig)
			}
		})
	}
}

func TestSignatureRejectsMalformed(t *testing.T) {
	bad := []string{
		"(", ")", "a", "{sv}", "a{vs}", "Z", "(nb",
	}
	for _, sig := range bad {
		t.Run(sig, func(t *testing.T) {
			if _, err := dbus.ParseSignature(sig); err == nil {
				t.Errorf("ParseSignature(%q): want error, got nil", sig)
			}
		})
	}
}

func TestObjectPathValid(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"/", true},
		{"/org/freedesktop/DBus", true},
		{"/org/freedesktop/DBus1", true},
		{"", false},
		{"relative/path", false},
		{"/trailing/", false},
		{"/double//slash", false},
		{"/bad-char!", false},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			if got := dbus.ObjectPath(tc.path).Valid(); got != tc.ok {
				t.Errorf("ObjectPath(%q).Valid() = %v, want %v", tc.path, got, tc.ok)
			}
		})
	}
}
