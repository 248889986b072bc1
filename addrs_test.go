package fcgikit

import (
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"
)

func TestLoadAuthorizedAddresses_Unset(t *testing.T) {
	t.Setenv(WebServerAddressVariable, "")
	authorized, err := loadAuthorizedAddresses(unix.AF_INET)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authorized != nil {
		t.Errorf("empty variable should disable filtering, got %v", authorized)
	}
}

func TestLoadAuthorizedAddresses_IPv4List(t *testing.T) {
	t.Setenv(WebServerAddressVariable, "10.0.0.1, 192.168.1.20")
	authorized, err := loadAuthorizedAddresses(unix.AF_INET)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(authorized) != 2 {
		t.Fatalf("parsed %d addresses, want 2", len(authorized))
	}
	for _, literal := range []string{"10.0.0.1", "192.168.1.20"} {
		if _, ok := authorized[netip.MustParseAddr(literal)]; !ok {
			t.Errorf("address %s missing from the set", literal)
		}
	}
}

func TestLoadAuthorizedAddresses_MappedIPv6IsUnmapped(t *testing.T) {
	// A mapped literal authorizes the plain IPv4 peer.
	t.Setenv(WebServerAddressVariable, "::ffff:10.0.0.1")
	authorized, err := loadAuthorizedAddresses(unix.AF_INET)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := authorized[netip.MustParseAddr("10.0.0.1")]; !ok {
		t.Error("mapped address was not normalized to its IPv4 form")
	}
}

func TestLoadAuthorizedAddresses_FamilyMismatch(t *testing.T) {
	t.Setenv(WebServerAddressVariable, "2001:db8::1")
	if _, err := loadAuthorizedAddresses(unix.AF_INET); err == nil {
		t.Error("expected an error for an IPv6 literal on an IPv4 socket")
	}
	t.Setenv(WebServerAddressVariable, "10.0.0.1")
	if _, err := loadAuthorizedAddresses(unix.AF_INET6); err == nil {
		t.Error("expected an error for an IPv4 literal on an IPv6 socket")
	}
}

func TestLoadAuthorizedAddresses_Invalid(t *testing.T) {
	t.Setenv(WebServerAddressVariable, "not-an-address")
	if _, err := loadAuthorizedAddresses(unix.AF_INET); err == nil {
		t.Error("expected an error for an unparsable literal")
	}
	t.Setenv(WebServerAddressVariable, " , ,")
	if _, err := loadAuthorizedAddresses(unix.AF_INET); err == nil {
		t.Error("expected an error for a list with no usable address")
	}
}

func TestPeerAddress(t *testing.T) {
	addr, ok := peerAddress(&unix.SockaddrInet4{Addr: [4]byte{192, 168, 0, 7}})
	if !ok || addr != netip.MustParseAddr("192.168.0.7") {
		t.Errorf("peerAddress inet4 = (%v, %v)", addr, ok)
	}
	mapped := netip.MustParseAddr("::ffff:192.168.0.7")
	addr, ok = peerAddress(&unix.SockaddrInet6{Addr: mapped.As16()})
	if !ok || addr != netip.MustParseAddr("192.168.0.7") {
		t.Errorf("peerAddress mapped inet6 = (%v, %v), want the unmapped form", addr, ok)
	}
	if _, ok := peerAddress(&unix.SockaddrUnix{Name: "/tmp/x"}); ok {
		t.Error("peerAddress should not normalize AF_UNIX addresses")
	}
}
