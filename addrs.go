package fcgikit

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// WebServerAddressVariable is the environment variable inspected during
// interface construction. A non-empty value restricts which peers may
// connect; empty or unset accepts any peer.
const WebServerAddressVariable = "FCGI_WEB_SERVER_ADDRS"

// loadAuthorizedAddresses parses WebServerAddressVariable as a
// comma-separated list of IP literals of the listening socket's family.
// IPv4-mapped IPv6 literals are unmapped before storage so that a mapped
// entry authorizes the plain IPv4 peer. A nil map disables filtering.
func loadAuthorizedAddresses(family int) (map[netip.Addr]struct{}, error) {
	value := os.Getenv(WebServerAddressVariable)
	if value == "" {
		return nil, nil
	}
	authorized := make(map[netip.Addr]struct{})
	for _, literal := range strings.Split(value, ",") {
		literal = strings.TrimSpace(literal)
		if literal == "" {
			continue
		}
		addr, err := netip.ParseAddr(literal)
		if err != nil {
			return nil, fmt.Errorf("could not parse %s entry %q: %w", WebServerAddressVariable, literal, err)
		}
		addr = addr.Unmap()
		if family == unix.AF_INET && !addr.Is4() {
			return nil, fmt.Errorf("%s entry %q does not match the listening socket family", WebServerAddressVariable, literal)
		}
		if family == unix.AF_INET6 && !addr.Is6() {
			return nil, fmt.Errorf("%s entry %q does not match the listening socket family", WebServerAddressVariable, literal)
		}
		authorized[addr] = struct{}{}
	}
	if len(authorized) == 0 {
		return nil, fmt.Errorf("%s is set but holds no usable address", WebServerAddressVariable)
	}
	return authorized, nil
}

// peerAddress normalizes the peer address of an accepted socket for
// membership tests against the authorized set.
func peerAddress(sa unix.Sockaddr) (netip.Addr, bool) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(v.Addr), true
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(v.Addr).Unmap(), true
	}
	return netip.Addr{}, false
}

// sockaddrFamily maps a bound socket address to its address family.
func sockaddrFamily(sa unix.Sockaddr) (int, error) {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET, nil
	case *unix.SockaddrInet6:
		return unix.AF_INET6, nil
	case *unix.SockaddrUnix:
		return unix.AF_UNIX, nil
	}
	return 0, fmt.Errorf("unsupported socket address family %T", sa)
}
