package igd

import (
	"net"
	"net/netip"
	"strings"
)

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("240.0.0.0/4"), // includes broadcast
}

// ParseExternalIP parses an address reported by a router and returns it
// only if it is a usable public IPv4 address.
func ParseExternalIP(s string) (net.IP, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !IsValidAddress(addr) {
		return nil, false
	}
	return net.IP(addr.Unmap().AsSlice()), true
}

// IsValidAddress reports whether addr can be the internet-facing address of
// this host. Private and carrier-grade NAT ranges are rejected, so a router
// that sits behind another NAT yields no address.
func IsValidAddress(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || !addr.Is4() {
		return false
	}
	if addr.IsUnspecified() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsMulticast() || addr.IsPrivate() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}
