// Package netguard classifies addresses that must never be sent to an external
// geolocation provider (loopback, RFC1918, link-local and unique-local ranges)
// and decides which peers may set the client address through forwarding
// headers.
package netguard

import (
	"net"
	"strings"
)

// PrivateCIDRs are networks with no meaningful public geolocation.
var PrivateCIDRs = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",    // loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"100.64.0.0/10",  // carrier-grade NAT
		"169.254.0.0/16", // link-local
		"0.0.0.0/8",      // unspecified
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local
	}
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, ipNet, _ := net.ParseCIDR(c)
		nets = append(nets, ipNet)
	}
	return nets
}()

// IsPrivate returns true if the IP falls within a private/internal range.
func IsPrivate(ip net.IP) bool {
	for _, cidr := range PrivateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// NormalizeIP strips an optional port and brackets and returns the canonical
// textual form, or "" if s is not an IP address.
func NormalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.Trim(s, "[]")
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}

// Routable reports whether s is a public address worth enriching.
func Routable(s string) bool {
	ip := net.ParseIP(NormalizeIP(s))
	return ip != nil && !IsPrivate(ip)
}
