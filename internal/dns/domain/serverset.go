package domain

import (
	"fmt"
	"net/netip"
	"sort"
)

// ServerAddr is the address of one DNS server, cleartext or private.
type ServerAddr struct {
	IP   netip.Addr
	Port uint16
}

// NewServerAddr constructs a ServerAddr and validates the IP literal.
func NewServerAddr(ip string, port uint16) (ServerAddr, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ServerAddr{}, fmt.Errorf("invalid server address %q: %w", ip, err)
	}
	return ServerAddr{IP: addr.Unmap(), Port: port}, nil
}

// IsIPv6 reports whether the server is reachable over IPv6.
func (s ServerAddr) IsIPv6() bool {
	return s.IP.Is6()
}

// IsValid reports whether the address carries a parseable IP and a port.
func (s ServerAddr) IsValid() bool {
	return s.IP.IsValid() && s.Port != 0
}

// String renders the address as host:port, bracketing IPv6 literals.
func (s ServerAddr) String() string {
	return netip.AddrPortFrom(s.IP, s.Port).String()
}

// AddrPort converts the address for use with the netip-based dialers.
func (s ServerAddr) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(s.IP, s.Port)
}

// ServerSet is the per-network snapshot of configured resolvers. It is
// immutable: configuration updates replace the whole value, never edit it.
type ServerSet struct {
	Cleartext []ServerAddr
	DoT       []ServerAddr
	DoH       []ServerAddr

	// Provider is the expected private DNS provider hostname, or empty in
	// opportunistic mode. DoH probing is gated on it matching the allowlist.
	Provider string
}

// HasPrivate reports whether any private (DoT or DoH) server is configured.
func (s ServerSet) HasPrivate() bool {
	return len(s.DoT) > 0 || len(s.DoH) > 0
}

// Contains reports whether addr appears in the given protocol's server list.
func (s ServerSet) Contains(addr ServerAddr, proto Protocol) bool {
	var list []ServerAddr
	switch proto {
	case ProtocolDoT:
		list = s.DoT
	case ProtocolDoH:
		list = s.DoH
	}
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

// PreferredOrder returns servers sorted IPv6 before IPv4, preserving
// configuration order within each family. The stable sort keeps selection
// deterministic across identical configurations.
func PreferredOrder(servers []ServerAddr) []ServerAddr {
	out := make([]ServerAddr, len(servers))
	copy(out, servers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IsIPv6() && !out[j].IsIPv6()
	})
	return out
}
