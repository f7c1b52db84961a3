package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// ResolveAddr resolves host:port to a single UDP address, optionally
// restricted to one address family. Zero or multiple usable addresses
// are both errors: a datagram session cannot fail over between
// candidates, so the ambiguity must be resolved by the operator.
func ResolveAddr(ctx context.Context, addr string, ipv4Only, ipv6Only bool) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	if host == "" {
		ip := net.IPv6unspecified
		if ipv4Only {
			ip = net.IPv4zero
		}
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}

	network := "ip"
	switch {
	case ipv4Only && ipv6Only:
		return nil, fmt.Errorf("cannot restrict to both IPv4 and IPv6")
	case ipv4Only:
		network = "ip4"
	case ipv6Only:
		network = "ip6"
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}

	usable := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		ip = ip.Unmap()
		if ipv4Only && !ip.Is4() {
			continue
		}
		if ipv6Only && ip.Is4() {
			continue
		}
		usable = append(usable, ip)
	}

	if len(usable) == 0 {
		return nil, fmt.Errorf("no usable socket addresses for %q", addr)
	}
	if len(usable) > 1 {
		return nil, fmt.Errorf("%q resolves to multiple addresses; pick one with -4 or -6", addr)
	}
	return &net.UDPAddr{IP: usable[0].AsSlice(), Zone: usable[0].Zone(), Port: port}, nil
}

// canonical normalizes a UDP source address for comparisons, unmapping
// IPv4-in-IPv6.
func canonical(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
