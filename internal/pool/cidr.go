package pool

import (
	"fmt"
	"net/netip"
)

// MaxExpand bounds how many addresses one CIDR may expand to
const MaxExpand = 1 << 16

// ExpandCIDR lists the host addresses of cidr in ascending order. For IPv4
// prefixes shorter than /31 the network and broadcast addresses are skipped;
// for IPv6 prefixes shorter than /127 the subnet-router anycast address is
// skipped. Addresses listed in exclude are left out.
func ExpandCIDR(cidr string, exclude []string) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > 16 {
		return nil, fmt.Errorf("CIDR %s expands to more than %d addresses", cidr, MaxExpand)
	}

	skip := make(map[netip.Addr]bool, len(exclude))
	for _, e := range exclude {
		addr, err := parseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude %q: %w", e, err)
		}
		skip[addr] = true
	}

	first := prefix.Addr()
	total := 1 << hostBits

	var out []string
	addr := first
	for i := 0; i < total; i++ {
		last := i == total-1
		switch {
		case i == 0 && hostBits > 1:
		case last && first.Is4() && hostBits > 1:
		case skip[addr]:
		default:
			out = append(out, addr.String())
		}
		addr = addr.Next()
	}

	return out, nil
}

// parseAddr accepts a bare address or a single-host prefix such as 10.0.0.1/32
func parseAddr(s string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr, nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return prefix.Addr(), nil
}
