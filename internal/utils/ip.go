package utils

import (
	"fmt"
	"math/big"
	"net"
	"strings"
)

// ParseHostOrCIDR accepts a CIDR or a single address, which becomes a /32 or /128.
func ParseHostOrCIDR(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return ipnet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid address or CIDR %q", s)
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// ParseIPRange expands "start-end", a CIDR or a single address into CIDR blocks.
func ParseIPRange(s string) ([]*net.IPNet, error) {
	from, to, isRange := strings.Cut(s, "-")
	if !isRange {
		ipnet, err := ParseHostOrCIDR(s)
		if err != nil {
			return nil, err
		}
		return []*net.IPNet{ipnet}, nil
	}
	start := net.ParseIP(strings.TrimSpace(from))
	end := net.ParseIP(strings.TrimSpace(to))
	if start == nil || end == nil {
		return nil, fmt.Errorf("invalid address range %q", s)
	}
	return RangeToCIDRs(start, end)
}

// RangeToCIDRs returns the smallest set of CIDR blocks covering start..end.
func RangeToCIDRs(start, end net.IP) ([]*net.IPNet, error) {
	bits := 32
	s, e := start.To4(), end.To4()
	if s == nil || e == nil {
		if (s == nil) != (e == nil) {
			return nil, fmt.Errorf("range %s-%s mixes address families", start, end)
		}
		bits = 128
		s, e = start.To16(), end.To16()
	}

	lo := new(big.Int).SetBytes(s)
	hi := new(big.Int).SetBytes(e)
	if lo.Cmp(hi) > 0 {
		return nil, fmt.Errorf("range start %s is after end %s", start, end)
	}

	one := big.NewInt(1)
	var out []*net.IPNet
	for lo.Cmp(hi) <= 0 {
		prefix := bits
		for prefix > 0 {
			size := new(big.Int).Lsh(one, uint(bits-prefix+1))
			if new(big.Int).Mod(lo, size).Sign() != 0 {
				break
			}
			last := new(big.Int).Add(lo, size)
			if last.Sub(last, one).Cmp(hi) > 0 {
				break
			}
			prefix--
		}

		ip := make(net.IP, bits/8)
		lo.FillBytes(ip)
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(prefix, bits)})
		lo.Add(lo, new(big.Int).Lsh(one, uint(bits-prefix)))
	}
	return out, nil
}
