// Package alloc allocates site subnets and tunnel ports.
package alloc

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrNoFreeBlock is returned when a pool has no block left that does not overlap an allocation.
var ErrNoFreeBlock = errors.New("no free block in pool")

// NextCIDR returns the first block of size blockSize inside pool that overlaps nothing in allocated.
// The caller includes the pool's reserved block in allocated.
func NextCIDR(allocated []netip.Prefix, blockSize int, pool netip.Prefix) (netip.Prefix, error) {
	if !pool.IsValid() {
		return netip.Prefix{}, fmt.Errorf("invalid pool %q", pool)
	}
	pool = pool.Masked()
	if blockSize < pool.Bits() || blockSize > pool.Addr().BitLen() {
		return netip.Prefix{}, fmt.Errorf("block size /%d does not fit pool %s", blockSize, pool)
	}

	hostBits := pool.Addr().BitLen() - blockSize
	addr := pool.Addr()
	for pool.Contains(addr) {
		candidate := netip.PrefixFrom(addr, blockSize)
		if !overlapsAny(candidate, allocated) {
			return candidate, nil
		}
		next, ok := advance(addr, hostBits)
		if !ok {
			break
		}
		addr = next
	}
	return netip.Prefix{}, ErrNoFreeBlock
}

// ParsePrefixes parses CIDR strings, skipping empty entries.
func ParsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		if c == "" {
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", c, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// ReservedBlock returns the block an exit node keeps for itself: its own address at blockSize.
func ReservedBlock(nodeAddress string, blockSize int) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(nodeAddress)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse exit node address %q: %w", nodeAddress, err)
	}
	return netip.PrefixFrom(p.Addr(), blockSize).Masked(), nil
}

func overlapsAny(p netip.Prefix, allocated []netip.Prefix) bool {
	for _, a := range allocated {
		if a.IsValid() && a.Addr().BitLen() == p.Addr().BitLen() && p.Overlaps(a) {
			return true
		}
	}
	return false
}

// advance adds 2^hostBits to addr, reporting false on overflow.
func advance(addr netip.Addr, hostBits int) (netip.Addr, bool) {
	b := addr.AsSlice()
	idx := len(b) - 1 - hostBits/8
	if idx < 0 {
		return netip.Addr{}, false
	}
	carry := uint16(1) << (hostBits % 8)
	for i := idx; i >= 0 && carry > 0; i-- {
		sum := uint16(b[i]) + carry
		b[i] = byte(sum)
		carry = sum >> 8
	}
	if carry > 0 {
		return netip.Addr{}, false
	}
	next, ok := netip.AddrFromSlice(b)
	return next, ok
}
