// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package gprs

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseAddrNetmask decodes the combined address and subnet mask returned by
// the modem in the form "a.b.c.d.m.m.m.m".
//
// Only IPv4 is supported.
func ParseAddrNetmask(s string) (addr, mask netip.Addr, err error) {
	groups := strings.Split(s, ".")
	if len(groups) != 8 {
		err = errors.Wrapf(ErrMalformedResponse, "address and netmask %q", s)
		return
	}
	var b [8]byte
	for i, g := range groups {
		v, perr := strconv.ParseUint(g, 10, 8)
		if perr != nil {
			err = errors.Wrapf(ErrMalformedResponse, "address and netmask %q", s)
			return
		}
		b[i] = byte(v)
	}
	addr = netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
	mask = netip.AddrFrom4([4]byte{b[4], b[5], b[6], b[7]})
	return
}

// FormatAddrNetmask encodes the prefix in the "a.b.c.d.m.m.m.m" form.
func FormatAddrNetmask(p netip.Prefix) string {
	a := p.Addr().As4()
	m := prefixMask(p.Bits())
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d.%d.%d",
		a[0], a[1], a[2], a[3], m[0], m[1], m[2], m[3])
}

// MaskBits returns the prefix length of an IPv4 netmask.
func MaskBits(mask netip.Addr) (int, bool) {
	if !mask.Is4() {
		return 0, false
	}
	b := mask.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	n := 0
	for v&0x80000000 != 0 {
		n++
		v <<= 1
	}
	if v != 0 {
		// non-contiguous
		return 0, false
	}
	return n, true
}

func prefixMask(bits int) [4]byte {
	var v uint32
	if bits > 0 {
		v = ^uint32(0) << uint(32-bits)
	}
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func parseAddr(s string) (netip.Addr, bool) {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Addr{}, false
	}
	return a, true
}
