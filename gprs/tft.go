// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package gprs

import (
	"fmt"
	"net/netip"
	"strings"
)

// PortRange is an inclusive range of ports.
//
// The zero value matches any port.
type PortRange struct {
	Low  uint16
	High uint16
}

// IsZero returns true if the range is unspecified.
func (r PortRange) IsZero() bool {
	return r.Low == 0 && r.High == 0
}

func (r PortRange) String() string {
	high := r.High
	if high < r.Low {
		high = r.Low
	}
	return fmt.Sprintf("%d.%d", r.Low, high)
}

// TFT is a traffic flow template packet filter.
//
// Zero valued fields are not included in the filter.
type TFT struct {
	// Precedence is the evaluation precedence index.
	Precedence uint8

	RemoteAddr  netip.Prefix
	Protocol    uint8
	LocalPorts  PortRange
	RemotePorts PortRange

	// SPI is the IPsec security parameter index.
	SPI uint32

	TOS     uint8
	TOSMask uint8

	LocalAddr netip.Prefix
}

// command returns the +CGTFT command programming the filter as packet
// filter id into context cid.
func (t TFT) command(cid, id int) string {
	fields := []string{
		fmt.Sprint(cid),
		fmt.Sprint(id),
		fmt.Sprint(t.Precedence),
		"", "", "", "", "", "", "", "", "",
	}
	if t.RemoteAddr.IsValid() && t.RemoteAddr.Addr().Is4() {
		fields[3] = quote(FormatAddrNetmask(t.RemoteAddr))
	}
	if t.Protocol != 0 {
		fields[4] = fmt.Sprint(t.Protocol)
	}
	if !t.LocalPorts.IsZero() {
		fields[5] = quote(t.LocalPorts.String())
	}
	if !t.RemotePorts.IsZero() {
		fields[6] = quote(t.RemotePorts.String())
	}
	if t.SPI != 0 {
		fields[7] = fmt.Sprintf("%08X", t.SPI)
	}
	if t.TOSMask != 0 {
		fields[8] = quote(fmt.Sprintf("%d.%d", t.TOS, t.TOSMask))
	}
	// fields[9] is the IPv6 flow label and fields[10] the direction
	if t.LocalAddr.IsValid() && t.LocalAddr.Addr().Is4() {
		fields[11] = quote(FormatAddrNetmask(t.LocalAddr))
	}
	end := len(fields)
	for end > 3 && fields[end-1] == "" {
		end--
	}
	return "+CGTFT=" + strings.Join(fields[:end], ",")
}

func quote(s string) string {
	return `"` + s + `"`
}
