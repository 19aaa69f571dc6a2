// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package gprs

import (
	"net/netip"

	"github.com/pkg/errors"
	"github.com/warthog618/ubloxmodem/info"
)

// contextConfig is the context configuration read by +CGCONTRDP.
type contextConfig struct {
	// true if the response included the context.
	found bool

	apn     string
	addr    netip.Addr
	mask    netip.Addr
	gateway netip.Addr
	dns     []netip.Addr

	// error decoding the address and netmask, if any.
	addrErr error
}

// parseContextConfig decodes the +CGCONTRDP lines for context id.
//
//	+CGCONTRDP: <cid>,<bearer_id>,<apn>,<local_addr and subnet_mask>,<gw_addr>,<DNS_prim_addr>,<DNS_sec_addr>
//
// A dual stack context may be reported on several lines, so the first line
// with an IPv4 address is used.
func parseContextConfig(lines []string, id int) contextConfig {
	var first contextConfig
	iter := info.NewIter(lines)
	for iter.Next("+CGCONTRDP:") {
		cid, ok := iter.NextNumber()
		if !ok || cid != id {
			continue
		}
		var cfg contextConfig
		cfg.found = true
		iter.Skip() // bearer id
		cfg.apn, _ = iter.NextString()
		addrmask, ok := iter.NextString()
		if !ok || addrmask == "" {
			cfg.addrErr = errors.Wrap(ErrMalformedResponse, "no address")
		} else {
			cfg.addr, cfg.mask, cfg.addrErr = ParseAddrNetmask(addrmask)
		}
		if gw, ok := iter.NextString(); ok {
			cfg.gateway, _ = parseAddr(gw)
		}
		for n := 0; n < 2; n++ {
			s, ok := iter.NextString()
			if !ok {
				break
			}
			if dns, ok := parseAddr(s); ok {
				cfg.dns = append(cfg.dns, dns)
			}
		}
		if cfg.addrErr == nil {
			return cfg
		}
		if !first.found {
			first = cfg
		}
	}
	if !first.found {
		first.addrErr = errors.Wrapf(ErrMalformedResponse, "no +CGCONTRDP for context %d", id)
	}
	return first
}

// routedConfig is the host side configuration of a routed mode modem.
type routedConfig struct {
	addr    netip.Addr
	mask    netip.Addr
	gateway netip.Addr
}

// parseRoutedConfig decodes the +UIPCONF response.
//
//	+UIPCONF: <router_addr>,<subnet_mask>,<dhcp_start>,<dhcp_end>[,...]
//
// The router is the gateway for the host, which is assigned the first
// address of the DHCP range.
func parseRoutedConfig(lines []string) (cfg routedConfig, err error) {
	iter := info.NewIter(lines)
	if !iter.Next("+UIPCONF:") {
		return cfg, errors.Wrap(ErrMalformedResponse, "no +UIPCONF")
	}
	fields := make([]netip.Addr, 3)
	for i := range fields {
		s, ok := iter.NextString()
		if !ok {
			return cfg, errors.Wrapf(ErrMalformedResponse, "+UIPCONF field %d missing", i+1)
		}
		a, ok := parseAddr(s)
		if !ok {
			return cfg, errors.Wrapf(ErrMalformedResponse, "+UIPCONF address %q", s)
		}
		fields[i] = a
	}
	cfg.gateway = fields[0]
	cfg.mask = fields[1]
	cfg.addr = fields[2]
	return cfg, nil
}
