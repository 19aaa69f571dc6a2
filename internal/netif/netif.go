// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package netif applies GPRS context settings to a host network interface.
package netif

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"github.com/warthog618/ubloxmodem/gprs"
)

// Handle is the subset of the netlink handle used to configure links.
type Handle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	RouteReplace(route *netlink.Route) error
}

// Netif configures interfaces via netlink.
type Netif struct {
	h   Handle
	log *logrus.Entry
}

// Option is a construction option for a Netif.
type Option func(*Netif)

// WithHandle sets the netlink handle, which defaults to the handle of the
// current network namespace.
func WithHandle(h Handle) Option {
	return func(n *Netif) {
		n.h = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(n *Netif) {
		n.log = l
	}
}

// New creates a Netif.
func New(options ...Option) (*Netif, error) {
	n := &Netif{}
	for _, option := range options {
		option(n)
	}
	if n.h == nil {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, errors.Wrap(err, "netlink handle")
		}
		n.h = h
	}
	if n.log == nil {
		n.log = logrus.WithField("component", "netif")
	}
	return n, nil
}

// ErrNoInterface indicates the settings do not name an interface.
var ErrNoInterface = errors.New("no interface")

// Apply configures the interface named in the settings with the address,
// brings it up and, if a gateway is provided, adds a default route via the
// gateway.
func (n *Netif) Apply(s gprs.Settings) error {
	if s.Interface == "" {
		return ErrNoInterface
	}
	link, err := n.h.LinkByName(s.Interface)
	if err != nil {
		return errors.Wrapf(err, "find link %s", s.Interface)
	}
	if s.Address.IsValid() {
		addr := &netlink.Addr{IPNet: ipNet(s.Address, s.Netmask)}
		if err := n.h.AddrReplace(link, addr); err != nil {
			return errors.Wrapf(err, "set address on %s", s.Interface)
		}
	}
	if err := n.h.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, "set %s up", s.Interface)
	}
	if s.Gateway.IsValid() {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        net.IP(s.Gateway.AsSlice()),
		}
		if err := n.h.RouteReplace(route); err != nil {
			return errors.Wrapf(err, "add default route via %s", s.Gateway)
		}
	}
	n.log.WithFields(logrus.Fields{
		"interface": s.Interface,
		"address":   s.Address,
		"gateway":   s.Gateway,
	}).Info("interface configured")
	return nil
}

// Flush removes the IPv4 addresses from the interface and takes it down.
func (n *Netif) Flush(name string) error {
	link, err := n.h.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "find link %s", name)
	}
	addrs, err := n.h.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return errors.Wrapf(err, "list addresses on %s", name)
	}
	for i := range addrs {
		if err := n.h.AddrDel(link, &addrs[i]); err != nil {
			return errors.Wrapf(err, "remove address from %s", name)
		}
	}
	if err := n.h.LinkSetDown(link); err != nil {
		return errors.Wrapf(err, "set %s down", name)
	}
	n.log.WithField("interface", name).Info("interface flushed")
	return nil
}

// ipNet returns the address with the netmask, or as a host address if the
// netmask is not valid.
func ipNet(addr, mask netip.Addr) *net.IPNet {
	m := net.CIDRMask(32, 32)
	if mask.Is4() {
		m = net.IPMask(mask.AsSlice())
	}
	return &net.IPNet{IP: net.IP(addr.AsSlice()), Mask: m}
}
