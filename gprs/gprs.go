// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package gprs provides the GPRS context driver for u-blox modems.
//
// The driver defines, authenticates and activates PDP contexts, reads back
// the resulting IP configuration, and tracks network initiated activations
// and deactivations.
//
// A Context and its Pool are not safe for concurrent use. All methods, and
// the callbacks they invoke, are expected to run on the event loop of the
// chat.Channel.
package gprs

import (
	"net/netip"

	"github.com/pkg/errors"
)

const (
	// MaxContexts is the number of PDP contexts supported by the modem.
	MaxContexts = 8

	// MaxTFTs is the number of traffic flow templates supported by the modem.
	MaxTFTs = 16

	// MaxAPNLength is the longest APN accepted by the modem.
	MaxAPNLength = 100

	// MaxCredentialLength is the longest username or password accepted by
	// the modem.
	MaxCredentialLength = 63
)

// Proto is the PDP type of a context.
type Proto int

const (
	// ProtoIP is IPv4.
	ProtoIP Proto = iota
	// ProtoIPv6 is IPv6.
	ProtoIPv6
	// ProtoIPv4v6 is dual stack.
	ProtoIPv4v6
)

func (p Proto) String() string {
	switch p {
	case ProtoIP:
		return "IP"
	case ProtoIPv6:
		return "IPV6"
	case ProtoIPv4v6:
		return "IPV4V6"
	}
	return "unknown"
}

// AuthMethod is the authentication protocol used when activating a context.
type AuthMethod int

const (
	// AuthNone disables authentication.
	AuthNone AuthMethod = iota
	// AuthPAP selects PAP.
	AuthPAP
	// AuthCHAP selects CHAP.
	AuthCHAP
)

func (m AuthMethod) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthPAP:
		return "pap"
	case AuthCHAP:
		return "chap"
	}
	return "unknown"
}

// code returns the +UAUTHREQ encoding of the method.
func (m AuthMethod) code() (int, bool) {
	switch m {
	case AuthPAP:
		return 1, true
	case AuthCHAP:
		return 2, true
	}
	return 0, false
}

// Params describes the context to be activated.
type Params struct {
	// CID is the logical context id assigned by the caller.
	CID uint

	APN      string
	Proto    Proto
	Auth     AuthMethod
	Username string
	Password string

	// TFTs are the traffic flow templates to apply to the context.
	//
	// A nil slice leaves any existing templates untouched, while an empty
	// slice clears them.
	TFTs []TFT
}

// Validate checks the string parameters fit within the modem limits.
func (p Params) Validate() error {
	if len(p.APN) > MaxAPNLength {
		return errors.Wrapf(ErrInvalidParams, "APN longer than %d", MaxAPNLength)
	}
	if len(p.Username) > MaxCredentialLength {
		return errors.Wrapf(ErrInvalidParams, "username longer than %d", MaxCredentialLength)
	}
	if len(p.Password) > MaxCredentialLength {
		return errors.Wrapf(ErrInvalidParams, "password longer than %d", MaxCredentialLength)
	}
	return nil
}

// Settings is the IP configuration of an active context.
type Settings struct {
	Interface string
	Address   netip.Addr
	Netmask   netip.Addr
	Gateway   netip.Addr
	DNS       []netip.Addr
	APN       string
}

// Callback receives the outcome of an activation or deactivation.
type Callback func(error)

// Notifier receives events not initiated by the caller.
type Notifier interface {
	// ContextDeactivated is called when the network tears down an active
	// context.
	ContextDeactivated(cid uint)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(cid uint)

// ContextDeactivated calls f(cid).
func (f NotifierFunc) ContextDeactivated(cid uint) {
	f(cid)
}

// Properties provides the modem properties used by the driver.
type Properties interface {
	Get(key string) string
}

// Property keys used by the driver.
const (
	// PropInterface is the name of the host network interface.
	PropInterface = "NetworkInterface"

	// PropNetworkMode is either "routed" or "bridged", the default.
	PropNetworkMode = "NetworkMode"
)

var (
	// ErrNotSupported indicates the requested protocol is not supported.
	ErrNotSupported = errors.New("protocol not supported")

	// ErrNoFreeContext indicates all the modem contexts, or all the
	// traffic flow templates, are in use.
	ErrNoFreeContext = errors.New("can't activate more contexts")

	// ErrInvalidParams indicates the activation parameters exceed the modem
	// limits.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrAuthNotSupported indicates the requested authentication method is
	// not supported.
	ErrAuthNotSupported = errors.New("authentication method not supported")

	// ErrMalformedResponse indicates the modem response could not be
	// decoded.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrNotActive indicates the context to be deactivated is not active.
	ErrNotActive = errors.New("context not active")

	// ErrBusy indicates a request is already pending on the context.
	ErrBusy = errors.New("request in progress")

	// ErrRemoved indicates the context was removed while a request was
	// pending.
	ErrRemoved = errors.New("context removed")
)
