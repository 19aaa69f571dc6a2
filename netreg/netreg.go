// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package netreg provides the network registration driver for u-blox modems.
//
// The driver reports the registration status, the current operator and the
// signal strength, both on request and as the modem reports changes.
//
// A NetReg is not safe for concurrent use. All methods, and the callbacks
// they invoke, are expected to run on the event loop of the chat.Channel.
package netreg

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/ubloxmodem/chat"
)

// Tech is the radio access technology, as defined by 3GPP TS 27.007.
type Tech int

const (
	// TechUnknown indicates the technology was not reported.
	TechUnknown     Tech = -1
	TechGSM         Tech = 0
	TechGSMCompact  Tech = 1
	TechUTRAN       Tech = 2
	TechGSMEGPRS    Tech = 3
	TechUTRANHSDPA  Tech = 4
	TechUTRANHSUPA  Tech = 5
	TechUTRANHSDPAU Tech = 6
	TechEUTRAN      Tech = 7
)

var techNames = map[Tech]string{
	TechUnknown:     "unknown",
	TechGSM:         "gsm",
	TechGSMCompact:  "gsm compact",
	TechUTRAN:       "utran",
	TechGSMEGPRS:    "edge",
	TechUTRANHSDPA:  "hsdpa",
	TechUTRANHSUPA:  "hsupa",
	TechUTRANHSDPAU: "hspa",
	TechEUTRAN:      "lte",
}

func (t Tech) String() string {
	if n, ok := techNames[t]; ok {
		return n
	}
	return fmt.Sprintf("tech(%d)", int(t))
}

// Registration status values.
const (
	StatusNotRegistered = 0
	StatusRegistered    = 1
	StatusSearching     = 2
	StatusDenied        = 3
	StatusUnknown       = 4
	StatusRoaming       = 5
)

// Status is the network registration status.
//
// Values not reported by the modem are -1.
type Status struct {
	Stat int
	LAC  int
	CI   int
	Tech Tech
}

// Registered returns true if registered on the home network or roaming.
func (s Status) Registered() bool {
	return s.Stat == StatusRegistered || s.Stat == StatusRoaming
}

// Operator status values.
const (
	OperatorUnknown   = 0
	OperatorAvailable = 1
	OperatorCurrent   = 2
	OperatorForbidden = 3
)

// Operator describes a network operator.
type Operator struct {
	Name   string
	MCC    string
	MNC    string
	Status int
	Tech   Tech
}

// Notifier receives changes reported by the modem.
type Notifier interface {
	StatusNotify(s Status)

	// StrengthNotify reports the signal strength as a percentage, or -1 if
	// unknown.
	StrengthNotify(strength int)
}

var (
	// ErrNotSupported indicates the modem lacks a required capability.
	ErrNotSupported = errors.New("not supported by modem")

	// ErrMalformedResponse indicates the modem response could not be
	// decoded.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrNoOperator indicates the modem is not registered with an operator.
	ErrNoOperator = errors.New("no operator")
)

// NetReg is the network registration driver.
type NetReg struct {
	ch       chat.Channel
	notifier Notifier
	log      *logrus.Entry

	// the current operator, from numeric +COPS.
	mcc string
	mnc string

	// the +CIND signal indicator, if index is non-zero.
	signalIndex   int
	signalMin     int
	signalMax     int
	signalInvalid int

	// the last reported technology.
	tech Tech

	regs []uint
}

// Option is a construction option for a NetReg.
type Option func(*NetReg)

// WithNotifier sets the receiver of unsolicited changes.
func WithNotifier(n Notifier) Option {
	return func(r *NetReg) {
		r.notifier = n
	}
}

// WithLogger sets the logger for the driver.
func WithLogger(l *logrus.Entry) Option {
	return func(r *NetReg) {
		r.log = l
	}
}

type nullNotifier struct{}

func (nullNotifier) StatusNotify(Status) {}
func (nullNotifier) StrengthNotify(int)  {}

// New creates a network registration driver.
//
// The driver must be probed before use.
func New(ch chat.Channel, options ...Option) *NetReg {
	r := &NetReg{
		ch:       ch,
		notifier: nullNotifier{},
		tech:     TechUnknown,
	}
	for _, option := range options {
		option(r)
	}
	if r.log == nil {
		r.log = logrus.WithField("component", "netreg")
	}
	return r
}

var (
	nonePrefix = []string{}
	cregPrefix = []string{"+CREG:"}
	copsPrefix = []string{"+COPS:"}
	csqPrefix  = []string{"+CSQ:"}
	cindPrefix = []string{"+CIND:"}
	cmerPrefix = []string{"+CMER:"}
)

// Probe configures the modem to report registration and signal strength
// changes.
//
// The done is called once, with nil on success. On failure the driver is
// unusable.
func (r *NetReg) Probe(done func(error)) {
	fail := func(err error) {
		r.log.WithError(err).Error("unable to initialise network registration")
		done(err)
	}
	r.send("+CREG=?", cregPrefix, func(res chat.Result) {
		if !res.OK() {
			fail(res.Err)
			return
		}
		mode, err := parseCREGSupport(res.Lines)
		if err != nil {
			fail(err)
			return
		}
		r.send(fmt.Sprintf("+CREG=%d", mode), nonePrefix, func(res chat.Result) {
			if !res.OK() {
				fail(res.Err)
				return
			}
			// EPS registration updates keep the status current on LTE
			r.send("+CEREG=2", nonePrefix, func(res chat.Result) {
				if !res.OK() {
					fail(errors.Wrap(res.Err, "enable EPS registration reports"))
					return
				}
				r.probeIndicators(done, fail)
			})
		})
	})
}

func (r *NetReg) probeIndicators(done, fail func(error)) {
	r.send("+CIND=?", cindPrefix, func(res chat.Result) {
		if !res.OK() {
			fail(res.Err)
			return
		}
		ind, err := parseCINDSupport(res.Lines)
		if err != nil {
			fail(err)
			return
		}
		r.signalIndex = ind.index
		r.signalMin = ind.min
		r.signalMax = ind.max
		r.signalInvalid = ind.invalid
		r.ch.Send(ind.enableCmd(), nil, nil)
		r.send("+CMER=?", cmerPrefix, func(res chat.Result) {
			if !res.OK() {
				fail(res.Err)
				return
			}
			cmd, err := buildCMER(res.Lines)
			if err != nil {
				fail(err)
				return
			}
			r.send(cmd, cmerPrefix, func(res chat.Result) {
				if !res.OK() {
					fail(errors.Wrap(ErrNotSupported, "+CMER"))
					return
				}
				if err := r.registerNotifications(); err != nil {
					fail(err)
					return
				}
				done(nil)
			})
		})
	})
}

func (r *NetReg) registerNotifications() error {
	handlers := []struct {
		prefix string
		fn     chat.NotifyFunc
	}{
		{"+CIEV:", r.cievNotify},
		{"+CREG:", r.regNotify("+CREG:")},
		{"+CGREG:", r.regNotify("+CGREG:")},
		{"+CEREG:", r.regNotify("+CEREG:")},
	}
	for _, h := range handlers {
		id, err := r.ch.Register(h.prefix, h.fn)
		if err != nil {
			r.Remove()
			return errors.Wrapf(err, "register %s", h.prefix)
		}
		r.regs = append(r.regs, id)
	}
	return nil
}

// Remove stops reporting of unsolicited changes.
func (r *NetReg) Remove() {
	for _, id := range r.regs {
		r.ch.Unregister(id)
	}
	r.regs = nil
}

// RegisterAuto requests automatic operator selection.
func (r *NetReg) RegisterAuto(cb func(error)) {
	r.send("+COPS=0", nonePrefix, func(res chat.Result) {
		cb(res.Err)
	})
}

// RegisterManual requests registration with the operator identified by mcc
// and mnc.
func (r *NetReg) RegisterManual(mcc, mnc string, cb func(error)) {
	r.send(fmt.Sprintf(`+COPS=1,2,"%s%s"`, mcc, mnc), nonePrefix, func(res chat.Result) {
		cb(res.Err)
	})
}

// send sends the command, converting a send failure into a failed result.
func (r *NetReg) send(cmd string, prefixes []string, cb chat.Callback) {
	if err := r.ch.Send(cmd, prefixes, cb); err != nil {
		cb(chat.Result{Err: err})
	}
}
