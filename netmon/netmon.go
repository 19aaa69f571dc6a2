// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package netmon provides the network monitor driver for u-blox modems.
//
// The driver reports the serving cell, being the radio technology and
// operator along with whatever cell identity and signal measurements the
// modem provides.
//
// A NetMon is not safe for concurrent use. All methods, and the callbacks
// they invoke, are expected to run on the event loop of the chat.Channel.
package netmon

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/ubloxmodem/chat"
	"github.com/warthog618/ubloxmodem/info"
	"github.com/warthog618/ubloxmodem/netreg"
)

// CellType is the radio technology of a cell.
type CellType int

const (
	CellTypeUnknown CellType = iota
	CellTypeGSM
	CellTypeUMTS
	CellTypeLTE
)

var cellTypeNames = map[CellType]string{
	CellTypeUnknown: "unknown",
	CellTypeGSM:     "gsm",
	CellTypeUMTS:    "umts",
	CellTypeLTE:     "lte",
}

func (t CellType) String() string {
	if n, ok := cellTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("celltype(%d)", int(t))
}

// MarshalText encodes the cell type as its name.
func (t CellType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// cellType maps the access technology reported by +COPS to a cell type.
func cellType(t netreg.Tech) CellType {
	switch t {
	case netreg.TechGSM, netreg.TechGSMCompact, netreg.TechGSMEGPRS:
		return CellTypeGSM
	case netreg.TechUTRAN, netreg.TechUTRANHSDPA, netreg.TechUTRANHSUPA, netreg.TechUTRANHSDPAU:
		return CellTypeUMTS
	case netreg.TechEUTRAN:
		return CellTypeLTE
	default:
		return CellTypeUnknown
	}
}

// ServingCell describes the cell the modem is camped on.
type ServingCell struct {
	Type     CellType
	Operator string

	// MCC and MNC are empty if not reported.
	MCC string
	MNC string

	// Info contains the measurements reported by the modem.
	// Values not reported are absent.
	Info map[InfoType]int
}

// Get returns the value of the info type, and false if it was not reported.
func (c *ServingCell) Get(t InfoType) (int, bool) {
	v, ok := c.Info[t]
	return v, ok
}

// Notifier receives serving cell updates.
type Notifier interface {
	ServingCellNotify(c *ServingCell)
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(c *ServingCell)

// ServingCellNotify calls f(c).
func (f NotifierFunc) ServingCellNotify(c *ServingCell) {
	f(c)
}

// ErrMalformedResponse indicates the modem response could not be decoded.
var ErrMalformedResponse = errors.New("malformed response")

// NetMon is the network monitor driver.
type NetMon struct {
	ch       chat.Channel
	notifier Notifier
	log      *logrus.Entry
}

// Option is a construction option for a NetMon.
type Option func(*NetMon)

// WithNotifier sets the receiver of serving cell updates.
func WithNotifier(n Notifier) Option {
	return func(m *NetMon) {
		m.notifier = n
	}
}

// WithLogger sets the logger for the driver.
func WithLogger(l *logrus.Entry) Option {
	return func(m *NetMon) {
		m.log = l
	}
}

// New creates a network monitor driver.
func New(ch chat.Channel, options ...Option) *NetMon {
	m := &NetMon{
		ch:       ch,
		notifier: NotifierFunc(func(*ServingCell) {}),
	}
	for _, option := range options {
		option(m)
	}
	if m.log == nil {
		m.log = logrus.WithField("component", "netmon")
	}
	return m
}

var (
	copsPrefix = []string{"+COPS:"}
	cesqPrefix = []string{"+CESQ:"}
)

// Probe enables the extended cell information reported by +UCGED.
//
// The command is not awaited, as modems lacking +UCGED still provide the
// operator and signal quality, so done is always called with nil.
func (m *NetMon) Probe(done func(error)) {
	m.ch.Send("+UCGED=2", nil, nil)
	done(nil)
}

// RequestUpdate reads the serving cell.
//
// Only the operator is required. The signal quality and cell information
// are added if the modem reports them. On success the cell is also passed
// to the Notifier.
func (m *NetMon) RequestUpdate(cb func(*ServingCell, error)) {
	m.send("+COPS?", copsPrefix, func(res chat.Result) {
		if !res.OK() {
			cb(nil, res.Err)
			return
		}
		cell, err := parseCOPS(res.Lines)
		if err != nil {
			cb(nil, err)
			return
		}
		m.send("+CESQ", cesqPrefix, func(res chat.Result) {
			if res.OK() {
				if err := decodeCESQ(res.Lines, cell.Info); err != nil {
					m.log.WithError(err).Debug("ignoring signal quality")
				}
			} else {
				m.log.WithError(res.Err).Debug("signal quality unavailable")
			}
			m.send("+UCGED?", nil, func(res chat.Result) {
				if res.OK() {
					if err := decodeUCGED(res.Lines, cell); err != nil {
						m.log.WithError(err).Debug("ignoring cell information")
					}
				} else {
					m.log.WithError(res.Err).Debug("cell information unavailable")
				}
				m.log.WithFields(logrus.Fields{
					"type":     cell.Type,
					"operator": cell.Operator,
					"info":     len(cell.Info),
				}).Debug("serving cell")
				m.notifier.ServingCellNotify(cell)
				cb(cell, nil)
			})
		})
	})
}

// parseCOPS decodes the serving operator from the response to AT+COPS?,
//
//	+COPS: <mode>,<format>,<oper>[,<AcT>]
//
// The technology defaults to GSM if not reported.
func parseCOPS(lines []string) (*ServingCell, error) {
	iter := info.NewIter(lines)
	if !iter.Next("+COPS:") {
		return nil, errors.Wrap(ErrMalformedResponse, "+COPS")
	}
	iter.Skip() // mode
	iter.Skip() // format
	name, ok := iter.NextString()
	if !ok {
		return nil, errors.Wrap(ErrMalformedResponse, "+COPS operator")
	}
	tech := netreg.TechGSM
	if t, ok := iter.NextNumber(); ok {
		tech = netreg.Tech(t)
	}
	return &ServingCell{
		Type:     cellType(tech),
		Operator: name,
		Info:     make(map[InfoType]int),
	}, nil
}

func (m *NetMon) send(cmd string, prefixes []string, cb chat.Callback) {
	if err := m.ch.Send(cmd, prefixes, cb); err != nil {
		cb(chat.Result{Err: err})
	}
}
