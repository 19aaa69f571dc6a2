// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package netreg

import (
	"github.com/pkg/errors"
	"github.com/warthog618/ubloxmodem/chat"
	"github.com/warthog618/ubloxmodem/info"
)

// RegistrationStatus reads the current registration status.
func (r *NetReg) RegistrationStatus(cb func(Status, error)) {
	r.send("+CREG?", cregPrefix, func(res chat.Result) {
		if !res.OK() {
			cb(unknownStatus(), res.Err)
			return
		}
		s, ok := parseStatus(res.Lines, "+CREG:", true)
		if !ok {
			cb(unknownStatus(), errors.Wrap(ErrMalformedResponse, "+CREG"))
			return
		}
		cb(r.withTech(s), nil)
	})
}

// regNotify returns the handler for the unsolicited registration reports.
func (r *NetReg) regNotify(prefix string) chat.NotifyFunc {
	return func(lines []string) {
		s, ok := parseStatus(lines, prefix, false)
		if !ok {
			r.log.WithField("lines", lines).Debug("ignoring malformed registration report")
			return
		}
		r.notifier.StatusNotify(r.withTech(s))
	}
}

// withTech fills in the technology of a registered status from the last
// known technology, if the modem did not report one.
func (r *NetReg) withTech(s Status) Status {
	if s.Tech != TechUnknown {
		r.tech = s.Tech
	} else if s.Registered() {
		s.Tech = r.tech
	}
	return s
}

func unknownStatus() Status {
	return Status{Stat: -1, LAC: -1, CI: -1, Tech: TechUnknown}
}

// parseStatus decodes a registration status line, either the response to a
// query,
//
//	+CREG: <n>,<stat>[,<lac>,<ci>[,<AcT>]]
//
// or an unsolicited report, which lacks the leading <n>.
func parseStatus(lines []string, prefix string, query bool) (Status, bool) {
	s := unknownStatus()
	iter := info.NewIter(lines)
	if !iter.Next(prefix) {
		return s, false
	}
	if query {
		if _, ok := iter.NextNumber(); !ok {
			return s, false
		}
	}
	stat, ok := iter.NextNumber()
	if !ok {
		return s, false
	}
	s.Stat = stat
	if lac, ok := iter.NextHex(); ok {
		s.LAC = lac
	} else {
		iter.Skip()
	}
	if ci, ok := iter.NextHex(); ok {
		s.CI = ci
	} else {
		iter.Skip()
	}
	if tech, ok := iter.NextNumber(); ok {
		s.Tech = Tech(tech)
	}
	return s, true
}

// parseCREGSupport returns the preferred +CREG reporting mode from the
// response to AT+CREG=?.
//
// Mode 2, which includes the location, is preferred over mode 1.
func parseCREGSupport(lines []string) (int, error) {
	iter := info.NewIter(lines)
	for iter.Next("+CREG:") {
		if !iter.OpenList() {
			continue
		}
		mode1, mode2 := false, false
		for {
			min, max, ok := iter.NextRange()
			if !ok {
				break
			}
			if min <= 1 && 1 <= max {
				mode1 = true
			}
			if min <= 2 && 2 <= max {
				mode2 = true
			}
		}
		iter.CloseList()
		switch {
		case mode2:
			return 2, nil
		case mode1:
			return 1, nil
		}
		break
	}
	return 0, errors.Wrap(ErrNotSupported, "+CREG reporting")
}
