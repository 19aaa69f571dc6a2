// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package netreg

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/warthog618/ubloxmodem/chat"
	"github.com/warthog618/ubloxmodem/info"
)

// Strength reads the signal strength as a percentage, or -1 if unknown.
//
// The +CIND signal indicator is used if the modem provides one, else +CSQ.
func (r *NetReg) Strength(cb func(int, error)) {
	if r.signalIndex > 0 {
		r.send("+CIND?", cindPrefix, func(res chat.Result) {
			if !res.OK() {
				cb(-1, res.Err)
				return
			}
			iter := info.NewIter(res.Lines)
			if !iter.Next("+CIND:") {
				cb(-1, errors.Wrap(ErrMalformedResponse, "+CIND"))
				return
			}
			for i := 1; i < r.signalIndex; i++ {
				iter.Skip()
			}
			v, ok := iter.NextNumber()
			if !ok {
				cb(-1, errors.Wrap(ErrMalformedResponse, "+CIND signal"))
				return
			}
			cb(r.scaleIndicator(v), nil)
		})
		return
	}
	r.send("+CSQ", csqPrefix, func(res chat.Result) {
		if !res.OK() {
			cb(-1, res.Err)
			return
		}
		iter := info.NewIter(res.Lines)
		if !iter.Next("+CSQ:") {
			cb(-1, errors.Wrap(ErrMalformedResponse, "+CSQ"))
			return
		}
		rssi, ok := iter.NextNumber()
		if !ok {
			cb(-1, errors.Wrap(ErrMalformedResponse, "+CSQ rssi"))
			return
		}
		cb(scaleCSQ(rssi), nil)
	})
}

// scaleCSQ converts a +CSQ rssi to a percentage.
func scaleCSQ(rssi int) int {
	if rssi == 99 {
		return -1
	}
	return rssi * 100 / 31
}

func (r *NetReg) scaleIndicator(v int) int {
	if v == r.signalInvalid || r.signalMax <= r.signalMin {
		return -1
	}
	return v * 100 / (r.signalMax - r.signalMin)
}

// cievNotify handles the +CIEV indicator reports.
func (r *NetReg) cievNotify(lines []string) {
	iter := info.NewIter(lines)
	if !iter.Next("+CIEV:") {
		return
	}
	ind, ok := iter.NextNumber()
	if !ok || ind != r.signalIndex {
		return
	}
	v, ok := iter.NextNumber()
	if !ok {
		return
	}
	r.notifier.StrengthNotify(r.scaleIndicator(v))
}

// indicator describes the +CIND signal indicator.
type indicator struct {
	// the 1 based position of the signal indicator.
	index int

	// the number of indicators supported.
	count int

	min     int
	max     int
	invalid int
}

// enableCmd returns the command disabling all indicators except signal.
func (ind indicator) enableCmd() string {
	v := make([]string, ind.count)
	for i := range v {
		v[i] = "0"
	}
	v[ind.index-1] = "1"
	return "+CIND=" + strings.Join(v, ",")
}

// parseCINDSupport locates the signal indicator in the response to
// AT+CIND=?,
//
//	+CIND: ("battchg",(0-5)),("signal",(0-5,99)),...
//
// A single value in the range list is the invalid value, which defaults to
// 99.
func parseCINDSupport(lines []string) (indicator, error) {
	var sig indicator
	iter := info.NewIter(lines)
	if !iter.Next("+CIND:") {
		return sig, errors.Wrap(ErrMalformedResponse, "+CIND")
	}
	index := 1
	for iter.OpenList() {
		invalid := 99
		min, max := 0, 0
		name, ok := iter.NextString()
		if !ok || !iter.OpenList() {
			return sig, errors.Wrap(ErrMalformedResponse, "+CIND indicator")
		}
		for {
			lo, hi, ok := iter.NextRange()
			if !ok {
				break
			}
			if lo != hi {
				min, max = lo, hi
			} else {
				invalid = lo
			}
		}
		if !iter.CloseList() || !iter.CloseList() {
			return sig, errors.Wrap(ErrMalformedResponse, "+CIND indicator")
		}
		if name == "signal" {
			sig = indicator{index: index, min: min, max: max, invalid: invalid}
		}
		index++
	}
	if sig.index == 0 {
		return sig, errors.Wrap(ErrNotSupported, "signal strength indicator")
	}
	sig.count = index - 1
	return sig, nil
}

// cmerOptions is the number of +CMER parameters, per 3GPP TS 27.007 8.10.
const cmerOptions = 5

// buildCMER returns the +CMER command enabling indicator reporting, from the
// response to AT+CMER=?.
//
// The URCs are forwarded directly to the TE (mode 1), keypad and display
// reporting is disabled, and only indicator changes not caused by +CIND are
// reported.
func buildCMER(lines []string) (string, error) {
	iter := info.NewIter(lines)
	if !iter.Next("+CMER:") {
		return "", errors.Wrap(ErrMalformedResponse, "+CMER")
	}
	var supported [cmerOptions]uint
	for opt := range supported {
		if !iter.OpenList() {
			return "", errors.Wrap(ErrMalformedResponse, "+CMER")
		}
		for {
			min, max, ok := iter.NextRange()
			if !ok {
				break
			}
			for m := min; m <= max && m < 32; m++ {
				supported[opt] |= 1 << uint(m)
			}
		}
		if !iter.CloseList() {
			return "", errors.Wrap(ErrMalformedResponse, "+CMER")
		}
	}
	// mode, keypad, display, indicators
	wanted := []int{1, 0, 0, 1}
	v := make([]string, len(wanted))
	for i, w := range wanted {
		if supported[i]&(1<<uint(w)) == 0 {
			return "", errors.Wrap(ErrNotSupported, "+CMER")
		}
		v[i] = string(rune('0' + w))
	}
	return "+CMER=" + strings.Join(v, ","), nil
}
