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

// CurrentOperator reads the operator the modem is registered with.
//
// The numeric identity is read first, then the long name.
func (r *NetReg) CurrentOperator(cb func(*Operator, error)) {
	r.ch.Send("+COPS=3,2", nil, nil)
	r.send("+COPS?", copsPrefix, func(res chat.Result) {
		if !res.OK() {
			cb(nil, res.Err)
			return
		}
		iter := info.NewIter(res.Lines)
		if !iter.Next("+COPS:") {
			cb(nil, errors.Wrap(ErrMalformedResponse, "+COPS"))
			return
		}
		iter.Skip() // mode
		if format, ok := iter.NextNumber(); !ok || format != 2 {
			cb(nil, ErrNoOperator)
			return
		}
		plmn, ok := iter.NextString()
		if !ok {
			cb(nil, errors.Wrap(ErrMalformedResponse, "+COPS numeric"))
			return
		}
		mcc, mnc, ok := splitPLMN(plmn)
		if !ok {
			cb(nil, errors.Wrapf(ErrMalformedResponse, "+COPS numeric %q", plmn))
			return
		}
		r.mcc, r.mnc = mcc, mnc
		r.log.WithField("mcc", mcc).WithField("mnc", mnc).Debug("current operator")
		r.ch.Send("+COPS=3,0", nil, nil)
		r.send("+COPS?", copsPrefix, r.copsNameCallback(cb))
	})
}

func (r *NetReg) copsNameCallback(cb func(*Operator, error)) chat.Callback {
	return func(res chat.Result) {
		if !res.OK() {
			cb(nil, res.Err)
			return
		}
		iter := info.NewIter(res.Lines)
		if !iter.Next("+COPS:") {
			cb(nil, errors.Wrap(ErrMalformedResponse, "+COPS"))
			return
		}
		iter.Skip() // mode
		if format, ok := iter.NextNumber(); !ok || format != 0 {
			cb(nil, ErrNoOperator)
			return
		}
		name, ok := iter.NextString()
		if !ok {
			cb(nil, errors.Wrap(ErrMalformedResponse, "+COPS name"))
			return
		}
		tech := TechGSM
		if t, ok := iter.NextNumber(); ok {
			tech = Tech(t)
		}
		cb(&Operator{
			Name:   name,
			MCC:    r.mcc,
			MNC:    r.mnc,
			Status: OperatorCurrent,
			Tech:   tech,
		}, nil)
	}
}

// ListOperators scans for available operators.
func (r *NetReg) ListOperators(cb func([]Operator, error)) {
	r.send("+COPS=?", copsPrefix, func(res chat.Result) {
		if !res.OK() {
			cb(nil, res.Err)
			return
		}
		ops := parseOperatorList(res.Lines)
		for _, op := range ops {
			r.log.WithField("operator", op).Debug("found operator")
		}
		cb(ops, nil)
	})
}

// parseOperatorList decodes the response to AT+COPS=?,
//
//	+COPS: (<stat>,<long>,<short>,<numeric>[,<AcT>]),...,,(<modes>),(<formats>)
//
// The long name is preferred over the short name, and the technology defaults
// to GSM if not reported. Decoding stops at the first malformed entry.
func parseOperatorList(lines []string) []Operator {
	var ops []Operator
	iter := info.NewIter(lines)
	for iter.Next("+COPS:") {
		for iter.OpenList() {
			op, ok := parseOperator(iter)
			if !ok {
				break
			}
			ops = append(ops, op)
		}
	}
	return ops
}

func parseOperator(iter *info.Iter) (op Operator, ok bool) {
	if op.Status, ok = iter.NextNumber(); !ok {
		return
	}
	long, ok := iter.NextString()
	if !ok {
		return
	}
	short, ok := iter.NextString()
	if !ok {
		return
	}
	op.Name = long
	if op.Name == "" {
		op.Name = short
	}
	plmn, ok := iter.NextString()
	if !ok {
		return
	}
	op.MCC, op.MNC, _ = splitPLMN(plmn)
	op.Tech = TechGSM
	if t, ok := iter.NextNumber(); ok {
		op.Tech = Tech(t)
	}
	iter.Skip() // plmn list
	ok = iter.CloseList()
	return
}

// splitPLMN splits a numeric operator id into its three digit country code
// and two or three digit network code.
func splitPLMN(plmn string) (mcc, mnc string, ok bool) {
	n := len(plmn) - len(strings.TrimLeft(plmn, "0123456789"))
	if n != 5 && n != 6 {
		if len(plmn) >= 3 {
			return plmn[:3], plmn[3:], false
		}
		return plmn, "", false
	}
	return plmn[:3], plmn[3:n], true
}
