// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package netmon

import (
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/warthog618/ubloxmodem/info"
)

// InfoType identifies a serving cell measurement.
type InfoType int

const (
	InfoLAC InfoType = iota + 1
	InfoCI
	InfoARFCN
	InfoBSIC
	InfoRxLev
	InfoTimingAdvance
	InfoPSC
	InfoBER
	InfoRSSI
	InfoRSCP
	InfoECN0
	InfoRSRQ
	InfoRSRP
	InfoTAC
	InfoPCI
)

var infoNames = map[InfoType]string{
	InfoLAC:           "LocationAreaCode",
	InfoCI:            "CellId",
	InfoARFCN:         "ARFCN",
	InfoBSIC:          "BSIC",
	InfoRxLev:         "ReceivedSignalStrength",
	InfoTimingAdvance: "TimingAdvance",
	InfoPSC:           "PrimaryScramblingCode",
	InfoBER:           "BitErrorRate",
	InfoRSSI:          "Strength",
	InfoRSCP:          "ReceivedSignalCodePower",
	InfoECN0:          "ReceivedEnergyRatio",
	InfoRSRQ:          "ReferenceSignalReceivedQuality",
	InfoRSRP:          "ReferenceSignalReceivedPower",
	InfoTAC:           "TrackingAreaCode",
	InfoPCI:           "PhysicalCellId",
}

func (t InfoType) String() string {
	if n, ok := infoNames[t]; ok {
		return n
	}
	return fmt.Sprintf("info(%d)", int(t))
}

// MarshalText encodes the info type as its name.
func (t InfoType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// base is the encoding of a field value.
type base int

const (
	decimal base = iota
	hexadecimal
	float
)

// noSentinel marks a field with no invalid value.
const noSentinel = math.MinInt64

// field describes one positional value of a response line.
//
// A field with a zero info is skipped.
type field struct {
	info    InfoType
	base    base
	invalid int64

	// scale converts a float value into the reported integer.
	scale func(float64) int
}

func dec(t InfoType, invalid int64) field {
	return field{info: t, base: decimal, invalid: invalid}
}

func hex(t InfoType, invalid int64) field {
	return field{info: t, base: hexadecimal, invalid: invalid}
}

func flt(t InfoType, scale func(float64) int) field {
	return field{info: t, base: float, invalid: noSentinel, scale: scale}
}

var skip = field{}

// decodeFields decodes the fields from the current line of the iter into
// cell.
//
// A field that fails to decode is skipped without discarding the fields
// already decoded. Decoding stops at the end of the line. Returns the number
// of fields that failed to decode.
func decodeFields(iter *info.Iter, fields []field, cell map[InfoType]int) int {
	failed := 0
	for _, f := range fields {
		if f.info == 0 {
			if !iter.Skip() {
				break
			}
			continue
		}
		v, ok, consumed := f.decode(iter)
		if !ok {
			if !consumed && !iter.Skip() {
				break
			}
			failed++
			continue
		}
		if v == f.invalid {
			continue
		}
		cell[f.info] = int(v)
	}
	return failed
}

// decode returns the value of the field, and whether the iter has moved past
// the field.
func (f field) decode(iter *info.Iter) (v int64, ok, consumed bool) {
	switch f.base {
	case hexadecimal:
		h, ok := iter.NextHex()
		return int64(h), ok, ok
	case float:
		s, ok := iter.NextUnquoted()
		if !ok {
			return 0, false, false
		}
		fv, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, true
		}
		return int64(f.scale(fv)), true, true
	default:
		d, ok := iter.NextNumber()
		return int64(d), ok, ok
	}
}

// rsrpIndex converts an RSRP in dBm to the 3GPP TS 36.133 reporting range.
func rsrpIndex(dbm float64) int {
	return clamp(int(math.Floor(dbm))+141, 0, 97)
}

// rsrqIndex converts an RSRQ in dB to the 3GPP TS 36.133 reporting range.
func rsrqIndex(db float64) int {
	return clamp(int(math.Floor((db+20)*2)), 0, 34)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// +CESQ: <rxlev>,<ber>,<rscp>,<ecno>,<rsrq>,<rsrp>
var cesqFields = []field{
	dec(InfoRxLev, 99),
	dec(InfoBER, 99),
	dec(InfoRSCP, 255),
	dec(InfoECN0, 255),
	dec(InfoRSRQ, 255),
	dec(InfoRSRP, 255),
}

// <arfcn>,<band1900>,<cell_id>,<bsic>,<lac>,<rac>,<rxlev>,<rxqual>,<ta>
var ucged2GFields = []field{
	dec(InfoARFCN, 65535),
	skip,
	hex(InfoCI, 0xFFFF),
	hex(InfoBSIC, 0xFF),
	hex(InfoLAC, 0xFFFF),
	skip,
	dec(InfoRxLev, 255),
	skip,
	dec(InfoTimingAdvance, 255),
}

// <band>,<uarfcn>,<cell_id>,<lac>,<rac>,<scrambling_code>,<rrc>,<rssi>,<ecn0>
var ucged3GFields = []field{
	skip,
	dec(InfoARFCN, 65535),
	hex(InfoCI, 0xFFFFFFF),
	hex(InfoLAC, 0xFFFF),
	skip,
	dec(InfoPSC, 65535),
	skip,
	dec(InfoRSSI, 255),
	dec(InfoECN0, 255),
}

// <earfcn>,<band>,<ul_bw>,<dl_bw>,<tac>,<cell_id>,<pci>,<mtmsi>,<mme_gr_id>,
// <mme_code>,<rsrp>,<rsrq>
var ucged4GFields = []field{
	dec(InfoARFCN, 65535),
	skip,
	skip,
	skip,
	hex(InfoTAC, 0xFFFF),
	hex(InfoCI, 0xFFFFFFF),
	dec(InfoPCI, 65535),
	skip,
	skip,
	skip,
	flt(InfoRSRP, rsrpIndex),
	flt(InfoRSRQ, rsrqIndex),
}

// decodeCESQ decodes the response to AT+CESQ into the cell info.
func decodeCESQ(lines []string, cell map[InfoType]int) error {
	iter := info.NewIter(lines)
	if !iter.Next("+CESQ:") {
		return errors.Wrap(ErrMalformedResponse, "+CESQ")
	}
	if n := decodeFields(iter, cesqFields, cell); n > 0 {
		return errors.Wrapf(ErrMalformedResponse, "+CESQ: %d fields", n)
	}
	return nil
}

// u-blox radio access technology values reported by +UCGED.
const (
	ucgedRAT2G   = 2
	ucgedRAT3G   = 3
	ucgedRAT4G   = 4
	ucgedRATCatM = 6
	ucgedRATNB1  = 7
)

// decodeUCGED decodes the response to AT+UCGED? in mode 2,
//
//	+UCGED: 2
//	<rat>,<svc>,<MCC>,<MNC>
//	<rat specific fields>
//
// into the cell.
func decodeUCGED(lines []string, cell *ServingCell) error {
	iter := info.NewIter(lines)
	if !iter.Next("+UCGED:") {
		return errors.Wrap(ErrMalformedResponse, "+UCGED")
	}
	if mode, ok := iter.NextNumber(); !ok || mode != 2 {
		return errors.Wrap(ErrMalformedResponse, "+UCGED mode")
	}
	if !iter.Next("") {
		return errors.Wrap(ErrMalformedResponse, "+UCGED cell")
	}
	rat, ok := iter.NextNumber()
	if !ok {
		return errors.Wrap(ErrMalformedResponse, "+UCGED rat")
	}
	iter.Skip() // svc
	if mcc, ok := iter.NextUnquoted(); ok && mcc != "65535" {
		cell.MCC = mcc
	}
	if mnc, ok := iter.NextUnquoted(); ok && mnc != "255" {
		cell.MNC = mnc
	}
	var fields []field
	switch rat {
	case ucgedRAT2G:
		fields = ucged2GFields
	case ucgedRAT3G:
		fields = ucged3GFields
	case ucgedRAT4G, ucgedRATCatM, ucgedRATNB1:
		fields = ucged4GFields
	default:
		// no service
		return nil
	}
	if !iter.Next("") {
		return errors.Wrap(ErrMalformedResponse, "+UCGED fields")
	}
	if n := decodeFields(iter, fields, cell.Info); n > 0 {
		return errors.Wrapf(ErrMalformedResponse, "+UCGED: %d fields", n)
	}
	return nil
}
