// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package netmon_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warthog618/ubloxmodem/at"
	"github.com/warthog618/ubloxmodem/internal/chattest"
	"github.com/warthog618/ubloxmodem/netmon"
	"go.uber.org/mock/gomock"
)

var (
	ok   = chattest.OK
	fail = chattest.Fail
)

func TestProbe(t *testing.T) {
	s := chattest.New(t)
	m := netmon.New(s)
	s.ExpectBestEffort("+UCGED=2")
	calls := 0
	m.Probe(func(err error) {
		calls++
		assert.Nil(t, err)
	})
	s.Run()
	assert.Equal(t, 1, calls)
}

func TestRequestUpdate(t *testing.T) {
	patterns := []struct {
		name   string
		expect func(s *chattest.Script) []any
		cell   *netmon.ServingCell
		err    error
	}{
		{"lte",
			func(s *chattest.Script) []any {
				return []any{
					s.Expect("+COPS?", ok(`+COPS: 0,0,"vodafone AU",7`)),
					s.Expect("+CESQ", ok("+CESQ: 99,99,255,255,20,41")),
					s.Expect("+UCGED?", ok(
						"+UCGED: 2",
						"4,0,505,03",
						"2850,7,50,50,3001,1A2B3C4,262,C00A1234,8001,1,-87.50,-10.50")),
				}
			},
			&netmon.ServingCell{
				Type:     netmon.CellTypeLTE,
				Operator: "vodafone AU",
				MCC:      "505",
				MNC:      "03",
				Info: map[netmon.InfoType]int{
					netmon.InfoARFCN: 2850,
					netmon.InfoTAC:   0x3001,
					netmon.InfoCI:    0x1a2b3c4,
					netmon.InfoPCI:   262,
					netmon.InfoRSRP:  53,
					netmon.InfoRSRQ:  19,
				},
			},
			nil},
		{"umts",
			func(s *chattest.Script) []any {
				return []any{
					s.Expect("+COPS?", ok(`+COPS: 0,0,"Telstra",2`)),
					s.Expect("+CESQ", ok("+CESQ: 99,99,60,40,255,255")),
					s.Expect("+UCGED?", ok(
						"+UCGED: 2",
						"3,4,505,01",
						"1,10700,1F2E3D,00C3,1,80,0,255,42")),
				}
			},
			&netmon.ServingCell{
				Type:     netmon.CellTypeUMTS,
				Operator: "Telstra",
				MCC:      "505",
				MNC:      "01",
				Info: map[netmon.InfoType]int{
					netmon.InfoRSCP:  60,
					netmon.InfoECN0:  42,
					netmon.InfoARFCN: 10700,
					netmon.InfoCI:    0x1f2e3d,
					netmon.InfoLAC:   0xc3,
					netmon.InfoPSC:   80,
				},
			},
			nil},
		{"operator only",
			func(s *chattest.Script) []any {
				return []any{
					s.Expect("+COPS?", ok(`+COPS: 0,0,"Telstra"`)),
					s.Expect("+CESQ", fail(at.ErrError)),
					s.Expect("+UCGED?", fail(at.CMEError("100"))),
				}
			},
			&netmon.ServingCell{
				Type:     netmon.CellTypeGSM,
				Operator: "Telstra",
				Info:     map[netmon.InfoType]int{},
			},
			nil},
		{"malformed measurements",
			func(s *chattest.Script) []any {
				return []any{
					s.Expect("+COPS?", ok(`+COPS: 1,0,"Optus",0`)),
					s.Expect("+CESQ", ok("+CESQ: 45,bad")),
					s.Expect("+UCGED?", ok("+UCGED: 1")),
				}
			},
			&netmon.ServingCell{
				Type:     netmon.CellTypeGSM,
				Operator: "Optus",
				Info:     map[netmon.InfoType]int{netmon.InfoRxLev: 45},
			},
			nil},
		{"cops error",
			func(s *chattest.Script) []any {
				return []any{s.Expect("+COPS?", fail(at.CMEError("30")))}
			},
			nil,
			at.CMEError("30")},
		{"no operator",
			func(s *chattest.Script) []any {
				return []any{s.Expect("+COPS?", ok("+COPS: 0"))}
			},
			nil,
			netmon.ErrMalformedResponse},
		{"send error",
			func(s *chattest.Script) []any {
				return []any{s.ExpectSendError("+COPS?", at.ErrClosed)}
			},
			nil,
			at.ErrClosed},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			s := chattest.New(t)
			var notified []*netmon.ServingCell
			m := netmon.New(s, netmon.WithNotifier(netmon.NotifierFunc(
				func(c *netmon.ServingCell) {
					notified = append(notified, c)
				})))
			gomock.InOrder(p.expect(s)...)
			calls := 0
			var cell *netmon.ServingCell
			var err error
			m.RequestUpdate(func(c *netmon.ServingCell, e error) {
				calls++
				cell, err = c, e
			})
			s.Run()
			assert.Equal(t, 1, calls)
			assert.Equal(t, p.cell, cell)
			if p.err == nil {
				assert.Nil(t, err)
				assert.Equal(t, []*netmon.ServingCell{p.cell}, notified)
			} else {
				assert.ErrorIs(t, err, p.err)
				assert.Empty(t, notified)
			}
		}
		t.Run(p.name, f)
	}
}

func TestServingCellGet(t *testing.T) {
	c := netmon.ServingCell{Info: map[netmon.InfoType]int{netmon.InfoCI: 42}}
	v, ok := c.Get(netmon.InfoCI)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	_, ok = c.Get(netmon.InfoLAC)
	assert.False(t, ok)
}

func TestCellTypeString(t *testing.T) {
	assert.Equal(t, "lte", netmon.CellTypeLTE.String())
	assert.Equal(t, "celltype(9)", netmon.CellType(9).String())
}
