// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package gprs_test

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/ubloxmodem/at"
	"github.com/warthog618/ubloxmodem/chat"
	"github.com/warthog618/ubloxmodem/gprs"
	"github.com/warthog618/ubloxmodem/internal/chattest"
	"go.uber.org/mock/gomock"
)

var a = netip.MustParseAddr

func TestNew(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := chat.NewMockChannel(ctrl)
	regErr := errors.New("register failed")
	ch.EXPECT().Register("+CGEV:", gomock.Any()).Return(uint(0), regErr)
	c, err := gprs.New(ch, &gprs.Pool{})
	assert.ErrorIs(t, err, regErr)
	assert.Nil(t, c)

	h := newHarness(t)
	c = h.newContext(t)
	assert.Equal(t, gprs.StateIdle, c.State())
	assert.Equal(t, uint(0), c.CID())
	assert.Equal(t, 0, c.ID())
}

func TestActivate(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t, gprs.WithProperties(gprs.PropertyMap{gprs.PropInterface: "wwan0"}))
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+CGCONTRDP=1", ok(
			`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0","10.0.0.1","8.8.8.8","8.8.4.4"`)),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 3, APN: "internet"}, r.cb)
	assert.Equal(t, gprs.StateDefining, c.State())
	h.Run()
	r.assertOnce(t, nil)
	assert.Equal(t, gprs.StateActive, c.State())
	assert.Equal(t, 1, c.ID())
	assert.Equal(t, uint(3), c.CID())
	assert.True(t, h.pool.IsActive(1))
	expected := gprs.Settings{
		Interface: "wwan0",
		Address:   a("10.0.0.5"),
		Netmask:   a("255.255.255.0"),
		Gateway:   a("10.0.0.1"),
		DNS:       []netip.Addr{a("8.8.8.8"), a("8.8.4.4")},
		APN:       "internet",
	}
	assert.Equal(t, expected, c.Settings())
}

func TestActivateAuth(t *testing.T) {
	patterns := []struct {
		name string
		auth gprs.AuthMethod
		cmd  string
	}{
		{"pap", gprs.AuthPAP, `+UAUTHREQ=1,1,"user","secret"`},
		{"chap", gprs.AuthCHAP, `+UAUTHREQ=1,2,"user","secret"`},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			h := newHarness(t)
			c := h.newContext(t)
			gomock.InOrder(
				h.Expect(p.cmd, ok()),
				h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
				h.Expect("+CGACT=1,1", ok()),
				h.Expect("+CGCONTRDP=1", ok(
					`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
			)
			var r recorder
			c.ActivatePrimary(gprs.Params{
				CID:      1,
				APN:      "internet",
				Auth:     p.auth,
				Username: "user",
				Password: "secret",
			}, r.cb)
			assert.Equal(t, gprs.StateAuthenticating, c.State())
			h.Run()
			r.assertOnce(t, nil)
			assert.Equal(t, gprs.StateActive, c.State())
		}
		t.Run(p.name, f)
	}
}

func TestActivateRejected(t *testing.T) {
	patterns := []struct {
		name   string
		params gprs.Params
		err    error
	}{
		{"ipv6", gprs.Params{CID: 1, APN: "internet", Proto: gprs.ProtoIPv6}, gprs.ErrNotSupported},
		{"dual", gprs.Params{CID: 1, APN: "internet", Proto: gprs.ProtoIPv4v6}, gprs.ErrNotSupported},
		{"auth", gprs.Params{CID: 1, APN: "internet", Username: "u", Password: "p"}, gprs.ErrAuthNotSupported},
		{"apn length",
			gprs.Params{CID: 1, APN: strings.Repeat("a", gprs.MaxAPNLength+1)},
			gprs.ErrInvalidParams},
		{"username length",
			gprs.Params{CID: 1, APN: "internet", Auth: gprs.AuthPAP,
				Username: strings.Repeat("u", gprs.MaxCredentialLength+1), Password: "p"},
			gprs.ErrInvalidParams},
		{"password length",
			gprs.Params{CID: 1, APN: "internet", Auth: gprs.AuthCHAP,
				Username: "u", Password: strings.Repeat("p", gprs.MaxCredentialLength+1)},
			gprs.ErrInvalidParams},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			h := newHarness(t)
			c := h.newContext(t)
			var r recorder
			c.ActivatePrimary(p.params, r.cb)
			r.assertOnce(t, p.err)
			assert.Equal(t, gprs.StateIdle, c.State())
			assert.False(t, h.pool.IsUsed(1))
		}
		t.Run(p.name, f)
	}
}

func TestActivateNoFreeContext(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	for i := 0; i < gprs.MaxContexts; i++ {
		h.pool.Allocate()
	}
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	r.assertOnce(t, gprs.ErrNoFreeContext)
	assert.Equal(t, gprs.StateIdle, c.State())
}

func TestActivateFailure(t *testing.T) {
	cme := at.CMEError("148")
	sendErr := errors.New("send failed")
	patterns := []struct {
		name   string
		params gprs.Params
		expect func(h *harness) []any
		err    error
	}{
		{"auth",
			gprs.Params{CID: 1, APN: "internet", Auth: gprs.AuthPAP, Username: "u", Password: "p"},
			func(h *harness) []any {
				return []any{h.Expect(`+UAUTHREQ=1,1,"u","p"`, fail(cme))}
			},
			cme},
		{"define",
			gprs.Params{CID: 1, APN: "internet"},
			func(h *harness) []any {
				return []any{h.Expect(`+CGDCONT=1,"IP","internet"`, fail(at.ErrError))}
			},
			at.ErrError},
		{"send",
			gprs.Params{CID: 1, APN: "internet"},
			func(h *harness) []any {
				return []any{h.ExpectSendError(`+CGDCONT=1,"IP","internet"`, sendErr)}
			},
			sendErr},
		{"activate",
			gprs.Params{CID: 1, APN: "internet"},
			func(h *harness) []any {
				return []any{
					h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
					h.Expect("+CGACT=1,1", fail(cme)),
				}
			},
			cme},
		{"read config",
			gprs.Params{CID: 1, APN: "internet"},
			func(h *harness) []any {
				return []any{
					h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
					h.Expect("+CGACT=1,1", ok()),
					h.Expect("+CGCONTRDP=1", fail(cme)),
					h.ExpectBestEffort("+CGACT=0,1"),
				}
			},
			cme},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			h := newHarness(t)
			c := h.newContext(t)
			gomock.InOrder(p.expect(h)...)
			var r recorder
			c.ActivatePrimary(p.params, r.cb)
			h.Run()
			r.assertOnce(t, p.err)
			// modem errors are reported verbatim
			assert.Equal(t, p.err, r.err)
			assert.Equal(t, gprs.StateIdle, c.State())
			assert.Equal(t, 0, c.ID())
			assert.False(t, h.pool.IsUsed(1))
			assert.False(t, h.pool.AnyActive())
		}
		t.Run(p.name, f)
	}
}

func TestActivateMalformedConfig(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5","10.0.0.1"`)),
		h.ExpectBestEffort("+CGACT=0,1"),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, gprs.ErrMalformedResponse)
	assert.Equal(t, gprs.StateIdle, c.State())
	assert.False(t, h.pool.IsUsed(1))
	assert.Equal(t, gprs.Settings{}, c.Settings())
}

func TestActivateDefaultContext(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	h.event("+CGEV: NW PDN ACT 4")
	assert.Equal(t, 4, h.pool.DefaultID())
	h.Expect("+CGCONTRDP=4", ok(
		`+CGCONTRDP: 4,5,"operator.lte","10.1.1.7.255.255.255.0","10.1.1.1","10.1.0.53"`))
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	assert.Equal(t, 4, c.ID())
	assert.True(t, h.pool.IsActive(4))
	s := c.Settings()
	assert.Equal(t, a("10.1.1.7"), s.Address)
	assert.Equal(t, "operator.lte", s.APN)

	// later activations are not taken as the default
	h.event("+CGEV: NW PDN ACT 5")
	assert.Equal(t, 4, h.pool.DefaultID())
}

func TestActivateDefaultUnreadable(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	h.event("+CGEV: NW PDN ACT 4")
	h.Expect("+CGCONTRDP=4", fail(at.ErrError))
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, at.ErrError)
	assert.Equal(t, 0, h.pool.DefaultID())
	assert.False(t, h.pool.IsUsed(4))

	// the next activation defines its own context
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
	)
	r = recorder{}
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	assert.Equal(t, 1, c.ID())
}

func TestActivateAdoptsDefault(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", fail(at.CMEError("100"))),
		h.Expect("+CGCONTRDP=4", ok(
			`+CGCONTRDP: 4,5,"operator.lte","10.1.1.7.255.255.255.0","10.1.1.1"`)),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	// our own context is not mistaken for the default
	h.event("+CGEV: ME PDN ACT 1")
	assert.Equal(t, 0, h.pool.DefaultID())
	h.event("+CGEV: NW PDN ACT 4")
	assert.Equal(t, 4, h.pool.DefaultID())
	h.Run()
	r.assertOnce(t, nil)
	assert.Equal(t, 4, c.ID())
	assert.False(t, h.pool.IsUsed(1))
	assert.True(t, h.pool.IsActive(4))
	assert.Equal(t, "operator.lte", c.Settings().APN)
}

func TestActivateSecondary(t *testing.T) {
	h := newHarness(t)
	primary := h.newContext(t)
	secondary := h.newContext(t)
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
		h.Expect("+CGDSCONT=2,1", ok()),
		h.Expect("+CGACT=1,2", ok()),
		h.Expect("+CGCONTRDP=2", ok(`+CGCONTRDP: 2,6,"internet","10.0.0.5.255.255.255.0"`)),
	)
	var r1, r2 recorder
	primary.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r1.cb)
	h.Run()
	r1.assertOnce(t, nil)
	secondary.ActivatePrimary(gprs.Params{CID: 2, APN: "Internet.mnc001"}, r2.cb)
	assert.Equal(t, gprs.StatePairing, secondary.State())
	h.Run()
	r2.assertOnce(t, nil)
	assert.Equal(t, 2, secondary.ID())
}

func TestActivateSecondaryFailure(t *testing.T) {
	cme := at.CMEError("132")
	h := newHarness(t)
	primary := h.activeContext(t, 1)
	secondary := h.newContext(t)
	h.Expect("+CGDSCONT=2,1", fail(cme))
	var r recorder
	secondary.ActivatePrimary(gprs.Params{CID: 2, APN: "internet.mnc001"}, r.cb)
	assert.Equal(t, gprs.StatePairing, secondary.State())
	h.Run()
	r.assertOnce(t, cme)
	assert.Equal(t, cme, r.err)
	assert.Equal(t, gprs.StateIdle, secondary.State())
	assert.Equal(t, 0, secondary.ID())
	assert.False(t, h.pool.IsUsed(2))
	// the parent is unaffected
	assert.Equal(t, gprs.StateActive, primary.State())
	assert.True(t, h.pool.IsActive(1))
	assert.Equal(t, 1, primary.ID())
}

func TestActivateTFT(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	tfts := []gprs.TFT{
		{Precedence: 1, RemoteAddr: netip.MustParsePrefix("10.0.0.0/8"), Protocol: 6},
		{Precedence: 2, RemotePorts: gprs.PortRange{Low: 5060, High: 5061}, Protocol: 17},
	}
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.ExpectBestEffort(`+CGTFT=1,1,1,"10.0.0.0.255.0.0.0",6`),
		h.ExpectBestEffort(`+CGTFT=1,2,2,,17,,"5060.5061"`),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
		h.Expect("+CGACT=0,1", ok()),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet", TFTs: tfts}, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	assert.Equal(t, []int{1, 2}, h.pool.TFTs(1))

	r = recorder{}
	c.DeactivatePrimary(1, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	assert.Empty(t, h.pool.TFTs(1))
}

func TestActivateTFTExhausted(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	tfts := make([]gprs.TFT, gprs.MaxTFTs+1)
	for i := range tfts {
		tfts[i] = gprs.TFT{Precedence: uint8(i + 1), Protocol: 6}
	}
	h.Expect(`+CGDCONT=1,"IP","internet"`, ok())
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet", TFTs: tfts}, r.cb)
	h.Run()
	r.assertOnce(t, gprs.ErrNoFreeContext)
	assert.Equal(t, gprs.StateIdle, c.State())
	assert.Equal(t, 0, c.ID())
	assert.False(t, h.pool.IsUsed(1))
	assert.Empty(t, h.pool.TFTs(1))
	// all the templates are available again
	assert.Equal(t, 1, h.pool.AllocateTFT(2))
}

func TestActivateClearTFT(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.ExpectBestEffort("+CGTFT=1"),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet", TFTs: []gprs.TFT{}}, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	assert.Empty(t, h.pool.TFTs(1))
}

func TestActivateRouted(t *testing.T) {
	h := newHarness(t)
	props := gprs.PropertyMap{
		gprs.PropInterface:   "usb0",
		gprs.PropNetworkMode: "routed",
	}
	c := h.newContext(t, gprs.WithProperties(props))
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+UIPCONF?", ok(
			`+UIPCONF: "192.168.1.1","255.255.255.0","192.168.1.100","192.168.1.100"`)),
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","100.64.0.9","","10.0.0.53"`)),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	expected := gprs.Settings{
		Interface: "usb0",
		Address:   a("192.168.1.100"),
		Netmask:   a("255.255.255.0"),
		Gateway:   a("192.168.1.1"),
		DNS:       []netip.Addr{a("10.0.0.53")},
		APN:       "internet",
	}
	assert.Equal(t, expected, c.Settings())
}

func TestActivateRoutedMalformed(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t, gprs.WithProperties(gprs.PropertyMap{gprs.PropNetworkMode: "routed"}))
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+UIPCONF?", ok(`+UIPCONF: "192.168.1.1"`)),
		h.ExpectBestEffort("+CGACT=0,1"),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, gprs.ErrMalformedResponse)
	assert.False(t, h.pool.IsUsed(1))
}

func TestActivateBusy(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
	)
	var r1, r2, r3 recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r1.cb)
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r2.cb)
	r2.assertOnce(t, gprs.ErrBusy)
	c.DeactivatePrimary(1, r3.cb)
	r3.assertOnce(t, gprs.ErrBusy)
	h.Run()
	r1.assertOnce(t, nil)
}

func TestDeactivate(t *testing.T) {
	h := newHarness(t)
	c := h.activeContext(t, 7)
	h.Expect("+CGACT=0,1", ok())
	var r recorder
	c.DeactivatePrimary(7, r.cb)
	assert.Equal(t, gprs.StateDeactivating, c.State())
	h.Run()
	r.assertOnce(t, nil)
	assert.Equal(t, gprs.StateIdle, c.State())
	assert.Equal(t, 0, c.ID())
	assert.False(t, h.pool.IsUsed(1))
	assert.Equal(t, gprs.Settings{}, c.Settings())
}

func TestDeactivateDefault(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	h.event("+CGEV: NW PDN ACT 1")
	gomock.InOrder(
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
		h.Expect("+CGACT=0,1", fail(at.CMEError("149"))),
		h.Expect("+CGACT=0,1", ok()),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, nil)

	r = recorder{}
	c.DeactivatePrimary(1, r.cb)
	h.Run()
	r.assertOnce(t, at.CMEError("149"))
	assert.Equal(t, gprs.StateActive, c.State())
	assert.True(t, h.pool.IsActive(1))
	assert.Equal(t, 1, h.pool.DefaultID())

	r = recorder{}
	c.DeactivatePrimary(1, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	assert.Equal(t, 0, h.pool.DefaultID())
	assert.False(t, h.pool.IsUsed(1))
}

func TestDeactivateFailure(t *testing.T) {
	h := newHarness(t)
	c := h.activeContext(t, 2)
	h.Expect("+CGACT=0,1", fail(at.ErrError))
	var r recorder
	c.DeactivatePrimary(2, r.cb)
	h.Run()
	r.assertOnce(t, at.ErrError)
	assert.Equal(t, gprs.StateActive, c.State())
	assert.True(t, h.pool.IsUsed(1))
	assert.True(t, h.pool.IsActive(1))
}

func TestDeactivateNotActive(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	var r recorder
	c.DeactivatePrimary(1, r.cb)
	r.assertOnce(t, gprs.ErrNotActive)

	c = h.activeContext(t, 2)
	r = recorder{}
	c.DeactivatePrimary(3, r.cb)
	r.assertOnce(t, gprs.ErrNotActive)
	assert.Equal(t, gprs.StateActive, c.State())
}

func TestNetworkDeactivation(t *testing.T) {
	h := newHarness(t)
	var deactivated []uint
	notifier := gprs.NotifierFunc(func(cid uint) {
		deactivated = append(deactivated, cid)
	})
	c := h.activeContext(t, 5, gprs.WithNotifier(notifier))

	h.event("+CGEV: NW PDN DEACT 2")
	assert.Empty(t, deactivated)
	assert.Equal(t, gprs.StateActive, c.State())

	h.event("+CGEV: NW PDN DEACT 1")
	assert.Equal(t, []uint{5}, deactivated)
	assert.Equal(t, gprs.StateIdle, c.State())
	assert.False(t, h.pool.IsUsed(1))
	assert.Equal(t, uint(0), c.CID())

	h.event("+CGEV: NW PDN DEACT 1")
	assert.Equal(t, []uint{5}, deactivated)
}

func TestNetworkDeactivationDefault(t *testing.T) {
	h := newHarness(t)
	var deactivated []uint
	c := h.newContext(t, gprs.WithNotifier(gprs.NotifierFunc(func(cid uint) {
		deactivated = append(deactivated, cid)
	})))
	h.event("+CGEV: NW PDN ACT 1")
	h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`))
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 9, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	h.event("+CGEV: NW PDN DEACT 1")
	assert.Equal(t, []uint{9}, deactivated)
	assert.Equal(t, 0, h.pool.DefaultID())
}

func TestNetworkDeactivationUnadoptedDefault(t *testing.T) {
	h := newHarness(t)
	var deactivated []uint
	c := h.newContext(t, gprs.WithNotifier(gprs.NotifierFunc(func(cid uint) {
		deactivated = append(deactivated, cid)
	})))
	h.event("+CGEV: NW PDN ACT 4")
	assert.Equal(t, 4, h.pool.DefaultID())
	h.event("+CGEV: NW PDN DEACT 4")
	assert.Equal(t, 0, h.pool.DefaultID())
	assert.Empty(t, deactivated)

	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	assert.Equal(t, 1, c.ID())
}

func TestNetworkDeactivationWhileDeactivating(t *testing.T) {
	h := newHarness(t)
	var deactivated []uint
	c := h.activeContext(t, 5, gprs.WithNotifier(gprs.NotifierFunc(func(cid uint) {
		deactivated = append(deactivated, cid)
	})))
	h.Expect("+CGACT=0,1", fail(at.ErrError))
	var r recorder
	c.DeactivatePrimary(5, r.cb)
	h.event("+CGEV: NW PDN DEACT 1")
	r.assertOnce(t, nil)
	assert.Equal(t, gprs.StateIdle, c.State())
	assert.False(t, h.pool.IsUsed(1))
	assert.Empty(t, deactivated)

	// the late failure is discarded
	h.Run()
	assert.Equal(t, 1, r.calls)
	assert.Nil(t, r.err)
	assert.Equal(t, gprs.StateIdle, c.State())
}

func TestRemove(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	h.Expect(`+CGDCONT=1,"IP","internet"`, ok())
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
	c.Remove()
	r.assertOnce(t, gprs.ErrRemoved)
	assert.False(t, h.pool.IsUsed(1))
	// the stale completion issues no further commands
	h.Run()
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, gprs.StateIdle, c.State())
}

func TestCallbackOncePerRequest(t *testing.T) {
	h := newHarness(t)
	c := h.newContext(t)
	requests := 0
	var r recorder
	for i := 0; i < 4; i++ {
		gomock.InOrder(
			h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
			h.Expect("+CGACT=1,1", ok()),
			h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
		)
		c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
		requests++
		h.Run()
		if i%2 == 0 {
			h.Expect("+CGACT=0,1", fail(at.ErrError))
			c.DeactivatePrimary(1, r.cb)
			requests++
			h.Run()
		}
		h.Expect("+CGACT=0,1", ok())
		c.DeactivatePrimary(1, r.cb)
		requests++
		h.Run()
		h.Expect(`+CGDCONT=1,"IP","internet"`, fail(at.ErrError))
		c.ActivatePrimary(gprs.Params{CID: 1, APN: "internet"}, r.cb)
		requests++
		h.Run()
	}
	assert.Equal(t, requests, r.calls)
	assert.Equal(t, gprs.StateIdle, c.State())
	assert.False(t, h.pool.IsUsed(1))
}

// harness scripts the modem responses to the commands sent by contexts.
type harness struct {
	*chattest.Script
	pool *gprs.Pool
}

func newHarness(t *testing.T) *harness {
	return &harness{
		Script: chattest.New(t),
		pool:   &gprs.Pool{},
	}
}

func (h *harness) newContext(t *testing.T, options ...gprs.Option) *gprs.Context {
	c, err := gprs.New(h, h.pool, options...)
	require.Nil(t, err)
	require.NotNil(t, c)
	return c
}

// activeContext returns a context activated as modem context 1.
func (h *harness) activeContext(t *testing.T, cid uint, options ...gprs.Option) *gprs.Context {
	c := h.newContext(t, options...)
	gomock.InOrder(
		h.Expect(`+CGDCONT=1,"IP","internet"`, ok()),
		h.Expect("+CGACT=1,1", ok()),
		h.Expect("+CGCONTRDP=1", ok(`+CGCONTRDP: 1,5,"internet","10.0.0.5.255.255.255.0"`)),
	)
	var r recorder
	c.ActivatePrimary(gprs.Params{CID: cid, APN: "internet"}, r.cb)
	h.Run()
	r.assertOnce(t, nil)
	require.Equal(t, gprs.StateActive, c.State())
	return c
}

func (h *harness) event(line string) {
	h.Notify("+CGEV:", line)
}

var (
	ok   = chattest.OK
	fail = chattest.Fail
)

type recorder struct {
	calls int
	err   error
}

func (r *recorder) cb(err error) {
	r.calls++
	r.err = err
}

func (r *recorder) assertOnce(t *testing.T, err error) {
	t.Helper()
	assert.Equal(t, 1, r.calls)
	if err == nil {
		assert.Nil(t, r.err)
	} else {
		assert.ErrorIs(t, r.err, err)
	}
}
