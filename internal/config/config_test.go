// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package config_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/ubloxmodem/gprs"
	"github.com/warthog618/ubloxmodem/internal/config"
)

const full = `
Info:
  Version: 1.0.0
  Description: test modem
Modem:
  Device: /dev/ttyACM0
  Baud: 921600
  CommandTimeout: 10s
  Trace: true
  Interface: usb0
  NetworkMode: routed
  SampleInterval: 30s
Contexts:
  - CID: 1
    APN: internet
    Autoconnect: true
  - CID: 2
    APN: ims
    Proto: IPV4V6
    Auth: chap
    Username: user
    Password: secret
    TFTs:
      - Precedence: 1
        RemoteAddr: 10.0.0.0/8
        Protocol: 17
        RemotePorts: 5060-5061
Store:
  Path: /tmp/ubloxd.db
API:
  Listen: ":8080"
Log:
  LogPath: /var/log/ubloxd.log
  DebugLevel: debug
`

func TestParse(t *testing.T) {
	c, err := config.Parse([]byte(full))
	require.Nil(t, err)
	assert.Equal(t, &config.Modem{
		Device:         "/dev/ttyACM0",
		Baud:           921600,
		CommandTimeout: 10 * time.Second,
		Trace:          true,
		Interface:      "usb0",
		NetworkMode:    "routed",
		SampleInterval: 30 * time.Second,
	}, c.Modem)
	require.Len(t, c.Contexts, 2)
	assert.True(t, c.Contexts[0].Autoconnect)
	assert.Equal(t, "/tmp/ubloxd.db", c.Store.Path)
	assert.Equal(t, ":8080", c.API.Listen)
	assert.Equal(t, "debug", c.Log.DebugLevel)
	assert.Equal(t, map[string]string{
		gprs.PropNetworkMode: "routed",
		gprs.PropInterface:   "usb0",
	}, c.Properties())

	p, err := c.Contexts[1].Params()
	require.Nil(t, err)
	assert.Equal(t, gprs.Params{
		CID:      2,
		APN:      "ims",
		Proto:    gprs.ProtoIPv4v6,
		Auth:     gprs.AuthCHAP,
		Username: "user",
		Password: "secret",
		TFTs: []gprs.TFT{{
			Precedence:  1,
			RemoteAddr:  netip.MustParsePrefix("10.0.0.0/8"),
			Protocol:    17,
			RemotePorts: gprs.PortRange{Low: 5060, High: 5061},
		}},
	}, p)

	p, err = c.Contexts[0].Params()
	require.Nil(t, err)
	assert.Nil(t, p.TFTs)
	assert.Equal(t, gprs.AuthNone, p.Auth)
}

func TestDefaults(t *testing.T) {
	c, err := config.Parse([]byte("Info:\n  Version: 1.0.0\n"))
	require.Nil(t, err)
	assert.Equal(t, "/dev/ttyUSB0", c.Modem.Device)
	assert.Equal(t, 115200, c.Modem.Baud)
	assert.Equal(t, 30*time.Second, c.Modem.CommandTimeout)
	assert.Equal(t, "bridged", c.Modem.NetworkMode)
	assert.Equal(t, time.Minute, c.Modem.SampleInterval)
	assert.Equal(t, "info", c.Log.DebugLevel)
	assert.Equal(t, "", c.API.Listen)
	assert.Equal(t, map[string]string{gprs.PropNetworkMode: "bridged"}, c.Properties())
}

func TestParseFailure(t *testing.T) {
	patterns := []struct {
		name   string
		config string
		err    error
	}{
		{"no version", "Modem:\n  Baud: 9600\n", config.ErrVersion},
		{"wrong version", "Info:\n  Version: 2.0.0\n", config.ErrVersion},
		{"network mode",
			"Info:\n  Version: 1.0.0\nModem:\n  NetworkMode: nat\n",
			config.ErrInvalid},
		{"missing cid",
			"Info:\n  Version: 1.0.0\nContexts:\n  - APN: internet\n",
			config.ErrInvalid},
		{"duplicate cid",
			"Info:\n  Version: 1.0.0\nContexts:\n  - CID: 1\n  - CID: 1\n",
			config.ErrInvalid},
		{"proto",
			"Info:\n  Version: 1.0.0\nContexts:\n  - CID: 1\n    Proto: ppp\n",
			config.ErrInvalid},
		{"auth",
			"Info:\n  Version: 1.0.0\nContexts:\n  - CID: 1\n    Auth: eap\n",
			config.ErrInvalid},
		{"remote addr",
			"Info:\n  Version: 1.0.0\nContexts:\n  - CID: 1\n    TFTs:\n      - RemoteAddr: 10.0.0.1\n",
			config.ErrInvalid},
		{"port range",
			"Info:\n  Version: 1.0.0\nContexts:\n  - CID: 1\n    TFTs:\n      - LocalPorts: 200-100\n",
			config.ErrInvalid},
		{"apn length",
			"Info:\n  Version: 1.0.0\nContexts:\n  - CID: 1\n    APN: " + strings.Repeat("a", 101) + "\n",
			config.ErrInvalid},
		{"password length",
			"Info:\n  Version: 1.0.0\nContexts:\n  - CID: 1\n    Username: u\n    Password: " +
				strings.Repeat("p", 64) + "\n",
			config.ErrInvalid},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			c, err := config.Parse([]byte(p.config))
			assert.ErrorIs(t, err, p.err)
			assert.Nil(t, c)
		}
		t.Run(p.name, f)
	}
}

func TestParseUnknownField(t *testing.T) {
	_, err := config.Parse([]byte("Info:\n  Version: 1.0.0\nModem:\n  Speed: 9600\n"))
	assert.NotNil(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ubloxd.yaml")
	require.Nil(t, os.WriteFile(path, []byte(full), 0o644))
	c, err := config.Load(path)
	require.Nil(t, err)
	assert.Equal(t, "/dev/ttyACM0", c.Modem.Device)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}
