// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package config provides the daemon configuration.
package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/ubloxmodem/gprs"
	"gopkg.in/yaml.v2"
)

// ExpectedVersion is the configuration file version understood by Load.
const ExpectedVersion = "1.0.0"

// Config is the daemon configuration.
type Config struct {
	Info     *Info     `yaml:"Info"`
	Modem    *Modem    `yaml:"Modem"`
	Contexts []Context `yaml:"Contexts"`
	Store    *Store    `yaml:"Store"`
	API      *API      `yaml:"API"`
	Log      *Log      `yaml:"Log"`
}

// Info identifies the configuration file.
type Info struct {
	Version     string `yaml:"Version,omitempty"`
	Description string `yaml:"Description,omitempty"`
}

// Modem describes the modem and its host connection.
type Modem struct {
	Device         string        `yaml:"Device"`
	Baud           int           `yaml:"Baud"`
	CommandTimeout time.Duration `yaml:"CommandTimeout"`
	Trace          bool          `yaml:"Trace"`

	// Interface is the host network interface of the modem.
	Interface string `yaml:"Interface"`

	// NetworkMode is either "routed" or "bridged".
	NetworkMode string `yaml:"NetworkMode"`

	// SampleInterval is the period between serving cell samples.
	SampleInterval time.Duration `yaml:"SampleInterval"`
}

// Context describes a GPRS context.
type Context struct {
	CID         uint   `yaml:"CID"`
	APN         string `yaml:"APN"`
	Proto       string `yaml:"Proto"`
	Auth        string `yaml:"Auth"`
	Username    string `yaml:"Username"`
	Password    string `yaml:"Password"`
	Autoconnect bool   `yaml:"Autoconnect"`
	TFTs        []TFT  `yaml:"TFTs"`
}

// TFT describes a traffic flow template packet filter.
type TFT struct {
	Precedence  uint8  `yaml:"Precedence"`
	RemoteAddr  string `yaml:"RemoteAddr"`
	Protocol    uint8  `yaml:"Protocol"`
	LocalPorts  string `yaml:"LocalPorts"`
	RemotePorts string `yaml:"RemotePorts"`
}

// Store describes the persistent event store.
type Store struct {
	Path string `yaml:"Path"`
}

// API describes the status API.
type API struct {
	Listen string `yaml:"Listen"`
}

// Log describes the logging.
type Log struct {
	LogPath      string `yaml:"LogPath"`
	DebugLevel   string `yaml:"DebugLevel"`
	ReportCaller bool   `yaml:"ReportCaller"`
}

var (
	// ErrVersion indicates the configuration file version is not supported.
	ErrVersion = errors.New("unsupported config version")

	// ErrInvalid indicates a configuration value is invalid.
	ErrInvalid = errors.New("invalid config")
)

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes, defaults and validates the configuration.
func Parse(content []byte) (*Config, error) {
	c := new(Config)
	if err := yaml.UnmarshalStrict(content, c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if !c.CheckConfigVersion() {
		return nil, errors.Wrapf(ErrVersion, "%q", c.getVersion())
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckConfigVersion returns true if the configuration version is supported.
func (c *Config) CheckConfigVersion() bool {
	return c.getVersion() == ExpectedVersion
}

func (c *Config) getVersion() string {
	if c.Info != nil && c.Info.Version != "" {
		return c.Info.Version
	}
	return ""
}

func (c *Config) setDefaults() {
	if c.Modem == nil {
		c.Modem = &Modem{}
	}
	if c.Modem.Device == "" {
		c.Modem.Device = "/dev/ttyUSB0"
	}
	if c.Modem.Baud == 0 {
		c.Modem.Baud = 115200
	}
	if c.Modem.CommandTimeout == 0 {
		c.Modem.CommandTimeout = 30 * time.Second
	}
	if c.Modem.NetworkMode == "" {
		c.Modem.NetworkMode = "bridged"
	}
	if c.Modem.SampleInterval == 0 {
		c.Modem.SampleInterval = time.Minute
	}
	if c.Store == nil {
		c.Store = &Store{}
	}
	if c.Store.Path == "" {
		c.Store.Path = "/var/lib/ubloxd/ubloxd.db"
	}
	if c.API == nil {
		c.API = &API{}
	}
	if c.Log == nil {
		c.Log = &Log{}
	}
	if c.Log.DebugLevel == "" {
		c.Log.DebugLevel = "info"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Modem.NetworkMode {
	case "routed", "bridged":
	default:
		return errors.Wrapf(ErrInvalid, "network mode %q", c.Modem.NetworkMode)
	}
	seen := make(map[uint]bool)
	for i, ctx := range c.Contexts {
		if ctx.CID == 0 {
			return errors.Wrapf(ErrInvalid, "context %d: missing CID", i)
		}
		if seen[ctx.CID] {
			return errors.Wrapf(ErrInvalid, "context %d: duplicate CID %d", i, ctx.CID)
		}
		seen[ctx.CID] = true
		if _, err := ctx.Params(); err != nil {
			return errors.Wrapf(err, "context %d", i)
		}
	}
	return nil
}

// Properties returns the modem properties used by the GPRS contexts.
func (c *Config) Properties() map[string]string {
	props := map[string]string{
		gprs.PropNetworkMode: c.Modem.NetworkMode,
	}
	if c.Modem.Interface != "" {
		props[gprs.PropInterface] = c.Modem.Interface
	}
	return props
}

// Params converts the context description into activation parameters.
func (c Context) Params() (gprs.Params, error) {
	p := gprs.Params{
		CID:      c.CID,
		APN:      c.APN,
		Username: c.Username,
		Password: c.Password,
	}
	switch strings.ToLower(c.Proto) {
	case "", "ip":
		p.Proto = gprs.ProtoIP
	case "ipv6":
		p.Proto = gprs.ProtoIPv6
	case "ipv4v6":
		p.Proto = gprs.ProtoIPv4v6
	default:
		return p, errors.Wrapf(ErrInvalid, "proto %q", c.Proto)
	}
	switch strings.ToLower(c.Auth) {
	case "", "none":
		p.Auth = gprs.AuthNone
	case "pap":
		p.Auth = gprs.AuthPAP
	case "chap":
		p.Auth = gprs.AuthCHAP
	default:
		return p, errors.Wrapf(ErrInvalid, "auth %q", c.Auth)
	}
	if c.TFTs != nil {
		p.TFTs = make([]gprs.TFT, 0, len(c.TFTs))
		for i, t := range c.TFTs {
			tft, err := t.tft()
			if err != nil {
				return p, errors.Wrapf(err, "tft %d", i)
			}
			p.TFTs = append(p.TFTs, tft)
		}
	}
	if err := p.Validate(); err != nil {
		return p, errors.Wrap(ErrInvalid, err.Error())
	}
	return p, nil
}

func (t TFT) tft() (gprs.TFT, error) {
	tft := gprs.TFT{
		Precedence: t.Precedence,
		Protocol:   t.Protocol,
	}
	var err error
	if t.RemoteAddr != "" {
		if tft.RemoteAddr, err = netip.ParsePrefix(t.RemoteAddr); err != nil {
			return tft, errors.Wrapf(ErrInvalid, "remote address %q", t.RemoteAddr)
		}
	}
	if tft.LocalPorts, err = parsePortRange(t.LocalPorts); err != nil {
		return tft, err
	}
	if tft.RemotePorts, err = parsePortRange(t.RemotePorts); err != nil {
		return tft, err
	}
	return tft, nil
}

// parsePortRange parses a port range, either "low-high" or a single port.
func parsePortRange(s string) (gprs.PortRange, error) {
	var r gprs.PortRange
	if s == "" {
		return r, nil
	}
	low, high, found := strings.Cut(s, "-")
	l, err := strconv.ParseUint(strings.TrimSpace(low), 10, 16)
	if err != nil {
		return r, errors.Wrapf(ErrInvalid, "port range %q", s)
	}
	h := l
	if found {
		if h, err = strconv.ParseUint(strings.TrimSpace(high), 10, 16); err != nil || h < l {
			return r, errors.Wrapf(ErrInvalid, "port range %q", s)
		}
	}
	r.Low, r.High = uint16(l), uint16(h)
	return r, nil
}
