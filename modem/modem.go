// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package modem provides the controller for a u-blox modem instance.
//
// The Modem owns the AT command engine, the chat channel shared by the
// drivers, the modem properties and the context id pool shared by the GPRS
// contexts.
package modem

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/ubloxmodem/at"
	"github.com/warthog618/ubloxmodem/chat"
	"github.com/warthog618/ubloxmodem/gprs"
	"github.com/warthog618/ubloxmodem/info"
	"github.com/warthog618/ubloxmodem/netmon"
	"github.com/warthog618/ubloxmodem/netreg"
)

// Property keys set by Init.
const (
	PropManufacturer = "Manufacturer"
	PropModel        = "Model"
	PropRevision     = "Revision"
)

// Modem decorates the AT modem with the u-blox drivers.
type Modem struct {
	*at.AT
	chat *chat.Chat
	pool *gprs.Pool
	log  *logrus.Entry

	// covers props
	mu    sync.RWMutex
	props map[string]string
}

type config struct {
	props   map[string]string
	log     *logrus.Entry
	timeout time.Duration
	atOpts  []at.Option
}

// Option is a construction option for a Modem.
type Option func(*config)

// WithProperties sets the initial modem properties, such as the network
// interface and network mode used by the GPRS contexts.
func WithProperties(props map[string]string) Option {
	return func(c *config) {
		for k, v := range props {
			c.props[k] = v
		}
	}
}

// WithLogger sets the logger for the modem and its drivers.
func WithLogger(l *logrus.Entry) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithCommandTimeout sets the time allowed for each command sent by the
// drivers.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithATOptions passes options through to the AT modem.
func WithATOptions(options ...at.Option) Option {
	return func(c *config) {
		c.atOpts = append(c.atOpts, options...)
	}
}

// New creates a new u-blox modem.
func New(rw io.ReadWriter, options ...Option) *Modem {
	cfg := config{
		props:   make(map[string]string),
		timeout: 30 * time.Second,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logrus.WithField("component", "modem")
	}
	a := at.New(rw, cfg.atOpts...)
	return &Modem{
		AT: a,
		chat: chat.New(a,
			chat.WithTimeout(cfg.timeout),
			chat.WithLogger(cfg.log.WithField("category", "chat"))),
		pool:  &gprs.Pool{},
		log:   cfg.log,
		props: cfg.props,
	}
}

// Init initialises the modem.
//
// The modem is checked for GSM capability, numeric error reporting is
// enabled, and the manufacturer, model and revision are read into the
// properties.
func (m *Modem) Init(ctx context.Context) error {
	if err := m.AT.Init(ctx); err != nil {
		return err
	}
	// test GCAP response to ensure +GSM support, and modem sync.
	i, err := m.Command(ctx, "+GCAP")
	if err != nil {
		return err
	}
	capabilities := make(map[string]bool)
	for _, l := range i {
		if info.HasPrefix(l, "+GCAP") {
			caps := strings.Split(info.TrimPrefix(l, "+GCAP"), ",")
			for _, cap := range caps {
				capabilities[strings.TrimSpace(cap)] = true
			}
		}
	}
	if !capabilities["+CGSM"] {
		return ErrNotGSMCapable
	}
	if _, err := m.Command(ctx, "+CMEE=1"); err != nil {
		return err
	}
	ids := []struct {
		cmd string
		key string
	}{
		{"+CGMI", PropManufacturer},
		{"+CGMM", PropModel},
		{"+CGMR", PropRevision},
	}
	for _, id := range ids {
		i, err := m.Command(ctx, id.cmd)
		if err != nil {
			return err
		}
		v, ok := identity(i, id.cmd)
		if !ok {
			return errors.Wrap(ErrMalformedResponse, id.cmd)
		}
		m.setProperty(id.key, v)
	}
	m.log.WithFields(logrus.Fields{
		"manufacturer": m.Get(PropManufacturer),
		"model":        m.Get(PropModel),
		"revision":     m.Get(PropRevision),
	}).Info("modem initialised")
	return nil
}

// identity returns the value from the response to an identification command,
// which may or may not be prefixed by the command.
func identity(lines []string, cmd string) (string, bool) {
	for _, l := range lines {
		v := strings.TrimSpace(info.TrimPrefix(l, cmd))
		if v != "" {
			return strings.Trim(v, `"`), true
		}
	}
	return "", false
}

// Get returns the named property, or an empty string if not set.
func (m *Modem) Get(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.props[key]
}

// Properties returns a copy of the modem properties.
func (m *Modem) Properties() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	props := make(map[string]string, len(m.props))
	for k, v := range m.props {
		props[k] = v
	}
	return props
}

func (m *Modem) setProperty(key, value string) {
	m.mu.Lock()
	m.props[key] = value
	m.mu.Unlock()
}

// Chat returns the channel shared by the drivers.
func (m *Modem) Chat() *chat.Chat {
	return m.chat
}

// Pool returns the context id pool shared by the GPRS contexts.
func (m *Modem) Pool() *gprs.Pool {
	return m.pool
}

// NewContext creates a GPRS context on the modem.
//
// Must be called from the chat event loop, e.g. via Chat().Call.
func (m *Modem) NewContext(options ...gprs.Option) (*gprs.Context, error) {
	options = append([]gprs.Option{
		gprs.WithProperties(m),
		gprs.WithLogger(m.log.WithField("category", "gprs")),
	}, options...)
	return gprs.New(m.chat, m.pool, options...)
}

// NetReg creates the network registration driver for the modem.
func (m *Modem) NetReg(options ...netreg.Option) *netreg.NetReg {
	options = append([]netreg.Option{
		netreg.WithLogger(m.log.WithField("category", "netreg")),
	}, options...)
	return netreg.New(m.chat, options...)
}

// NetMon creates the network monitor driver for the modem.
func (m *Modem) NetMon(options ...netmon.Option) *netmon.NetMon {
	options = append([]netmon.Option{
		netmon.WithLogger(m.log.WithField("category", "netmon")),
	}, options...)
	return netmon.New(m.chat, options...)
}

// Close stops the chat event loop.
//
// The underlying io.ReadWriter must be closed by the caller.
func (m *Modem) Close() {
	m.chat.Close()
}

var (
	// ErrNotGSMCapable indicates that the modem does not support the GSM
	// command set, as determined from the GCAP response.
	ErrNotGSMCapable = errors.New("modem is not GSM capable")

	// ErrMalformedResponse indicates the modem returned a badly formed
	// response.
	ErrMalformedResponse = errors.New("modem returned malformed response")
)
