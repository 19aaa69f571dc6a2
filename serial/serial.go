// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package serial provides a serial port, which provides the io.ReadWriter
// interface, that provides the connection between the at or chat packages
// and the physical modem.
package serial

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Config holds the parameters of the serial port.
type Config struct {
	port        string
	baud        int
	readTimeout time.Duration
}

// Option modifies the Config used by New.
type Option func(*Config)

// WithPort sets the device the modem is attached to.
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud sets the baud rate of the port.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// WithReadTimeout sets the maximum time a Read will block.
//
// Zero, the default, blocks until data is available.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.readTimeout = d
	}
}

// New creates a serial port.
//
// This is currently a simple wrapper around tarm serial.
func New(options ...Option) (*serial.Port, error) {
	cfg := newConfig(options...)
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.port,
		Baud:        cfg.baud,
		ReadTimeout: cfg.readTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.port)
	}
	return p, nil
}

func newConfig(options ...Option) Config {
	cfg := defaultConfig
	for _, option := range options {
		option(&cfg)
	}
	return cfg
}
