// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package gprs

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/ubloxmodem/chat"
)

// State is the activation state of a Context.
type State int

const (
	// StateIdle indicates no context is allocated.
	StateIdle State = iota
	StateAuthenticating
	StateDefining
	StatePairing
	StateActivating
	StateReadingSettings
	StateReadingConfig
	StateActive
	StateDeactivating
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateAuthenticating:  "authenticating",
	StateDefining:        "defining",
	StatePairing:         "pairing",
	StateActivating:      "activating",
	StateReadingSettings: "reading settings",
	StateReadingConfig:   "reading config",
	StateActive:          "active",
	StateDeactivating:    "deactivating",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	nonePrefix      []string
	cgcontrdpPrefix = []string{"+CGCONTRDP:"}
	uipconfPrefix   = []string{"+UIPCONF:"}
)

// command is a command to be sent to the modem.
type command struct {
	text     string
	prefixes []string

	// the result is not examined.
	bestEffort bool
}

// step is the outcome of a transition.
//
// Unless done, the final command is awaited and its result drives the next
// transition. Any other commands must be best effort.
type step struct {
	next State
	cmds []command

	// the pending request completes with err.
	done bool
	err  error
}

// begin returns the first step of an activation.
func (c *Context) begin() step {
	switch {
	case c.activeID == c.pool.DefaultID():
		// already activated by the network
		return c.readConfig()
	case c.parentID != 0:
		return step{
			next: StatePairing,
			cmds: []command{{text: fmt.Sprintf("+CGDSCONT=%d,%d", c.activeID, c.parentID)}},
		}
	case c.username != "" && c.password != "":
		code, _ := c.auth.code()
		return step{
			next: StateAuthenticating,
			cmds: []command{{text: fmt.Sprintf(`+UAUTHREQ=%d,%d,"%s","%s"`,
				c.activeID, code, c.username, c.password)}},
		}
	}
	return c.define()
}

func (c *Context) define() step {
	cmd := fmt.Sprintf(`+CGDCONT=%d,"IP"`, c.activeID)
	if c.apn != "" {
		cmd += fmt.Sprintf(`,"%s"`, c.apn)
	}
	return step{next: StateDefining, cmds: []command{{text: cmd}}}
}

func (c *Context) activate() step {
	cmds, err := c.tftCommands()
	if err != nil {
		return c.fail(err)
	}
	cmds = append(cmds, command{text: fmt.Sprintf("+CGACT=1,%d", c.activeID)})
	return step{next: StateActivating, cmds: cmds}
}

// tftCommands returns the best effort commands programming the requested
// traffic flow templates.
//
// The templates are allocated before any is sent, so running out of
// templates fails the activation without programming a partial set.
func (c *Context) tftCommands() ([]command, error) {
	if c.tfts == nil {
		return nil, nil
	}
	c.pool.ReleaseTFTs(c.activeID)
	if len(c.tfts) == 0 {
		return []command{{text: fmt.Sprintf("+CGTFT=%d", c.activeID), bestEffort: true}}, nil
	}
	var cmds []command
	for _, t := range c.tfts {
		id := c.pool.AllocateTFT(c.activeID)
		if id == 0 {
			c.pool.ReleaseTFTs(c.activeID)
			return nil, errors.WithMessage(ErrNoFreeContext, "no free TFT")
		}
		cmds = append(cmds, command{text: t.command(c.activeID, id), bestEffort: true})
	}
	return cmds, nil
}

func (c *Context) readConfig() step {
	if c.routed() {
		return step{
			next: StateReadingSettings,
			cmds: []command{{text: "+UIPCONF?", prefixes: uipconfPrefix}},
		}
	}
	return c.readContextConfig()
}

func (c *Context) readContextConfig() step {
	return step{
		next: StateReadingConfig,
		cmds: []command{{text: fmt.Sprintf("+CGCONTRDP=%d", c.activeID), prefixes: cgcontrdpPrefix}},
	}
}

func deactivateCmd(id int) string {
	return fmt.Sprintf("+CGACT=0,%d", id)
}

// fail releases the context and completes the request with err.
func (c *Context) fail(err error) step {
	c.pool.Release(c.activeID)
	c.settings = Settings{}
	return step{next: StateIdle, done: true, err: err}
}

// failActive is fail for a context already activated on the modem.
//
// A default context that can't be read is assumed gone, so is forgotten.
func (c *Context) failActive(err error) step {
	id := c.activeID
	s := c.fail(err)
	if id == c.pool.DefaultID() {
		c.pool.SetDefault(0)
	} else {
		s.cmds = []command{{text: deactivateCmd(id), bestEffort: true}}
	}
	return s
}

// released returns the context to idle after a deactivation.
func (c *Context) released() step {
	if c.activeID == c.pool.DefaultID() {
		c.pool.SetDefault(0)
	}
	c.pool.Release(c.activeID)
	c.settings = Settings{}
	return step{next: StateIdle, done: true}
}

// transition returns the step following the completion of the awaited
// command.
func (c *Context) transition(r chat.Result) step {
	switch c.state {
	case StateAuthenticating:
		if !r.OK() {
			return c.fail(r.Err)
		}
		return c.define()
	case StateDefining, StatePairing:
		if !r.OK() {
			return c.fail(r.Err)
		}
		return c.activate()
	case StateActivating:
		if r.OK() {
			return c.readConfig()
		}
		// some firmware rejects activating a context while the default
		// bearer is up, so use that instead.
		def := c.pool.DefaultID()
		if def != 0 && !c.pool.AnyActive() && c.pool.Adopt(c.activeID, def) {
			c.log.WithFields(logrus.Fields{"id": c.activeID, "default": def}).
				Info("activation failed, adopting default context")
			c.activeID = def
			return c.readConfig()
		}
		return c.fail(r.Err)
	case StateReadingSettings:
		if !r.OK() {
			return c.failActive(r.Err)
		}
		cfg, err := parseRoutedConfig(r.Lines)
		if err != nil {
			return c.failActive(err)
		}
		c.settings.Address = cfg.addr
		c.settings.Netmask = cfg.mask
		c.settings.Gateway = cfg.gateway
		return c.readContextConfig()
	case StateReadingConfig:
		if !r.OK() {
			return c.failActive(r.Err)
		}
		cfg := parseContextConfig(r.Lines, c.activeID)
		if !c.routed() {
			if cfg.addrErr != nil {
				return c.failActive(cfg.addrErr)
			}
			c.settings.Address = cfg.addr
			c.settings.Netmask = cfg.mask
			c.settings.Gateway = cfg.gateway
		}
		c.settings.DNS = cfg.dns
		if c.activeID == c.pool.DefaultID() && cfg.apn != "" {
			// the network chose the APN of the default context
			c.apn = cfg.apn
		}
		c.settings.APN = c.apn
		c.settings.Interface = c.props.Get(PropInterface)
		c.pool.MarkActive(c.activeID)
		return step{next: StateActive, done: true}
	case StateDeactivating:
		if !r.OK() {
			if def := c.pool.DefaultID(); def != 0 && c.pool.IsActive(def) {
				c.log.WithField("default", def).
					Warn("network does not allow deactivation of the default context")
			}
			return step{next: StateActive, done: true, err: r.Err}
		}
		return c.released()
	}
	c.log.WithField("state", c.state).Error("unexpected completion")
	return step{next: c.state}
}
