// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package gprs

import (
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/ubloxmodem/chat"
)

// Context is the driver for a PDP context.
type Context struct {
	slot

	ch       chat.Channel
	pool     *Pool
	props    Properties
	notifier Notifier
	log      *logrus.Entry

	state State

	// incremented for each request, so stale completions can be discarded.
	gen uint

	// the callback for the request in progress.
	pending Callback

	// the TFTs for the activation in progress.
	tfts []TFT

	settings Settings

	// the +CGEV registration.
	eventsID uint
}

// Option is a construction option for a Context.
type Option func(*Context)

// WithProperties provides the modem properties.
func WithProperties(p Properties) Option {
	return func(c *Context) {
		c.props = p
	}
}

// WithNotifier sets the receiver of network initiated deactivations.
func WithNotifier(n Notifier) Option {
	return func(c *Context) {
		c.notifier = n
	}
}

// WithLogger sets the logger for the context.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Context) {
		c.log = l
	}
}

// PropertyMap is a Properties backed by a map.
type PropertyMap map[string]string

// Get returns the value of the property, or "" if not set.
func (m PropertyMap) Get(key string) string {
	return m[key]
}

type nullNotifier struct{}

func (nullNotifier) ContextDeactivated(uint) {}

// New creates a context driver and adds it to the pool.
func New(ch chat.Channel, pool *Pool, options ...Option) (*Context, error) {
	c := &Context{
		ch:       ch,
		pool:     pool,
		props:    PropertyMap{},
		notifier: nullNotifier{},
	}
	for _, option := range options {
		option(c)
	}
	if c.log == nil {
		c.log = logrus.WithField("component", "gprs")
	}
	id, err := ch.Register("+CGEV:", c.handleEvent)
	if err != nil {
		return nil, errors.Wrap(err, "register +CGEV")
	}
	c.eventsID = id
	pool.register(&c.slot)
	return c, nil
}

// Remove detaches the context from the modem and the pool.
//
// Any pending request fails with ErrRemoved.
func (c *Context) Remove() {
	c.ch.Unregister(c.eventsID)
	c.gen++
	c.pool.Release(c.activeID)
	c.pool.unregister(&c.slot)
	c.state = StateIdle
	c.settings = Settings{}
	c.finish(ErrRemoved)
}

// State returns the current activation state.
func (c *Context) State() State {
	return c.state
}

// CID returns the logical id of the context being served, or 0 if idle.
func (c *Context) CID() uint {
	return c.cid
}

// ID returns the modem context id, or 0 if none is allocated.
func (c *Context) ID() int {
	return c.activeID
}

// Settings returns the IP configuration of the active context.
func (c *Context) Settings() Settings {
	s := c.settings
	s.DNS = append([]netip.Addr(nil), c.settings.DNS...)
	return s
}

// ActivatePrimary activates the context described by p.
//
// The cb is called exactly once, with nil on success in which case Settings
// returns the configuration of the context.
func (c *Context) ActivatePrimary(p Params, cb Callback) {
	if c.pending != nil || c.state != StateIdle {
		cb(ErrBusy)
		return
	}
	if p.Proto != ProtoIP {
		cb(ErrNotSupported)
		return
	}
	if err := p.Validate(); err != nil {
		cb(err)
		return
	}
	if p.Username != "" && p.Password != "" {
		if _, ok := p.Auth.code(); !ok {
			cb(ErrAuthNotSupported)
			return
		}
	}
	parent := c.pool.FindByAPNPrefix(p.APN)
	id := c.pool.Allocate()
	if id == 0 {
		cb(ErrNoFreeContext)
		return
	}
	c.activeID = id
	c.parentID = parent
	c.cid = p.CID
	c.apn = p.APN
	c.username = p.Username
	c.password = p.Password
	c.auth = p.Auth
	c.tfts = p.TFTs
	c.settings = Settings{}
	c.pending = cb
	c.gen++
	c.log.WithFields(logrus.Fields{"cid": c.cid, "id": id, "parent": parent, "apn": c.apn}).
		Debug("activate")
	c.apply(c.begin())
}

// DeactivatePrimary deactivates the context serving logical cid.
//
// The cb is called exactly once. On failure the context remains active.
func (c *Context) DeactivatePrimary(cid uint, cb Callback) {
	if c.pending != nil {
		cb(ErrBusy)
		return
	}
	if c.state != StateActive || cid != c.cid {
		cb(ErrNotActive)
		return
	}
	c.pending = cb
	c.gen++
	c.log.WithFields(logrus.Fields{"cid": c.cid, "id": c.activeID}).Debug("deactivate")
	c.apply(step{
		next: StateDeactivating,
		cmds: []command{{text: deactivateCmd(c.activeID)}},
	})
}

func (c *Context) routed() bool {
	return c.props.Get(PropNetworkMode) == "routed"
}

// apply enters the next state, issues its commands and, if the request is
// done, invokes the pending callback.
func (c *Context) apply(s step) {
	if s.next != c.state {
		c.log.WithFields(logrus.Fields{
			"cid":  c.cid,
			"id":   c.activeID,
			"from": c.state,
			"to":   s.next,
		}).Debug("transition")
	}
	c.state = s.next
	gen := c.gen
	for i, cmd := range s.cmds {
		var cb chat.Callback
		if !s.done && i == len(s.cmds)-1 {
			cb = func(r chat.Result) { c.complete(gen, r) }
		}
		if err := c.ch.Send(cmd.text, cmd.prefixes, cb); err != nil {
			if cb != nil {
				c.complete(gen, chat.Result{Err: err})
				return
			}
			c.log.WithError(err).WithField("cmd", cmd.text).Debug("send failed")
		}
	}
	if s.done {
		c.finish(s.err)
	}
}

func (c *Context) complete(gen uint, r chat.Result) {
	if gen != c.gen {
		c.log.WithField("state", c.state).Debug("discarding stale completion")
		return
	}
	c.apply(c.transition(r))
}

func (c *Context) finish(err error) {
	cb := c.pending
	c.pending = nil
	c.tfts = nil
	if cb != nil {
		cb(err)
	}
}

// handleEvent handles the +CGEV packet domain events.
func (c *Context) handleEvent(lines []string) {
	for _, l := range lines {
		ev := parseEvent(l)
		switch ev.kind {
		case eventActivated:
			if c.pool.DefaultID() != 0 || c.pool.AnyActive() || c.pool.IsUsed(ev.id) {
				continue
			}
			c.log.WithField("id", ev.id).Info("default context activated by network")
			c.pool.SetDefault(ev.id)
		case eventDeactivated:
			if ev.id == c.pool.DefaultID() && !c.pool.IsUsed(ev.id) {
				// no context had adopted it
				c.log.WithField("id", ev.id).Info("default context deactivated by network")
				c.pool.SetDefault(0)
				continue
			}
			if ev.id != c.activeID {
				continue
			}
			switch c.state {
			case StateActive:
				cid := c.cid
				c.log.WithFields(logrus.Fields{"cid": cid, "id": ev.id}).
					Info("context deactivated by network")
				c.gen++
				c.apply(c.released())
				c.notifier.ContextDeactivated(cid)
			case StateDeactivating:
				// the pending +CGACT=0 result no longer matters
				c.log.WithFields(logrus.Fields{"cid": c.cid, "id": ev.id}).
					Debug("deactivation completed by network")
				c.gen++
				c.apply(c.released())
			}
		}
	}
}
