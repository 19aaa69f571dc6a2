// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package chat provides an asynchronous, callback based channel to an AT
// modem.
//
// All callbacks, both command completions and notifications, are executed
// sequentially on a single event loop goroutine, so state only touched from
// callbacks requires no locking.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/ubloxmodem/at"
	"github.com/warthog618/ubloxmodem/info"
)

//go:generate mockgen -source=chat.go -destination=mock_chat.go -package=chat Channel

// Result is the outcome of a command.
type Result struct {
	// Lines are the info lines returned by the modem which match the
	// prefixes provided to Send.
	Lines []string

	// Err is nil if the command completed with OK, else the decoded error
	// returned by the modem or the transport.
	Err error
}

// OK returns true if the command completed successfully.
func (r Result) OK() bool {
	return r.Err == nil
}

// Callback receives the result of a command.
type Callback func(Result)

// NotifyFunc receives the lines of an unsolicited notification.
type NotifyFunc func(lines []string)

// Channel is the interface drivers use to talk to the modem.
type Channel interface {
	// Send queues the command for the modem.
	//
	// The cb is called exactly once, from the event loop, with the result,
	// unless Send returns an error, in which case it is never called.
	// The cb may be nil if the result is of no interest.
	Send(cmd string, prefixes []string, cb Callback) error

	// Register adds a handler for notifications beginning with the prefix.
	Register(prefix string, fn NotifyFunc) (uint, error)

	// Unregister removes a handler added by Register.
	Unregister(id uint) bool
}

// Chat is the Channel implementation on top of an AT modem.
type Chat struct {
	a       *at.AT
	timeout time.Duration
	log     *logrus.Entry

	cmds   fifo[*command]
	events fifo[func()]

	// covers subs and nextID
	mu     sync.Mutex
	subs   map[string][]subscription
	nextID uint

	done      chan struct{}
	closeOnce sync.Once
}

// Option is a construction option for a Chat.
type Option func(*Chat)

// WithTimeout sets the time allowed for each command to complete.
//
// The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Chat) {
		c.timeout = d
	}
}

// WithLogger sets the logger used to report command activity.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Chat) {
		c.log = l
	}
}

// New creates a Chat on the AT modem and starts its event loop.
func New(a *at.AT, options ...Option) *Chat {
	c := &Chat{
		a:       a,
		timeout: 30 * time.Second,
		subs:    make(map[string][]subscription),
		done:    make(chan struct{}),
	}
	c.cmds.init()
	c.events.init()
	for _, option := range options {
		option(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	go c.sendLoop()
	go c.eventLoop()
	return c
}

// ErrClosed indicates the chat, or the underlying modem, has been closed.
var ErrClosed = errors.New("chat closed")

type command struct {
	text     string
	prefixes []string
	cb       Callback
}

type subscription struct {
	id uint
	fn NotifyFunc
}

// Send queues the command for the modem.
func (c *Chat) Send(cmd string, prefixes []string, cb Callback) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.cmds.push(&command{text: cmd, prefixes: prefixes, cb: cb})
	return nil
}

// Register adds a handler for notifications beginning with the prefix.
//
// Multiple handlers may be registered for the same prefix and are called in
// registration order.
func (c *Chat) Register(prefix string, fn NotifyFunc) (uint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[prefix]; !ok {
		err := c.a.AddIndication(prefix, func(lines []string) {
			c.events.push(func() { c.dispatch(prefix, lines) })
		})
		if err != nil {
			return 0, err
		}
	}
	c.nextID++
	c.subs[prefix] = append(c.subs[prefix], subscription{id: c.nextID, fn: fn})
	return c.nextID, nil
}

// Unregister removes a handler added by Register.
func (c *Chat) Unregister(id uint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for prefix, subs := range c.subs {
		for i, s := range subs {
			if s.id != id {
				continue
			}
			subs = append(subs[:i:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(c.subs, prefix)
				c.a.CancelIndication(prefix)
			} else {
				c.subs[prefix] = subs
			}
			return true
		}
	}
	return false
}

// Post queues fn for execution on the event loop.
func (c *Chat) Post(fn func()) {
	c.events.push(fn)
}

// Call executes fn on the event loop and waits for it to complete.
//
// Call must not be called from the event loop itself.
func (c *Chat) Call(fn func()) error {
	if c.isClosed() {
		return ErrClosed
	}
	done := make(chan struct{})
	c.events.push(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the event loop.
//
// Queued commands and callbacks are dropped.
func (c *Chat) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done returns a channel that is closed when the chat is closed, either
// explicitly or by the underlying modem closing.
func (c *Chat) Done() <-chan struct{} {
	return c.done
}

func (c *Chat) isClosed() bool {
	select {
	case <-c.done:
		return true
	case <-c.a.Closed():
		return true
	default:
		return false
	}
}

func (c *Chat) dispatch(prefix string, lines []string) {
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs[prefix]...)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(lines)
	}
}

func (c *Chat) sendLoop() {
	for {
		cmd, ok := c.cmds.pop()
		if !ok {
			select {
			case <-c.cmds.wake:
				continue
			case <-c.a.Closed():
				c.Close()
				return
			case <-c.done:
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		lines, err := c.a.Command(ctx, cmd.text, cmd.prefixes...)
		cancel()
		c.log.WithFields(logrus.Fields{"cmd": "AT" + cmd.text, "err": err}).Debug("command complete")
		if cmd.cb == nil {
			continue
		}
		r := Result{Lines: info.Filter(lines, cmd.prefixes...), Err: err}
		cb := cmd.cb
		c.events.push(func() { cb(r) })
	}
}

func (c *Chat) eventLoop() {
	for {
		fn, ok := c.events.pop()
		if !ok {
			select {
			case <-c.events.wake:
				continue
			case <-c.done:
				return
			}
		}
		fn()
	}
}

// fifo is an unbounded queue, so pushing from the event loop never blocks.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

func (f *fifo[T]) init() {
	f.wake = make(chan struct{}, 1)
}

func (f *fifo[T]) push(v T) {
	f.mu.Lock()
	f.items = append(f.items, v)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fifo[T]) pop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var v T
	if len(f.items) == 0 {
		return v, false
	}
	v = f.items[0]
	f.items = f.items[1:]
	return v, true
}
