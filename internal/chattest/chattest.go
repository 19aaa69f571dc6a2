// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package chattest provides a scripted chat.Channel for testing drivers.
//
// Commands are matched against gomock expectations, and completions are
// queued until Run is called, so drivers see the asynchronous behaviour of a
// real channel.
package chattest

import (
	"testing"

	"github.com/warthog618/ubloxmodem/chat"
	"go.uber.org/mock/gomock"
)

// Script is a chat.Channel driven by gomock expectations.
type Script struct {
	*chat.MockChannel

	pending  []func()
	handlers map[uint]handler
	nextID   uint
}

type handler struct {
	prefix string
	fn     chat.NotifyFunc
}

// New creates a Script which accepts any registrations.
func New(t *testing.T) *Script {
	ctrl := gomock.NewController(t)
	s := &Script{
		MockChannel: chat.NewMockChannel(ctrl),
		handlers:    make(map[uint]handler),
	}
	s.EXPECT().Register(gomock.Any(), gomock.Any()).DoAndReturn(
		func(prefix string, fn chat.NotifyFunc) (uint, error) {
			s.nextID++
			s.handlers[s.nextID] = handler{prefix, fn}
			return s.nextID, nil
		}).AnyTimes()
	s.EXPECT().Unregister(gomock.Any()).DoAndReturn(
		func(id uint) bool {
			_, ok := s.handlers[id]
			delete(s.handlers, id)
			return ok
		}).AnyTimes()
	return s
}

// Expect adds an awaited command which completes with r when Run.
func (s *Script) Expect(cmd string, r chat.Result) *gomock.Call {
	return s.EXPECT().Send(cmd, gomock.Any(), gomock.Not(gomock.Nil())).DoAndReturn(
		func(_ string, _ []string, cb chat.Callback) error {
			s.pending = append(s.pending, func() { cb(r) })
			return nil
		})
}

// ExpectBestEffort adds a command sent without a callback.
func (s *Script) ExpectBestEffort(cmd string) *gomock.Call {
	return s.EXPECT().Send(cmd, gomock.Any(), gomock.Nil()).Return(nil)
}

// ExpectSendError adds a command which the channel refuses to send.
func (s *Script) ExpectSendError(cmd string, err error) *gomock.Call {
	return s.EXPECT().Send(cmd, gomock.Any(), gomock.Any()).Return(err)
}

// Run delivers completions, including those queued by earlier completions,
// until none remain.
func (s *Script) Run() {
	for len(s.pending) > 0 {
		f := s.pending[0]
		s.pending = s.pending[1:]
		f()
	}
}

// Notify delivers the lines to the handlers registered for the prefix.
func (s *Script) Notify(prefix string, lines ...string) {
	for id := uint(1); id <= s.nextID; id++ {
		if h, ok := s.handlers[id]; ok && h.prefix == prefix {
			h.fn(lines)
		}
	}
}

// Registered returns true if a handler is registered for the prefix.
func (s *Script) Registered(prefix string) bool {
	for _, h := range s.handlers {
		if h.prefix == prefix {
			return true
		}
	}
	return false
}

// OK returns a successful result containing the lines.
func OK(lines ...string) chat.Result {
	return chat.Result{Lines: lines}
}

// Fail returns a failed result.
func Fail(err error) chat.Result {
	return chat.Result{Err: err}
}
