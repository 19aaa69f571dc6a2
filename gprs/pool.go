// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package gprs

import "strings"

// slot is the per context state shared with the Pool.
type slot struct {
	// the modem context id, or 0 if none is allocated.
	activeID int

	// the id of the primary context of a secondary context, else 0.
	parentID int

	// the logical context id being served.
	cid uint

	apn      string
	username string
	password string
	auth     AuthMethod
}

func (s *slot) reset() {
	s.activeID = 0
	s.parentID = 0
	s.cid = 0
}

// Pool tracks the allocation of modem context ids and traffic flow
// templates across all the contexts of a modem.
//
// The zero value is an empty pool ready for use.
type Pool struct {
	slots []*slot

	// bit n set if context id n is allocated.
	used uint32

	// bit n set if context id n is active.
	active uint32

	// the context activated by the network without being requested.
	defaultID int

	// the context id owning each TFT, indexed by TFT id - 1.
	tftOwner [MaxTFTs]int
}

func bit(id int) uint32 {
	return 1 << uint(id)
}

func validID(id int) bool {
	return id > 0 && id <= MaxContexts
}

func (p *Pool) register(s *slot) {
	p.slots = append(p.slots, s)
}

func (p *Pool) unregister(s *slot) {
	for i, ps := range p.slots {
		if ps == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return
		}
	}
}

// Allocate reserves a context id.
//
// If a default context has been recorded, and is not yet adopted, and no
// context is active then the default id is returned so the network context
// is reused. Otherwise the lowest free id is returned.
// Returns 0 if no ids are free.
func (p *Pool) Allocate() int {
	if p.defaultID != 0 && p.active == 0 && p.used&bit(p.defaultID) == 0 {
		p.used |= bit(p.defaultID)
		return p.defaultID
	}
	for id := 1; id <= MaxContexts; id++ {
		if id == p.defaultID {
			continue
		}
		if p.used&bit(id) == 0 {
			p.used |= bit(id)
			return id
		}
	}
	return 0
}

// Release returns the id to the pool, along with any TFTs it owns, and
// resets the slot using it.
//
// Releasing an unallocated or out of range id is a no-op.
func (p *Pool) Release(id int) {
	if !validID(id) {
		return
	}
	p.used &^= bit(id)
	p.active &^= bit(id)
	p.ReleaseTFTs(id)
	for _, s := range p.slots {
		if s.activeID == id {
			s.reset()
		}
	}
}

// Adopt transfers an allocation from one id to another, unallocated, id.
//
// TFTs owned by the old id are released as they were bound to a context that
// no longer exists.
func (p *Pool) Adopt(from, to int) bool {
	if !validID(to) {
		return false
	}
	if from == to {
		return true
	}
	if p.used&bit(to) != 0 {
		return false
	}
	if validID(from) {
		p.used &^= bit(from)
		p.active &^= bit(from)
		p.ReleaseTFTs(from)
	}
	p.used |= bit(to)
	return true
}

// IsUsed returns true if the id is allocated.
func (p *Pool) IsUsed(id int) bool {
	return validID(id) && p.used&bit(id) != 0
}

// MarkActive records that the context is active.
func (p *Pool) MarkActive(id int) {
	if validID(id) {
		p.active |= bit(id)
	}
}

// IsActive returns true if the context is active.
func (p *Pool) IsActive(id int) bool {
	return validID(id) && p.active&bit(id) != 0
}

// AnyActive returns true if any context is active.
func (p *Pool) AnyActive() bool {
	return p.active != 0
}

// DefaultID returns the id of the default context, or 0 if none.
func (p *Pool) DefaultID() int {
	return p.defaultID
}

// SetDefault records the id of a context activated by the network.
//
// An id of 0 clears the default.
func (p *Pool) SetDefault(id int) {
	if id == 0 || validID(id) {
		p.defaultID = id
	}
}

// FindByAPNPrefix returns the id of an active primary context whose APN is
// a prefix of the apn, ignoring case, or 0 if there is none.
func (p *Pool) FindByAPNPrefix(apn string) int {
	apn = strings.ToLower(apn)
	for _, s := range p.slots {
		if s.activeID == 0 || s.parentID != 0 || s.apn == "" {
			continue
		}
		if !p.IsActive(s.activeID) {
			continue
		}
		if strings.HasPrefix(apn, strings.ToLower(s.apn)) {
			return s.activeID
		}
	}
	return 0
}

// AllocateTFT reserves a TFT id for the owning context.
//
// Returns 0 if no TFTs are free.
func (p *Pool) AllocateTFT(owner int) int {
	if !validID(owner) {
		return 0
	}
	for i, o := range p.tftOwner {
		if o == 0 {
			p.tftOwner[i] = owner
			return i + 1
		}
	}
	return 0
}

// ReleaseTFTs releases all the TFTs owned by the context.
func (p *Pool) ReleaseTFTs(owner int) {
	for i, o := range p.tftOwner {
		if o == owner {
			p.tftOwner[i] = 0
		}
	}
}

// TFTs returns the ids of the TFTs owned by the context.
func (p *Pool) TFTs(owner int) []int {
	var ids []int
	for i, o := range p.tftOwner {
		if o == owner {
			ids = append(ids, i+1)
		}
	}
	return ids
}
