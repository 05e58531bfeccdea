/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import "sync"

// MemberStatus is a member's channel-operator/voice/creator flags.
type MemberStatus uint8

const (
	StatusNone     MemberStatus = 0
	StatusVoice    MemberStatus = 1 << 0
	StatusOp       MemberStatus = 1 << 1
	StatusUniqueOp MemberStatus = 1 << 2 // implies StatusOp (spec §3)
)

// MemberCache holds flags cached on a membership rather than recomputed on
// every message, invalidated by a channel's ban-serial bumping (spec §4.4).
// Kept as its own narrow type rather than packed into MemberStatus so a ban
// recheck can never accidentally clobber operator state.
type MemberCache uint8

const (
	CacheNone   MemberCache = 0
	CacheBanned MemberCache = 1 << 0
)

// membershipHandle is a stable index into a MembershipArena. It survives
// map rehashing and is cheap to store on both sides of the membership
// (channel member index, client channel index) without the two sides
// holding pointers into each other.
type membershipHandle int32

const invalidHandle membershipHandle = -1

// Membership is the (channel, client) relation with its status and cached
// ban flag (spec §3 "Membership"). A Membership always exists in exactly
// one channel's member index and one client's channel index simultaneously;
// MembershipArena.Free removes it from neither — callers are responsible
// for clearing both indices before freeing the slot.
type Membership struct {
	Channel *Channel
	Client  Client

	status MemberStatus
	cache  MemberCache
}

// Status returns the membership's operator/voice/unique-op bits.
func (m *Membership) Status() MemberStatus {
	return m.status
}

// SetStatus replaces the membership's operator/voice/unique-op bits.
func (m *Membership) SetStatus(s MemberStatus) {
	m.status = s
}

// HasStatus reports whether all bits in s are set.
func (m *Membership) HasStatus(s MemberStatus) bool {
	return m.status&s == s
}

// AddStatus sets the given bits.
func (m *Membership) AddStatus(s MemberStatus) {
	m.status |= s
}

// DelStatus clears the given bits.
func (m *Membership) DelStatus(s MemberStatus) {
	m.status &^= s
}

// Cache returns the membership's cached-ban flag.
func (m *Membership) Cache() MemberCache {
	return m.cache
}

// SetCache replaces the membership's cached-ban flag.
func (m *Membership) SetCache(c MemberCache) {
	m.cache = c
}

// MembershipArena owns every live Membership, addressed by stable integer
// handle (spec §9 design note: represent the channel/client cross-reference
// as an arena with stable handles rather than an intrusive pointer graph,
// so destruction is O(1) by index rather than requiring list-unlink
// bookkeeping on both sides).
type MembershipArena struct {
	mu    sync.RWMutex
	slots []*Membership
	free  []membershipHandle
}

// NewMembershipArena initializes an empty arena.
func NewMembershipArena() *MembershipArena {
	return &MembershipArena{}
}

// Alloc stores m and returns its handle.
func (a *MembershipArena) Alloc(m *Membership) membershipHandle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[h] = m
		return h
	}

	a.slots = append(a.slots, m)
	return membershipHandle(len(a.slots) - 1)
}

// Get returns the membership at h, or nil if it has been freed.
func (a *MembershipArena) Get(h membershipHandle) *Membership {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if h < 0 || int(h) >= len(a.slots) {
		return nil
	}
	return a.slots[h]
}

// Free releases the slot at h for reuse.
func (a *MembershipArena) Free(h membershipHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h < 0 || int(h) >= len(a.slots) {
		return
	}
	a.slots[h] = nil
	a.free = append(a.free, h)
}

// Len reports the number of live (non-freed) memberships, for diagnostics
// and the universal-invariant test suite.
func (a *MembershipArena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := 0
	for _, s := range a.slots {
		if s != nil {
			n++
		}
	}
	return n
}
