/*
   Copyright (c) 2020, btnmasher
   All rights reserved.

   Redistribution and use in source and binary forms, with or without modification, are permitted provided that
   the following conditions are met:

   1. Redistributions of source code must retain the above copyright notice, this list of conditions and the
      following disclaimer.

   2. Redistributions in binary form must reproduce the above copyright notice, this list of conditions and
      the following disclaimer in the documentation and/or other materials provided with the distribution.

   3. Neither the name of the copyright holder nor the names of its contributors may be used to endorse or
      promote products derived from this software without specific prior written permission.

   THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED
   WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A
   PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE FOR
   ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED
   TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION)
   HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
   NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
   POSSIBILITY OF SUCH DAMAGE.
*/

package ircd

import (
	"bytes"
	"sync"
	"time"

	"github.com/btnmasher/util"
)

// ChannelInfoFlags are cached, recomputed-on-change info bits about a
// channel (spec §3 "cached info-flags"), kept off the hot member-lookup
// path rather than derived from the member list on every query.
type ChannelInfoFlags uint8

const (
	FlagMasked   ChannelInfoFlags = 1 << 0 // name hides behind a services-assigned alias in listings
	FlagService  ChannelInfoFlags = 1 << 1 // registered with the network's channel service
	FlagFlooded  ChannelInfoFlags = 1 << 2 // currently rate-limited by the flood-control layer
	FlagJapanese ChannelInfoFlags = 1 << 3 // client hint: prefer Japanese-capable casemapping in listings
)

// TopicRecord is a channel's topic text plus who set it and when
// (spec §3 "topic record").
type TopicRecord struct {
	Text  string
	SetBy string
	SetAt int64
}

// Channel is the core channel state (spec §3 "Channel"): a channel-scoped
// timestamp used as the merge tiebreaker, a mode snapshot, a topic record,
// four ban-style lists with a ban-serial used to invalidate cached ban
// checks, a chandelay lock, and a UID-keyed member index backed by the
// server-wide MembershipArena (spec §9 design note).
type Channel struct {
	sync.RWMutex

	name string
	ts   int64

	mode  ModeSnapshot
	topic TopicRecord

	// ban, except, invex and reop each map mask -> the hostmask of whoever
	// set it (spec §3 "four ban-style lists"). banSerial increments on any
	// mutation to any of the four and is the cache-invalidation key a
	// Membership's CacheBanned flag is checked against.
	ban       *util.ConcurrentMapString
	except    *util.ConcurrentMapString
	invex     *util.ConcurrentMapString
	reop      *util.ConcurrentMapString
	banSerial uint64

	flags ChannelInfoFlags

	// chlock is the chandelay lock deadline (spec §4.1): once the channel's
	// member count drops to zero, the chandelay sweep does not destroy it
	// until time.Now() is past chlock. Zero value means unlocked/never
	// emptied.
	chlock time.Time

	// reopClock is set to the time the reop list last overrode the member
	// limit (spec §4.3.2). Only MarkReopOverride writes it and nothing reads
	// it back; it has no bearing on future admission decisions.
	reopClock time.Time

	arena   *MembershipArena
	members map[string]membershipHandle // keyed by UID

	// invited holds the UIDs of clients given a one-shot INVITE, checked
	// alongside the invex mask list by can_join's invite-only gate (spec
	// §4.3.2), independent of whether the channel even has invex configured.
	invited map[string]bool
}

// NewChannel initializes an empty Channel with the given name and
// channel-TS, backed by the shared membership arena.
func NewChannel(name string, ts int64, arena *MembershipArena) *Channel {
	return &Channel{
		name:    name,
		ts:      ts,
		ban:     util.NewConcurrentMapString(),
		except:  util.NewConcurrentMapString(),
		invex:   util.NewConcurrentMapString(),
		reop:    util.NewConcurrentMapString(),
		arena:   arena,
		members: make(map[string]membershipHandle),
		invited: make(map[string]bool),
	}
}

// Invite grants uid a one-shot bypass of MODE_INVITEONLY (spec §4.3.2),
// consumed the next time that client successfully joins.
func (channel *Channel) Invite(uid string) {
	channel.Lock()
	defer channel.Unlock()
	channel.invited[uid] = true
}

// IsInvited reports whether uid currently holds a one-shot invite.
func (channel *Channel) IsInvited(uid string) bool {
	channel.RLock()
	defer channel.RUnlock()
	return channel.invited[uid]
}

// ClearInvite consumes uid's one-shot invite, called once it joins.
func (channel *Channel) ClearInvite(uid string) {
	channel.Lock()
	defer channel.Unlock()
	delete(channel.invited, uid)
}

// Name returns the channel's name.
func (channel *Channel) Name() string {
	channel.RLock()
	defer channel.RUnlock()
	return channel.name
}

// TS returns the channel's creation timestamp, the tiebreaker used by
// SJOIN merge reconciliation (spec §4.3.6).
func (channel *Channel) TS() int64 {
	channel.RLock()
	defer channel.RUnlock()
	return channel.ts
}

// SetTS overwrites the channel-TS, used when a merge adopts the
// lower-TS side's timestamp (spec §4.3.6).
func (channel *Channel) SetTS(ts int64) {
	channel.Lock()
	defer channel.Unlock()
	channel.ts = ts
}

// Mode returns a copy of the channel's current mode snapshot.
func (channel *Channel) Mode() ModeSnapshot {
	channel.RLock()
	defer channel.RUnlock()
	return channel.mode
}

// SetMode replaces the channel's mode snapshot wholesale, used by merge
// reconciliation when one side's modes are adopted outright.
func (channel *Channel) SetMode(snap ModeSnapshot) {
	channel.Lock()
	defer channel.Unlock()
	channel.mode = snap
}

// ApplyModeDiff applies a parsed +/- change to the channel's mode snapshot
// in place and returns the resulting snapshot, used by local MODE handling
// and by merge reconciliation when TS equality means both sides' mode
// changes are union-merged (spec §4.3.6).
func (channel *Channel) ApplyModeDiff(modeStr string, args []string) (ModeSnapshot, error) {
	channel.Lock()
	defer channel.Unlock()

	next, _, err := ParseModeString(channel.mode, modeStr, args)
	if err != nil {
		return ModeSnapshot{}, err
	}
	channel.mode = next
	return channel.mode, nil
}

// Topic returns a copy of the channel's topic record.
func (channel *Channel) Topic() TopicRecord {
	channel.RLock()
	defer channel.RUnlock()
	return channel.topic
}

// SetTopic replaces the topic record.
func (channel *Channel) SetTopic(text, setBy string, setAt int64) {
	channel.Lock()
	defer channel.Unlock()
	channel.topic = TopicRecord{Text: text, SetBy: setBy, SetAt: setAt}
}

// Flags returns the cached info-flags.
func (channel *Channel) Flags() ChannelInfoFlags {
	channel.RLock()
	defer channel.RUnlock()
	return channel.flags
}

// SetFlags replaces the cached info-flags.
func (channel *Channel) SetFlags(f ChannelInfoFlags) {
	channel.Lock()
	defer channel.Unlock()
	channel.flags = f
}

// ChanLock returns the chandelay lock deadline.
func (channel *Channel) ChanLock() time.Time {
	channel.RLock()
	defer channel.RUnlock()
	return channel.chlock
}

// SetChanLock sets the chandelay lock deadline (spec §4.1), called when
// the channel's member count reaches zero.
func (channel *Channel) SetChanLock(until time.Time) {
	channel.Lock()
	defer channel.Unlock()
	channel.chlock = until
}

// ClearChanLock clears the chandelay lock, called whenever a member joins.
func (channel *Channel) ClearChanLock() {
	channel.Lock()
	defer channel.Unlock()
	channel.chlock = time.Time{}
}

// BanSerial returns the current ban-serial, the value a Membership's
// CacheBanned flag must be checked against to know if it's stale.
func (channel *Channel) BanSerial() uint64 {
	channel.RLock()
	defer channel.RUnlock()
	return channel.banSerial
}

// BanStyleList names the four ban-style list kinds; listFor maps each to its
// backing map so AddBanStyle/DelBanStyle/BanStyleEntries share one
// implementation.
type BanStyleList uint8

const (
	BanStyleBan BanStyleList = iota
	BanStyleExcept
	BanStyleInvex
	BanStyleReop
)

func (channel *Channel) listFor(kind BanStyleList) *util.ConcurrentMapString {
	switch kind {
	case BanStyleBan:
		return channel.ban
	case BanStyleExcept:
		return channel.except
	case BanStyleInvex:
		return channel.invex
	case BanStyleReop:
		return channel.reop
	default:
		return nil
	}
}

// AddBanStyle adds mask to the given list, attributed to setter, and bumps
// the ban-serial so every cached CacheBanned flag is invalidated (spec
// §4.4).
func (channel *Channel) AddBanStyle(kind BanStyleList, mask, setter string) error {
	channel.Lock()
	defer channel.Unlock()

	list := channel.listFor(kind)
	if err := list.Add(mask, setter); err != nil {
		return err
	}
	channel.banSerial++
	return nil
}

// DelBanStyle removes mask from the given list and bumps the ban-serial.
func (channel *Channel) DelBanStyle(kind BanStyleList, mask string) error {
	channel.Lock()
	defer channel.Unlock()

	list := channel.listFor(kind)
	if err := list.Del(mask); err != nil {
		return err
	}
	channel.banSerial++
	return nil
}

// BanStyleEntries returns a snapshot of mask->setter for the given list.
func (channel *Channel) BanStyleEntries(kind BanStyleList) map[string]string {
	channel.RLock()
	list := channel.listFor(kind)
	channel.RUnlock()

	out := make(map[string]string)
	list.ForEach(func(mask, setter string) {
		out[mask] = setter
	})
	return out
}

// MatchesBanStyle reports whether hostmask matches any entry in the given
// list, using hostmask glob semantics (ircmask.go).
func (channel *Channel) MatchesBanStyle(kind BanStyleList, hostmask string) bool {
	matched := false
	channel.RLock()
	list := channel.listFor(kind)
	channel.RUnlock()

	list.ForEach(func(mask, _ string) {
		if matched {
			return
		}
		if MatchHostmask(mask, hostmask) {
			matched = true
		}
	})
	return matched
}

// AddMember allocates a Membership for client at the given status, indexes
// it by UID on the channel side, and records the handle on the client side
// (spec §9 bidirectional cross-reference). It clears any pending chandelay
// lock.
func (channel *Channel) AddMember(client Client, status MemberStatus) membershipHandle {
	channel.Lock()
	m := &Membership{Channel: channel, Client: client, status: status}
	h := channel.arena.Alloc(m)
	channel.members[client.UID()] = h
	channel.chlock = time.Time{}
	channel.Unlock()

	client.AddMembership(channel.Name(), h)
	return h
}

// RemoveMember frees client's Membership from the arena and both indices.
// The caller is responsible for deciding what happens to an emptied
// channel (chandelay.go).
func (channel *Channel) RemoveMember(client Client) {
	channel.Lock()
	h, ok := channel.members[client.UID()]
	if ok {
		delete(channel.members, client.UID())
	}
	channel.Unlock()

	if !ok {
		return
	}
	channel.arena.Free(h)
	client.RemoveMembership(channel.Name())
}

// Member looks up a member's Membership by UID.
func (channel *Channel) Member(uid string) (*Membership, bool) {
	channel.RLock()
	h, ok := channel.members[uid]
	channel.RUnlock()
	if !ok {
		return nil, false
	}
	m := channel.arena.Get(h)
	return m, m != nil
}

// Members returns a snapshot slice of every live Membership in the channel.
func (channel *Channel) Members() []*Membership {
	channel.RLock()
	handles := make([]membershipHandle, 0, len(channel.members))
	for _, h := range channel.members {
		handles = append(handles, h)
	}
	channel.RUnlock()

	out := make([]*Membership, 0, len(handles))
	for _, h := range handles {
		if m := channel.arena.Get(h); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// MemberCount returns the number of members currently joined.
func (channel *Channel) MemberCount() int {
	channel.RLock()
	defer channel.RUnlock()
	return len(channel.members)
}

// HasAnyOp reports whether any current member holds chanop or unique-op,
// used by the reop-list member-limit override (spec §4.3.2).
func (channel *Channel) HasAnyOp() bool {
	for _, m := range channel.Members() {
		if m.HasStatus(StatusOp) || m.HasStatus(StatusUniqueOp) {
			return true
		}
	}
	return false
}

// MarkReopOverride records that the reop list just overrode the member
// limit, stamping the channel's reop clock to now.
func (channel *Channel) MarkReopOverride(at time.Time) {
	channel.Lock()
	defer channel.Unlock()
	channel.reopClock = at
}

// Send relays msg to every locally-connected member's transport, excluding
// the UID given (normally the sender, to avoid an echo). Remote members are
// reached through the peer link by the burst/relay engine, not here.
func (channel *Channel) Send(msg *Message, excludeUID string) {
	buf := msg.RenderBuffer()
	defer bufpool.Recycle(buf)

	for _, m := range channel.Members() {
		if m.Client.UID() == excludeUID {
			continue
		}
		user, ok := m.Client.(*User)
		if !ok {
			continue
		}
		user.conn.Write(buf)
	}
}

// GetNicks returns the prefixed nick list (NAMES-reply shape), the prefix
// reflecting each member's operator/voice/unique-op status.
func (channel *Channel) GetNicks() []string {
	members := channel.Members()
	nicks := make([]string, 0, len(members))
	var buffer bytes.Buffer

	for _, m := range members {
		switch {
		case m.HasStatus(StatusUniqueOp):
			buffer.WriteRune('~')
		case m.HasStatus(StatusOp):
			buffer.WriteRune('@')
		case m.HasStatus(StatusVoice):
			buffer.WriteRune('+')
		}
		buffer.WriteString(m.Client.Nick())
		nicks = append(nicks, buffer.String())
		buffer.Reset()
	}

	return nicks
}
