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
)

// ChannelMember is the common surface the membership graph and join state
// machine need from a channel occupant, regardless of whether it's a
// locally-connected User or a RemoteClient introduced by a peer's UID line.
type ChannelMember interface {
	UID() string
	Nick() string
	Hostmask() string
	IsLocal() bool
}

// User holds all of the state in the context of a connected user. It is the
// core Client identity (spec §3) plus the transport state that only exists
// for a locally-connected client; a remote peer's users are represented by
// RemoteClient instead (see peer_client.go).
type User struct {
	sync.RWMutex

	uid           string
	nick          string
	name          string
	host          string
	ip            string
	real          string
	nickTS        int64
	away          bool
	awayText      string
	vanityHost    string
	vanityEnabled bool
	perm          uint8
	mode          uint64
	account       string

	// memberOf indexes this client's memberships by lowercased channel
	// name, the client-side half of the membership cross-reference
	// (spec §9 arena design note).
	memberOf map[string]membershipHandle

	conn *Conn
}

// IsLocal always reports true for a User; it exists to satisfy
// ChannelMember alongside RemoteClient.
func (user *User) IsLocal() bool {
	return true
}

// UID returns the client's stable server-assigned identifier.
func (user *User) UID() string {
	user.RLock()
	defer user.RUnlock()
	return user.uid
}

// SetUID sets the client's stable identifier. Called once, at registration.
func (user *User) SetUID(uid string) {
	user.Lock()
	defer user.Unlock()
	user.uid = uid
}

// NickTS returns the timestamp used as the nick-collision tiebreaker.
func (user *User) NickTS() int64 {
	user.RLock()
	defer user.RUnlock()
	return user.nickTS
}

// SetNickTS sets the nick timestamp, normally to time.Now().Unix() at
// registration or on a forced nick change.
func (user *User) SetNickTS(ts int64) {
	user.Lock()
	defer user.Unlock()
	user.nickTS = ts
}

// Away reports whether the client has an away marker set.
func (user *User) Away() (bool, string) {
	user.RLock()
	defer user.RUnlock()
	return user.away, user.awayText
}

// SetAway sets or clears the away marker and message.
func (user *User) SetAway(away bool, text string) {
	user.Lock()
	defer user.Unlock()
	user.away = away
	user.awayText = text
}

// IP returns the client's connection address string, used verbatim in the
// UID burst line (spec §4.6).
func (user *User) IP() string {
	user.RLock()
	defer user.RUnlock()
	return user.ip
}

// SetIP sets the client's connection address string.
func (user *User) SetIP(ip string) {
	user.Lock()
	defer user.Unlock()
	user.ip = ip
}

// Hostmask returns the string form of the full IRC hostmask.
// It will return the Vanity hostname insteead of the regular
// hostname if VanityEnabled is set to true, and the VanityHost
// is set in the User object.
//
// <nick>!<username>@<hostname|vanityhost>
func (user *User) Hostmask() string {
	user.RLock()
	defer user.RUnlock()
	var buffer bytes.Buffer

	buffer.WriteString(user.nick)
	buffer.WriteString("!")
	buffer.WriteString(user.name)
	buffer.WriteString("@")

	if user.vanityEnabled && len(user.vanityHost) > 0 {
		buffer.WriteString(user.vanityHost)
	} else {
		buffer.WriteString(user.host)
	}

	return buffer.String()
}

// RealHostmask returns the string form of the full IRC hostmask.
// It will not return the Vanity hostname even if VanityEnabled
// is set to true.
//
// <nick>!<username>@<hostname>
func (user *User) RealHostmask() string {
	user.RLock()
	defer user.RUnlock()
	var buffer bytes.Buffer

	buffer.WriteString(user.nick)
	buffer.WriteString("!")
	buffer.WriteString(user.name)
	buffer.WriteString("@")
	buffer.WriteString(user.host)

	return buffer.String()
}

// Nick returns the nick field of the user in a
// concurrency-safe manner.
func (user *User) Nick() string {
	user.RLock()
	defer user.RUnlock()
	return user.nick
}

// SetNick sets the nick field of the user in a
// concurrency-safe manner.
func (user *User) SetNick(new string) {
	user.Lock()
	defer user.Unlock()
	user.nick = new
}

// Name returns the username field of the user in a
// concurrency-safe manner.
func (user *User) Name() string {
	user.RLock()
	defer user.RUnlock()
	return user.name
}

// SetName sets the username field of the user in a
// concurrency-safe manner.
func (user *User) SetName(new string) {
	user.Lock()
	defer user.Unlock()
	user.name = new
}

// Realname returns the realname field of the user in a
// concurrency-safe manner.
func (user *User) Realname() string {
	user.RLock()
	defer user.RUnlock()
	return user.real
}

// SetRealname sets the realname field of the user in a
// concurrency-safe manner.
func (user *User) SetRealname(new string) {
	user.Lock()
	defer user.Unlock()
	user.real = new
}

// Host returns the hostname field of the user in a
// concurrency-safe manner.
func (user *User) Host() string {
	user.RLock()
	defer user.RUnlock()
	return user.host
}

// SetHostname sets the hostname field of the user in a
// concurrency-safe manner.
func (user *User) SetHostname(new string) {
	user.Lock()
	defer user.Unlock()
	user.host = new
}

// VanityHost returns the vanityhost field of the user in a
// concurrency-safe manner.
func (user *User) VanityHost() string {
	user.RLock()
	defer user.RUnlock()
	return user.vanityHost
}

// SetVanityHost sets the vanityhost field of the user in a
// concurrency-safe manner.
func (user *User) SetVanityHost(new string) {
	user.Lock()
	defer user.Unlock()
	user.vanityHost = new
}

// Permission returns the permission field of the user in a
// concurrency-safe manner.
func (user *User) Permission() uint8 {
	user.RLock()
	defer user.RUnlock()
	return user.perm
}

// SetPermission the permission field of the user in a
// concurrency-safe manner.
func (user *User) SetPermission(new uint8) {
	user.Lock()
	defer user.Unlock()
	user.perm = new
}

// Mode returns the mode field of the user in a
// concurrency-safe manner.
func (user *User) Mode() uint64 {
	user.RLock()
	defer user.RUnlock()
	return user.mode
}

// AddMode appends the specified mode flag to the user in a
// concurrency-safe manner.
func (user *User) AddMode(umode uint64) {
	user.Lock()
	defer user.Unlock()
	user.mode |= umode
}

// DelMode removes the specified mode flag from the user in a
// concurrency-safe manner.
func (user *User) DelMode(umode uint64) {
	user.Lock()
	defer user.Unlock()
	user.mode &^= umode
}

// ModeIsSet checks if a given user mode is currently
// set in a concurrency-safe manner.
func (user *User) ModeIsSet(umode uint64) bool {
	user.Lock()
	defer user.Unlock()
	return (user.mode&umode == umode)
}

// VanityEnabled returns the vanityenabled field of the user in a
// concurrency-safe manner.
func (user *User) VanityEnabled() bool {
	user.RLock()
	defer user.RUnlock()
	return user.vanityEnabled
}

// SetVanityEnabled the vanityenabled field of the user in a
// concurrency-safe manner.
func (user *User) SetVanityEnabled(new bool) {
	user.Lock()
	defer user.Unlock()
	user.vanityEnabled = new
}

// Account returns the client's registered-services account name, empty if
// it isn't logged in to one (spec §4.3.2 MODE_REGONLY gate).
func (user *User) Account() string {
	user.RLock()
	defer user.RUnlock()
	return user.account
}

// SetAccount sets the client's registered-services account name, normally
// by a SASL or NickServ IDENTIFY success.
func (user *User) SetAccount(account string) {
	user.Lock()
	defer user.Unlock()
	user.account = account
}

// HigherPerms checks if the given target User has a higher
// permission level than the Given user being checked.
func (user *User) HigherPerms(target uint8) bool {
	user.RLock()
	defer user.RUnlock()
	return user.perm > target
}

// AddMembership records that this user holds the given membership handle
// in the named channel.
func (user *User) AddMembership(chanName string, h membershipHandle) {
	user.Lock()
	defer user.Unlock()
	if user.memberOf == nil {
		user.memberOf = make(map[string]membershipHandle)
	}
	user.memberOf[chanName] = h
}

// RemoveMembership forgets the membership handle for the named channel.
func (user *User) RemoveMembership(chanName string) {
	user.Lock()
	defer user.Unlock()
	delete(user.memberOf, chanName)
}

// MembershipIn returns the membership handle for the named channel, if any.
func (user *User) MembershipIn(chanName string) (membershipHandle, bool) {
	user.RLock()
	defer user.RUnlock()
	h, ok := user.memberOf[chanName]
	return h, ok
}

// ChannelCount returns the number of channels this user currently belongs
// to, used for the per-user channel-count cap (spec §4.3.1 step 5).
func (user *User) ChannelCount() int {
	user.RLock()
	defer user.RUnlock()
	return len(user.memberOf)
}

// Memberships returns a snapshot copy of this user's channel-name-to-handle
// index, used by JOIN 0 (spec §4.3.3) to iterate without holding the lock.
func (user *User) Memberships() map[string]membershipHandle {
	user.RLock()
	defer user.RUnlock()
	out := make(map[string]membershipHandle, len(user.memberOf))
	for k, v := range user.memberOf {
		out[k] = v
	}
	return out
}
