/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import (
	"bytes"
	"sync"
)

// RemoteClient represents a client introduced to this server by a peer's UID
// (or single-user JOIN) burst line. It carries the same core identity as a
// local User but no transport state: all traffic to it is relayed to the
// owning Server.
type RemoteClient struct {
	sync.RWMutex

	uid    string
	nick   string
	name   string
	host   string
	ip     string
	real   string
	nickTS int64

	away     bool
	awayText string

	mode uint64

	memberOf map[string]membershipHandle

	owner *PeerServer
}

// NewRemoteClient builds a RemoteClient from the fields carried on a UID
// burst line (spec §4.6, §6).
func NewRemoteClient(owner *PeerServer, uid, nick, name, host, ip, real string, nickTS int64) *RemoteClient {
	return &RemoteClient{
		uid:    uid,
		nick:   nick,
		name:   name,
		host:   host,
		ip:     ip,
		real:   real,
		nickTS: nickTS,
		owner:  owner,
	}
}

// IsLocal always reports false for a RemoteClient.
func (rc *RemoteClient) IsLocal() bool {
	return false
}

// Owner returns the peer Server that introduced this client.
func (rc *RemoteClient) Owner() *PeerServer {
	rc.RLock()
	defer rc.RUnlock()
	return rc.owner
}

// UID returns the client's stable identifier.
func (rc *RemoteClient) UID() string {
	rc.RLock()
	defer rc.RUnlock()
	return rc.uid
}

// Nick returns the client's current nickname.
func (rc *RemoteClient) Nick() string {
	rc.RLock()
	defer rc.RUnlock()
	return rc.nick
}

// SetNick updates the nickname, e.g. on a remote NICK change.
func (rc *RemoteClient) SetNick(new string) {
	rc.Lock()
	defer rc.Unlock()
	rc.nick = new
}

// NickTS returns the nick-collision timestamp.
func (rc *RemoteClient) NickTS() int64 {
	rc.RLock()
	defer rc.RUnlock()
	return rc.nickTS
}

// SetNickTS updates the nick-collision timestamp.
func (rc *RemoteClient) SetNickTS(ts int64) {
	rc.Lock()
	defer rc.Unlock()
	rc.nickTS = ts
}

// Away reports the away marker and message.
func (rc *RemoteClient) Away() (bool, string) {
	rc.RLock()
	defer rc.RUnlock()
	return rc.away, rc.awayText
}

// SetAway sets or clears the away marker and message.
func (rc *RemoteClient) SetAway(away bool, text string) {
	rc.Lock()
	defer rc.Unlock()
	rc.away = away
	rc.awayText = text
}

// Mode returns the client's user mode bitset.
func (rc *RemoteClient) Mode() uint64 {
	rc.RLock()
	defer rc.RUnlock()
	return rc.mode
}

// AddMode sets the given user mode bits.
func (rc *RemoteClient) AddMode(umode uint64) {
	rc.Lock()
	defer rc.Unlock()
	rc.mode |= umode
}

// DelMode clears the given user mode bits.
func (rc *RemoteClient) DelMode(umode uint64) {
	rc.Lock()
	defer rc.Unlock()
	rc.mode &^= umode
}

// ModeIsSet reports whether the given user mode bits are all set.
func (rc *RemoteClient) ModeIsSet(umode uint64) bool {
	rc.RLock()
	defer rc.RUnlock()
	return rc.mode&umode == umode
}

// AddMembership records that this client holds the given membership handle
// in the named channel.
func (rc *RemoteClient) AddMembership(chanName string, h membershipHandle) {
	rc.Lock()
	defer rc.Unlock()
	if rc.memberOf == nil {
		rc.memberOf = make(map[string]membershipHandle)
	}
	rc.memberOf[chanName] = h
}

// RemoveMembership forgets the membership handle for the named channel.
func (rc *RemoteClient) RemoveMembership(chanName string) {
	rc.Lock()
	defer rc.Unlock()
	delete(rc.memberOf, chanName)
}

// MembershipIn returns the membership handle for the named channel, if any.
func (rc *RemoteClient) MembershipIn(chanName string) (membershipHandle, bool) {
	rc.RLock()
	defer rc.RUnlock()
	h, ok := rc.memberOf[chanName]
	return h, ok
}

// Memberships returns a snapshot copy of this client's channel-name-to-
// handle index.
func (rc *RemoteClient) Memberships() map[string]membershipHandle {
	rc.RLock()
	defer rc.RUnlock()
	out := make(map[string]membershipHandle, len(rc.memberOf))
	for k, v := range rc.memberOf {
		out[k] = v
	}
	return out
}

// Name returns the client's username field, as carried on its UID line.
func (rc *RemoteClient) Name() string {
	rc.RLock()
	defer rc.RUnlock()
	return rc.name
}

// Host returns the client's hostname field, as carried on its UID line.
func (rc *RemoteClient) Host() string {
	rc.RLock()
	defer rc.RUnlock()
	return rc.host
}

// IP returns the client's connection address string, as carried on its UID
// line, used verbatim when re-bursting this client to a third peer.
func (rc *RemoteClient) IP() string {
	rc.RLock()
	defer rc.RUnlock()
	return rc.ip
}

// Realname returns the client's gecos field, as carried on its UID line.
func (rc *RemoteClient) Realname() string {
	rc.RLock()
	defer rc.RUnlock()
	return rc.real
}

// Hostmask returns the <nick>!<user>@<host> form used in relayed traffic.
func (rc *RemoteClient) Hostmask() string {
	rc.RLock()
	defer rc.RUnlock()
	var buffer bytes.Buffer
	buffer.WriteString(rc.nick)
	buffer.WriteString("!")
	buffer.WriteString(rc.name)
	buffer.WriteString("@")
	buffer.WriteString(rc.host)
	return buffer.String()
}
