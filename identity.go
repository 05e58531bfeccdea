/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import (
	"fmt"
	"strings"
	"sync"

	"github.com/btnmasher/random"
)

// sidAlphabet and uidAlphabet follow the TS6 convention: a SID's first
// character must be a digit, the remaining two are alphanumeric uppercase;
// a UID is its owning SID followed by six alphanumeric uppercase characters.
const (
	sidAlphabet = "0123456789"
	sidTail     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	uidAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// isValidSID reports whether s has the shape of a TS6 server ID: 3
// characters, first a digit, the rest alphanumeric uppercase.
func isValidSID(s string) bool {
	if len(s) != SIDLen {
		return false
	}
	if s[0] < '0' || s[0] > '9' {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isUpperAlnum(s[i]) {
			return false
		}
	}
	return true
}

// isValidUID reports whether u has the shape of a TS6 client ID: a valid
// SID prefix followed by six alphanumeric uppercase characters.
func isValidUID(u string) bool {
	if len(u) != UIDLen {
		return false
	}
	if !isValidSID(u[:SIDLen]) {
		return false
	}
	for i := SIDLen; i < len(u); i++ {
		if !isUpperAlnum(u[i]) {
			return false
		}
	}
	return true
}

func isUpperAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z')
}

// isValidServerName checks the DNS-like shape required of a server name
// (spec §3): dot-separated labels, bounded length, no leading/trailing dot.
func isValidServerName(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 {
			return false
		}
	}
	return true
}

// generateUIDTail returns six fresh alphanumeric uppercase characters to
// append to a SID when minting a new UID.
func generateUIDTail() string {
	return randomFromAlphabet(uidAlphabet, UIDLen-SIDLen)
}

// generateChanID returns a ChIDLen-character identifier used to form the
// full name of a newly created "!"-channel (spec §4.3.1 step 3).
func generateChanID() string {
	return randomFromAlphabet(uidAlphabet, ChIDLen)
}

// randomFromAlphabet draws n characters from alphabet using the random
// token generator, then folds the result onto the alphabet so the TS6
// shape invariant (alphanumeric uppercase) holds regardless of the casing
// or charset random.String happens to produce.
func randomFromAlphabet(alphabet string, n int) string {
	raw := random.String(n * 2)
	b := make([]byte, 0, n)
	for i := 0; i < len(raw) && len(b) < n; i++ {
		c := raw[i]
		switch {
		case c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		}
		idx := int(c) % len(alphabet)
		b = append(b, alphabet[idx])
	}
	for len(b) < n {
		b = append(b, alphabet[len(b)%len(alphabet)])
	}
	return string(b)
}

// Client is the core identity surface shared by a locally-connected User and
// a remote peer's RemoteClient (spec §3): a stable UID, a mutable nickname
// with a collision timestamp, and an away marker. Transport state lives only
// on the concrete local type.
type Client interface {
	ChannelMember
	NickTS() int64

	AddMembership(chanName string, h membershipHandle)
	RemoveMembership(chanName string)
	MembershipIn(chanName string) (membershipHandle, bool)
	Memberships() map[string]membershipHandle
}

// Registry is the identifier registry (component A): a weak index of
// clients, servers, and channels by name and by stable ID. It owns none of
// the referenced values — the channel store, membership graph, and link
// manager do — it only provides fast concurrent-safe lookup.
type Registry struct {
	mu sync.RWMutex

	clientsByUID  map[string]Client
	clientsByNick map[string]Client
	serversBySID  map[string]*PeerServer
	serversByName map[string]*PeerServer
}

// NewRegistry initializes an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clientsByUID:  make(map[string]Client),
		clientsByNick: make(map[string]Client),
		serversBySID:  make(map[string]*PeerServer),
		serversByName: make(map[string]*PeerServer),
	}
}

// AddClient indexes a client by both UID and nickname. Returns an error if
// either is already taken, per the "stable ID is unique" invariant (spec
// §8 property 4).
func (r *Registry) AddClient(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clientsByUID[c.UID()]; exists {
		return fmt.Errorf("registry: UID already exists: %q", c.UID())
	}
	if _, exists := r.clientsByNick[canonicalNick(c.Nick())]; exists {
		return fmt.Errorf("registry: nick already exists: %q", c.Nick())
	}

	r.clientsByUID[c.UID()] = c
	r.clientsByNick[canonicalNick(c.Nick())] = c
	return nil
}

// RemoveClient removes a client from both indices.
func (r *Registry) RemoveClient(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clientsByUID, c.UID())
	delete(r.clientsByNick, canonicalNick(c.Nick()))
}

// RenameClient updates the nickname index after a successful NICK change.
func (r *Registry) RenameClient(c Client, oldNick string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clientsByNick, canonicalNick(oldNick))
	r.clientsByNick[canonicalNick(c.Nick())] = c
}

// FindClientByUID looks up a client by its stable UID.
func (r *Registry) FindClientByUID(uid string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clientsByUID[uid]
	return c, ok
}

// FindClientByNick looks up a client by nickname.
func (r *Registry) FindClientByNick(nick string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clientsByNick[canonicalNick(nick)]
	return c, ok
}

// AddServer indexes a server by both SID and name.
func (r *Registry) AddServer(s *PeerServer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.serversBySID[s.SID]; exists {
		return ErrDuplicateSID
	}
	if _, exists := r.serversByName[strings.ToLower(s.Name)]; exists {
		return ErrDuplicateServerName
	}

	r.serversBySID[s.SID] = s
	r.serversByName[strings.ToLower(s.Name)] = s
	return nil
}

// RemoveServer removes a server from both indices (used on SQUIT/link exit).
func (r *Registry) RemoveServer(s *PeerServer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.serversBySID, s.SID)
	delete(r.serversByName, strings.ToLower(s.Name))
}

// FindServerBySID looks up a server by its stable SID.
func (r *Registry) FindServerBySID(sid string) (*PeerServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serversBySID[sid]
	return s, ok
}

// FindServerByName looks up a server by name.
func (r *Registry) FindServerByName(name string) (*PeerServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serversByName[strings.ToLower(name)]
	return s, ok
}

// AllClients returns a snapshot of every indexed client, local and remote,
// used by the burst engine to replay the UID list to a newly-linked peer.
func (r *Registry) AllClients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.clientsByUID))
	for _, c := range r.clientsByUID {
		out = append(out, c)
	}
	return out
}

// AllServers returns a snapshot of every indexed peer server, used by the
// burst engine to re-introduce the rest of the mesh to a newly-linked peer.
func (r *Registry) AllServers() []*PeerServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerServer, 0, len(r.serversBySID))
	for _, s := range r.serversBySID {
		out = append(out, s)
	}
	return out
}

// ServersByIntroducer returns every server this registry knows of that was
// introduced to us through introducer, i.e. everything a SQUIT of introducer
// must also tear down.
func (r *Registry) ServersByIntroducer(introducer *PeerServer) []*PeerServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*PeerServer
	for _, s := range r.serversBySID {
		if s.Introducer == introducer {
			out = append(out, s)
		}
	}
	return out
}

// ClientsByIntroducer returns every remote client this registry knows of
// that was introduced through owner, i.e. everything a SQUIT of owner must
// also remove.
func (r *Registry) ClientsByIntroducer(owner *PeerServer) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Client
	for _, c := range r.clientsByUID {
		if rc, ok := c.(*RemoteClient); ok && rc.Owner() == owner {
			out = append(out, c)
		}
	}
	return out
}

func canonicalNick(nick string) string {
	return strings.ToLower(nick)
}
