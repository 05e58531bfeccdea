/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import "sync"

// PeerServer represents a peer on the mesh: either the directly-linked
// server at the other end of a PeerConn, or one introduced transitively via
// that link's SID bursts. Name and SID are immutable for the server's
// lifetime on the mesh; everything else (hopcount, capability bitset, burst
// state) can change as the topology around it changes.
type PeerServer struct {
	sync.RWMutex

	SID  string
	Name string

	Description string
	HopCount    int

	// Introducer is the peer PeerServer we heard this server's SID line
	// from, nil if this PeerServer is our direct link.
	Introducer *PeerServer

	capabs linkCapabSet

	// eob is set once this server's EOB line has been seen, ending its
	// contribution to the introducing link's burst.
	eob bool

	conn *PeerConn
}

// NewPeerServer records a newly-introduced peer. hopCount is the distance
// from us; a direct link has hopCount 1.
func NewPeerServer(sid, name, description string, hopCount int, introducer *PeerServer) *PeerServer {
	return &PeerServer{
		SID:         sid,
		Name:        name,
		Description: description,
		HopCount:    hopCount,
		Introducer:  introducer,
	}
}

// IsDirectLink reports whether this Server is the one at the other end of
// one of our own PeerConns, rather than one introduced transitively.
func (s *PeerServer) IsDirectLink() bool {
	s.RLock()
	defer s.RUnlock()
	return s.conn != nil
}

// Conn returns the transport for a directly-linked server, or nil for a
// server we only know about transitively.
func (s *PeerServer) Conn() *PeerConn {
	s.RLock()
	defer s.RUnlock()
	return s.conn
}

// SetConn attaches transport state, promoting this Server to a direct link.
func (s *PeerServer) SetConn(conn *PeerConn) {
	s.Lock()
	defer s.Unlock()
	s.conn = conn
}

// EOB reports whether this server has finished bursting.
func (s *PeerServer) EOB() bool {
	s.RLock()
	defer s.RUnlock()
	return s.eob
}

// SetEOB marks this server's burst as complete.
func (s *PeerServer) SetEOB() {
	s.Lock()
	defer s.Unlock()
	s.eob = true
}

// Capabs returns the capability bitset this server negotiated or was
// introduced with.
func (s *PeerServer) Capabs() linkCapabSet {
	s.RLock()
	defer s.RUnlock()
	return s.capabs
}

// SetCapabs replaces the capability bitset.
func (s *PeerServer) SetCapabs(c linkCapabSet) {
	s.Lock()
	defer s.Unlock()
	s.capabs = c
}

// HasCapab reports whether the given capability bit is present.
func (s *PeerServer) HasCapab(c linkCapabSet) bool {
	s.RLock()
	defer s.RUnlock()
	return s.capabs&c == c
}
