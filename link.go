/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import (
	"strconv"
	"strings"
)

// beginOutboundHandshake sends PASS/CAPAB/SERVER first, for a link we
// initiated (spec §4.5.1). The accepting side waits for these instead.
func beginOutboundHandshake(pc *PeerConn) {
	server := pc.server

	auth, ok := server.AuthRecordFor(pc.expectedName)
	if !ok {
		log.Errorf("irc: No auth record configured for outbound link to %s", pc.expectedName)
		pc.doError("No auth record configured.")
		return
	}

	pass := msgPool.New()
	pass.Command = CmdPass
	pass.Params = []string{auth.Password}
	pass.Text = server.SID()
	pc.Write(pass.RenderBuffer())
	msgPool.Recycle(pass)

	capab := msgPool.New()
	capab.Command = CmdCapab
	capab.Params = strings.Fields(ourLinkCapabs.String())
	pc.Write(capab.RenderBuffer())
	msgPool.Recycle(capab)

	srv := msgPool.New()
	srv.Command = CmdServer
	srv.Params = []string{server.Hostname(), "1"}
	srv.Text = server.description
	pc.Write(srv.RenderBuffer())
	msgPool.Recycle(srv)

	pc.Lock()
	pc.stage = stageServerSent
	pc.Unlock()
}

// handlePeerPass records the password and introducer SID carried on PASS,
// checked later against the auth record once SERVER arrives.
func handlePeerPass(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg

	if !enoughParams(msg, 1) {
		pc.doError("Need more params.")
		ctx.Handled()
		return
	}

	pc.Lock()
	pc.pendingPassword = msg.Params[0]
	pc.pendingSID = msg.Text
	pc.Unlock()

	ctx.Handled()
}

// handlePeerCapab records the peer's advertised capability set.
func handlePeerCapab(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg

	capabs := parseLinkCapabs(strings.Join(msg.Params, " "))

	pc.Lock()
	pc.pendingCapabs = capabs
	pc.pendingTS6 = true
	pc.stage = stageCapabSent
	pc.Unlock()

	ctx.Handled()
}

// handlePeerServer runs check_server (spec §4.5.1) against the accumulated
// PASS/CAPAB state and, on success, promotes the link to an established
// Server and kicks off the burst (spec §4.6).
func handlePeerServer(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 2) {
		pc.doError("Need more params.")
		ctx.Handled()
		return
	}

	name := msg.Params[0]
	if !isValidServerName(name) {
		ctx.AbortWithError(ErrBadServerName)
		pc.doError("Invalid server name.")
		ctx.Handled()
		return
	}

	if pc.outbound && !strings.EqualFold(name, pc.expectedName) {
		pc.doError("Unexpected server name.")
		ctx.Handled()
		return
	}

	sid, err := checkServer(pc, name)
	if err != nil {
		ctx.AbortWithError(err)
		pc.doError(err.Error())
		ctx.Handled()
		return
	}

	if _, exists := server.Registry.FindServerByName(name); exists {
		ctx.AbortWithError(ErrDuplicateServerName)
		pc.doError("Server name already exists.")
		ctx.Handled()
		return
	}
	if _, exists := server.Registry.FindServerBySID(sid); exists {
		ctx.AbortWithError(ErrDuplicateSID)
		pc.doError("SID already exists.")
		ctx.Handled()
		return
	}

	pc.RLock()
	capabs := pc.pendingCapabs
	pc.RUnlock()

	peer := NewPeerServer(sid, name, msg.Text, 1, nil)
	peer.SetConn(pc)
	peer.SetCapabs(capabs)

	if err := server.Registry.AddServer(peer); err != nil {
		ctx.AbortWithError(err)
		pc.doError(err.Error())
		ctx.Handled()
		return
	}

	if !pc.outbound {
		beginOutboundHandshake(pc)
	}

	pc.Lock()
	pc.peer = peer
	pc.stage = stageBursting
	pc.pendingPassword = ""
	pc.pendingSID = ""
	pc.pendingCapabs = 0
	pc.pendingTS6 = false
	pc.Unlock()

	server.AddPeerConn(pc)

	noticeOpersf(server, "Link established to %s (%s).", peer.Name, peer.SID)
	log.Infof("irc: Peer link established: %s (%s) at [%s]", peer.Name, peer.SID, pc.remAddr)

	runBurst(pc)

	ctx.Handled()
}

// checkServer implements spec §4.5.1 step 2: locate the auth record, verify
// host, password and TLS requirements, and require TS6 on direct links.
func checkServer(pc *PeerConn, name string) (sid string, err error) {
	server := pc.server

	pc.RLock()
	sid = pc.pendingSID
	password := pc.pendingPassword
	hasTS6 := pc.pendingTS6
	pc.RUnlock()

	if !isValidSID(sid) {
		return "", ErrBadSID
	}
	if !hasTS6 {
		return "", ErrRequiresTS6
	}

	auth, ok := server.AuthRecordFor(name)
	if !ok {
		return "", ErrNoAuthRecord
	}

	host := pc.remAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	if auth.HostPattern != "" && !MatchHostmask(auth.HostPattern, host) {
		return "", ErrBadAuthHost
	}

	if auth.Password != password {
		return "", ErrBadAuthPassword
	}

	if auth.RequireTLS && !pc.IsSecure() {
		return "", ErrRequiresTLS
	}

	return sid, nil
}

// handlePeerSID introduces a transit server reached through pc (spec
// §4.5.2): uniqueness and hub/leaf gating, registration, and re-
// introduction to the rest of the mesh.
func handlePeerSID(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 3) {
		pc.doError("Need more params.")
		ctx.Handled()
		return
	}

	name := msg.Params[0]
	hopStr := msg.Params[1]
	sid := msg.Params[2]

	if !isValidServerName(name) || !isValidSID(sid) {
		ctx.AbortWithError(ErrBadServerName)
		ctx.Handled()
		return
	}

	if _, exists := server.Registry.FindServerByName(name); exists {
		pc.doError("SID " + sid + " introduces a name that already exists.")
		ctx.Handled()
		return
	}
	if _, exists := server.Registry.FindServerBySID(sid); exists {
		pc.doError("SID " + sid + " already exists.")
		ctx.Handled()
		return
	}

	if server.IsLeafOnly(name) {
		ctx.AbortWithError(ErrHubLeafViolation)
		pc.doError("Introduced server fails leaf-only rule.")
		ctx.Handled()
		return
	}
	if len(server.PeerConns()) > 0 && !server.IsHubFor(name) {
		ctx.AbortWithError(ErrHubLeafViolation)
		pc.doError("Introduced server fails hub/leaf rules.")
		ctx.Handled()
		return
	}

	introducer, ok := server.Registry.FindServerBySID(msg.Sender)
	if !ok {
		ctx.AbortWithError(ErrUnknownIntroducer)
		pc.doError("Unknown introducing server.")
		ctx.Handled()
		return
	}

	hop, _ := strconv.Atoi(hopStr)
	transit := NewPeerServer(sid, name, msg.Text, hop, introducer)
	transit.SetCapabs(introducer.Capabs())

	if err := server.Registry.AddServer(transit); err != nil {
		log.Warnf("irc: Could not register transit server %s: %s", sid, err)
		ctx.Handled()
		return
	}

	broadcastToPeersExcept(server, pc, msg)

	noticeOpersf(server, "Server %s (%s) introduced via %s.", name, sid, introducer.Name)
	ctx.Handled()
}

// handlePeerSQuit tears down a server's entire subtree: its users, its
// downstream servers, and their users, in one pass (spec §5 cancellation).
func handlePeerSQuit(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 1) {
		ctx.Handled()
		return
	}

	target, ok := server.Registry.FindServerByName(msg.Params[0])
	if !ok {
		if target, ok = server.Registry.FindServerBySID(msg.Params[0]); !ok {
			ctx.Handled()
			return
		}
	}

	reason := msg.Text
	if reason == "" {
		reason = "Server split."
	}

	quitSubtree(server, target, reason)
	broadcastToPeersExcept(server, pc, msg)

	ctx.Handled()
}

// quitSubtree recursively removes server and everything introduced through
// it: its downstream servers (and theirs, transitively), then its
// directly-owned remote clients, emitting a QUIT to local channel members
// for each removed client. Every removed server, peer included, is then
// dropped from the server's indexes through UnlinkPeer.
func quitSubtree(server *Server, peer *PeerServer, reason string) {
	for _, child := range server.Registry.ServersByIntroducer(peer) {
		quitSubtree(server, child, reason)
	}

	for _, c := range server.Registry.ClientsByIntroducer(peer) {
		removeRemoteClient(server, c, reason)
	}

	server.UnlinkPeer(peer)
	noticeOpersf(server, "Server %s (%s) delinked: %s", peer.Name, peer.SID, reason)
}

// removeRemoteClient parts c from every channel it held membership in,
// notifying local members, then drops it from the registry.
func removeRemoteClient(server *Server, c Client, reason string) {
	quitMsg := msgPool.New()
	quitMsg.Sender = c.Hostmask()
	quitMsg.Command = CmdQuit
	quitMsg.Text = reason
	defer msgPool.Recycle(quitMsg)

	for name := range c.Memberships() {
		channel, err := server.Channels.Get(strings.ToLower(name))
		if err != nil {
			continue
		}
		channel.Send(quitMsg, "")
		channel.RemoveMember(c)
		if channel.MemberCount() == 0 {
			lockEmptyChannel(channel)
		}
	}

	server.Registry.RemoveClient(c)
}

// handlePeerEOB marks a peer's burst complete and, once our own side has
// also finished, promotes the link to fully established.
func handlePeerEOB(ctx *PeerMessageContext) {
	pc := ctx.PC

	if pc.peer == nil {
		ctx.Handled()
		return
	}
	pc.peer.SetEOB()

	pc.Lock()
	pc.stage = stageEstablished
	pc.Unlock()

	noticeOpersf(pc.server, "Burst with %s complete.", pc.peer.Name)
	log.Infof("irc: Peer %s (%s) finished bursting.", pc.peer.Name, pc.peer.SID)

	ctx.Handled()
}

// handlePeerError logs an ERROR line and tears the link down.
func handlePeerError(ctx *PeerMessageContext) {
	pc := ctx.PC
	log.Warnf("irc: ERROR from peer [%s]: %s", pc.remAddr, ctx.Msg.Text)
	pc.kill <- true
	ctx.Handled()
}

// handlePeerPing answers a keepalive PING with our SID as source.
func handlePeerPing(ctx *PeerMessageContext) {
	pc := ctx.PC

	pong := msgPool.New()
	pong.Sender = pc.server.SID()
	pong.Command = CmdPong
	pong.Params = []string{pc.server.SID()}
	if len(ctx.Msg.Params) > 0 {
		pong.Text = ctx.Msg.Params[0]
	}
	pc.Write(pong.RenderBuffer())
	msgPool.Recycle(pong)

	ctx.Handled()
}

// handlePeerPong is a no-op: receiving it is enough to know the link is
// alive, which the read loop's heartbeat reset already accounts for.
func handlePeerPong(ctx *PeerMessageContext) {
	ctx.Handled()
}

// maskedIntroduction returns the name and description to announce when
// introducing real to dest during a burst, substituting dest's auth record
// MaskAs/MaskDesc (spec §4.5.3) and folding the real name into a bracketed
// prefix of the description when masking applies.
func maskedIntroduction(server *Server, dest *PeerServer, real *PeerServer) (name, desc string) {
	if dest == nil {
		return real.Name, real.Description
	}

	auth, ok := server.AuthRecordFor(dest.Name)
	if !ok || auth.MaskAs == "" {
		return real.Name, real.Description
	}

	return auth.MaskAs, "[" + real.Name + "] " + auth.MaskDesc
}
