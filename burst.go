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

// runBurst sends a freshly-linked peer everything it needs to catch the
// mesh up to our current state (spec §4.6): the rest of the servers we
// know about, every user, every channel's membership/modes/bans/topic,
// then EOB to mark the end of our half of the burst.
func runBurst(pc *PeerConn) {
	server := pc.server

	burstOtherServers(server, pc)
	burstUsers(server, pc)
	burstChannels(server, pc)
	sendEOB(pc)
}

// burstOtherServers introduces every server we know about except pc's own
// peer and anything already reachable through it (spec §4.6 step 1, name
// masking per §4.5.3).
func burstOtherServers(server *Server, pc *PeerConn) {
	for _, s := range server.Registry.AllServers() {
		if s == pc.peer || isDescendantOf(s, pc.peer) {
			continue
		}
		introduceServer(server, pc, s)
	}
}

// introduceServer sends one SID line for real, masked for dest if dest's
// auth record calls for it.
func introduceServer(server *Server, pc *PeerConn, real *PeerServer) {
	name, desc := maskedIntroduction(server, pc.peer, real)

	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = server.SID()
	msg.Command = CmdSID
	msg.Params = []string{name, strconv.Itoa(real.HopCount + 1), real.SID}
	msg.Text = desc

	pc.Write(msg.RenderBuffer())
}

// burstUsers sends one UID line per client we know about, skipping any
// client whose owning server is pc's own peer or a descendant of it (spec
// §4.6 step 1: a peer never needs to be told about its own users).
func burstUsers(server *Server, pc *PeerConn) {
	for _, c := range server.Registry.AllClients() {
		burstOneUser(server, pc, c)
	}
}

// userBurstFields pulls the UID-line payload out of a User or RemoteClient;
// neither Client nor ChannelMember carries these since most of the system
// only ever needs the common surface.
func userBurstFields(c Client) (name, host, ip, real string, mode uint64, ok bool) {
	switch u := c.(type) {
	case *User:
		return u.Name(), u.Host(), u.IP(), u.Realname(), u.Mode(), true
	case *RemoteClient:
		return u.Name(), u.Host(), u.IP(), u.Realname(), u.Mode(), true
	default:
		return "", "", "", "", 0, false
	}
}

func burstOneUser(server *Server, pc *PeerConn, c Client) {
	var introducerSID string
	var hop int

	switch u := c.(type) {
	case *User:
		introducerSID = server.SID()
		hop = 1
	case *RemoteClient:
		owner := u.Owner()
		if owner == pc.peer || isDescendantOf(owner, pc.peer) {
			return
		}
		introducerSID = owner.SID
		hop = owner.HopCount + 1
	default:
		return
	}

	name, host, ip, real, mode, ok := userBurstFields(c)
	if !ok {
		return
	}
	if ip == "" {
		ip = "0"
	}

	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = introducerSID
	msg.Command = CmdUID
	msg.Params = []string{
		c.Nick(),
		strconv.Itoa(hop),
		strconv.FormatInt(c.NickTS(), 10),
		RenderUserModeString(mode),
		name,
		host,
		ip,
		c.UID(),
	}
	msg.Text = real

	pc.Write(msg.RenderBuffer())
}

// burstChannels sends every channel's membership, modes, ban lists, and
// topic to a freshly-linked peer (spec §4.6 steps 2-4). "+"-channels never
// leave the local server (spec §4.3.1 step 4) and are skipped outright.
// An empty channel is only worth bursting if it's still chandelay-locked;
// otherwise the peer will learn of it fresh the next time someone joins.
func burstChannels(server *Server, pc *PeerConn) {
	server.Channels.ForEach(func(channel *Channel) {
		burstChannel(server, pc, channel)
	})
}

func burstChannel(server *Server, pc *PeerConn, channel *Channel) {
	name := channel.Name()
	if name == "" || name[0] == '+' {
		return
	}

	if channel.MemberCount() == 0 {
		if channel.ChanLock().IsZero() {
			return
		}
		sendSJoinBurst(pc, channel, []string{"."})
		burstChannelBans(server, pc, channel)
		burstChannelTopic(pc, channel)
		return
	}

	tokens := make([]string, 0, channel.MemberCount())
	for _, m := range channel.Members() {
		prefix := ""
		if m.HasStatus(StatusUniqueOp) {
			prefix = "@@"
		} else if m.HasStatus(StatusOp) {
			prefix = "@"
		}
		if m.HasStatus(StatusVoice) {
			prefix += "+"
		}
		tokens = append(tokens, prefix+m.Client.UID())
	}

	sendSJoinBurst(pc, channel, tokens)
	burstChannelBans(server, pc, channel)
	burstChannelTopic(pc, channel)
}

// sendSJoinBurst renders a channel's SJOIN header once and chunks the
// member-token list across as many SJOIN lines as the wire limit requires
// (spec §4.6 step 2, chunking per §4.3.5 step 6).
func sendSJoinBurst(pc *PeerConn, channel *Channel, tokens []string) {
	snap := channel.Mode()
	modeStr, modeArgs := RenderModeString(snap, true)
	if modeStr == "" {
		modeStr = "+"
	}

	ts := strconv.FormatInt(channel.TS(), 10)

	header := ":" + pc.server.SID() + " " + CmdSJoin + " " + ts + " " + channel.Name() + " " + modeStr
	for _, a := range modeArgs {
		header += " " + a
	}

	for _, chunk := range chunkTokens(tokens, len(header)+3) {
		msg := msgPool.New()
		msg.Sender = pc.server.SID()
		msg.Command = CmdSJoin
		msg.Params = append([]string{ts, channel.Name(), modeStr}, modeArgs...)
		msg.Text = strings.Join(chunk, " ")
		pc.Write(msg.RenderBuffer())
		msgPool.Recycle(msg)
	}
}

// burstChannelBans sends each ban-style list that either has no capability
// gate (b) or one pc's peer has negotiated (e/I/R), chunked to the wire
// limit (spec §4.6 step 3).
func burstChannelBans(server *Server, pc *PeerConn, channel *Channel) {
	for _, kind := range []BanStyleList{BanStyleBan, BanStyleExcept, BanStyleInvex, BanStyleReop} {
		if cap, gated := capabForBanStyle(kind); gated && (pc.peer == nil || !pc.peer.HasCapab(cap)) {
			continue
		}
		sendBanStyle(pc, channel, kind)
	}
}

func sendBanStyle(pc *PeerConn, channel *Channel, kind BanStyleList) {
	letter, ok := letterForBanStyle(kind)
	if !ok {
		return
	}

	entries := channel.BanStyleEntries(kind)
	if len(entries) == 0 {
		return
	}

	masks := make([]string, 0, len(entries))
	for mask := range entries {
		masks = append(masks, mask)
	}

	ts := strconv.FormatInt(channel.TS(), 10)
	header := ":" + pc.server.SID() + " " + CmdBMask + " " + ts + " " + channel.Name() + " " + string(letter)

	for _, chunk := range chunkTokens(masks, len(header)+3) {
		msg := msgPool.New()
		msg.Sender = pc.server.SID()
		msg.Command = CmdBMask
		msg.Params = []string{ts, channel.Name(), string(letter)}
		msg.Text = strings.Join(chunk, " ")
		pc.Write(msg.RenderBuffer())
		msgPool.Recycle(msg)
	}
}

// burstChannelTopic sends a channel's topic as TB if it has one and pc's
// peer negotiated the capability (spec §4.6 step 4).
func burstChannelTopic(pc *PeerConn, channel *Channel) {
	if pc.peer == nil || !pc.peer.HasCapab(CapabTB) {
		return
	}

	topic := channel.Topic()
	if topic.Text == "" {
		return
	}

	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = pc.server.SID()
	msg.Command = CmdTB
	msg.Params = []string{channel.Name(), strconv.FormatInt(topic.SetAt, 10), topic.SetBy}
	msg.Text = topic.Text

	pc.Write(msg.RenderBuffer())
}

// sendEOB marks the end of our half of the burst (spec §4.6 step 5).
func sendEOB(pc *PeerConn) {
	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = pc.server.SID()
	msg.Command = CmdEOB

	pc.Write(msg.RenderBuffer())
}
