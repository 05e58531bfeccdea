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
	"time"
)

// handlePeerMode applies a peer-originated channel MODE change locally and
// relays it on, mirroring the local MODE handler's status/simple-mode split
// (part_topic_mode.go) but resolving targets by UID instead of nick, since
// that's all a peer-originated line carries (spec §6 "MODE <ts> <channel>
// <modestring> [args...]").
func handlePeerMode(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 3) {
		ctx.Handled()
		return
	}

	ts, err := strconv.ParseInt(msg.Params[0], 10, 64)
	if err != nil {
		ctx.Handled()
		return
	}

	channel, err := server.Channels.Get(strings.ToLower(msg.Params[1]))
	if err != nil || channel.TS() != ts {
		ctx.Handled()
		return
	}

	modeStr := msg.Params[2]
	statusArgs, simpleArgs := splitStatusArgs(modeStr, msg.Params[3:])

	if len(statusArgs) > 0 {
		applyRemoteStatusModes(server, msg.Sender, channel, modeStr, statusArgs)
	}

	old := channel.Mode()
	next, _, err := ParseModeString(old, modeStr, simpleArgs)
	if err == nil {
		channel.SetMode(next)
		diff := DiffModeSnapshots(old, next)
		if !diff.IsEmpty() {
			for _, line := range RenderModeDiff(diff, next) {
				relayModeLine(server, channel, msg.Sender, line)
			}
		}
	}

	broadcastToPeersExcept(server, pc, msg)
	ctx.Handled()
}

// applyRemoteStatusModes is applyStatusModes' peer-relay counterpart
// (part_topic_mode.go): targets arrive as UIDs, not nicks.
func applyRemoteStatusModes(server *Server, source string, channel *Channel, modeStr string, targets []string) {
	adding := true
	targetIdx := 0

	for i := 0; i < len(modeStr) && targetIdx < len(targets); i++ {
		c := modeStr[i]
		switch c {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		case 'o', 'v':
			uid := targets[targetIdx]
			targetIdx++

			target, ok := server.Registry.FindClientByUID(uid)
			if !ok {
				continue
			}

			member, ok := channel.Member(target.UID())
			if !ok {
				continue
			}

			bit := StatusVoice
			if c == 'o' {
				bit = StatusOp
			}
			if adding {
				member.AddStatus(bit)
			} else {
				member.DelStatus(bit)
			}

			sign := byte('-')
			if adding {
				sign = '+'
			}
			relayModeLine(server, channel, source, []string{string(sign) + string(c), target.UID()})
		}
	}
}

// relayModeLine announces one rendered MODE line to a channel's local
// members, sourced from whichever UID/SID sent it to us.
func relayModeLine(server *Server, channel *Channel, source string, params []string) {
	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = source
	msg.Command = CmdMode
	msg.Params = append([]string{channel.Name()}, params...)

	channel.Send(msg, "")
}

// handlePeerTopic adopts a peer-originated live topic change (spec §4.2
// "topic record"; TB is reserved for burst-time introduction) and relays it
// on.
func handlePeerTopic(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 1) {
		ctx.Handled()
		return
	}

	channel, err := server.Channels.Get(strings.ToLower(msg.Params[0]))
	if err != nil {
		ctx.Handled()
		return
	}

	setBy := msg.Sender
	if client, ok := server.Registry.FindClientByUID(msg.Sender); ok {
		setBy = client.Hostmask()
	}

	channel.SetTopic(msg.Text, setBy, time.Now().Unix())

	topicMsg := msgPool.New()
	defer msgPool.Recycle(topicMsg)
	topicMsg.Sender = setBy
	topicMsg.Command = CmdTopic
	topicMsg.Params = []string{channel.Name()}
	topicMsg.Text = msg.Text
	channel.Send(topicMsg, "")

	broadcastToPeersExcept(server, pc, msg)
	ctx.Handled()
}

// handlePeerPart removes a peer's user from a channel and relays the PART
// on (spec §4.3 peer-relay counterpart of propagatePart).
func handlePeerPart(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 1) {
		ctx.Handled()
		return
	}

	channel, err := server.Channels.Get(strings.ToLower(msg.Params[0]))
	if err != nil {
		ctx.Handled()
		return
	}

	client, ok := server.Registry.FindClientByUID(msg.Sender)
	if !ok {
		ctx.Handled()
		return
	}

	partMsg := msgPool.New()
	defer msgPool.Recycle(partMsg)
	partMsg.Sender = client.Hostmask()
	partMsg.Command = CmdPart
	partMsg.Params = []string{channel.Name()}
	partMsg.Text = msg.Text
	channel.Send(partMsg, "")

	channel.RemoveMember(client)
	if channel.MemberCount() == 0 {
		lockEmptyChannel(channel)
	}

	broadcastToPeersExcept(server, pc, msg)
	ctx.Handled()
}

// handlePeerQuit removes one of a peer's users from the mesh entirely,
// reusing the same per-client teardown link.go's SQUIT handling drives
// across a whole subtree.
func handlePeerQuit(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	client, ok := server.Registry.FindClientByUID(msg.Sender)
	if !ok {
		ctx.Handled()
		return
	}

	removeRemoteClient(server, client, msg.Text)
	broadcastToPeersExcept(server, pc, msg)
	ctx.Handled()
}

// handlePeerNick applies a peer-originated nickname change (spec §6 "NICK
// <newnick> <newts>") to a RemoteClient and relays it on.
func handlePeerNick(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 1) {
		ctx.Handled()
		return
	}

	client, ok := server.Registry.FindClientByUID(msg.Sender)
	if !ok {
		ctx.Handled()
		return
	}

	rc, ok := client.(*RemoteClient)
	if !ok {
		// A peer only ever renames users it introduced; a NICK line
		// naming one of our own local users is a protocol violation.
		ctx.Handled()
		return
	}

	oldHostmask := rc.Hostmask()
	oldNick := rc.Nick()

	rc.SetNick(msg.Params[0])
	if len(msg.Params) > 1 {
		if newTS, err := strconv.ParseInt(msg.Params[1], 10, 64); err == nil {
			rc.SetNickTS(newTS)
		}
	}

	server.Registry.RenameClient(rc, oldNick)
	announceNickChange(server, rc, oldHostmask)

	broadcastToPeersExcept(server, pc, msg)
	ctx.Handled()
}

// announceNickChange sends a NICK line to the local members of every
// channel the renamed client shares with them.
func announceNickChange(server *Server, client Client, oldHostmask string) {
	nickMsg := msgPool.New()
	defer msgPool.Recycle(nickMsg)
	nickMsg.Sender = oldHostmask
	nickMsg.Command = CmdNick
	nickMsg.Params = []string{client.Nick()}

	for name := range client.Memberships() {
		channel, err := server.Channels.Get(strings.ToLower(name))
		if err != nil {
			continue
		}
		channel.Send(nickMsg, "")
	}
}

// handlePeerChatMessage relays a peer-originated PRIVMSG/NOTICE to its
// local target, if any, and on to the rest of the mesh (spec §6 "PRIVMSG/
// NOTICE <target> :<text>", targets addressed by UID or channel name).
func handlePeerChatMessage(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 1) || len(msg.Text) < 1 {
		ctx.Handled()
		return
	}

	sender := msg.Sender
	if client, ok := server.Registry.FindClientByUID(msg.Sender); ok {
		sender = client.Hostmask()
	}

	target := msg.Params[0]

	if channel, err := server.Channels.Get(strings.ToLower(target)); err == nil {
		out := msgPool.New()
		defer msgPool.Recycle(out)
		out.Sender = sender
		out.Command = msg.Command
		out.Params = []string{channel.Name()}
		out.Text = msg.Text
		channel.Send(out, "")
	} else if tc, ok := server.Registry.FindClientByUID(target); ok {
		deliverLocal(tc, sender, msg.Command, tc.Nick(), msg.Text)
	} else if tc, ok := server.Registry.FindClientByNick(target); ok {
		deliverLocal(tc, sender, msg.Command, tc.Nick(), msg.Text)
	}

	broadcastToPeersExcept(server, pc, msg)
	ctx.Handled()
}

// deliverLocal writes a chat message directly to a locally-connected
// client's transport; remote targets need nothing further, since their own
// server will have gotten the same relayed line.
func deliverLocal(target Client, sender, command, targetParam, text string) {
	u, ok := target.(*User)
	if !ok {
		return
	}

	out := msgPool.New()
	defer msgPool.Recycle(out)
	out.Sender = sender
	out.Command = command
	out.Params = []string{targetParam}
	out.Text = text
	u.conn.Write(out.RenderBuffer())
}
