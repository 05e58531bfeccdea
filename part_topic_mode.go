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

// HandlePart processes a PART command: a comma-separated channel list and
// an optional trailing reason.
//
//    Command: PART
//    Parameters: <channel>{,<channel>} [:<reason>]
func HandlePart(conn *Conn, msg *Message) {
	defer msgPool.Recycle(msg)

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		return
	}

	names := strings.Split(msg.Params[0], ",")

	for _, name := range names {
		partOne(conn, name, msg.Text)
	}
}

func partOne(conn *Conn, name, reason string) {
	channel, err := conn.server.Channels.Get(strings.ToLower(name))
	if err != nil {
		conn.ReplyNoSuchChan(name)
		return
	}

	if _, member := channel.Member(conn.user.UID()); !member {
		conn.ReplyNumeric(ReplyNotOnChannel, []string{conn.user.Nick(), channel.Name()}, "You're not on that channel")
		return
	}

	partMsg := conn.newMessage()
	defer msgPool.Recycle(partMsg)
	partMsg.Sender = conn.user.Hostmask()
	partMsg.Command = CmdPart
	partMsg.Params = []string{channel.Name()}
	partMsg.Text = reason

	channel.Send(partMsg, "")
	channel.RemoveMember(conn.user)

	if channel.MemberCount() == 0 {
		lockEmptyChannel(channel)
	}

	propagatePart(conn.server, conn.user.UID(), channel.Name(), reason)
}

// propagatePart forwards a local PART to every directly-linked peer.
func propagatePart(server *Server, uid, chanName, reason string) {
	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = uid
	msg.Command = CmdPart
	msg.Params = []string{chanName}
	msg.Text = reason

	broadcastToPeers(server, msg)
}

// HandleTopic processes a TOPIC command: queried with just a channel name,
// set by supplying trailing topic text (spec §4.2 "topic record").
//
//    Command: TOPIC
//    Parameters: <channel> [:<topic>]
func HandleTopic(conn *Conn, msg *Message) {
	defer msgPool.Recycle(msg)

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		return
	}

	channel, err := conn.server.Channels.Get(strings.ToLower(msg.Params[0]))
	if err != nil {
		conn.ReplyNoSuchChan(msg.Params[0])
		return
	}

	if _, member := channel.Member(conn.user.UID()); !member {
		conn.ReplyNumeric(ReplyNotOnChannel, []string{conn.user.Nick(), channel.Name()}, "You're not on that channel")
		return
	}

	if len(msg.Params) < 2 && len(msg.Text) == 0 {
		topic := channel.Topic()
		if topic.Text == "" {
			conn.ReplyNumeric(ReplyNoTopic, []string{conn.user.Nick(), channel.Name()}, "No topic is set")
			return
		}
		conn.ReplyChannelTopic(channel)
		conn.ReplyChannelTopicWhoTime(channel)
		return
	}

	snap := channel.Mode()
	if snap.Bits&ModeTopicRestricted != 0 {
		member, _ := channel.Member(conn.user.UID())
		if member == nil || !member.HasStatus(StatusOp) {
			conn.ReplyNumeric(ReplyChanOpPrivsNeeded, []string{conn.user.Nick(), channel.Name()}, ErrInsuffPerms.Error())
			return
		}
	}

	channel.SetTopic(msg.Text, conn.user.Hostmask(), time.Now().Unix())

	topicMsg := conn.newMessage()
	defer msgPool.Recycle(topicMsg)
	topicMsg.Sender = conn.user.Hostmask()
	topicMsg.Command = CmdTopic
	topicMsg.Params = []string{channel.Name()}
	topicMsg.Text = msg.Text

	channel.Send(topicMsg, "")

	propagateTopic(conn.server, conn.user.UID(), channel)
}

// propagateTopic forwards a live topic change to every directly-linked
// peer as TOPIC; TB is reserved for burst-time topic introduction.
func propagateTopic(server *Server, uid string, channel *Channel) {
	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = uid
	msg.Command = CmdTopic
	msg.Params = []string{channel.Name()}
	msg.Text = channel.Topic().Text

	broadcastToPeers(server, msg)
}

// HandleMode processes channel MODE queries and changes. User MODE (a bare
// nickname target) is not handled here; modeLetters/status letters are
// scoped to channels (spec §4.2/§3).
//
//    Command: MODE
//    Parameters: <channel> [<modestring> [<mode arguments>...]]
func HandleMode(conn *Conn, msg *Message) {
	defer msgPool.Recycle(msg)

	if !enoughParams(msg, 1) {
		conn.ReplyNeedMoreParams(msg.Command)
		return
	}

	channel, err := conn.server.Channels.Get(strings.ToLower(msg.Params[0]))
	if err != nil {
		conn.ReplyNoSuchChan(msg.Params[0])
		return
	}

	if len(msg.Params) < 2 {
		snap := channel.Mode()
		_, member := channel.Member(conn.user.UID())
		letters, args := RenderModeString(snap, member)
		if letters == "" {
			letters = "+"
		}
		text := strings.Join(append([]string{letters}, args...), " ")
		conn.ReplyNumeric(ReplyChannelModeIs, []string{conn.user.Nick(), channel.Name()}, text)
		return
	}

	member, isMember := channel.Member(conn.user.UID())
	isOper := conn.user.Permission() >= UPermNetOp
	if !isOper && (!isMember || !member.HasStatus(StatusOp)) {
		conn.ReplyNumeric(ReplyChanOpPrivsNeeded, []string{conn.user.Nick(), channel.Name()}, ErrInsuffPerms.Error())
		return
	}

	modeStr := msg.Params[1]
	statusArgs, simpleArgs := splitStatusArgs(modeStr, msg.Params[2:])

	if len(statusArgs) > 0 {
		applyStatusModes(conn, channel, modeStr, statusArgs)
	}

	old := channel.Mode()
	next, _, err := ParseModeString(old, modeStr, simpleArgs)
	if err == nil {
		channel.SetMode(next)
		diff := DiffModeSnapshots(old, next)
		if !diff.IsEmpty() {
			for _, line := range RenderModeDiff(diff, next) {
				broadcastModeChange(conn, channel, line)
			}
		}
	}
}

// splitStatusArgs separates the positional arguments belonging to o/v
// status letters from those belonging to the simple modes ParseModeString
// understands, since MemberStatus isn't part of ModeSnapshot.
func splitStatusArgs(modeStr string, args []string) (status []string, simple []string) {
	adding := true
	argIdx := 0

	for i := 0; i < len(modeStr); i++ {
		c := modeStr[i]
		switch c {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}

		switch c {
		case 'o', 'v':
			if argIdx < len(args) {
				status = append(status, args[argIdx])
				argIdx++
			}
		default:
			if _, hasArg, ok := modeBitForLetter(c); ok && hasArg && adding {
				if argIdx < len(args) {
					simple = append(simple, args[argIdx])
					argIdx++
				}
			}
		}
	}

	return status, simple
}

// applyStatusModes toggles StatusOp/StatusVoice for each o/v letter's
// matching target nick, in the order the targets were consumed.
func applyStatusModes(conn *Conn, channel *Channel, modeStr string, targets []string) {
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
			nick := targets[targetIdx]
			targetIdx++

			target, err := conn.server.Nicks.Get(strings.ToLower(nick))
			if err != nil {
				conn.ReplyNoSuchNick(nick)
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
			broadcastModeChange(conn, channel, []string{string(sign) + string(c), target.UID()})
		}
	}
}

// broadcastModeChange sends one rendered MODE line to the channel's local
// members and forwards it on to directly-linked peers.
func broadcastModeChange(conn *Conn, channel *Channel, params []string) {
	msg := conn.newMessage()
	defer msgPool.Recycle(msg)

	msg.Sender = conn.user.Hostmask()
	msg.Command = CmdMode
	msg.Params = append([]string{channel.Name()}, params...)

	channel.Send(msg, "")

	peerMsg := msgPool.New()
	defer msgPool.Recycle(peerMsg)
	peerMsg.Sender = conn.user.UID()
	peerMsg.Command = CmdMode
	peerMsg.Params = append([]string{channel.Name()}, params...)
	peerMsg.Params = append([]string{strconv.FormatInt(channel.TS(), 10)}, peerMsg.Params...)

	broadcastToPeers(conn.server, peerMsg)
}
