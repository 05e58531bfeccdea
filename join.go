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

// localJoin handles a client-originated JOIN (component E, spec §4.3.1): a
// comma-separated channel list with an optional parallel comma-separated
// key list. "0" as the first (and only) token is JOIN 0, the part-all form
// (spec §4.3.3).
func localJoin(conn *Conn, msg *Message) {
	names := strings.Split(msg.Params[0], ",")

	if len(names) == 1 && names[0] == "0" {
		joinPartAll(conn)
		return
	}

	var keys []string
	if len(msg.Params) > 1 {
		keys = strings.Split(msg.Params[1], ",")
	}

	for i, name := range names {
		if name == "0" {
			conn.ReplyNumeric(ErrBadChannameNum, []string{conn.user.Nick(), name}, ErrBadChanName.Error())
			continue
		}

		key := ""
		if i < len(keys) {
			key = keys[i]
		}

		joinOne(conn, name, key)
	}
}

// joinPartAll implements JOIN 0 (spec §4.3.3): part every channel the
// client is in, locking each left empty, and propagate once.
func joinPartAll(conn *Conn) {
	memberships := conn.user.Memberships()
	if len(memberships) == 0 {
		return
	}

	partMsg := conn.newMessage()
	defer msgPool.Recycle(partMsg)
	partMsg.Sender = conn.user.Hostmask()
	partMsg.Command = CmdPart

	for name := range memberships {
		channel, err := conn.server.Channels.Get(strings.ToLower(name))
		if err != nil {
			continue
		}

		partMsg.Params = []string{channel.Name()}
		channel.Send(partMsg, "")

		channel.RemoveMember(conn.user)
		if channel.MemberCount() == 0 {
			lockEmptyChannel(channel)
		}
	}

	propagateJoinZero(conn.server, conn.user.UID())
}

// joinOne runs one channel through the full local-JOIN pipeline (spec
// §4.3.1 steps 2-8) and replies/propagates accordingly.
func joinOne(conn *Conn, rawName, key string) {
	server := conn.server

	if !isValidChannelName(rawName) {
		conn.ReplyNumeric(ErrBadChannameNum, []string{conn.user.Nick(), rawName}, ErrBadChanName.Error())
		return
	}

	if reason, resvd := server.Resv(rawName); resvd {
		conn.ReplyNumeric(ErrUnavailResourceNum, []string{conn.user.Nick(), rawName}, reason)
		return
	}

	if server.InSplit() && conn.user.Permission() < UPermNetOp && rawName[0] != '&' {
		conn.ReplyNumeric(ErrUnavailResourceNum, []string{conn.user.Nick(), rawName}, "Network is split.")
		return
	}

	name := rawName
	bangCreate := false

	if strings.HasPrefix(rawName, "!") {
		resolved, isNew, failNum, failText := resolveBangChannel(conn, rawName)
		if failNum != 0 {
			conn.ReplyNumeric(failNum, []string{conn.user.Nick(), rawName}, failText)
			return
		}
		name = resolved
		bangCreate = isNew
	}

	lookupKey := strings.ToLower(name)
	channel, err := server.Channels.Get(lookupKey)
	creating := false
	if err != nil {
		channel = NewChannel(name, time.Now().Unix(), server.Arena)
		if addErr := server.Channels.Add(lookupKey, channel); addErr != nil {
			// lost a creation race; use whichever channel won it.
			channel, err = server.Channels.Get(lookupKey)
			if err != nil {
				return
			}
		} else {
			creating = true
		}
	}

	becomesOp := creating || channel.MemberCount() == 0
	uniqueOp := creating && bangCreate

	switch {
	case name[0] == '+':
		// "+"-channels never grant status to the joiner (spec §4.3.1 step 4).
		becomesOp, uniqueOp = false, false
	case channel.Flags()&FlagService != 0 && conn.user.Permission() < UPermNetOp:
		becomesOp, uniqueOp = false, false
	}

	chanCap := server.MaxChansPerUser()
	if conn.user.Permission() >= UPermNetOp {
		chanCap *= OperChanMultiplier
	}
	if conn.user.ChannelCount() >= chanCap {
		conn.ReplyNumeric(ErrTooManyChannelsNum, []string{conn.user.Nick(), name}, ErrTooManyChans.Error())
		return
	}

	if _, already := channel.Member(conn.user.UID()); !already {
		if numeric, text := canJoin(conn, channel, key); numeric != 0 {
			conn.ReplyNumeric(numeric, []string{conn.user.Nick(), name}, text)
			return
		}
	}

	status := StatusNone
	if becomesOp {
		status |= StatusOp
	}
	if uniqueOp {
		status |= StatusUniqueOp | StatusOp
	}

	if _, already := channel.Member(conn.user.UID()); !already {
		channel.AddMember(conn.user, status)
		channel.ClearInvite(conn.user.UID())
	}

	joinMsg := conn.newMessage()
	joinMsg.Sender = conn.user.Hostmask()
	joinMsg.Command = CmdJoin
	joinMsg.Params = []string{channel.Name()}
	channel.Send(joinMsg, "")
	msgPool.Recycle(joinMsg)

	// A join that confers no status propagates as a plain single-user JOIN;
	// one that grants chanop (fresh channel, or the first arrival since the
	// channel last emptied) must go out as SJOIN so peers learn the status,
	// which the bare JOIN line has no room to carry (spec §4.3.1 step 7).
	if becomesOp {
		prefix := "@"
		if uniqueOp {
			prefix = "@@"
		}
		propagateSJoinCreate(server, channel, prefix+conn.user.UID())
	} else {
		propagateJoin(server, conn.user.UID(), channel)
	}

	topic := channel.Topic()
	if topic.Text != "" {
		conn.ReplyChannelTopic(channel)
		conn.ReplyChannelTopicWhoTime(channel)
	}

	conn.ReplyChannelNames(channel)
}

// isValidChannelName checks the prefix and length constraints shared by all
// channel name forms (spec §3, §6 "Channel name <= LOC_CHANNELLEN").
func isValidChannelName(name string) bool {
	if len(name) < 2 || len(name) > LocChannelLen {
		return false
	}
	switch name[0] {
	case '#', '&', '+', '!':
		return !strings.ContainsAny(name, " ,\x07")
	default:
		return false
	}
}

// resolveBangChannel implements the "!"-channel creation handshake (spec
// §4.3.1 step 3): "!shortname" looks an existing channel up by its
// shortname suffix; "!!shortname" or "!#shortname" mints a fresh CHIDLEN
// channel ID and forms the full name.
func resolveBangChannel(conn *Conn, raw string) (name string, creating bool, failNumeric uint16, failText string) {
	rest := raw[1:]

	if strings.HasPrefix(rest, "!") || strings.HasPrefix(rest, "#") {
		shortname := rest[1:]
		return "!" + generateChanID() + shortname, true, 0, ""
	}

	shortname := rest
	var matches []string
	conn.server.Channels.ForEach(func(ch *Channel) {
		full := ch.Name()
		if len(full) > 1+ChIDLen && full[0] == '!' && full[1+ChIDLen:] == shortname {
			matches = append(matches, full)
		}
	})

	switch len(matches) {
	case 0:
		return "", false, ErrNoSuchChannelNum, ErrNoSuchChan.Error()
	case 1:
		return matches[0], false, 0, ""
	default:
		return "", false, ErrTooManyTargetsNum, ErrAmbiguousShortname.Error()
	}
}

// canJoin implements spec §4.3.2: returns a non-zero numeric and reply text
// on rejection, or (0, "") to admit.
func canJoin(conn *Conn, channel *Channel, key string) (uint16, string) {
	if conn.user.Permission() >= UPermNetOp && channel.Flags()&FlagService != 0 {
		return 0, ""
	}

	snap := channel.Mode()
	uid := conn.user.UID()
	hostmask := conn.user.Hostmask()

	if snap.Bits&ModeInviteOnly != 0 {
		invited := channel.IsInvited(uid)
		if !invited && !channel.MatchesBanStyle(BanStyleInvex, hostmask) {
			return ErrInviteOnlyChanNum, ErrInsuffPerms.Error()
		}
	}

	banned := channel.MatchesBanStyle(BanStyleBan, hostmask) && !channel.MatchesBanStyle(BanStyleExcept, hostmask)
	if banned && !channel.IsInvited(uid) {
		return ErrBannedFromChanNum, ErrInsuffPerms.Error()
	}

	if snap.Key != "" && snap.Key != key {
		return ErrBadChannelKeyNum, ErrInsuffPerms.Error()
	}

	if snap.Bits&ModeSSLOnly != 0 && !conn.IsSecure() {
		return ErrSSLOnlyChanNum, ErrInsuffPerms.Error()
	}

	if snap.Limit > 0 && channel.MemberCount() >= snap.Limit {
		if channel.MatchesBanStyle(BanStyleReop, hostmask) && !channel.HasAnyOp() {
			channel.MarkReopOverride(time.Now())
		} else {
			return ErrChannelIsFullNum, ErrChanFull.Error()
		}
	}

	if snap.Bits&ModeRegOnly != 0 && conn.user.Account() == "" {
		return ErrNeedReggedNickNum, ErrInsuffPerms.Error()
	}

	return 0, ""
}

// propagateJoin emits a non-creator local join as a single-user JOIN line
// to every directly-linked TS6 peer (spec §4.3.1 step 7).
func propagateJoin(server *Server, uid string, channel *Channel) {
	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = uid
	msg.Command = CmdJoin
	msg.Params = []string{strconv.FormatInt(channel.TS(), 10), channel.Name(), "+"}

	broadcastToPeers(server, msg)
}

// propagateSJoinCreate emits a creator join as an SJOIN carrying the
// channel-creation +nt mode plus the creator's chanop status (spec §4.3.1
// step 7), and applies the matching local +nt MODE. prefixedUID is the
// joiner's UID already carrying its status prefix ("@" or "@@").
func propagateSJoinCreate(server *Server, channel *Channel, prefixedUID string) {
	next, err := channel.ApplyModeDiff("+nt", nil)
	if err == nil {
		channel.SetMode(next)
	}

	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = server.SID()
	msg.Command = CmdSJoin
	msg.Params = []string{strconv.FormatInt(channel.TS(), 10), channel.Name(), "+nt"}
	msg.Text = prefixedUID

	broadcastToPeers(server, msg)
}

// propagateJoinZero emits a JOIN 0 part-all to every directly-linked peer
// (spec §4.3.3).
func propagateJoinZero(server *Server, uid string) {
	msg := msgPool.New()
	defer msgPool.Recycle(msg)

	msg.Sender = uid
	msg.Command = CmdJoin
	msg.Params = []string{"0"}

	broadcastToPeers(server, msg)
}

// broadcastToPeers writes a rendered message to every directly-linked peer
// connection. Re-propagation scoped to "all other peers but the one it came
// from" (SJOIN re-flooding, spec §4.3.5 step 6) is handled by the peer
// command router, which knows which link a message arrived on; locally
// originated lines have no such exclusion.
func broadcastToPeers(server *Server, msg *Message) {
	broadcastToPeersExcept(server, nil, msg)
}

// broadcastToPeersExcept re-floods a peer-originated message to every other
// directly-linked peer, skipping the link it arrived on (spec §4.3.5 step 6,
// §4.5.2 re-introduction). from is nil for locally-originated traffic, which
// has nothing to exclude.
func broadcastToPeersExcept(server *Server, from *PeerConn, msg *Message) {
	peers := server.PeerConns()
	if len(peers) == 0 {
		return
	}

	buf := msg.RenderBuffer()
	defer bufpool.Recycle(buf)

	for _, pc := range peers {
		if pc == from {
			continue
		}
		cp := bufpool.New()
		cp.Write(buf.Bytes())
		pc.Write(cp)
	}
}
