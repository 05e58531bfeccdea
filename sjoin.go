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

// handlePeerUID introduces a client burst from a peer (spec §4.6 step 1,
// wire shape spec §6): builds a RemoteClient and indexes it in the
// registry, then relays the line on to every other direct link.
func handlePeerUID(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 8) {
		ctx.Handled()
		return
	}

	introducer, ok := server.Registry.FindServerBySID(msg.Sender)
	if !ok {
		ctx.AbortWithError(ErrUnknownIntroducer)
		ctx.Handled()
		return
	}

	nick := msg.Params[0]
	nickTS, err := strconv.ParseInt(msg.Params[2], 10, 64)
	if err != nil {
		ctx.Handled()
		return
	}
	umodes := msg.Params[3]
	name := msg.Params[4]
	host := msg.Params[5]
	ip := msg.Params[6]
	uid := msg.Params[7]

	if !isValidUID(uid) {
		ctx.Handled()
		return
	}

	rc := NewRemoteClient(introducer, uid, nick, name, host, ip, msg.Text, nickTS)
	rc.AddMode(ParseUserModeString(umodes))

	if err := server.Registry.AddClient(rc); err != nil {
		log.Warnf("irc: Dropping UID for %s (%s): %s", nick, uid, err)
		ctx.Handled()
		return
	}

	broadcastToPeersExcept(server, pc, msg)
	ctx.Handled()
}

// handlePeerJoin handles a remote single-user JOIN to a channel that
// already exists on both sides (spec §4.3.4): channel creation always goes
// out as SJOIN instead, so an unknown target here is simply dropped.
func handlePeerJoin(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 2) {
		ctx.Handled()
		return
	}

	if msg.Params[0] == "0" {
		if client, ok := server.Registry.FindClientByUID(msg.Sender); ok {
			partAllRemote(server, client)
			broadcastToPeersExcept(server, pc, msg)
		}
		ctx.Handled()
		return
	}

	ts, err := strconv.ParseInt(msg.Params[0], 10, 64)
	if err != nil {
		ctx.Handled()
		return
	}

	channel, err := server.Channels.Get(strings.ToLower(msg.Params[1]))
	if err != nil {
		ctx.Handled()
		return
	}

	reconcileChannelTS(server, channel, ts)

	client, ok := server.Registry.FindClientByUID(msg.Sender)
	if !ok {
		ctx.Handled()
		return
	}

	if _, already := channel.Member(client.UID()); !already {
		channel.AddMember(client, StatusNone)

		joinMsg := msgPool.New()
		joinMsg.Sender = client.Hostmask()
		joinMsg.Command = CmdJoin
		joinMsg.Params = []string{channel.Name()}
		channel.Send(joinMsg, "")
		msgPool.Recycle(joinMsg)
	}

	broadcastToPeersExcept(server, pc, msg)
	ctx.Handled()
}

// partAllRemote implements the remote-originated JOIN 0 part-all (spec
// §4.3.3), the peer-relay counterpart of joinPartAll.
func partAllRemote(server *Server, client Client) {
	partMsg := msgPool.New()
	defer msgPool.Recycle(partMsg)
	partMsg.Sender = client.Hostmask()
	partMsg.Command = CmdPart

	for name := range client.Memberships() {
		channel, err := server.Channels.Get(strings.ToLower(name))
		if err != nil {
			continue
		}
		partMsg.Params = []string{channel.Name()}
		channel.Send(partMsg, "")
		channel.RemoveMember(client)
		if channel.MemberCount() == 0 {
			lockEmptyChannel(channel)
		}
	}
}

// reconcileChannelTS applies the TS reconciliation table (spec §4.3.6) to
// an existing channel against an incoming timestamp, returning whether we
// hold the losing side (our modes/members must yield to the peer's).
func reconcileChannelTS(server *Server, channel *Channel, newTS int64) (weLose bool) {
	oldTS := channel.TS()

	switch {
	case newTS == oldTS:
		return false
	case newTS == 0 || oldTS == 0:
		channel.SetTS(0)
		noticeOpersf(server, "Channel %s TS reset to 0 by merge.", channel.Name())
		return newTS < oldTS
	case newTS < oldTS:
		channel.SetTS(newTS)
		return true
	default: // newTS > oldTS: they lose, we keep our TS and modes
		return false
	}
}

// removeOurModes strips our side's chanop/voice grants and simple/limit/key
// modes, broadcasting -o/-v and the mode removal to local members in
// MaxModeParams-sized batches (spec §4.3.7). When called from the SJOIN-loss
// path, wipeLists also clears all four ban-style lists.
func removeOurModes(server *Server, channel *Channel, wipeLists bool) {
	var statusChanges [][]string
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		statusChanges = append(statusChanges, cur)
		cur = nil
	}

	for _, m := range channel.Members() {
		if m.HasStatus(StatusOp) || m.HasStatus(StatusUniqueOp) {
			m.DelStatus(StatusOp | StatusUniqueOp)
			cur = append(cur, "o", m.Client.Nick())
		}
		if len(cur) >= MaxModeParams*2 {
			flush()
		}
		if m.HasStatus(StatusVoice) {
			m.DelStatus(StatusVoice)
			cur = append(cur, "v", m.Client.Nick())
		}
		if len(cur) >= MaxModeParams*2 {
			flush()
		}
	}
	flush()

	for _, change := range statusChanges {
		letters := "-" + strings.Join(splitEvenIndexed(change), "")
		sendLocalModeChange(server, channel, letters, oddIndexed(change))
	}

	old := channel.Mode()
	stripped := ModeSnapshot{}
	channel.SetMode(stripped)
	diff := DiffModeSnapshots(old, stripped)
	for _, line := range RenderModeDiff(diff, stripped) {
		sendLocalModeChange(server, channel, line[0], line[1:])
	}

	if wipeLists {
		for _, kind := range []BanStyleList{BanStyleBan, BanStyleExcept, BanStyleInvex, BanStyleReop} {
			wipeBanStyle(server, channel, kind)
		}
	}
}

// splitEvenIndexed/oddIndexed pull the letter/arg halves back out of the
// flattened ["o", nick, "v", nick, ...] slice removeOurModes accumulates.
func splitEvenIndexed(pairs []string) []string {
	out := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, pairs[i])
	}
	return out
}

func oddIndexed(pairs []string) []string {
	out := make([]string, 0, len(pairs)/2)
	for i := 1; i < len(pairs); i += 2 {
		out = append(out, pairs[i])
	}
	return out
}

// sendLocalModeChange announces a MODE line to a channel's local members,
// sourced from this server.
func sendLocalModeChange(server *Server, channel *Channel, letters string, args []string) {
	msg := msgPool.New()
	defer msgPool.Recycle(msg)
	msg.Sender = server.Hostname()
	msg.Command = CmdMode
	msg.Params = append([]string{channel.Name(), letters}, args...)
	channel.Send(msg, "")
}

// wipeBanStyle clears every entry in one ban-style list, broadcasting the
// removals to local members in batches (spec §4.3.7).
func wipeBanStyle(server *Server, channel *Channel, kind BanStyleList) {
	letter, ok := letterForBanStyle(kind)
	if !ok {
		return
	}

	entries := channel.BanStyleEntries(kind)
	masks := make([]string, 0, len(entries))
	for mask := range entries {
		masks = append(masks, mask)
	}

	for start := 0; start < len(masks); start += MaxModeParams {
		end := start + MaxModeParams
		if end > len(masks) {
			end = len(masks)
		}
		batch := masks[start:end]

		for _, mask := range batch {
			channel.DelBanStyle(kind, mask)
		}

		letters := "-" + strings.Repeat(string(letter), len(batch))
		sendLocalModeChange(server, channel, letters, batch)
	}
}

// banStyleForLetter maps a BMASK wire letter to the ban-style list it
// targets (spec §4.4, §6).
func banStyleForLetter(letter byte) (BanStyleList, bool) {
	switch letter {
	case 'b':
		return BanStyleBan, true
	case 'e':
		return BanStyleExcept, true
	case 'I':
		return BanStyleInvex, true
	case 'R':
		return BanStyleReop, true
	default:
		return 0, false
	}
}

func letterForBanStyle(kind BanStyleList) (byte, bool) {
	switch kind {
	case BanStyleBan:
		return 'b', true
	case BanStyleExcept:
		return 'e', true
	case BanStyleInvex:
		return 'I', true
	case BanStyleReop:
		return 'R', true
	default:
		return 0, false
	}
}

// capabForBanStyle reports the link capability gating re-propagation of a
// ban-style list to a given peer (spec §4.6 step 3): b is always relayed.
func capabForBanStyle(kind BanStyleList) (linkCapabSet, bool) {
	switch kind {
	case BanStyleExcept:
		return CapabEX, true
	case BanStyleInvex:
		return CapabIE, true
	case BanStyleReop:
		return CapabREOP, true
	default:
		return 0, false
	}
}

// parseSJoinToken splits one status-prefixed UID token from an SJOIN
// member list into its granted status and bare UID (spec §4.3.5 step 5).
// "@@" denotes unique-op (implies op); "@" op; "+" voice; any combination
// of the three may precede the UID.
func parseSJoinToken(tok string) (MemberStatus, string) {
	if len(tok) <= UIDLen {
		return StatusNone, tok
	}
	prefix := tok[:len(tok)-UIDLen]
	uid := tok[len(tok)-UIDLen:]

	var status MemberStatus
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '@':
			if status&StatusOp != 0 {
				status |= StatusUniqueOp
			}
			status |= StatusOp
		case '+':
			status |= StatusVoice
		}
	}
	return status, uid
}

// lexSmallerNonEmpty returns whichever of a, b is lexicographically
// smaller, preferring the non-empty one when exactly one is empty (spec
// §4.3.5 step 3 key merge).
func lexSmallerNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case a < b:
		return a
	default:
		return b
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// chunkTokens splits a pre-rendered token list into BUFSIZE-3-bounded
// groups so a header can be replayed ahead of each chunk without the
// combined line ever exceeding the wire limit (spec §4.3.5 step 6, §4.6
// step 2). headerLen is the byte length of everything chunkTokens' caller
// will prefix onto the first token of each chunk.
func chunkTokens(tokens []string, headerLen int) [][]string {
	if len(tokens) == 0 {
		return nil
	}

	budget := BufSize - 3 - headerLen
	if budget < 1 {
		budget = 1
	}

	var chunks [][]string
	var cur []string
	curLen := 0

	for _, tok := range tokens {
		add := len(tok) + 1
		if curLen+add > budget && len(cur) > 0 {
			chunks = append(chunks, cur)
			cur = nil
			curLen = 0
		}
		cur = append(cur, tok)
		curLen += add
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// handlePeerSJoin implements the SJOIN merge/reconciliation state machine
// (spec §4.3.5-§4.3.7): TS-gated mode and membership merge, then
// re-propagation to the rest of the mesh.
func handlePeerSJoin(ctx *PeerMessageContext) {
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
	chanName := msg.Params[1]
	modeStr := msg.Params[2]
	modeArgs := msg.Params[3:]

	peerSnap, _, err := ParseModeString(ModeSnapshot{}, modeStr, modeArgs)
	if err != nil {
		ctx.AbortWithError(ErrMalformedSJOIN)
		ctx.Handled()
		return
	}

	lookupKey := strings.ToLower(chanName)
	channel, err := server.Channels.Get(lookupKey)
	newChannel := false
	if err != nil {
		channel = NewChannel(chanName, ts, server.Arena)
		if addErr := server.Channels.Add(lookupKey, channel); addErr != nil {
			channel, err = server.Channels.Get(lookupKey)
			if err != nil {
				ctx.Handled()
				return
			}
		} else {
			newChannel = true
		}
	}

	var weLose, theyLose, tsEqual bool
	if newChannel {
		channel.SetMode(peerSnap)
	} else {
		oldTS := channel.TS()
		switch {
		case ts == oldTS:
			tsEqual = true
		case ts == 0 || oldTS == 0:
			channel.SetTS(0)
			noticeOpersf(server, "Channel %s TS reset to 0 by SJOIN merge.", channel.Name())
			tsEqual = true
		case ts < oldTS:
			weLose = true
			channel.SetTS(ts)
		default:
			theyLose = true
		}

		switch {
		case weLose:
			removeOurModes(server, channel, true)
			channel.SetMode(peerSnap)
			adoptDiff := DiffModeSnapshots(ModeSnapshot{}, peerSnap)
			for _, line := range RenderModeDiff(adoptDiff, peerSnap) {
				sendLocalModeChange(server, channel, line[0], line[1:])
			}
		case tsEqual:
			old := channel.Mode()
			merged := ModeSnapshot{
				Bits:  old.Bits | peerSnap.Bits,
				Limit: maxInt(old.Limit, peerSnap.Limit),
				Key:   lexSmallerNonEmpty(old.Key, peerSnap.Key),
			}
			channel.SetMode(merged)
			diff := DiffModeSnapshots(old, merged)
			if !diff.IsEmpty() {
				for _, line := range RenderModeDiff(diff, merged) {
					sendLocalModeChange(server, channel, line[0], line[1:])
				}
			}
		case theyLose:
			// keep our modes; peerSnap is discarded entirely.
		}
	}

	tokens := strings.Fields(msg.Text)
	var statusGrants [][]string
	var cur []string
	flushGrants := func() {
		if len(cur) == 0 {
			return
		}
		statusGrants = append(statusGrants, cur)
		cur = nil
	}

	for _, tok := range tokens {
		status, uid := parseSJoinToken(tok)
		if !isValidUID(uid) {
			continue
		}

		client, ok := server.Registry.FindClientByUID(uid)
		if !ok {
			continue
		}
		if rc, isRemote := client.(*RemoteClient); isRemote && rc.Owner() != nil && pc.peer != nil {
			if rc.Owner() != pc.peer && !isDescendantOf(rc.Owner(), pc.peer) {
				continue
			}
		}

		if theyLose {
			status = StatusNone
		}

		if m, already := channel.Member(client.UID()); already {
			m.SetStatus(status)
			continue
		}

		channel.AddMember(client, status)

		joinMsg := msgPool.New()
		joinMsg.Sender = client.Hostmask()
		joinMsg.Command = CmdJoin
		joinMsg.Params = []string{channel.Name()}
		channel.Send(joinMsg, "")
		msgPool.Recycle(joinMsg)

		if status&StatusVoice != 0 {
			cur = append(cur, "v", client.Nick())
		}
		if len(cur) >= MaxModeParams*2 {
			flushGrants()
		}
		if status&StatusOp != 0 {
			cur = append(cur, "o", client.Nick())
		}
		if len(cur) >= MaxModeParams*2 {
			flushGrants()
		}
	}
	flushGrants()

	for _, grant := range statusGrants {
		letters := "+" + strings.Join(splitEvenIndexed(grant), "")
		sendLocalModeChange(server, channel, letters, oddIndexed(grant))
	}

	header := ":" + msg.Sender + " " + CmdSJoin + " " + msg.Params[0] + " " + chanName + " " + modeStr
	for _, a := range modeArgs {
		header += " " + a
	}
	for _, chunk := range chunkTokens(tokens, len(header)+3) {
		out := msgPool.New()
		out.Sender = msg.Sender
		out.Command = CmdSJoin
		out.Params = append([]string{msg.Params[0], chanName, modeStr}, modeArgs...)
		out.Text = strings.Join(chunk, " ")
		broadcastToPeersExcept(server, pc, out)
		msgPool.Recycle(out)
	}

	if newChannel && channel.MemberCount() == 0 {
		server.Channels.Del(lookupKey)
	} else if channel.MemberCount() == 0 {
		lockEmptyChannel(channel)
	}

	ctx.Handled()
}

// isDescendantOf reports whether candidate was introduced, directly or
// transitively, through ancestor — used to reject an SJOIN member token
// whose owning server wasn't actually reachable through the link it
// arrived on (spec §4.3.5 step 5 "routed from wrong upstream").
func isDescendantOf(candidate, ancestor *PeerServer) bool {
	for s := candidate; s != nil; s = s.Introducer {
		if s == ancestor {
			return true
		}
	}
	return false
}

// handlePeerBMask applies a burst or incremental ban-style list update
// (spec §4.4, §4.6 step 3) and relays it to peers that negotiated the
// matching capability.
func handlePeerBMask(ctx *PeerMessageContext) {
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

	kind, ok := banStyleForLetter(msg.Params[2][0])
	if !ok {
		ctx.Handled()
		return
	}

	if cap, gated := capabForBanStyle(kind); gated && pc.peer != nil && !pc.peer.HasCapab(cap) {
		ctx.Handled()
		return
	}

	setter := msg.Sender
	for _, mask := range strings.Fields(msg.Text) {
		channel.AddBanStyle(kind, mask, setter)
	}

	relayBanStyleUpdate(server, pc, kind, msg)
	ctx.Handled()
}

// relayBanStyleUpdate re-floods a BMASK line only to peers whose
// capability set can understand the list kind it carries.
func relayBanStyleUpdate(server *Server, from *PeerConn, kind BanStyleList, msg *Message) {
	cap, gated := capabForBanStyle(kind)

	buf := msg.RenderBuffer()
	defer bufpool.Recycle(buf)

	for _, pc := range server.PeerConns() {
		if pc == from {
			continue
		}
		if gated && (pc.peer == nil || !pc.peer.HasCapab(cap)) {
			continue
		}
		cp := bufpool.New()
		cp.Write(buf.Bytes())
		pc.Write(cp)
	}
}

// handlePeerTB adopts a bursted topic if it's no newer than (or we have none
// to compare against) our current one, then relays it to TB-capable peers
// (spec §4.6 step 4).
func handlePeerTB(ctx *PeerMessageContext) {
	pc := ctx.PC
	msg := ctx.Msg
	server := pc.server

	if !enoughParams(msg, 2) {
		ctx.Handled()
		return
	}

	channel, err := server.Channels.Get(strings.ToLower(msg.Params[0]))
	if err != nil {
		ctx.Handled()
		return
	}

	topicTS, err := strconv.ParseInt(msg.Params[1], 10, 64)
	if err != nil {
		ctx.Handled()
		return
	}

	setter := msg.Sender
	if len(msg.Params) > 2 {
		setter = msg.Params[2]
	}

	current := channel.Topic()
	if current.SetAt != 0 && topicTS > current.SetAt {
		ctx.Handled()
		return
	}

	channel.SetTopic(msg.Text, setter, topicTS)

	topicMsg := msgPool.New()
	topicMsg.Sender = setter
	topicMsg.Command = CmdTopic
	topicMsg.Params = []string{channel.Name()}
	topicMsg.Text = msg.Text
	channel.Send(topicMsg, "")
	msgPool.Recycle(topicMsg)

	for _, other := range server.PeerConns() {
		if other == pc {
			continue
		}
		if other.peer == nil || !other.peer.HasCapab(CapabTB) {
			continue
		}
		cp := msgPool.New()
		cp.Sender = msg.Sender
		cp.Command = CmdTB
		cp.Params = []string{channel.Name(), msg.Params[1], setter}
		cp.Text = msg.Text
		other.Write(cp.RenderBuffer())
		msgPool.Recycle(cp)
	}

	ctx.Handled()
}
