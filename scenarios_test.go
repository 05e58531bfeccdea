/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

// newScenarioServer builds a bare Server with the package logger installed,
// enough to exercise the merge/burst/link machinery without a real listener.
func newScenarioServer(sid string) *Server {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return NewServer(WithSID(sid), WithHostname("hub.example.net"))
}

// newScenarioPeerConn wires a PeerConn to one end of an in-memory pipe,
// draining the other end so pc.write's Flush never blocks the test.
func newScenarioPeerConn(server *Server, peer *PeerServer) *PeerConn {
	local, remote := net.Pipe()
	go io.Copy(io.Discard, remote)

	pc := NewPeerConn(server, local, false, "")
	pc.peer = peer
	return pc
}

// newScenarioRemoteClient registers uid/nick as a client introduced by
// owner, the shape every SJOIN/BMASK/JOIN member token resolves against.
func newScenarioRemoteClient(server *Server, owner *PeerServer, uid, nick string) *RemoteClient {
	rc := NewRemoteClient(owner, uid, nick, nick, "host.example.net", "0", nick+" realname", 1)
	Expect(server.Registry.AddClient(rc)).To(Succeed())
	return rc
}

var _ = Describe("SJOIN reconciliation (spec scenarios S1/S2)", func() {
	var (
		server *Server
		hub    *PeerServer
		pc     *PeerConn
		alice  *RemoteClient
		bob    *RemoteClient
	)

	BeforeEach(func() {
		server = newScenarioServer("001")
		hub = NewPeerServer("42A", "leaf.example.net", "leaf", 1, nil)
		Expect(server.Registry.AddServer(hub)).To(Succeed())
		pc = newScenarioPeerConn(server, hub)

		alice = newScenarioRemoteClient(server, hub, "42AAAAAAA", "Alice")
		bob = newScenarioRemoteClient(server, hub, "42ABBBBBB", "Bob")
	})

	// S1 — TS loss: incoming TS (900) is lower than ours (1000), so our
	// modes/status/ban-lists are wiped and the peer's snapshot wins.
	It("adopts the lower-TS side's modes and membership, clearing ban lists", func() {
		channel := NewChannel("#c", 1000, server.Arena)
		Expect(server.Channels.Add("#c", channel)).To(Succeed())
		channel.SetMode(ModeSnapshot{Bits: ModeNoExternal | ModeTopicRestricted})
		channel.AddMember(alice, StatusOp)
		channel.AddMember(bob, StatusVoice)
		Expect(channel.AddBanStyle(BanStyleBan, "*!*@evil.example.net", "Alice")).To(Succeed())

		carol := newScenarioRemoteClient(server, hub, "42ACCCCCC", "Carol")

		msg := &Message{
			Sender:  hub.SID,
			Command: CmdSJoin,
			Params:  []string{"900", "#c", "+i"},
			Text:    "@" + carol.UID(),
		}
		ctx := &PeerMessageContext{PC: pc, Msg: msg}

		handlePeerSJoin(ctx)

		Expect(channel.TS()).To(Equal(int64(900)))
		Expect(channel.Mode().Bits).To(Equal(ModeInviteOnly))

		aliceMember, ok := channel.Member(alice.UID())
		Expect(ok).To(BeTrue())
		Expect(aliceMember.HasStatus(StatusOp)).To(BeFalse())

		bobMember, ok := channel.Member(bob.UID())
		Expect(ok).To(BeTrue())
		Expect(bobMember.HasStatus(StatusVoice)).To(BeFalse())

		carolMember, ok := channel.Member(carol.UID())
		Expect(ok).To(BeTrue())
		Expect(carolMember.HasStatus(StatusOp)).To(BeTrue())

		Expect(channel.BanStyleEntries(BanStyleBan)).To(BeEmpty())
	})

	// S2 — TS equal: modes union, limit takes the max, key takes the
	// lexicographically smaller of the two non-empty keys.
	It("merges mode bits and takes max-limit/min-key on an equal-TS SJOIN", func() {
		channel := NewChannel("#c", 1000, server.Arena)
		Expect(server.Channels.Add("#c", channel)).To(Succeed())
		channel.SetMode(ModeSnapshot{Bits: ModeNoExternal, Limit: 50, Key: "apple"})

		dave := newScenarioRemoteClient(server, hub, "42ADDDDDD", "Dave")

		msg := &Message{
			Sender:  hub.SID,
			Command: CmdSJoin,
			Params:  []string{"1000", "#c", "+tlk", "70", "banana"},
			Text:    "@" + dave.UID(),
		}
		ctx := &PeerMessageContext{PC: pc, Msg: msg}

		handlePeerSJoin(ctx)

		snap := channel.Mode()
		Expect(snap.Bits).To(Equal(ModeNoExternal | ModeTopicRestricted | ModeKey | ModeLimit))
		Expect(snap.Limit).To(Equal(70))
		Expect(snap.Key).To(Equal("apple"))

		daveMember, ok := channel.Member(dave.UID())
		Expect(ok).To(BeTrue())
		Expect(daveMember.HasStatus(StatusOp)).To(BeTrue())
	})
})

var _ = Describe("JOIN 0 / part-all (spec scenario S3)", func() {
	It("parts every joined channel and leaves the user's membership set empty", func() {
		server := newScenarioServer("001")
		local, remote := net.Pipe()
		go io.Copy(io.Discard, remote)

		conn := NewConn(server, local)
		conn.user.SetUID("001AAAAAA")
		conn.user.SetNick("Alice")
		conn.registered = true

		for _, name := range []string{"#a", "#b", "#c"} {
			channel := NewChannel(name, 1000, server.Arena)
			Expect(server.Channels.Add(strings.ToLower(name), channel)).To(Succeed())
			channel.AddMember(conn.user, StatusOp)
		}

		joinPartAll(conn)

		Expect(conn.user.Memberships()).To(BeEmpty())
		for _, name := range []string{"#a", "#b", "#c"} {
			channel, err := server.Channels.Get(strings.ToLower(name))
			Expect(err).NotTo(HaveOccurred())
			Expect(channel.MemberCount()).To(Equal(0))
		}
	})
})

var _ = Describe("!-channel creation (spec scenario S4)", func() {
	It("holds chanop and unique-op on one creator membership and leaves the new channel's mode string empty", func() {
		server := newScenarioServer("001")
		channel := NewChannel("!ABCDEwidgets", 1000, server.Arena)
		Expect(server.Channels.Add(strings.ToLower(channel.Name()), channel)).To(Succeed())

		creator := newScenarioRemoteClient(server, NewPeerServer("42A", "leaf.example.net", "leaf", 1, nil), "42AAAAAAA", "Alice")
		channel.AddMember(creator, StatusOp|StatusUniqueOp)

		member, ok := channel.Member(creator.UID())
		Expect(ok).To(BeTrue())
		Expect(member.HasStatus(StatusOp)).To(BeTrue())
		Expect(member.HasStatus(StatusUniqueOp)).To(BeTrue())

		snap, args := RenderModeString(channel.Mode(), true)
		Expect(snap).To(BeEmpty())
		Expect(args).To(BeEmpty())
	})
})

var _ = Describe("Duplicate SID rejection (spec scenario S5)", func() {
	It("errors and tears down the link without disturbing the existing server", func() {
		server := newScenarioServer("001")
		existing := NewPeerServer("42A", "leaf.example.net", "leaf", 1, nil)
		Expect(server.Registry.AddServer(existing)).To(Succeed())

		pc := newScenarioPeerConn(server, nil)

		msg := &Message{
			Sender:  "42A",
			Command: CmdSID,
			Params:  []string{"other.example.net", "2", "42A"},
		}
		ctx := &PeerMessageContext{PC: pc, Msg: msg}

		handlePeerSID(ctx)

		Eventually(pc.kill).Should(Receive(BeTrue()))

		again, ok := server.Registry.FindServerBySID("42A")
		Expect(ok).To(BeTrue())
		Expect(again).To(BeIdenticalTo(existing))
	})
})

var _ = Describe("Burst size-bound chunking (spec scenario S6)", func() {
	It("never exceeds BufSize-3 octets and covers every token exactly once", func() {
		const header = ":001 SJOIN 1000 #big +nt"

		tokens := make([]string, 10000)
		for i := range tokens {
			tokens[i] = fmt.Sprintf("42A%06X", i)
		}

		chunks := chunkTokens(tokens, len(header)+3)

		seen := make(map[string]bool, len(tokens))
		for _, chunk := range chunks {
			line := header + " :" + strings.Join(chunk, " ")
			Expect(len(line)).To(BeNumerically("<=", BufSize-3))
			for _, tok := range chunk {
				Expect(seen).NotTo(HaveKey(tok))
				seen[tok] = true
			}
		}
		Expect(seen).To(HaveLen(len(tokens)))
	})

	countModeLinesFor := func(n int) int {
		server := newScenarioServer("001")
		hub := NewPeerServer("42A", "leaf.example.net", "leaf", 1, nil)
		pc := newScenarioPeerConn(server, hub)

		channel := NewChannel("#c", 1000, server.Arena)
		Expect(server.Channels.Add("#c", channel)).To(Succeed())

		// A local observer member so channel.Send has a *User* to deliver
		// the batched MODE lines to; remote-only members never see them
		// (channel.Send only writes to locally-connected sockets).
		local, remote := net.Pipe()
		observerConn := NewConn(server, local)
		observerConn.user.SetUID("001OBSRVR")
		observerConn.user.SetNick("Observer")
		channel.AddMember(observerConn.user, StatusNone)

		// Nothing drives observerConn's normal write-loop goroutine in this
		// test, so drain its write queue by hand straight to the socket.
		go func() {
			for buf := range observerConn.writeQueue {
				observerConn.write(buf)
			}
		}()

		lines := make(chan string, 64)
		go func() {
			scanner := bufio.NewScanner(remote)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		var tokens strings.Builder
		for i := 0; i < n; i++ {
			uid := fmt.Sprintf("42A%06X", i)
			newScenarioRemoteClient(server, hub, uid, fmt.Sprintf("user%d", i))
			if i > 0 {
				tokens.WriteByte(' ')
			}
			tokens.WriteString("@" + uid)
		}

		msg := &Message{
			Sender:  hub.SID,
			Command: CmdSJoin,
			Params:  []string{"1000", "#c", "+"},
			Text:    tokens.String(),
		}
		handlePeerSJoin(&PeerMessageContext{PC: pc, Msg: msg})
		Expect(channel.MemberCount()).To(Equal(n + 1)) // +1 for the observer

		count := 0
		idle := time.NewTimer(150 * time.Millisecond)
		defer idle.Stop()
	drain:
		for {
			select {
			case line := <-lines:
				if strings.Contains(line, " MODE ") {
					count++
				}
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(150 * time.Millisecond)
			case <-idle.C:
				break drain
			}
		}
		remote.Close()
		return count
	}

	It("emits exactly one MODE line for MaxModeParams grants and two for one more", func() {
		Expect(countModeLinesFor(MaxModeParams)).To(Equal(1))
		Expect(countModeLinesFor(MaxModeParams + 1)).To(Equal(2))
	})
})
