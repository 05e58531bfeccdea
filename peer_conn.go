/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package ircd

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"
)

// PeerConn represents the server side of a server-to-server link, the
// peer counterpart to Conn. Before the handshake completes (PASS/CAPAB/
// SERVER exchanged and acknowledged) it has no associated PeerServer;
// afterward peer identifies the other end and bursting carries the state
// of the world across it (component F, G).
type PeerConn struct {
	sync.RWMutex

	server *Server
	sock   net.Conn

	remAddr string

	peer *PeerServer

	// outbound is true if we initiated this link (we sent PASS/CAPAB/
	// SERVER first); false if we're waiting on the other side to speak
	// first as the accepting party.
	outbound bool

	// expectedName is set when outbound, the configured name of the
	// server we dialed, checked against the SERVER line we receive back.
	expectedName string

	stage linkStage

	// pendingPassword/pendingSID/pendingCapabs/pendingTS6 accumulate what
	// PASS and CAPAB carried before SERVER arrives to complete check_server
	// (spec §4.5.1); handlePeerServer clears them when it moves stage to
	// stageBursting.
	pendingPassword string
	pendingSID      string
	pendingCapabs   linkCapabSet
	pendingTS6      bool

	incoming *bufio.Scanner
	outgoing *bufio.Writer

	writeQueue chan *bytes.Buffer

	heartbeat *time.Timer

	kill chan bool

	timeoutForced bool
}

// linkStage tracks where in the handshake a PeerConn is.
type linkStage uint8

const (
	stagePreAuth linkStage = iota
	stageCapabSent
	stageServerSent
	stageBursting
	stageEstablished
)

// NewPeerConn initializes a new server-to-server connection in the
// pre-authentication stage.
func NewPeerConn(srv *Server, sck net.Conn, outbound bool, expectedName string) *PeerConn {
	return &PeerConn{
		server:       srv,
		sock:         sck,
		outbound:     outbound,
		expectedName: expectedName,
		heartbeat:    time.NewTimer(PingTimeout),
		incoming:     bufio.NewScanner(sck),
		outgoing:     bufio.NewWriter(sck),
		writeQueue:   make(chan *bytes.Buffer, WriteQueueLength),
		kill:         make(chan bool, 5),
	}
}

func servePeer(pc *PeerConn) {
	defer pc.cleanup()
	pc.start()

	defer func() {
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Errorf("irc: Panic serving peer %v: %v\n%s", pc.remAddr, err, buf)
			pc.doError("Server Error.")
		}
		pc.sock.Close()
	}()

	if tlsConn, ok := pc.sock.(*tls.Conn); ok {
		pc.setDeadlines()
		if err := tlsConn.Handshake(); err != nil {
			log.Errorf("irc: TLS handshake error from peer [%s]: %s", pc.remAddr, err)
			return
		}
	}

	if pc.outbound {
		beginOutboundHandshake(pc)
	}

	go pc.writeLoop()
	pc.readLoop()
	log.Debugf("irc: peer readLoop() exited for [%s]", pc.remAddr)
}

func (pc *PeerConn) start() {
	pc.Lock()
	defer pc.Unlock()
	pc.remAddr = pc.sock.RemoteAddr().String()
	log.Debugf("irc: Got new peer connection remote address: [%s]", pc.remAddr)
}

func (pc *PeerConn) readLoop() {
	for {
		pc.setReadDeadline()

		if !pc.incoming.Scan() {
			defer func() { pc.kill <- true }()

			if err := pc.incoming.Err(); err != nil {
				if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
					if !pc.timeoutForced {
						log.Infof("irc: Peer connection timed out for [%s]", pc.remAddr)
					}
				} else {
					log.Error(err)
				}
			}

			log.Debugf("irc: Closing peer socket for [%s]", pc.remAddr)
			pc.sock.Close()
			return
		}

		data := pc.incoming.Text()
		log.Infof("irc: [%s]->[LINK]: %s", pc.remAddr, data)

		msg, err := ParsePeerLine(data)
		if err != nil {
			log.Errorf("irc: Error parsing peer line from [%s]: %s", pc.remAddr, err)
			pc.doError("Protocol error.")
			return
		}

		pc.heartbeat.Reset(PingTimeout)
		RoutePeerCommand(pc, msg)
	}
}

func (pc *PeerConn) writeLoop() {
	for {
		select {
		case <-pc.kill:
			log.Debug("irc: peer kill signal received, closing writeLoop.")
			pc.forceTimeout()
			return

		case buf := <-pc.writeQueue:
			pc.write(buf)

		case <-pc.heartbeat.C:
			pc.doHeartbeat()
		}
	}
}

// Write queues a rendered buffer for the peer link's write loop.
func (pc *PeerConn) Write(buffer *bytes.Buffer) {
	if buffer.Len() > MaxMsgLength {
		log.Errorf("irc: Error rendering peer message for [%s]: Message too long.", pc.remAddr)
		return
	}
	pc.writeQueue <- buffer
}

func (pc *PeerConn) write(buffer *bytes.Buffer) {
	defer func() {
		bufpool.Recycle(buffer)
		if err := recover(); err != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Errorf("irc: Panic in peer write for [%s]: %v\n%s", pc.remAddr, err, buf)
		}
	}()

	pc.setWriteDeadline()

	if _, err := pc.outgoing.Write(buffer.Bytes()); err != nil {
		log.Errorf("irc: Error writing to peer socket [%s]: %s", pc.remAddr, err)
		return
	}
	if err := pc.outgoing.Flush(); err != nil {
		log.Errorf("irc: Error flushing peer socket [%s]: %s", pc.remAddr, err)
		return
	}

	log.Infof("irc: [LINK]->[%s]: %s", pc.remAddr, strings.TrimSpace(buffer.String()))
}

func (pc *PeerConn) doHeartbeat() {
	msg := msgPool.New()
	msg.Command = CmdPing
	msg.Params = []string{pc.server.SID()}
	pc.heartbeat.Reset(PingTimeout)
	pc.Write(msg.RenderBuffer())
}

// doError sends an ERROR line and tears the link down. Grounded on
// horgh-catbox's LocalServer.quit, which does the same on protocol
// violation.
func (pc *PeerConn) doError(reason string) {
	msg := msgPool.New()
	msg.Command = CmdError
	msg.Text = reason
	pc.write(msg.RenderBuffer())
	pc.kill <- true
}

func (pc *PeerConn) cleanup() {
	if pc.peer != nil {
		pc.server.UnlinkPeer(pc.peer)
	}
}

func (pc *PeerConn) setWriteDeadline() {
	if WriteTimeout != 0 {
		pc.sock.SetWriteDeadline(time.Now().Add(WriteTimeout))
	}
}

func (pc *PeerConn) setReadDeadline() {
	if KeepAliveTimeout != 0 {
		pc.sock.SetReadDeadline(time.Now().Add(KeepAliveTimeout))
	}
}

func (pc *PeerConn) forceTimeout() {
	pc.Lock()
	defer pc.Unlock()
	pc.timeoutForced = true
	pc.sock.SetReadDeadline(time.Now().Add(time.Microsecond))
}

func (pc *PeerConn) setDeadlines() {
	pc.setReadDeadline()
	pc.setWriteDeadline()
}

// IsSecure reports whether the underlying socket is TLS, mirroring
// Conn.IsSecure for auth records with RequireTLS set.
func (pc *PeerConn) IsSecure() bool {
	_, ok := pc.sock.(*tls.Conn)
	return ok
}
