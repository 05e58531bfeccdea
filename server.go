/*
   Copyright (c) 2020, btnmasher
   All rights reserved.

   Redistribution and use in source and binary forms, with or without modification, are permitted provided that
   the following conditions are met:

   1. Redistributions of source code must retain the above copyright notice, this list of conditions and the
      following disclaimer.

   2. Redistributions in binary form must reproduce the above copyright notice, this list of conditions and
      the following disclaimer in the documentation and/or other materials provided with the distribution.

   3. Neither the name of the copyright holder nor the names of its contributors may be used to endorse or
      promote products derived from this software without specific prior written permission.

   THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED
   WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A
   PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE FOR
   ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED
   TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION)
   HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
   NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
   POSSIBILITY OF SUCH DAMAGE.
*/

package ircd

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/btnmasher/util"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// KeepAliveTimeout sets the connection timeout duration on the client IRC connections.
const KeepAliveTimeout time.Duration = 2 * time.Minute

// WriteTimeout sets the write timeout duration on the client IRC connections.
const WriteTimeout time.Duration = 5 * time.Second

// PingTimeout sets the PING/PONG timeout duration on the client IRC connections.
const PingTimeout time.Duration = 30 * time.Second

// MessagePoolMax sets the message pool buffer length
const MessagePoolMax = 1000

// BufferPoolMax sets the bytes.Buffer pool length
const BufferPoolMax = 1000

// WriteQueueLength sets the length of each connections write queue channel.
const WriteQueueLength = 10

// msgPool holds a reference to the global Message object pool.
var msgPool = NewMessagePool(MessagePoolMax)

// bufpool holds a reference to the global bytes.Buffer object pool.
var bufpool = util.NewBufferPool(BufferPoolMax)

var log *logrus.Logger

// Server holds the state of an IRC server instance.
type Server struct {
	sync.RWMutex

	// Configuration related stuff
	listenAddr string
	hostname   string
	motd       string
	welcome    string
	support    *util.ConcurrentMapString

	// Mesh identity and policy (spec §3, §4.5).
	sid             string
	description     string
	hubMasks        []string
	leafMasks       []string
	auth            map[string]*AuthRecord
	maxChansPerUser int
	chanDelay       time.Duration
	resv            map[string]string // reserved channel/nick name -> reason (spec §4.3.1 step 2)
	netSplit        bool              // true while this server considers the mesh split (spec §4.3.1 step 2)

	// Active State
	Users     *UserMap
	Nicks     *UserMap
	Conns     *ConnMap
	Channels  *ChanMap
	TLSConfig *tls.Config

	// Mesh state: the identifier registry (component A), the membership
	// arena backing every Channel's member index (spec §9), and the set
	// of currently-linked/known peer servers.
	Registry  *Registry
	Arena     *MembershipArena
	peerConns map[string]*PeerConn // keyed by SID of the directly-linked peer

	listener net.Listener

	closing         int32 // atomic; set by Shutdown, checked by the Accept loop
	shutdownCh      chan struct{}
	gracefulSignals []os.Signal
}

// AuthRecord is the connect-block a peer server must present on SERVER
// (spec §4.5): a shared password plus the hostmask its connection must
// originate from.
type AuthRecord struct {
	Name        string
	Password    string
	HostPattern string
	RequireTLS  bool

	// MaskAs/MaskDesc, if set, are the name and description substituted
	// for this server's real identity when it's introduced to other peers
	// during a burst, hiding internal topology from the wider mesh.
	MaskAs   string
	MaskDesc string
}

// ServerOption configures a Server at construction, following the
// teacher's functional-options convention used for client capabilities.
type ServerOption func(*Server)

// WithHostname sets the server's advertised hostname.
func WithHostname(hostname string) ServerOption {
	return func(s *Server) { s.hostname = hostname }
}

// WithNetwork sets the ISUPPORT NETWORK value.
func WithNetwork(network string) ServerOption {
	return func(s *Server) { s.SetNetwork(network) }
}

// WithLogger assigns the package-level logger before any other setup runs,
// so options that log (e.g. a bad auth record) can do so immediately.
func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) {
		if log == nil {
			log = logger
		}
	}
}

// WithLogLevel sets the package logger's verbosity. Must follow WithLogger
// in the option list, since it operates on the logger that installs.
func WithLogLevel(level logrus.Level) ServerOption {
	return func(s *Server) {
		if log != nil {
			log.SetLevel(level)
		}
	}
}

// WithDefaultLogFormatter installs the nested-field logrus formatter, the
// same human-readable timestamped format used across the rest of the
// btnmasher toolchain. Must follow WithLogger.
func WithDefaultLogFormatter() ServerOption {
	return func(s *Server) {
		if log != nil {
			log.SetFormatter(&nested.Formatter{
				TimestampFormat: time.RFC3339,
				HideKeys:        true,
				FieldsOrder:     []string{"component", "sub-component", "command"},
			})
		}
	}
}

// WithGracefulShutdown registers OS signals that trigger an orderly
// Shutdown once Serve is running: every local and peer connection is sent a
// final QUIT/ERROR line before the listener closes. Defaults to SIGINT
// (os.Interrupt) alone if called with no arguments.
func WithGracefulShutdown(sigs ...os.Signal) ServerOption {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt}
	}
	return func(s *Server) { s.gracefulSignals = sigs }
}

// WithSID sets this server's own TS6 SID. Required before linking.
func WithSID(sid string) ServerOption {
	return func(s *Server) { s.sid = sid }
}

// WithDescription sets the server description announced on SID/SERVER.
func WithDescription(desc string) ServerOption {
	return func(s *Server) { s.description = desc }
}

// WithHubMask adds a hostmask this server will accept leaf introductions
// through, for the hub/leaf gating in link.go (spec §4.5).
func WithHubMask(mask string) ServerOption {
	return func(s *Server) { s.hubMasks = append(s.hubMasks, mask) }
}

// WithLeafMask adds a hostmask this server is only willing to link to as a
// leaf (no further introductions accepted through it).
func WithLeafMask(mask string) ServerOption {
	return func(s *Server) { s.leafMasks = append(s.leafMasks, mask) }
}

// WithAuthRecord registers a connect-block for a named peer server.
func WithAuthRecord(rec *AuthRecord) ServerOption {
	return func(s *Server) { s.auth[strings.ToLower(rec.Name)] = rec }
}

// WithChanDelay records a base chandelay window on the Server. ChanDelayFor
// does not read this value: channel locks always use DefaultChanDelay (times
// UniqueChanDelayMultiplier for "!" channels).
func WithChanDelay(d time.Duration) ServerOption {
	return func(s *Server) { s.chanDelay = d }
}

// WithMaxChansPerUser overrides the per-user channel-count cap for
// non-opers (spec §4.3.1 step 5); opers get OperChanMultiplier times this.
func WithMaxChansPerUser(n int) ServerOption {
	return func(s *Server) { s.maxChansPerUser = n }
}

// WithResv reserves a channel or nickname so ordinary clients can't claim
// it (spec §4.3.1 step 2), recording reason for the rejection numeric's text.
func WithResv(name, reason string) ServerOption {
	return func(s *Server) { s.resv[strings.ToLower(name)] = reason }
}

// Warmup initializes the irc library for use.
func Warmup(logger *logrus.Logger) {
	log = logger
	log.Info("irc: Registering message handlers")
	registerHandlers()

	log.Info("irc: Registering peer link handlers")
	registerPeerHandlers()

	log.Info("irc: Warming up message pool")
	msgPool.Warmup(MessagePoolMax)

}

// NewServer initializes and returns a new instance of a Server.
func NewServer(opts ...ServerOption) *Server {
	server := &Server{
		Users:           NewUserMap(),
		Nicks:           NewUserMap(),
		Conns:           NewConnMap(),
		Channels:        NewChanMap(),
		support:         util.NewConcurrentMapString(),
		Registry:        NewRegistry(),
		Arena:           NewMembershipArena(),
		peerConns:       make(map[string]*PeerConn),
		auth:            make(map[string]*AuthRecord),
		maxChansPerUser: DefaultMaxChansPerUser,
		chanDelay:       time.Duration(DefaultChanDelay) * time.Second,
		resv:            make(map[string]string),
		shutdownCh:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(server)
	}

	server.setISupport()
	return server
}

// SID returns this server's own TS6 server identifier.
func (server *Server) SID() string {
	server.RLock()
	defer server.RUnlock()
	return server.sid
}

// MaxChansPerUser returns the per-user channel cap for non-opers.
func (server *Server) MaxChansPerUser() int {
	server.RLock()
	defer server.RUnlock()
	return server.maxChansPerUser
}

// Resv reports whether name (channel or nickname) is reserved, and why.
func (server *Server) Resv(name string) (string, bool) {
	server.RLock()
	defer server.RUnlock()
	reason, ok := server.resv[strings.ToLower(name)]
	return reason, ok
}

// InSplit reports whether this server currently considers the mesh split.
func (server *Server) InSplit() bool {
	server.RLock()
	defer server.RUnlock()
	return server.netSplit
}

// SetSplit marks whether this server considers the mesh split, gating
// non-oper, non-"&" joins per spec §4.3.1 step 2.
func (server *Server) SetSplit(split bool) {
	server.Lock()
	defer server.Unlock()
	server.netSplit = split
}

// AuthRecordFor looks up the connect-block for a peer server name.
func (server *Server) AuthRecordFor(name string) (*AuthRecord, bool) {
	server.RLock()
	defer server.RUnlock()
	rec, ok := server.auth[strings.ToLower(name)]
	return rec, ok
}

// IsHubFor reports whether hostname matches a configured hub mask, meaning
// this server will accept further introductions relayed through it.
func (server *Server) IsHubFor(hostname string) bool {
	server.RLock()
	defer server.RUnlock()
	for _, mask := range server.hubMasks {
		if MatchHostmask(mask, hostname) {
			return true
		}
	}
	return false
}

// IsLeafOnly reports whether hostname matches a configured leaf-only mask.
func (server *Server) IsLeafOnly(hostname string) bool {
	server.RLock()
	defer server.RUnlock()
	for _, mask := range server.leafMasks {
		if MatchHostmask(mask, hostname) {
			return true
		}
	}
	return false
}

// AddPeerConn registers a newly-established link by the peer's SID.
func (server *Server) AddPeerConn(pc *PeerConn) {
	server.Lock()
	defer server.Unlock()
	server.peerConns[pc.peer.SID] = pc
}

// PeerConnBySID returns the direct link to a peer, if one exists.
func (server *Server) PeerConnBySID(sid string) (*PeerConn, bool) {
	server.RLock()
	defer server.RUnlock()
	pc, ok := server.peerConns[sid]
	return pc, ok
}

// PeerConns returns a snapshot of every directly-linked peer connection.
func (server *Server) PeerConns() []*PeerConn {
	server.RLock()
	defer server.RUnlock()
	out := make([]*PeerConn, 0, len(server.peerConns))
	for _, pc := range server.peerConns {
		out = append(out, pc)
	}
	return out
}

// UnlinkPeer removes a peer server from every index following a SQUIT or
// link failure (spec §4.5): its direct connection, its Registry entry, and
// (by the caller, which knows the full subtree) any servers introduced
// through it.
func (server *Server) UnlinkPeer(peer *PeerServer) {
	server.Lock()
	delete(server.peerConns, peer.SID)
	server.Unlock()

	server.Registry.RemoveServer(peer)
}

// Network returns the configured network name of the server in a
// concurrency safe manner.
func (server *Server) Network() string {
	val, err := server.support.Get("network")
	if err != nil {
		return server.Hostname()
	}
	return val
}

// SetNetwork sets the configured network name of the server in a
// concurrency safe manner.
func (server *Server) SetNetwork(new string) {
	if server.support.Set("network", new) != nil {
		log.Error("irc: Could not set server parameter: network")
	}
}

// Address returns the configured address of the server in a
// concurrency safe manner.
func (server *Server) Address() string {
	server.RLock()
	defer server.RUnlock()

	if len(server.listenAddr) < 1 {
		if server.listener != nil {
			return server.listener.Addr().String()
		}
		return ""
	}
	return server.listenAddr
}

// SetAddress sets the configured address of the server in a
// concurrency safe manner.
func (server *Server) SetAddress(addr string) {
	server.Lock()
	defer server.Unlock()

	server.listenAddr = addr
}

// Hostname returns the configured hostname of the server in a
// concurrency safe manner.
func (server *Server) Hostname() string {
	server.RLock()
	defer server.RUnlock()

	if len(server.hostname) < 1 {
		return server.listener.Addr().String()
	}
	return server.hostname
}

// SetHostname sets the configured hostname of the server in a
// concurrency safe manner.
func (server *Server) SetHostname(host string) {
	server.Lock()
	defer server.Unlock()

	server.hostname = host
}

// MOTD returns the configured MOTD of the server in a
// concurrency safe manner.
func (server *Server) MOTD() string {
	server.RLock()
	defer server.RUnlock()

	if len(server.motd) < 1 {
		return "Server has no MOTD message set."
	}
	return server.motd
}

// SetMOTD sets the configured MOTD of the server in a
// concurrency safe manner.
func (server *Server) SetMOTD(motd string) {
	server.Lock()
	defer server.Unlock()

	server.motd = motd
}

// Welcome returns the configured welcome message of the server in a
// concurrency safe manner.
func (server *Server) Welcome() string {
	server.RLock()
	defer server.RUnlock()

	if len(server.welcome) < 1 {
		return "Server has no welcome message set."
	}
	return server.welcome
}

// SetWelcome sets the configured welcome message of the server in a
// concurrency safe manner.
func (server *Server) SetWelcome(msg string) {
	server.Lock()
	defer server.Unlock()

	server.welcome = msg
}

// ISupport returns a slice of formatted ISupport key=value pairs.
func (server *Server) ISupport() []string {
	support := make([]string, server.support.Length())
	index := 0
	var buffer bytes.Buffer

	server.support.ForEach(func(config, setting string) {
		buffer.WriteString(strings.ToUpper(config))

		if len(setting) > 0 {
			buffer.WriteString("=")
			buffer.WriteString(setting)
		}

		support[index] = buffer.String()
		buffer.Reset()
		index++
	})

	return support
}

func (server *Server) setISupport() {
	server.support.Add("chanmodes", "bhoOv,p,LMT,AacEeFHIimNnPqRrstV")
	server.support.Add("prefix", "(Oohv)~@%+")
	server.support.Add("maxpara", fmt.Sprint(MaxMsgParams))
	server.support.Add("modes", fmt.Sprint(MaxModeChange))
	server.support.Add("chanlimit", fmt.Sprintf("#!:%v", MaxJoinedChans))
	server.support.Add("nicklen", fmt.Sprint(MaxNickLength))
	server.support.Add("maxlist", fmt.Sprintf("bhov:%v,O:1", MaxListItems))
	server.support.Add("casemapping", "ascii")
	server.support.Add("topiclen", fmt.Sprint(MaxTopicLength))
	server.support.Add("kicklen", fmt.Sprint(MaxKickLength))
	server.support.Add("chanlen", fmt.Sprint(MaxChanLength))
	server.support.Add("awaylen", fmt.Sprint(MaxAwayLength))
}

// ListenAndServe listens on the TCP network address srv.ListenAddr and
// then calls Serve to handle the irc.Conn sessions.
// Accepted connections are configured to enable TCP keep-alives.
//
// If srv.ListenAddr is blank, ":6667" is used.
//
// ListenAndServe always returns a non-nil error.
func (server *Server) ListenAndServe() error {
	addr := server.Address()
	if addr == "" {
		addr = ":6667"
	}

	listen, err := net.Listen("tcp4", addr)

	if err != nil {
		return err
	}

	return server.Serve(tcpKeepAliveListener{listen.(*net.TCPListener)})
}

// ListenAndServeTLS listens on the TCP network address srv.Addr and
// then calls Serve to handle the irc.Conn sessions on a TLS connection.
// Accepted connections are configured to enable TCP keep-alives.
//
// Filenames containing a certificate and matching private key for the
// server must be provided if neither the Server's TLSConfig.Certificates
// nor TLSConfig.GetCertificate are populated. If the certificate is
// signed by a certificate authority, the certFile should be the
// concatenation of the server's certificate, any intermediates, and
// the CA's certificate.
//
// If srv.ListenAddr is blank, ":6697" is used.
//
// ListenAndServeTLS always returns a non-nil error.
func (server *Server) ListenAndServeTLS(certFile, keyFile string) error {
	addr := server.Address()
	if addr == "" {
		addr = ":6697"
	}

	config := cloneTLSConfig(server.TLSConfig)

	configHasCert := len(config.Certificates) > 0 || config.GetCertificate != nil
	if !configHasCert || certFile != "" || keyFile != "" {
		var err error
		config.Certificates = make([]tls.Certificate, 1)
		config.Certificates[0], err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
	}

	listen, err := net.Listen("tcp4", addr)
	if err != nil {
		return err
	}

	tlsListener := tls.NewListener(tcpKeepAliveListener{listen.(*net.TCPListener)}, config)
	return server.Serve(tlsListener)
}

// Serve starts an IRC server which listens for connections on the given
// net.Listener, accepts them when they arrive, then assigns them to a new
// instance of irc.Conn
func (server *Server) Serve(listen net.Listener) error {
	defer listen.Close()

	server.Lock()
	server.listener = listen
	server.Unlock()

	log.Printf("irc: Starting IRC server listener at local address [%s]", listen.Addr())

	if len(server.gracefulSignals) > 0 {
		server.watchForShutdownSignal()
	}

	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		log.Debug("irc: Listening for connection...")
		sock, err := listen.Accept()
		log.Debug("irc: Accepting connection...")

		if err != nil {
			if atomic.LoadInt32(&server.closing) != 0 {
				return ErrServerClosed
			}

			if neterr, ok := err.(net.Error); ok && neterr.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}

				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}

				log.Errorf("irc: Error accepting connection: %v; retrying in %vms", err, tempDelay.Nanoseconds()/int64(time.Millisecond))
				time.Sleep(tempDelay)
				continue
			}

			return err
		}

		log.Debug("irc: Accepted connection.")

		tempDelay = 0
		conn := NewConn(server, sock)
		go serve(conn)
	}
}

// watchForShutdownSignal spawns a supervised goroutine (sourcegraph/conc)
// that waits for one of the configured OS signals and then runs a graceful
// Shutdown, bounded to 30 seconds for the whole teardown.
func (server *Server) watchForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, server.gracefulSignals...)

	var wg conc.WaitGroup
	wg.Go(func() {
		<-sigCh
		log.Info("irc: Received shutdown signal, draining connections...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Errorf("irc: Error during graceful shutdown: %s", err)
		}
	})
}

// Shutdown closes the listener and sends a farewell line to every local and
// peer connection, returning once they've all been notified or ctx expires.
// Safe to call more than once; subsequent calls are no-ops.
func (server *Server) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&server.closing, 0, 1) {
		return nil
	}
	close(server.shutdownCh)

	server.RLock()
	listener := server.listener
	server.RUnlock()
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		server.Conns.ForEach(func(conn *Conn) {
			conn.doQuit("Server shutting down.")
		})
		for _, pc := range server.PeerConns() {
			pc.doError("Server shutting down.")
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cloneTLSConfig returns a shallow clone of the exported
// fields of cfg, ignoring the unexported sync.Once, which
// contains a mutex and must not be copied.
//
// The cfg must not be in active use by tls.Server, or else
// there can still be a race with tls.Server updating SessionTicketKey
// and our copying it, and also a race with the server setting
// SessionTicketsDisabled=false on failure to set the random
// ticket key.
//
// If cfg is nil, a new zero tls.Config is returned.
func cloneTLSConfig(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		return &tls.Config{}
	}
	return &tls.Config{
		Rand:                     cfg.Rand,
		Time:                     cfg.Time,
		Certificates:             cfg.Certificates,
		NameToCertificate:        cfg.NameToCertificate,
		GetCertificate:           cfg.GetCertificate,
		RootCAs:                  cfg.RootCAs,
		NextProtos:               cfg.NextProtos,
		ServerName:               cfg.ServerName,
		ClientAuth:               cfg.ClientAuth,
		ClientCAs:                cfg.ClientCAs,
		InsecureSkipVerify:       cfg.InsecureSkipVerify,
		CipherSuites:             cfg.CipherSuites,
		PreferServerCipherSuites: cfg.PreferServerCipherSuites,
		SessionTicketsDisabled:   cfg.SessionTicketsDisabled,
		SessionTicketKey:         cfg.SessionTicketKey,
		ClientSessionCache:       cfg.ClientSessionCache,
		MinVersion:               cfg.MinVersion,
		MaxVersion:               cfg.MaxVersion,
		CurvePreferences:         cfg.CurvePreferences,
	}
}

// debugServerConnections controls whether all server connections are wrapped
// with a verbose logging wrapper.
// const debugServerConnections = false

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// connections. It's used by ListenAndServe and ListenAndServeTLS so
// dead TCP connections (e.g. closing laptop mid-download) eventually
// go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (listen tcpKeepAliveListener) Accept() (net.Conn, error) {
	conn, err := listen.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(KeepAliveTimeout)
	return conn, nil
}
