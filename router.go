package ircd

import (
	"fmt"
	"path"
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// PeerMessageContext carries one server-to-server command through the peer
// dispatch chain: the link it arrived on, the parsed message, and the
// handled/abort signaling a middleware stage uses to gate later stages on
// handshake progress (spec §4.5 handshake stages, §4.3.4-§4.3.7 command
// handlers, §4.6 burst emission).
type PeerMessageContext struct {
	PC      *PeerConn
	Msg     *Message
	handler string
	handled bool
	abort   bool
	err     error
}

// Handled signals to the router to not call the next PeerMessageHandler in
// the chain if applicable.
func (c *PeerMessageContext) Handled() {
	c.handled = true
}

// AbortWithError signals to the router to not call the next
// PeerMessageHandler in the chain if applicable, and to log the error
// reported.
func (c *PeerMessageContext) AbortWithError(err error) {
	c.abort = true
	c.err = err
}

// PeerMessageHandler defines the function signature of a handler used to
// process a command arriving on a server-to-server link.
type PeerMessageHandler func(*PeerMessageContext)

// IPeerRouter defines the peer router handle interface, single and group.
type IPeerRouter interface {
	IPeerRoutes
	Group(...PeerMessageHandler) *PeerRouterGroup
}

// IPeerRoutes defines the peer router handle interface.
type IPeerRoutes interface {
	Use(...PeerMessageHandler) IPeerRoutes
	Handle(string, ...PeerMessageHandler) IPeerRoutes
}

// PeerHandlersChain defines a PeerMessageHandler slice.
type PeerHandlersChain []PeerMessageHandler

// Last returns the last handler in the chain, i.e. the real one; everything
// before it is shared middleware.
func (c PeerHandlersChain) Last() PeerMessageHandler {
	if length := len(c); length > 0 {
		return c[length-1]
	}
	return nil
}

// PeerRouter dispatches parsed peer-link commands to their handler chains.
// Unlike the flat map Handlers uses for local clients, commands that touch
// mesh state (SID, UID, SJOIN...) need a shared pre-handler gating them on
// handshake stage (spec §4.5.1: a peer may not SJOIN before its SERVER/SID
// exchange completes), which is what the middleware chain is for.
type PeerRouter struct {
	logger *logrus.Entry
	PeerRouterGroup
	HandlerMap map[string]PeerHandlersChain
}

// NewPeerRouter builds an empty PeerRouter.
func NewPeerRouter(logger *logrus.Entry) *PeerRouter {
	if logger == nil {
		panic("must provide a logger to NewPeerRouter")
	}

	entry := logger.WithField("sub-component", "peer-router")
	r := &PeerRouter{
		logger:     entry,
		HandlerMap: make(map[string]PeerHandlersChain),
	}
	r.root = true
	r.router = r
	return r
}

func (router *PeerRouter) addHandler(command string, handlers PeerHandlersChain) {
	if command == "" {
		panic("command must not be an empty string")
	}

	if len(handlers) == 0 {
		panic("there must be at least one handler")
	}

	if _, exists := router.HandlerMap[command]; exists {
		panic(fmt.Sprintf("handler(s) already registered for peer command: %s", command))
	}

	router.HandlerMap[command] = handlers
}

// Use attaches a global middleware to the router, included in the handler
// chain for every command.
func (router *PeerRouter) Use(middleware ...PeerMessageHandler) IPeerRoutes {
	router.PeerRouterGroup.Use(middleware...)
	return router
}

// Handle registers a new command handler chain; the last handler is the
// real one, the rest are shared middleware.
func (router *PeerRouter) Handle(command string, handlers ...PeerMessageHandler) IPeerRoutes {
	handlers = router.combineHandlers(handlers)
	router.router.addHandler(command, handlers)
	return router.returnRouter()
}

// PeerHandlerInfo represents one command's handler chain, for diagnostics.
type PeerHandlerInfo struct {
	Command  string
	Handlers []string
}

// PeerHandlersInfo defines a PeerHandlerInfo slice.
type PeerHandlersInfo []PeerHandlerInfo

// PeerRouterGroup groups handlers sharing a middleware stage, e.g. every
// command legal only after burst has started.
type PeerRouterGroup struct {
	root     bool
	router   *PeerRouter
	Handlers PeerHandlersChain
}

func (group *PeerRouterGroup) combineHandlers(handlers PeerHandlersChain) PeerHandlersChain {
	finalSize := len(group.Handlers) + len(handlers)
	mergedHandlers := make(PeerHandlersChain, finalSize)
	copy(mergedHandlers, group.Handlers)
	copy(mergedHandlers[len(group.Handlers):], handlers)
	return mergedHandlers
}

// Handle registers a new command handler chain scoped to this group.
func (group *PeerRouterGroup) Handle(command string, handlers ...PeerMessageHandler) IPeerRoutes {
	handlers = group.combineHandlers(handlers)
	group.router.addHandler(command, handlers)
	return group.returnRouter()
}

// Use adds middleware to the group.
func (group *PeerRouterGroup) Use(middleware ...PeerMessageHandler) IPeerRoutes {
	group.Handlers = append(group.Handlers, middleware...)
	return group.returnRouter()
}

func (group *PeerRouterGroup) returnRouter() IPeerRouter {
	if group.root {
		return group.router
	}
	return group
}

// Group creates a new router group sharing the given middleware, e.g. the
// set of commands gated on "burst has started" (spec §4.5.1 step 5).
func (group *PeerRouterGroup) Group(handlers ...PeerMessageHandler) *PeerRouterGroup {
	if len(handlers) == 0 {
		panic("a group must have at least one handler")
	}

	newGroup := &PeerRouterGroup{
		Handlers: group.combineHandlers(handlers),
		router:   group.router,
	}

	return newGroup
}

// Handlers returns a slice of registered peer commands and their handler
// chains, for diagnostics.
func (router *PeerRouter) Handlers() PeerHandlersInfo {
	info := make(PeerHandlersInfo, 0, len(router.HandlerMap))
	for command, handlers := range router.HandlerMap {
		info = append(info, PeerHandlerInfo{
			Command:  command,
			Handlers: getHandlerChain(handlers),
		})
	}
	return info
}

// PrintHandlers logs the registered peer command handler chains at debug
// level, used at startup to sanity-check wiring.
func (router *PeerRouter) PrintHandlers() {
	logger := router.logger.WithField("sub-component", "peer-router")
	logger.Debug("Registered peer handlers:")
	handlers := router.Handlers()
	chains := make([]string, 0)
	for i := range handlers {
		if len(handlers[i].Handlers) > 1 {
			chains = append(chains, fmt.Sprintf("| Command: %s \tHandlers: %s", handlers[i].Command, strings.Join(handlers[i].Handlers, " -> ")))
			continue
		}
		router.logger.Debugf("| Command: %s \tHandler: %s", handlers[i].Command, handlers[i].Handlers[0])
	}

	for i := range chains {
		router.logger.Debug(chains[i])
	}
}

func getHandlerChain(handlers PeerHandlersChain) []string {
	chain := make([]string, 0, len(handlers))
	for i := range handlers {
		chain = append(chain, nameOfFunction(handlers[i]))
	}
	return chain
}

func nameOfFunction(f any) string {
	return path.Base(runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name())
}

// RouteCommand dispatches one parsed peer-link message through its
// registered handler chain, recycling msg once every handler has run (or
// skipped via Handled/AbortWithError).
func (router *PeerRouter) RouteCommand(pc *PeerConn, msg *Message) {
	defer msgPool.Recycle(msg)
	logEntry := router.logger.WithField("command", msg.Command)
	handlers, exists := router.HandlerMap[msg.Command]
	if !exists {
		logEntry.Warnf("irc: peer command not implemented: %s", msg.Command)
		return
	}

	ctx := &PeerMessageContext{PC: pc, Msg: msg}

	for i := range handlers {
		ctx.handler = nameOfFunction(handlers[i])
		handlers[i](ctx)
		if ctx.handled {
			return
		}
		if ctx.err != nil {
			logEntry.Warn(fmt.Errorf("error encountered handling peer command with handler [%s]: %w", ctx.handler, ctx.err))
		}
		if ctx.abort {
			logEntry.Debugf("peer command handler chain aborted at: %s", ctx.handler)
			return
		}
	}
}

// peerRouterInst is the process-wide peer command dispatch table, built once by
// registerPeerHandlers (called from Warmup alongside the client Handlers
// map).
var peerRouterInst *PeerRouter

// RoutePeerCommand is the entry point peer_conn.go's readLoop calls for
// every parsed line arriving on a server-to-server link.
func RoutePeerCommand(pc *PeerConn, msg *Message) {
	if peerRouterInst == nil {
		log.Errorf("irc: peer router not initialized, dropping %s from [%s]", msg.Command, pc.remAddr)
		msgPool.Recycle(msg)
		return
	}
	peerRouterInst.RouteCommand(pc, msg)
}

// requireStage builds middleware that aborts the chain (closing the link on
// a protocol violation, spec §7 kind 1) unless the peer connection has
// reached at least min in its handshake (spec §4.5.1).
func requireStage(min linkStage) PeerMessageHandler {
	return func(ctx *PeerMessageContext) {
		ctx.PC.RLock()
		stage := ctx.PC.stage
		ctx.PC.RUnlock()

		if stage < min {
			ctx.AbortWithError(fmt.Errorf("command %s received before handshake stage %d (at %d)", ctx.Msg.Command, min, stage))
			ctx.PC.doError("Not registered.")
			ctx.Handled()
		}
	}
}

// registerPeerHandlers builds the peer command dispatch table. Called once
// from Warmup.
func registerPeerHandlers() {
	r := NewPeerRouter(log.WithField("component", "peer-router"))

	// Bring-up commands are legal before the handshake completes.
	r.Handle(CmdPass, handlePeerPass)
	r.Handle(CmdCapab, handlePeerCapab)
	r.Handle(CmdServer, handlePeerServer)
	r.Handle(CmdError, handlePeerError)
	r.Handle(CmdPing, handlePeerPing)
	r.Handle(CmdPong, handlePeerPong)

	// Everything else requires the link to have finished SERVER/SID
	// exchange (component F) before it means anything.
	established := r.Group(requireStage(stageBursting))
	established.Handle(CmdSID, handlePeerSID)
	established.Handle(CmdUID, handlePeerUID)
	established.Handle(CmdJoin, handlePeerJoin)
	established.Handle(CmdSJoin, handlePeerSJoin)
	established.Handle(CmdBMask, handlePeerBMask)
	established.Handle(CmdTB, handlePeerTB)
	established.Handle(CmdMode, handlePeerMode)
	established.Handle(CmdTopic, handlePeerTopic)
	established.Handle(CmdPart, handlePeerPart)
	established.Handle(CmdQuit, handlePeerQuit)
	established.Handle(CmdNick, handlePeerNick)
	established.Handle(CmdSQuit, handlePeerSQuit)
	established.Handle(CmdEOB, handlePeerEOB)
	established.Handle(CmdPrivMsg, handlePeerChatMessage)
	established.Handle(CmdNotice, handlePeerChatMessage)

	peerRouterInst = r
}
