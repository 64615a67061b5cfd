package gateway

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/wire"
)

// systemGrainType marks a frame's target_grain as a system target
// (spec.md §4.8): the gateway forwards it directly to target_silo
// instead of resolving it through the grain directory.
const systemGrainType = "$system"

// Dispatcher is the collaborator the gateway uses to route a client
// message to a regular grain as if it originated locally. Satisfied by
// *dispatch.MessageCenter without either package importing the other,
// matching directory's RemoteDirectory seam.
type Dispatcher interface {
	Call(ctx context.Context, grain wire.GrainIdentity, interfaceID, methodID uint32, body []byte) ([]byte, error)
	CallOneWay(ctx context.Context, grain wire.GrainIdentity, interfaceID, methodID uint32, body []byte) error
}

// SystemForwarder is the collaborator the gateway uses to forward a
// system-target message directly to another silo. Satisfied by
// *dispatch.Transport's ForwardFrame.
type SystemForwarder interface {
	ForwardFrame(ctx context.Context, target wire.SiloAddress, frame wire.Frame) (wire.Frame, error)
}

// Config bundles Server's construction parameters.
type Config struct {
	Self              wire.SiloAddress
	Dispatcher        Dispatcher
	Forwarder         SystemForwarder
	Log               *logging.Logger
	ResponseTimeout   time.Duration
	ClientDropTimeout time.Duration
	ReplyRouteSize    int
}

// Server is the gateway's client-facing TCP endpoint (spec.md §4.8).
type Server struct {
	self       wire.SiloAddress
	dispatcher Dispatcher
	forwarder  SystemForwarder
	log        *logging.Logger

	responseTimeout   time.Duration
	clientDropTimeout time.Duration

	registry    *Registry
	replyRoutes *ReplyRouteCache

	mu sync.Mutex
	ln net.Listener
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	if cfg.ClientDropTimeout <= 0 {
		cfg.ClientDropTimeout = 2 * time.Minute
	}
	if cfg.ReplyRouteSize <= 0 {
		cfg.ReplyRouteSize = 4096
	}
	return &Server{
		self:              cfg.Self,
		dispatcher:        cfg.Dispatcher,
		forwarder:         cfg.Forwarder,
		log:               cfg.Log,
		responseTimeout:   cfg.ResponseTimeout,
		clientDropTimeout: cfg.ClientDropTimeout,
		registry:          NewRegistry(),
		replyRoutes:       NewReplyRouteCache(cfg.ReplyRouteSize, 5*cfg.ResponseTimeout),
	}
}

// Registry exposes the client registry for inspection/testing.
func (s *Server) Registry() *Registry { return s.registry }

// ReplyRoutes exposes the reply-route cache for inspection/testing.
func (s *Server) ReplyRoutes() *ReplyRouteCache { return s.replyRoutes }

// Serve accepts client connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, nc)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// CleanupOnce advances disconnected clients past client_drop_timeout to
// fully dropped, aborting their queued messages and expiring the reply
// routes that pointed at them. cmd/silo runs this on a ticker
// (spec.md §4.8 "a periodic cleanup agent").
func (s *Server) CleanupOnce(now time.Time) {
	for _, id := range s.registry.ExpiredDisconnects(now, s.clientDropTimeout) {
		s.registry.Drop(id)
		s.replyRoutes.Remove(id)
		s.log.Infof("gateway: dropped client %s after disconnect timeout", id)
	}
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	r := bufio.NewReader(nc)

	var hs wire.HandshakeRequest
	if err := readValue(r, &hs); err != nil {
		nc.Close()
		return
	}
	if err := writeValue(nc, wire.HandshakeResponse{GatewaySilo: s.self}); err != nil {
		nc.Close()
		return
	}

	var writeMu sync.Mutex
	writeFrame := func(f wire.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeValue(nc, f)
	}

	cs := s.registry.Connect(hs.ClientID, nc, writeFrame)
	s.replyRoutes.Put(hs.ClientID, s.self)
	s.log.Infof("gateway: client %s connected from %s", hs.ClientID, nc.RemoteAddr())

	for _, queued := range cs.drainPending() {
		_ = writeFrame(queued)
	}

	defer func() {
		nc.Close()
		s.registry.Disconnect(nc, time.Now())
		s.log.Infof("gateway: client %s disconnected", hs.ClientID)
	}()

	for {
		var frame wire.Frame
		if err := readValue(r, &frame); err != nil {
			return
		}
		go s.route(ctx, hs.ClientID, frame, writeFrame)
	}
}

// route applies spec.md §4.8's three routing rules to one inbound
// client frame.
func (s *Server) route(ctx context.Context, from wire.ClientID, frame wire.Frame, reply func(wire.Frame) error) {
	ctx, cancel := context.WithTimeout(ctx, s.responseTimeout)
	defer cancel()

	parsedTarget := parseGrain(frame.TargetGrain)

	switch {
	case parsedTarget.Type == systemGrainType:
		s.routeSystem(ctx, frame, reply)
	case frame.Direction == wire.DirectionResponse || frame.Direction == wire.DirectionRejection:
		s.routeClientReply(ctx, frame)
	default:
		s.routeToGrain(ctx, from, frame, parsedTarget, reply)
	}
}

// routeSystem forwards a system-target message directly to
// target_silo, unless that silo is this gateway itself.
func (s *Server) routeSystem(ctx context.Context, frame wire.Frame, reply func(wire.Frame) error) {
	target := parseSiloAddress(frame.TargetSilo)
	if target.Equal(s.self) || frame.TargetSilo == "" {
		s.log.Warnf("gateway: system target %q has no local handler", frame.TargetGrain)
		return
	}
	respFrame, err := s.forwarder.ForwardFrame(ctx, target, frame)
	if err != nil {
		s.log.Warnf("gateway: forward system message to %s failed: %v", target, err)
		return
	}
	if frame.Direction == wire.DirectionRequest {
		_ = reply(respFrame)
	}
}

// routeToGrain sends a client message into the dispatcher as if it
// originated locally, rewriting sender_silo to this gateway's address
// so the response (or any later message addressed back to this client)
// routes back here.
func (s *Server) routeToGrain(ctx context.Context, from wire.ClientID, frame wire.Frame, grain wire.GrainIdentity, reply func(wire.Frame) error) {
	frame.SenderSilo = s.self.String()

	if frame.Direction == wire.DirectionOneWay {
		if err := s.dispatcher.CallOneWay(ctx, grain, frame.InterfaceID, frame.MethodID, frame.Body); err != nil {
			s.log.Warnf("gateway: one-way call to %s failed: %v", grain, err)
		}
		return
	}

	body, err := s.dispatcher.Call(ctx, grain, frame.InterfaceID, frame.MethodID, frame.Body)
	respFrame := frame
	if err != nil {
		respFrame.Direction = wire.DirectionRejection
		respFrame.RejectionReason = err.Error()
	} else {
		respFrame.Direction = wire.DirectionResponse
		respFrame.Body = body
	}
	if err := reply(respFrame); err != nil {
		s.log.Warnf("gateway: write reply to client %s failed: %v", from, err)
	}
}

// routeClientReply handles a message whose ultimate destination is
// another client rather than a grain: look up the reply-route cache
// and forward, or drop if the target client's gateway is unknown.
func (s *Server) routeClientReply(ctx context.Context, frame wire.Frame) {
	targetClient := wire.ClientID(frame.TargetGrain)
	gatewaySilo, ok := s.replyRoutes.Get(targetClient)
	if !ok {
		s.log.Warnf("gateway: no reply route for client %s, dropping", targetClient)
		return
	}
	if gatewaySilo.Equal(s.self) {
		s.deliverToLocalClient(targetClient, frame)
		return
	}
	if _, err := s.forwarder.ForwardFrame(ctx, gatewaySilo, frame); err != nil {
		s.log.Warnf("gateway: forward client reply to %s failed: %v", gatewaySilo, err)
	}
}

func (s *Server) deliverToLocalClient(id wire.ClientID, frame wire.Frame) {
	cs, ok := s.registry.ByClient(id)
	if !ok {
		s.log.Warnf("gateway: client %s not registered, dropping reply", id)
		return
	}
	sent, err := cs.Send(frame)
	if err != nil {
		s.log.Warnf("gateway: push to client %s failed: %v", id, err)
		return
	}
	if !sent {
		cs.Enqueue(frame)
	}
}

func parseGrain(s string) wire.GrainIdentity {
	idx := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return wire.GrainIdentity{Key: s}
	}
	return wire.GrainIdentity{Type: s[:idx], Key: s[idx+1:]}
}

func parseSiloAddress(s string) wire.SiloAddress {
	idx := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '#' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return wire.SiloAddress{Endpoint: s}
	}
	var gen int64
	for _, c := range s[idx+1:] {
		if c < '0' || c > '9' {
			return wire.SiloAddress{Endpoint: s[:idx]}
		}
		gen = gen*10 + int64(c-'0')
	}
	return wire.SiloAddress{Endpoint: s[:idx], Generation: gen}
}
