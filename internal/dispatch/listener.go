package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/dreamware/silomesh/internal/directory"
	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/wire"
)

func errUnknownEnvelopeKind(k wire.EnvelopeKind) error {
	return fmt.Errorf("dispatch: unknown envelope kind %d", k)
}

// Listener accepts inbound silo-to-silo TCP connections, decodes
// wire.Envelopes, and routes each to the directory's control-plane
// handlers or the MessageCenter's local delivery path, replying on the
// same connection. It is the receiving half of Transport.
type Listener struct {
	log *logging.Logger
	dir *directory.LocalDirectory
	mc  *MessageCenter

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewListener creates a Listener bound to dir (for control-plane
// requests) and mc (for data frames).
func NewListener(dir *directory.LocalDirectory, mc *MessageCenter, log *logging.Logger) *Listener {
	return &Listener{dir: dir, mc: mc, log: log}
}

// Serve accepts connections on ln until ctx is cancelled or Close is
// called. It blocks; callers run it in its own goroutine, mirroring
// the teacher's cmd/node accept-loop shape.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, nc)
		}()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) serveConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	var codec wire.EnvelopeCodec
	r := bufio.NewReader(nc)
	var writeMu sync.Mutex

	for {
		e, err := readEnvelope(r, codec)
		if err != nil {
			return
		}
		go func(e wire.Envelope) {
			reply := l.handle(ctx, e)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := writeEnvelope(nc, codec, reply); err != nil {
				l.log.Warnf("dispatch: write reply to %s: %v", nc.RemoteAddr(), err)
			}
		}(e)
	}
}

// handle dispatches one decoded envelope to the right local collaborator
// and builds the reply envelope, carrying the same correlation id.
func (l *Listener) handle(ctx context.Context, e wire.Envelope) wire.Envelope {
	reply := func(kind wire.EnvelopeKind, payload any) wire.Envelope {
		body, err := wire.EncodePayload(payload)
		if err != nil {
			return wire.Envelope{CorrelationID: e.CorrelationID, Kind: wire.EnvelopeError, ErrorMessage: err.Error()}
		}
		return wire.Envelope{CorrelationID: e.CorrelationID, Kind: kind, Payload: body}
	}
	fail := func(err error) wire.Envelope {
		return wire.Envelope{CorrelationID: e.CorrelationID, Kind: wire.EnvelopeError, ErrorMessage: err.Error()}
	}

	switch e.Kind {
	case wire.EnvelopeFrame:
		var frame wire.Frame
		if err := wire.DecodePayload(e.Payload, &frame); err != nil {
			return fail(err)
		}
		body, err := l.mc.deliverLocally(ctx, frame)
		if err != nil {
			var re *RoutingError
			kind := wire.RejectionUnrecoverable
			reason := err.Error()
			if asRoutingError(err, &re) {
				kind, reason = re.Kind, re.Reason
			}
			respFrame := frame
			respFrame.Direction = wire.DirectionRejection
			respFrame.RejectionKind = kind
			respFrame.RejectionReason = reason
			return reply(wire.EnvelopeFrame, respFrame)
		}
		respFrame := frame
		respFrame.Direction = wire.DirectionResponse
		respFrame.Body = body
		return reply(wire.EnvelopeFrame, respFrame)

	case wire.EnvelopeRegisterRequest:
		var req wire.RegisterRequest
		if err := wire.DecodePayload(e.Payload, &req); err != nil {
			return fail(err)
		}
		addr, etag, err := l.dir.Register(ctx, req.Addr, req.SingleActivated, req.HopCount)
		if err != nil {
			return fail(err)
		}
		return reply(wire.EnvelopeRegisterResponse, wire.RegisterResponse{Addr: addr, Etag: etag})

	case wire.EnvelopeUnregisterRequest:
		var req wire.UnregisterRequest
		if err := wire.DecodePayload(e.Payload, &req); err != nil {
			return fail(err)
		}
		if err := l.dir.Unregister(ctx, req.Addr, req.Cause, req.HopCount); err != nil {
			return fail(err)
		}
		return reply(wire.EnvelopeAck, struct{}{})

	case wire.EnvelopeUnregisterManyRequest:
		var req wire.UnregisterManyRequest
		if err := wire.DecodePayload(e.Payload, &req); err != nil {
			return fail(err)
		}
		if err := l.dir.UnregisterMany(ctx, req.Addrs, req.Cause, req.HopCount); err != nil {
			return fail(err)
		}
		return reply(wire.EnvelopeAck, struct{}{})

	case wire.EnvelopeLookupRequest:
		var req wire.LookupRequest
		if err := wire.DecodePayload(e.Payload, &req); err != nil {
			return fail(err)
		}
		activations, etag, err := l.dir.Lookup(ctx, req.Grain, req.HopCount)
		if err != nil {
			return fail(err)
		}
		return reply(wire.EnvelopeLookupResponse, wire.LookupResponse{Activations: activations, Etag: etag})

	case wire.EnvelopeDeleteRequest:
		var req wire.DeleteRequest
		if err := wire.DecodePayload(e.Payload, &req); err != nil {
			return fail(err)
		}
		if err := l.dir.Delete(ctx, req.Grain, req.HopCount); err != nil {
			return fail(err)
		}
		return reply(wire.EnvelopeAck, struct{}{})

	case wire.EnvelopeAcceptSplitRequest:
		var req wire.AcceptSplitRequest
		if err := wire.DecodePayload(e.Payload, &req); err != nil {
			return fail(err)
		}
		l.dir.AcceptSplit(req.SourceSilo, req)
		return reply(wire.EnvelopeAck, struct{}{})

	case wire.EnvelopeRemoveHandoffPartitionRequest:
		var req wire.RemoveHandoffPartitionRequest
		if err := wire.DecodePayload(e.Payload, &req); err != nil {
			return fail(err)
		}
		l.dir.RemoveHandoffPartition(req.SourceSilo)
		return reply(wire.EnvelopeAck, struct{}{})

	default:
		return fail(errUnknownEnvelopeKind(e.Kind))
	}
}
