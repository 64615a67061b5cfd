// Package dispatch implements the Message Center / Dispatcher
// (spec.md §4.7): message assembly, routing through the directory,
// retry on stale-cache rejections, and the silo-to-silo TCP transport
// that carries wire.Envelopes between silos.
//
// The transport generalizes the teacher's shared *http.Client
// (internal/cluster.httpClient) — a package-level, connection-reusing
// client — into a small pool of long-lived TCP connections keyed by
// silo endpoint, since this design's intra-cluster link is framed TCP
// rather than HTTP+JSON (SPEC_FULL.md §6).
package dispatch

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/wire"
)

// maxEnvelopeSize bounds a single length-prefixed envelope, guarding
// against a corrupt length prefix causing an unbounded allocation.
const maxEnvelopeSize = 16 << 20

// writeEnvelope writes a length-prefixed, gob-encoded envelope to w.
func writeEnvelope(w io.Writer, codec wire.EnvelopeCodec, e wire.Envelope) error {
	data, err := codec.Encode(e)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("dispatch: write envelope length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("dispatch: write envelope body: %w", err)
	}
	return nil
}

// readEnvelope reads one length-prefixed, gob-encoded envelope from r.
func readEnvelope(r io.Reader, codec wire.EnvelopeCodec) (wire.Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return wire.Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxEnvelopeSize {
		return wire.Envelope{}, fmt.Errorf("dispatch: envelope of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return wire.Envelope{}, err
	}
	return codec.Decode(data)
}

// conn is one long-lived connection to a peer silo, multiplexing many
// in-flight requests by correlation id — the same multiplexed-session
// shape the retrieved tinode/chat cluster file uses for its intra-
// cluster RPC link (SPEC_FULL.md §4).
type conn struct {
	nc    net.Conn
	codec wire.EnvelopeCodec

	mu      sync.Mutex
	pending map[string]chan wire.Envelope
	writeMu sync.Mutex
	closed  bool
}

func newConn(nc net.Conn) *conn {
	c := &conn{nc: nc, pending: map[string]chan wire.Envelope{}}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	r := bufio.NewReader(c.nc)
	for {
		e, err := readEnvelope(r, c.codec)
		if err != nil {
			c.failAll(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[e.CorrelationID]
		if ok {
			delete(c.pending, e.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			ch <- e
		}
	}
}

func (c *conn) failAll(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = map[string]chan wire.Envelope{}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = err
}

// request sends e and blocks until the matching reply arrives or ctx
// is cancelled.
func (c *conn) request(ctx context.Context, e wire.Envelope) (wire.Envelope, error) {
	ch := make(chan wire.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Envelope{}, fmt.Errorf("dispatch: connection closed")
	}
	c.pending[e.CorrelationID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeEnvelope(c.nc, c.codec, e)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, e.CorrelationID)
		c.mu.Unlock()
		return wire.Envelope{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return wire.Envelope{}, fmt.Errorf("dispatch: connection closed while awaiting reply")
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, e.CorrelationID)
		c.mu.Unlock()
		return wire.Envelope{}, ctx.Err()
	}
}

// Transport manages one conn per peer silo endpoint, dialing lazily
// and redialing on failure — generalizing the teacher's single shared
// httpClient into a small connection pool.
type Transport struct {
	log         *logging.Logger
	dialTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*conn
}

// NewTransport creates a Transport with the given dial timeout.
func NewTransport(dialTimeout time.Duration, log *logging.Logger) *Transport {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Transport{log: log, dialTimeout: dialTimeout, conns: map[string]*conn{}}
}

func (t *Transport) connFor(target wire.SiloAddress) (*conn, error) {
	t.mu.Lock()
	c, ok := t.conns[target.Endpoint]
	t.mu.Unlock()
	if ok {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			return c, nil
		}
	}

	nc, err := net.DialTimeout("tcp", target.Endpoint, t.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dispatch: dial %s: %w", target.Endpoint, err)
	}
	c = newConn(nc)

	t.mu.Lock()
	t.conns[target.Endpoint] = c
	t.mu.Unlock()
	return c, nil
}

// RoundTrip sends an envelope of kind carrying payload to target and
// returns the reply envelope, whose payload the caller decodes. An
// EnvelopeError reply is returned as an error.
func (t *Transport) RoundTrip(ctx context.Context, target wire.SiloAddress, kind wire.EnvelopeKind, payload any) (wire.Envelope, error) {
	body, err := wire.EncodePayload(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	c, err := t.connFor(target)
	if err != nil {
		return wire.Envelope{}, err
	}
	reply, err := c.request(ctx, wire.Envelope{
		CorrelationID: uuid.NewString(),
		Kind:          kind,
		Payload:       body,
	})
	if err != nil {
		return wire.Envelope{}, err
	}
	if reply.Kind == wire.EnvelopeError {
		return wire.Envelope{}, fmt.Errorf("dispatch: remote error: %s", reply.ErrorMessage)
	}
	return reply, nil
}

// ForwardFrame sends frame as-is to target and returns the decoded
// reply frame, without involving the local catalog or scheduler. Used
// by internal/gateway to forward a client's system-target message
// directly to another silo (spec.md §4.8).
func (t *Transport) ForwardFrame(ctx context.Context, target wire.SiloAddress, frame wire.Frame) (wire.Frame, error) {
	reply, err := t.RoundTrip(ctx, target, wire.EnvelopeFrame, frame)
	if err != nil {
		return wire.Frame{}, err
	}
	var respFrame wire.Frame
	if err := wire.DecodePayload(reply.Payload, &respFrame); err != nil {
		return wire.Frame{}, err
	}
	return respFrame, nil
}

// Close tears down every pooled connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.nc.Close()
	}
	t.conns = map[string]*conn{}
}
