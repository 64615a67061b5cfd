package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/silomesh/internal/catalog"
	"github.com/dreamware/silomesh/internal/directory"
	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/scheduler"
	"github.com/dreamware/silomesh/internal/wire"
)

// MethodInvoker actually runs a grain method against a materialized
// activation. Implemented by internal/grain; kept as a narrow seam
// here so dispatch never depends on the grain capability surface
// directly, matching the directory/dispatch layering already
// established for RemoteDirectory.
type MethodInvoker interface {
	Invoke(ctx context.Context, addr wire.ActivationAddress, interfaceID, methodID uint32, body []byte) ([]byte, error)
}

// MessageCenter builds, routes, retries, and rejects messages per
// spec.md §4.7.
type MessageCenter struct {
	self      wire.SiloAddress
	dir       *directory.LocalDirectory
	cat       *catalog.Catalog
	sched     *scheduler.Scheduler
	transport *Transport
	invoker   MethodInvoker
	log       *logging.Logger

	maxForwardCount int
	responseTimeout time.Duration
}

// Config bundles MessageCenter's construction parameters.
type Config struct {
	Self            wire.SiloAddress
	Directory       *directory.LocalDirectory
	Catalog         *catalog.Catalog
	Scheduler       *scheduler.Scheduler
	Transport       *Transport
	Invoker         MethodInvoker
	Log             *logging.Logger
	MaxForwardCount int
	ResponseTimeout time.Duration
}

// New creates a MessageCenter.
func New(cfg Config) *MessageCenter {
	if cfg.MaxForwardCount <= 0 {
		cfg.MaxForwardCount = 3
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	return &MessageCenter{
		self:            cfg.Self,
		dir:             cfg.Directory,
		cat:             cfg.Catalog,
		sched:           cfg.Scheduler,
		transport:       cfg.Transport,
		invoker:         cfg.Invoker,
		log:             cfg.Log,
		maxForwardCount: cfg.MaxForwardCount,
		responseTimeout: cfg.ResponseTimeout,
	}
}

func parseGrain(s string) wire.GrainIdentity {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return wire.GrainIdentity{Key: s}
	}
	return wire.GrainIdentity{Type: s[:idx], Key: s[idx+1:]}
}

// Call sends a request to grain's interface/method and blocks for the
// response, implementing spec.md §4.7 steps 1-3: resolve target_silo
// via the directory (cache then remote), dispatch, and retry a bounded
// number of times on a retryable rejection (CacheInvalidation or
// Transient), invalidating the cached entry before each retry.
func (m *MessageCenter) Call(ctx context.Context, grain wire.GrainIdentity, interfaceID, methodID uint32, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.responseTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= m.maxForwardCount; attempt++ {
		activations, etag, err := m.dir.Lookup(ctx, grain, 0)
		if err != nil {
			return nil, fmt.Errorf("dispatch: resolve %s: %w", grain, err)
		}
		if len(activations) == 0 {
			// Nobody has this grain active yet; materialize it wherever
			// the directory decides to own it by asking the catalog,
			// which itself goes through directory.Register.
			addr, err := m.cat.GetOrCreateActivation(ctx, grain)
			if err != nil {
				return nil, fmt.Errorf("dispatch: activate %s: %w", grain, err)
			}
			activations = []wire.ActivationAddress{addr}
		}
		target := activations[0]

		reply, err := m.send(ctx, target, grain, interfaceID, methodID, body, etag, 0)
		if err == nil {
			return reply, nil
		}

		var routingErr *RoutingError
		if !asRoutingError(err, &routingErr) || !routingErr.Retryable() {
			return nil, err
		}
		lastErr = err
		m.dir.OnActivationNotFound(grain, etag)
	}
	return nil, fmt.Errorf("dispatch: exhausted %d retries for %s: %w", m.maxForwardCount, grain, lastErr)
}

// CallOneWay sends a request that expects no response. A
// NonexistentActivation rejection still invalidates the sender's
// cache so the *next* call succeeds, but the one-way call itself is
// never retried (spec.md §4.7 point 4).
func (m *MessageCenter) CallOneWay(ctx context.Context, grain wire.GrainIdentity, interfaceID, methodID uint32, body []byte) error {
	activations, etag, err := m.dir.Lookup(ctx, grain, 0)
	if err != nil {
		return err
	}
	var target wire.ActivationAddress
	if len(activations) == 0 {
		target, err = m.cat.GetOrCreateActivation(ctx, grain)
		if err != nil {
			return err
		}
	} else {
		target = activations[0]
	}

	_, err = m.send(ctx, target, grain, interfaceID, methodID, body, etag, 0)
	var routingErr *RoutingError
	if asRoutingError(err, &routingErr) && routingErr.Kind == wire.RejectionCacheInvalidation {
		m.dir.OnActivationNotFound(grain, etag)
		return nil
	}
	return err
}

func asRoutingError(err error, out **RoutingError) bool {
	re, ok := err.(*RoutingError)
	if ok {
		*out = re
	}
	return ok
}

// send delivers one request to target, locally or remotely.
func (m *MessageCenter) send(ctx context.Context, target wire.ActivationAddress, grain wire.GrainIdentity, interfaceID, methodID uint32, body []byte, etag uint64, retryCount int) ([]byte, error) {
	frame := wire.Frame{
		Direction:     wire.DirectionRequest,
		SenderSilo:    m.self.String(),
		TargetSilo:    target.Silo.String(),
		TargetGrain:   grain.String(),
		InterfaceID:   interfaceID,
		MethodID:      methodID,
		CorrelationID: uuid.NewString(),
		RetryCount:    retryCount,
		CacheEtag:     etag,
		Body:          body,
	}

	if target.Silo.Equal(m.self) {
		return m.deliverLocally(ctx, frame)
	}

	reply, err := m.transport.RoundTrip(ctx, target.Silo, wire.EnvelopeFrame, frame)
	if err != nil {
		return nil, &RoutingError{Kind: wire.RejectionTransient, Reason: err.Error()}
	}
	var respFrame wire.Frame
	if err := wire.DecodePayload(reply.Payload, &respFrame); err != nil {
		return nil, &RoutingError{Kind: wire.RejectionTransient, Reason: err.Error()}
	}
	return m.interpretReply(respFrame)
}

func (m *MessageCenter) interpretReply(f wire.Frame) ([]byte, error) {
	if f.Direction == wire.DirectionRejection {
		return nil, &RoutingError{Kind: f.RejectionKind, Reason: f.RejectionReason}
	}
	return f.Body, nil
}

// deliverLocally materializes the target activation on this silo and
// submits the call as a scheduler WorkItem, per spec.md §4.7 point 2.
// When no activation is live here, the catalog creates one rather than
// rejecting the call. Only when the directory reports the grain's
// activation on another silo does it reply with a CacheInvalidation
// rejection instead.
func (m *MessageCenter) deliverLocally(ctx context.Context, frame wire.Frame) ([]byte, error) {
	grain := parseGrain(frame.TargetGrain)
	addr, err := m.cat.GetOrCreateActivation(ctx, grain)
	if err != nil {
		return nil, &RoutingError{Kind: wire.RejectionUnrecoverable, Reason: err.Error()}
	}
	if !addr.Silo.Equal(m.self) {
		return nil, &RoutingError{Kind: wire.RejectionCacheInvalidation, Reason: "activation moved off this silo"}
	}

	m.cat.RecordActivity(grain)

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	reentrant := m.cat.Reentrant(grain)
	m.sched.Submit(grain, reentrant, scheduler.WorkItem{
		Lane:      scheduler.LaneApplication,
		Reentrant: reentrant,
		Run: func(ctx context.Context) {
			body, err := m.invoker.Invoke(ctx, addr, frame.InterfaceID, frame.MethodID, frame.Body)
			done <- result{body: body, err: err}
		},
	})

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.body, nil
	case <-ctx.Done():
		return nil, &RoutingError{Kind: wire.RejectionTransient, Reason: ctx.Err().Error()}
	}
}
