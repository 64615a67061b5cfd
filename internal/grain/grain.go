// Package grain defines the grain capability surface and the strongly
// typed proxy client code uses to invoke one (spec.md's REDESIGN FLAGS:
// "model grains as values implementing a set of capabilities {OnActivate,
// OnDeactivate, InvokeMethod} ... a tagged variant differentiates system
// grains, stateless workers, and stateful grains").
//
// The runtime never holds a Grain by raw type assertion outside this
// package and internal/catalog: catalog.Catalog stores the capability
// behind its Record, and internal/dispatch reaches it only through the
// narrow MethodInvoker seam implemented here.
package grain

import (
	"context"

	"github.com/dreamware/silomesh/internal/catalog"
	"github.com/dreamware/silomesh/internal/wire"
)

// Kind tags a grain class by its activation/state semantics. Neither
// cmd/silo nor the scheduler reads it: this runtime enforces
// single-activation for all kinds per spec.md §1 point 2, so Kind is
// informational metadata only, not a lifecycle relaxation.
type Kind int

const (
	// KindStateful is the default: a single activation holding private
	// state across calls, collected when idle.
	KindStateful Kind = iota
	// KindStateless marks a grain class with no meaningful instance
	// state, suitable for cmd/silo to activate eagerly or pool.
	KindStateless
	// KindSystem marks a grain implementing cluster-internal protocol
	// (e.g. the gateway's client-reply routing target), never exposed
	// to application callers directly.
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindStateless:
		return "stateless"
	case KindSystem:
		return "system"
	default:
		return "stateful"
	}
}

// Grain is the full capability surface a grain class implements:
// catalog.Grain's lifecycle hooks plus the method-invocation entry
// point the dispatcher calls on every request (spec.md §4.7 point 2).
// interfaceID/methodID are opaque numeric selectors — spec.md scopes
// RPC-stub code generation out, so resolving them to a concrete Go
// method is left to each Grain implementation.
type Grain interface {
	catalog.Grain
	InvokeMethod(ctx context.Context, interfaceID, methodID uint32, body []byte) ([]byte, error)
}

// Base is an embeddable no-op implementation of the lifecycle hooks,
// for grain classes that need no activation/deactivation work beyond
// loading and flushing their state (most stateful grains backed by a
// Store do this in their own OnActivate/OnDeactivate instead, but
// stateless and system grains commonly embed Base unchanged).
type Base struct{}

func (Base) OnActivate(ctx context.Context) error   { return nil }
func (Base) OnDeactivate(ctx context.Context) error { return nil }

// Reference is a strongly typed proxy holding a grain's identity and
// submitting invocation requests through the dispatcher, per spec.md's
// data-flow diagram (§2: "GrainReference.Invoke(method, args) →
// Dispatcher"). It never talks to the catalog or directory directly.
type Reference struct {
	identity   wire.GrainIdentity
	dispatcher Dispatcher
}

// Dispatcher is the collaborator a Reference calls through. Satisfied
// by *dispatch.MessageCenter without grain importing dispatch, the
// same narrow-seam layering directory and gateway already use.
type Dispatcher interface {
	Call(ctx context.Context, grain wire.GrainIdentity, interfaceID, methodID uint32, body []byte) ([]byte, error)
	CallOneWay(ctx context.Context, grain wire.GrainIdentity, interfaceID, methodID uint32, body []byte) error
}

// NewReference creates a Reference for identity, routed through d.
func NewReference(identity wire.GrainIdentity, d Dispatcher) Reference {
	return Reference{identity: identity, dispatcher: d}
}

// Identity returns the grain identity this reference addresses.
func (r Reference) Identity() wire.GrainIdentity { return r.identity }

// Invoke calls interfaceID/methodID on the referenced grain and blocks
// for its reply.
func (r Reference) Invoke(ctx context.Context, interfaceID, methodID uint32, body []byte) ([]byte, error) {
	return r.dispatcher.Call(ctx, r.identity, interfaceID, methodID, body)
}

// InvokeOneWay calls interfaceID/methodID on the referenced grain
// without waiting for a reply (spec.md §4.7 point 4).
func (r Reference) InvokeOneWay(ctx context.Context, interfaceID, methodID uint32, body []byte) error {
	return r.dispatcher.CallOneWay(ctx, r.identity, interfaceID, methodID, body)
}
