package grain

import (
	"context"
	"fmt"

	"github.com/dreamware/silomesh/internal/catalog"
	"github.com/dreamware/silomesh/internal/wire"
)

// Invoker implements dispatch.MethodInvoker by resolving an
// ActivationAddress's materialized Grain from the catalog and running
// its InvokeMethod. It is the one place in the runtime that needs both
// the catalog's storage of activations and the grain capability
// surface defined in this package.
type Invoker struct {
	cat *catalog.Catalog
}

// NewInvoker creates an Invoker over cat.
func NewInvoker(cat *catalog.Catalog) *Invoker {
	return &Invoker{cat: cat}
}

// Invoke runs interfaceID/methodID against addr's activation. Returns
// an error if the activation is not a Valid local record implementing
// Grain. That error is a plain error, not a dispatch RoutingError, so
// the dispatcher's MessageCenter returns it to the caller without
// retrying.
func (i *Invoker) Invoke(ctx context.Context, addr wire.ActivationAddress, interfaceID, methodID uint32, body []byte) ([]byte, error) {
	g, ok := i.cat.ActiveGrain(addr.Grain)
	if !ok {
		return nil, fmt.Errorf("grain: %s has no valid local activation", addr.Grain)
	}
	impl, ok := g.(Grain)
	if !ok {
		return nil, fmt.Errorf("grain: %s's activation does not implement InvokeMethod", addr.Grain)
	}
	return impl.InvokeMethod(ctx, interfaceID, methodID, body)
}
