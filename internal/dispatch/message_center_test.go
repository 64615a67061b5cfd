package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/silomesh/internal/catalog"
	"github.com/dreamware/silomesh/internal/collector"
	"github.com/dreamware/silomesh/internal/directory"
	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/membership"
	"github.com/dreamware/silomesh/internal/scheduler"
	"github.com/dreamware/silomesh/internal/wire"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logging.Logger { return logging.New(nopWriter{}, "dispatch-test") }

type noopRemote struct{}

func (noopRemote) Register(ctx context.Context, target wire.SiloAddress, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	return wire.RegisterResponse{Addr: req.Addr}, nil
}
func (noopRemote) Unregister(ctx context.Context, target wire.SiloAddress, req wire.UnregisterRequest) error {
	return nil
}
func (noopRemote) UnregisterMany(ctx context.Context, target wire.SiloAddress, req wire.UnregisterManyRequest) error {
	return nil
}
func (noopRemote) Lookup(ctx context.Context, target wire.SiloAddress, req wire.LookupRequest) (wire.LookupResponse, error) {
	return wire.LookupResponse{}, nil
}
func (noopRemote) Delete(ctx context.Context, target wire.SiloAddress, req wire.DeleteRequest) error {
	return nil
}
func (noopRemote) AcceptSplit(ctx context.Context, target wire.SiloAddress, req wire.AcceptSplitRequest) error {
	return nil
}
func (noopRemote) RemoveHandoffPartition(ctx context.Context, target wire.SiloAddress, req wire.RemoveHandoffPartitionRequest) error {
	return nil
}

type echoGrain struct{}

func (echoGrain) OnActivate(ctx context.Context) error   { return nil }
func (echoGrain) OnDeactivate(ctx context.Context) error { return nil }

type echoActivator struct{}

func (echoActivator) Activate(ctx context.Context, grain wire.GrainIdentity) (catalog.Grain, error) {
	return echoGrain{}, nil
}

// echoInvoker returns the request body unchanged, recording every
// address it was asked to invoke.
type echoInvoker struct {
	calls []wire.ActivationAddress
}

func (e *echoInvoker) Invoke(ctx context.Context, addr wire.ActivationAddress, interfaceID, methodID uint32, body []byte) ([]byte, error) {
	e.calls = append(e.calls, addr)
	return body, nil
}

type failingInvoker struct {
	err error
}

func (f *failingInvoker) Invoke(ctx context.Context, addr wire.ActivationAddress, interfaceID, methodID uint32, body []byte) ([]byte, error) {
	return nil, f.err
}

func newSingleSiloCenter(t *testing.T, invoker MethodInvoker) (*MessageCenter, wire.SiloAddress) {
	t.Helper()
	self := wire.SiloAddress{Endpoint: "silo-a:7000", Generation: 1}

	members := membership.New(testLogger())
	ctx := context.Background()
	members.Join(ctx, self)
	members.Advance(ctx, self, membership.Active)

	dir := directory.New(directory.Config{
		Self:      self,
		Members:   members,
		Remote:    noopRemote{},
		Log:       testLogger(),
		HopLimit:  6,
		CacheSize: 64,
	})

	wheel := collector.New(10*time.Millisecond, testLogger())
	cat := catalog.New(catalog.Config{
		Self:      self,
		Directory: dir,
		Activator: echoActivator{},
		Wheel:     wheel,
		AgeLimit:  func(string) time.Duration { return time.Hour },
		Log:       testLogger(),
	})

	sched := scheduler.New(2, testLogger())
	t.Cleanup(sched.Shutdown)

	mc := New(Config{
		Self:            self,
		Directory:       dir,
		Catalog:         cat,
		Scheduler:       sched,
		Invoker:         invoker,
		Log:             testLogger(),
		ResponseTimeout: time.Second,
	})
	return mc, self
}

func TestCallDeliversLocallyAndActivates(t *testing.T) {
	invoker := &echoInvoker{}
	mc, self := newSingleSiloCenter(t, invoker)
	grain := wire.GrainIdentity{Type: "Thermostat", Key: "a"}

	reply, err := mc.Call(context.Background(), grain, 1, 2, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply)
	require.Len(t, invoker.calls, 1)
	assert.Equal(t, self, invoker.calls[0].Silo)
}

func TestCallSecondInvocationReusesActivation(t *testing.T) {
	invoker := &echoInvoker{}
	mc, _ := newSingleSiloCenter(t, invoker)
	grain := wire.GrainIdentity{Type: "Thermostat", Key: "b"}

	_, err := mc.Call(context.Background(), grain, 1, 1, []byte("one"))
	require.NoError(t, err)
	_, err = mc.Call(context.Background(), grain, 1, 1, []byte("two"))
	require.NoError(t, err)

	require.Len(t, invoker.calls, 2)
	assert.Equal(t, invoker.calls[0], invoker.calls[1])
}

func TestCallSurfacesInvokerError(t *testing.T) {
	boom := errors.New("grain exploded")
	mc, _ := newSingleSiloCenter(t, &failingInvoker{err: boom})
	grain := wire.GrainIdentity{Type: "Thermostat", Key: "c"}

	_, err := mc.Call(context.Background(), grain, 1, 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestParseGrainRoundTripsStringForm(t *testing.T) {
	grain := wire.GrainIdentity{Type: "Thermostat", Key: "room-9"}
	got := parseGrain(grain.String())
	assert.Equal(t, grain, got)
}

func TestRoutingErrorRetryable(t *testing.T) {
	transient := &RoutingError{Kind: wire.RejectionTransient}
	cacheInvalid := &RoutingError{Kind: wire.RejectionCacheInvalidation}
	unrecoverable := &RoutingError{Kind: wire.RejectionUnrecoverable}

	assert.True(t, transient.Retryable())
	assert.True(t, cacheInvalid.Retryable())
	assert.False(t, unrecoverable.Retryable())
}
