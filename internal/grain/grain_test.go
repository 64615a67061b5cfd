package grain

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
	"github.com/dreamware/silomesh/internal/wire"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logging.Logger { return logging.New(nopWriter{}, "grain-test") }

// noopRemote implements directory.RemoteDirectory for a single-silo
// test topology where every directory call resolves locally.
type noopRemote struct{}

func (noopRemote) Register(ctx context.Context, target wire.SiloAddress, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	return wire.RegisterResponse{Addr: req.Addr}, nil
}
func (noopRemote) Unregister(context.Context, wire.SiloAddress, wire.UnregisterRequest) error {
	return nil
}
func (noopRemote) UnregisterMany(context.Context, wire.SiloAddress, wire.UnregisterManyRequest) error {
	return nil
}
func (noopRemote) Lookup(context.Context, wire.SiloAddress, wire.LookupRequest) (wire.LookupResponse, error) {
	return wire.LookupResponse{}, nil
}
func (noopRemote) Delete(context.Context, wire.SiloAddress, wire.DeleteRequest) error { return nil }
func (noopRemote) AcceptSplit(context.Context, wire.SiloAddress, wire.AcceptSplitRequest) error {
	return nil
}
func (noopRemote) RemoveHandoffPartition(context.Context, wire.SiloAddress, wire.RemoveHandoffPartitionRequest) error {
	return nil
}

// echoGrain is a Grain that embeds Base for its lifecycle hooks and
// echoes its invocation body back, recording every call it receives.
type echoGrain struct {
	Base
	calls [][]byte
	err   error
}

func (g *echoGrain) InvokeMethod(ctx context.Context, interfaceID, methodID uint32, body []byte) ([]byte, error) {
	g.calls = append(g.calls, body)
	if g.err != nil {
		return nil, g.err
	}
	return body, nil
}

type fixedActivator struct{ g *echoGrain }

func (a *fixedActivator) Activate(ctx context.Context, grain wire.GrainIdentity) (catalog.Grain, error) {
	return a.g, nil
}

func newTestCatalog(t *testing.T, g *echoGrain) (*catalog.Catalog, wire.SiloAddress) {
	t.Helper()
	self := wire.SiloAddress{Endpoint: "self:7000", Generation: 1}
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
		Activator: &fixedActivator{g: g},
		Wheel:     wheel,
		AgeLimit:  func(string) time.Duration { return time.Hour },
		Log:       testLogger(),
	})
	return cat, self
}

func TestInvokerRunsMethodAgainstMaterializedActivation(t *testing.T) {
	g := &echoGrain{}
	cat, self := newTestCatalog(t, g)
	ctx := context.Background()

	id := wire.GrainIdentity{Type: "Thermostat", Key: "room-1"}
	addr, err := cat.GetOrCreateActivation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, self, addr.Silo)

	inv := NewInvoker(cat)
	reply, err := inv.Invoke(ctx, addr, 1, 2, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), reply)
	require.Len(t, g.calls, 1)
	assert.Equal(t, []byte("payload"), g.calls[0])
}

func TestInvokerSurfacesGrainError(t *testing.T) {
	g := &echoGrain{err: errors.New("boom")}
	cat, _ := newTestCatalog(t, g)
	ctx := context.Background()

	id := wire.GrainIdentity{Type: "Thermostat", Key: "room-2"}
	addr, err := cat.GetOrCreateActivation(ctx, id)
	require.NoError(t, err)

	inv := NewInvoker(cat)
	_, err = inv.Invoke(ctx, addr, 1, 2, nil)
	assert.ErrorContains(t, err, "boom")
}

func TestInvokerRejectsUnknownActivation(t *testing.T) {
	g := &echoGrain{}
	cat, self := newTestCatalog(t, g)

	addr := wire.ActivationAddress{Silo: self, Grain: wire.GrainIdentity{Type: "Thermostat", Key: "never-activated"}}
	inv := NewInvoker(cat)
	_, err := inv.Invoke(context.Background(), addr, 1, 2, nil)
	assert.Error(t, err)
}

// fakeDispatcher implements Dispatcher for Reference tests without
// pulling in the full dispatch package.
type fakeDispatcher struct {
	gotCall   []wire.GrainIdentity
	gotOneWay []wire.GrainIdentity
	callReply []byte
	callErr   error
	oneWayErr error
}

func (f *fakeDispatcher) Call(ctx context.Context, grain wire.GrainIdentity, interfaceID, methodID uint32, body []byte) ([]byte, error) {
	f.gotCall = append(f.gotCall, grain)
	return f.callReply, f.callErr
}

func (f *fakeDispatcher) CallOneWay(ctx context.Context, grain wire.GrainIdentity, interfaceID, methodID uint32, body []byte) error {
	f.gotOneWay = append(f.gotOneWay, grain)
	return f.oneWayErr
}

func TestReferenceInvokeRoutesThroughDispatcher(t *testing.T) {
	disp := &fakeDispatcher{callReply: []byte("pong")}
	id := wire.GrainIdentity{Type: "Thermostat", Key: "room-3"}
	ref := NewReference(id, disp)

	reply, err := ref.Invoke(context.Background(), 1, 2, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), reply)
	require.Len(t, disp.gotCall, 1)
	assert.Equal(t, id, disp.gotCall[0])
	assert.Equal(t, id, ref.Identity())
}

func TestReferenceInvokeOneWayRoutesThroughDispatcher(t *testing.T) {
	disp := &fakeDispatcher{}
	id := wire.GrainIdentity{Type: "Thermostat", Key: "room-4"}
	ref := NewReference(id, disp)

	err := ref.InvokeOneWay(context.Background(), 1, 2, []byte("fire-and-forget"))
	require.NoError(t, err)
	require.Len(t, disp.gotOneWay, 1)
	assert.Equal(t, id, disp.gotOneWay[0])
}

func TestMemoryStoreLoadSaveDelete(t *testing.T) {
	store := NewMemoryStore()
	id := wire.GrainIdentity{Type: "Thermostat", Key: "room-5"}

	_, err := store.Load(id)
	assert.ErrorIs(t, err, ErrNoState)

	require.NoError(t, store.Save(id, []byte("state-v1")))
	got, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v1"), got)
	assert.Equal(t, 1, store.Len())

	require.NoError(t, store.Delete(id))
	_, err = store.Load(id)
	assert.ErrorIs(t, err, ErrNoState)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreCopiesOnSaveAndLoad(t *testing.T) {
	store := NewMemoryStore()
	id := wire.GrainIdentity{Type: "Thermostat", Key: "room-6"}

	original := []byte("mutate-me")
	require.NoError(t, store.Save(id, original))
	original[0] = 'X'

	got, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("mutate-me"), got)

	got[0] = 'Y'
	got2, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("mutate-me"), got2)
}
