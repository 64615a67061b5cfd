package directory

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/membership"
	"github.com/dreamware/silomesh/internal/wire"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logging.Logger {
	return logging.New(nopWriter{}, "directory-test")
}

// fakeRemote records calls and lets a test dictate per-call responses.
type fakeRemote struct {
	registerFn func(ctx context.Context, target wire.SiloAddress, req wire.RegisterRequest) (wire.RegisterResponse, error)
	lookupFn   func(ctx context.Context, target wire.SiloAddress, req wire.LookupRequest) (wire.LookupResponse, error)
	splits     []wire.AcceptSplitRequest
}

func (f *fakeRemote) Register(ctx context.Context, target wire.SiloAddress, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	if f.registerFn != nil {
		return f.registerFn(ctx, target, req)
	}
	return wire.RegisterResponse{Addr: req.Addr, Etag: 1}, nil
}
func (f *fakeRemote) Unregister(ctx context.Context, target wire.SiloAddress, req wire.UnregisterRequest) error {
	return nil
}
func (f *fakeRemote) UnregisterMany(ctx context.Context, target wire.SiloAddress, req wire.UnregisterManyRequest) error {
	return nil
}
func (f *fakeRemote) Lookup(ctx context.Context, target wire.SiloAddress, req wire.LookupRequest) (wire.LookupResponse, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, target, req)
	}
	return wire.LookupResponse{}, nil
}
func (f *fakeRemote) Delete(ctx context.Context, target wire.SiloAddress, req wire.DeleteRequest) error {
	return nil
}
func (f *fakeRemote) AcceptSplit(ctx context.Context, target wire.SiloAddress, req wire.AcceptSplitRequest) error {
	f.splits = append(f.splits, req)
	return nil
}
func (f *fakeRemote) RemoveHandoffPartition(ctx context.Context, target wire.SiloAddress, req wire.RemoveHandoffPartitionRequest) error {
	return nil
}

func newSingleSiloDirectory(t *testing.T) (*LocalDirectory, wire.SiloAddress, *membership.Service) {
	t.Helper()
	self := wire.SiloAddress{Endpoint: "self:7000", Generation: 1}
	members := membership.New(testLogger())
	members.Join(context.Background(), self)
	members.Advance(context.Background(), self, membership.Active)

	d := New(Config{
		Self:             self,
		Members:          members,
		Remote:           &fakeRemote{},
		Log:              testLogger(),
		HopLimit:         6,
		CacheSize:        64,
		StabilizeTimeout: 10 * time.Millisecond,
	})
	return d, self, members
}

func TestRegisterLocalWhenSelfOwnsGrain(t *testing.T) {
	d, self, _ := newSingleSiloDirectory(t)
	grain := wire.GrainIdentity{Type: "Thermostat", Key: "a"}
	addr := wire.ActivationAddress{Silo: self, Grain: grain, Activation: wire.NewActivationID()}

	winner, etag, err := d.Register(context.Background(), addr, true, 0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if winner != addr {
		t.Fatal("expected to win registration as sole member")
	}
	if etag != 1 {
		t.Fatalf("etag = %d, want 1", etag)
	}
}

func TestRegisterHopLimitExceeded(t *testing.T) {
	d, self, _ := newSingleSiloDirectory(t)
	grain := wire.GrainIdentity{Type: "Thermostat", Key: "a"}
	addr := wire.ActivationAddress{Silo: self, Grain: grain, Activation: wire.NewActivationID()}

	_, _, err := d.Register(context.Background(), addr, true, 7)
	if err != ErrDirectoryUnavailable {
		t.Fatalf("expected ErrDirectoryUnavailable, got %v", err)
	}
}

func TestLookupCacheHitAvoidsRemote(t *testing.T) {
	d, self, _ := newSingleSiloDirectory(t)
	grain := wire.GrainIdentity{Type: "Thermostat", Key: "b"}
	addr := wire.ActivationAddress{Silo: self, Grain: grain, Activation: wire.NewActivationID()}
	d.cache.Put(grain, []wire.ActivationAddress{addr}, 5)

	activations, etag, err := d.Lookup(context.Background(), grain, 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if etag != 5 || len(activations) != 1 {
		t.Fatalf("unexpected lookup result: %v %d", activations, etag)
	}
}

func TestOnActivationNotFoundInvalidatesMatchingEtag(t *testing.T) {
	d, self, _ := newSingleSiloDirectory(t)
	grain := wire.GrainIdentity{Type: "Thermostat", Key: "c"}
	addr := wire.ActivationAddress{Silo: self, Grain: grain, Activation: wire.NewActivationID()}
	d.cache.Put(grain, []wire.ActivationAddress{addr}, 9)

	d.OnActivationNotFound(grain, 1) // wrong etag, should not invalidate
	if _, _, ok := d.cache.Get(grain); !ok {
		t.Fatal("entry should survive a non-matching etag invalidation")
	}

	d.OnActivationNotFound(grain, 9)
	if _, _, ok := d.cache.Get(grain); ok {
		t.Fatal("entry should be invalidated on matching etag")
	}
}

func TestAwaitStabilizationReturnsOnAcceptedSplit(t *testing.T) {
	d, _, _ := newSingleSiloDirectory(t)
	pred := wire.SiloAddress{Endpoint: "pred:7000", Generation: 1}

	go func() {
		time.Sleep(5 * time.Millisecond)
		d.AcceptSplit(pred, wire.AcceptSplitRequest{})
	}()

	start := time.Now()
	d.AwaitStabilization(context.Background())
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("AwaitStabilization took too long to notice accepted split")
	}
}

func TestAwaitStabilizationExpiresWithoutSplit(t *testing.T) {
	d, _, _ := newSingleSiloDirectory(t)
	start := time.Now()
	d.AwaitStabilization(context.Background())
	if time.Since(start) < d.stabilizeFor {
		t.Fatal("expected AwaitStabilization to wait out the full window")
	}
}

func TestBeginShutdownSplitsToSuccessor(t *testing.T) {
	self := wire.SiloAddress{Endpoint: "self:7000", Generation: 1}
	other := wire.SiloAddress{Endpoint: "other:7000", Generation: 1}
	members := membership.New(testLogger())
	ctx := context.Background()
	members.Join(ctx, self)
	members.Advance(ctx, self, membership.Active)
	members.Join(ctx, other)
	members.Advance(ctx, other, membership.Active)

	remote := &fakeRemote{}
	d := New(Config{
		Self:      self,
		Members:   members,
		Remote:    remote,
		Log:       testLogger(),
		HopLimit:  6,
		CacheSize: 64,
	})

	grain := wire.GrainIdentity{Type: "Thermostat", Key: "owned-by-self"}
	addr := wire.ActivationAddress{Silo: self, Grain: grain, Activation: wire.NewActivationID()}
	d.partition.AddSingleActivation(addr)

	if err := d.BeginShutdown(ctx); err != nil {
		t.Fatalf("BeginShutdown: %v", err)
	}
	if len(remote.splits) != 1 || len(remote.splits[0].Entries) != 1 {
		t.Fatalf("expected one split to the successor carrying one entry, got %+v", remote.splits)
	}
	if len(d.partition.GetItems()) != 0 {
		t.Fatal("expected partition to be cleared after handoff")
	}
}
