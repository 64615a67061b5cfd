package directory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/membership"
	"github.com/dreamware/silomesh/internal/wire"
)

// LocalDirectory owns this silo's Partition and Cache and implements
// the routing protocol of spec.md §4.3: resolve the current owner from
// membership, execute locally if self owns the key, otherwise forward
// to the owner with a bounded hop count.
type LocalDirectory struct {
	self         wire.SiloAddress
	members      *membership.Service
	remote       RemoteDirectory
	log          *logging.Logger
	hopLimit     int
	stabilizeFor time.Duration

	partition *Partition
	cache     *Cache

	mu           sync.RWMutex
	acceptedFrom map[wire.SiloAddress]bool // predecessors this silo has accepted handoff from
	shuttingDown bool
	handoffDone  bool
}

// Config bundles LocalDirectory's construction parameters.
type Config struct {
	Self             wire.SiloAddress
	Members          *membership.Service
	Remote           RemoteDirectory
	Log              *logging.Logger
	HopLimit         int
	CacheSize        int
	StabilizeTimeout time.Duration
}

// New creates a LocalDirectory and subscribes it to membership changes
// so its cache can be swept and handoff triggered as the ring shifts.
func New(cfg Config) *LocalDirectory {
	if cfg.HopLimit <= 0 {
		cfg.HopLimit = 6
	}
	d := &LocalDirectory{
		self:         cfg.Self,
		members:      cfg.Members,
		remote:       cfg.Remote,
		log:          cfg.Log,
		hopLimit:     cfg.HopLimit,
		stabilizeFor: cfg.StabilizeTimeout,
		partition:    NewPartition(),
		cache:        NewCache(cfg.CacheSize),
		acceptedFrom: map[wire.SiloAddress]bool{},
	}
	return d
}

// Run watches membership deltas and drives cache invalidation plus
// handoff until ctx is cancelled. Intended to run as a background
// goroutine started by cmd/silo.
func (d *LocalDirectory) Run(ctx context.Context) {
	ch, cancel := d.members.Subscribe(32)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case delta := <-ch:
			d.handleDelta(ctx, delta)
		}
	}
}

func (d *LocalDirectory) handleDelta(ctx context.Context, delta membership.Delta) {
	snap := d.members.Current()
	view := membership.DirectoryViewFor(snap, d.self)
	if view.Empty() {
		return
	}

	for _, joined := range delta.Added {
		d.onSiloJoined(ctx, joined, view)
	}
	for _, removed := range delta.Removed {
		d.onSiloRemoved(removed, view)
	}
}

// onSiloJoined computes which of this silo's partition entries now
// belong to the joiner and splits them over, per spec.md §4.3
// "Handoff on membership churn".
func (d *LocalDirectory) onSiloJoined(ctx context.Context, joined wire.SiloAddress, view membership.DirectoryView) {
	owned := d.partition.EntriesOwnedBy(func(grainHash uint32) bool {
		return view.PartitionOwner(grainHash).Equal(joined)
	})
	if len(owned) == 0 {
		return
	}

	addrs := flattenEntries(owned)
	if err := d.remote.AcceptSplit(ctx, joined, wire.AcceptSplitRequest{SourceSilo: d.self, Entries: addrs}); err != nil {
		d.log.Warnf("directory: split to %s failed, keeping entries: %v", joined, err)
		return
	}
	for _, e := range owned {
		d.partition.Delete(e.Grain)
	}
	d.log.Infof("directory: split %d entries to newly joined %s", len(addrs), joined)

	d.cache.Sweep(func(grain wire.GrainIdentity, _ []wire.ActivationAddress) bool {
		return !view.PartitionOwner(grain.Hash()).Equal(joined)
	})
}

// onSiloRemoved scrubs cache entries pointing at the departed silo
// (spec.md §4.3). It moves no partition entries: the departed silo's
// hash range passes to the remaining silos only through owner's ring
// computation, and partition entries that still reference the departed
// silo are left in place.
func (d *LocalDirectory) onSiloRemoved(removed wire.SiloAddress, view membership.DirectoryView) {
	d.cache.Sweep(func(grain wire.GrainIdentity, activations []wire.ActivationAddress) bool {
		for _, a := range activations {
			if a.Silo.Equal(removed) {
				return false
			}
		}
		return true
	})
}

func flattenEntries(entries []Entry) []wire.ActivationAddress {
	var out []wire.ActivationAddress
	for _, e := range entries {
		out = append(out, e.Activations...)
	}
	return out
}

// AwaitStabilization blocks up to StabilizeTimeout (spec.md §4.3: "80 ×
// 50 ms" default) waiting for at least one handoff split to arrive
// from a predecessor. It returns as soon as a split lands, or once the
// window expires — whichever comes first — and never returns an error:
// "after the window expires, the silo proceeds regardless."
func (d *LocalDirectory) AwaitStabilization(ctx context.Context) {
	deadline := time.Now().Add(d.stabilizeFor)
	const step = 50 * time.Millisecond
	for time.Now().Before(deadline) {
		d.mu.RLock()
		got := len(d.acceptedFrom) > 0
		d.mu.RUnlock()
		if got {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
	}
}

// AcceptSplit absorbs a handoff batch from a predecessor into the
// local partition.
func (d *LocalDirectory) AcceptSplit(from wire.SiloAddress, req wire.AcceptSplitRequest) {
	entries := entriesFromAddresses(req.Entries)
	d.partition.Restore(entries)

	d.mu.Lock()
	d.acceptedFrom[from] = true
	d.mu.Unlock()

	d.log.Infof("directory: accepted split of %d entries from %s", len(req.Entries), from)
}

func entriesFromAddresses(addrs []wire.ActivationAddress) []Entry {
	byGrain := map[wire.GrainIdentity]*Entry{}
	for _, a := range addrs {
		e, ok := byGrain[a.Grain]
		if !ok {
			e = &Entry{Grain: a.Grain, Etag: 1}
			byGrain[a.Grain] = e
		}
		e.Activations = append(e.Activations, a)
	}
	out := make([]Entry, 0, len(byGrain))
	for _, e := range byGrain {
		out = append(out, *e)
	}
	return out
}

// owner resolves the current partition owner for grain, treating self
// as owner if handoff has been accepted from that owner, per spec.md
// §4.3 step 1.
func (d *LocalDirectory) owner(grain wire.GrainIdentity) wire.SiloAddress {
	snap := d.members.Current()
	view := membership.DirectoryViewFor(snap, d.self)
	if view.Empty() {
		return d.self
	}
	owner := view.PartitionOwner(grain.Hash())
	if owner.Equal(d.self) {
		return d.self
	}

	d.mu.RLock()
	accepted := d.acceptedFrom[owner]
	shuttingDown := d.shuttingDown
	handoffDone := d.handoffDone
	d.mu.RUnlock()

	if accepted {
		return d.self
	}
	if shuttingDown && handoffDone && view.HasPred {
		return view.Predecessor
	}
	return owner
}

// Register executes spec.md §4.3's routing algorithm for a Register
// call: local execution if self owns the grain, otherwise forward to
// the owner with an incremented hop count.
func (d *LocalDirectory) Register(ctx context.Context, addr wire.ActivationAddress, singleActivated bool, hopCount int) (wire.ActivationAddress, uint64, error) {
	if hopCount > d.hopLimit {
		return wire.ActivationAddress{}, 0, ErrDirectoryUnavailable
	}

	owner := d.owner(addr.Grain)
	if owner.Equal(d.self) {
		var entry Entry
		var err error
		if singleActivated {
			entry, err = d.partition.AddSingleActivation(addr)
		} else {
			entry = d.partition.AddActivation(addr)
		}
		if err != nil {
			return wire.ActivationAddress{}, 0, err
		}
		winner := entry.Activations[0]
		d.cache.Put(addr.Grain, entry.Activations, entry.Etag)
		return winner, entry.Etag, nil
	}

	resp, err := d.remote.Register(ctx, owner, wire.RegisterRequest{
		Addr:            addr,
		SingleActivated: singleActivated,
		HopCount:        hopCount + 1,
	})
	if err != nil {
		return wire.ActivationAddress{}, 0, err
	}
	d.cache.Put(addr.Grain, []wire.ActivationAddress{resp.Addr}, resp.Etag)
	return resp.Addr, resp.Etag, nil
}

// Unregister executes the routing algorithm for removing one
// activation.
func (d *LocalDirectory) Unregister(ctx context.Context, addr wire.ActivationAddress, cause string, hopCount int) error {
	if hopCount > d.hopLimit {
		return ErrDirectoryUnavailable
	}

	owner := d.owner(addr.Grain)
	if owner.Equal(d.self) {
		entry, removed := d.partition.RemoveActivation(addr.Grain, addr.Activation)
		if removed {
			if len(entry.Activations) == 0 {
				d.cache.Invalidate(addr.Grain)
			} else {
				d.cache.Put(addr.Grain, entry.Activations, entry.Etag)
			}
		}
		return nil
	}
	return d.remote.Unregister(ctx, owner, wire.UnregisterRequest{Addr: addr, Cause: cause, HopCount: hopCount + 1})
}

// Lookup executes the routing algorithm for a directory read: cache
// first, then local partition if self owns the grain, then remote.
func (d *LocalDirectory) Lookup(ctx context.Context, grain wire.GrainIdentity, hopCount int) ([]wire.ActivationAddress, uint64, error) {
	if hopCount > d.hopLimit {
		return nil, 0, ErrDirectoryUnavailable
	}
	if activations, etag, ok := d.cache.Get(grain); ok {
		return activations, etag, nil
	}

	owner := d.owner(grain)
	if owner.Equal(d.self) {
		entry, ok := d.partition.Lookup(grain)
		if !ok {
			return nil, 0, nil
		}
		d.cache.Put(grain, entry.Activations, entry.Etag)
		return entry.Activations, entry.Etag, nil
	}

	resp, err := d.remote.Lookup(ctx, owner, wire.LookupRequest{Grain: grain, HopCount: hopCount + 1})
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Activations) > 0 {
		d.cache.Put(grain, resp.Activations, resp.Etag)
	}
	return resp.Activations, resp.Etag, nil
}

// Delete executes the routing algorithm for removing all entries of a
// grain identity.
func (d *LocalDirectory) Delete(ctx context.Context, grain wire.GrainIdentity, hopCount int) error {
	if hopCount > d.hopLimit {
		return ErrDirectoryUnavailable
	}
	owner := d.owner(grain)
	if owner.Equal(d.self) {
		d.partition.Delete(grain)
		d.cache.Invalidate(grain)
		return nil
	}
	if err := d.remote.Delete(ctx, owner, wire.DeleteRequest{Grain: grain, HopCount: hopCount + 1}); err != nil {
		return err
	}
	d.cache.Invalidate(grain)
	return nil
}

// UnregisterMany removes a batch of activations in one round trip,
// the server-side counterpart of RemoteDirectory.UnregisterMany.
// Each address goes through Unregister's own routing in turn, so an
// address whose grain this silo does not own is forwarded to its
// owner. It stops at the first error.
func (d *LocalDirectory) UnregisterMany(ctx context.Context, addrs []wire.ActivationAddress, cause string, hopCount int) error {
	for _, addr := range addrs {
		if err := d.Unregister(ctx, addr, cause, hopCount); err != nil {
			return err
		}
	}
	return nil
}

// RemoveHandoffPartition drops the bookkeeping this silo kept about
// having accepted a handoff from source, the server-side counterpart
// of BroadcastRemoveHandoffPartition.
func (d *LocalDirectory) RemoveHandoffPartition(source wire.SiloAddress) {
	d.mu.Lock()
	delete(d.acceptedFrom, source)
	d.mu.Unlock()
}

// OnActivationNotFound invalidates the matching cache entry after an
// observed NonexistentActivation rejection (spec.md §4.3, §4.7 point
// 3): "invalidates the cache entry whose etag matches (or any entry
// for that grain if etag is missing)".
func (d *LocalDirectory) OnActivationNotFound(grain wire.GrainIdentity, etag uint64) {
	d.cache.InvalidateIfEtag(grain, etag)
}

// BeginShutdown sets this directory's shutting-down flag, splits every
// local partition entry to the ring successor (when there is one), and
// clears the partition. It does not change the silo's membership
// status; that is left to the caller.
func (d *LocalDirectory) BeginShutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shuttingDown = true
	d.mu.Unlock()

	snap := d.members.Current()
	view := membership.DirectoryViewFor(snap, d.self)
	if !view.HasSucc {
		d.mu.Lock()
		d.handoffDone = true
		d.mu.Unlock()
		return nil
	}

	items := d.partition.GetItems()
	addrs := flattenEntries(items)
	if len(addrs) > 0 {
		if err := d.remote.AcceptSplit(ctx, view.Successor, wire.AcceptSplitRequest{SourceSilo: d.self, Entries: addrs}); err != nil {
			return err
		}
	}
	d.partition.Clear()

	d.mu.Lock()
	d.handoffDone = true
	d.mu.Unlock()
	return nil
}

// BroadcastRemoveHandoffPartition notifies every active silo that this
// silo no longer holds partition state on behalf of source, fanning
// the notification out with golang.org/x/sync/errgroup rather than the
// teacher's sequential broadcast loop (SPEC_FULL.md §4).
func (d *LocalDirectory) BroadcastRemoveHandoffPartition(ctx context.Context, source wire.SiloAddress) error {
	snap := d.members.Current()
	targets := snap.ActiveMembers()

	g, gctx := errgroup.WithContext(ctx)
	var failures int32
	for _, target := range targets {
		target := target
		if target.Equal(d.self) {
			continue
		}
		g.Go(func() error {
			if err := d.remote.RemoveHandoffPartition(gctx, target, wire.RemoveHandoffPartitionRequest{SourceSilo: source}); err != nil {
				atomic.AddInt32(&failures, 1)
				d.log.Warnf("directory: RemoveHandoffPartition to %s failed: %v", target, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if n := atomic.LoadInt32(&failures); n > 0 {
		d.log.Warnf("directory: RemoveHandoffPartition broadcast had %d failures", n)
	}
	return err
}

// Partition exposes the local partition for control-plane handlers
// (dispatch) that need direct access when serving a remote request
// targeted at this silo as owner.
func (d *LocalDirectory) Partition() *Partition { return d.partition }

// Cache exposes the local cache for inspection/testing.
func (d *LocalDirectory) Cache() *Cache { return d.cache }
