// Package catalog owns local activation records and drives the
// activation lifecycle state machine (spec.md §4.5): Creating →
// Activating → Valid → Deactivating → Invalid, one-way transitions
// only.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dreamware/silomesh/internal/collector"
	"github.com/dreamware/silomesh/internal/directory"
	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/membership"
	"github.com/dreamware/silomesh/internal/wire"
)

// State is an activation's position in the lifecycle. States are
// strictly ordered and transitions are one-way (spec.md §4.5
// invariant: "Creating < Activating < Valid < Deactivating < Invalid").
type State int

const (
	Creating State = iota
	Activating
	Valid
	Deactivating
	Invalid
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Activating:
		return "activating"
	case Valid:
		return "valid"
	case Deactivating:
		return "deactivating"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Grain is the capability surface a grain class implements. OnActivate
// runs during the Creating→Activating→Valid transition; OnDeactivate
// runs during Deactivating→Invalid. Both are called directly by the
// catalog on the goroutine driving the transition, not as a turn on
// the activation's scheduler.
type Grain interface {
	OnActivate(ctx context.Context) error
	OnDeactivate(ctx context.Context) error
}

// GrainActivator constructs a Grain implementation for a given grain
// identity. cmd/silo wires one activator per grain type, the way the
// teacher's shard.NewShard factory builds one shard per assignment —
// generalized here from a fixed shard count to an open set of grain
// classes (SPEC_FULL.md §6).
type GrainActivator interface {
	Activate(ctx context.Context, grain wire.GrainIdentity) (Grain, error)
}

// Record is one local activation's bookkeeping: identity, lifecycle
// state, idle tracking, and its collection-wheel handle.
type Record struct {
	mu sync.Mutex

	addr  wire.ActivationAddress
	state State
	grain Grain

	lastActivity time.Time
	keepAlive    bool
	pendingCalls int

	collectHandle *collector.Handle
	reentrant     bool
}

// Addr returns this record's activation address.
func (r *Record) Addr() wire.ActivationAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// State returns the record's current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reentrant reports whether this activation's grain class opted into
// reentrancy (spec.md §4.6).
func (r *Record) Reentrant() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reentrant
}

// markActivityLocked resets idle tracking to now; the caller holds
// r.mu.
func (r *Record) markActivityLocked() {
	r.lastActivity = time.Now()
}

// idleFor reports how long this activation has been idle with no
// pending calls, used by ScanStale's re-check (spec.md §4.4).
func (r *Record) idleFor(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingCalls > 0 {
		return 0
	}
	return now.Sub(r.lastActivity)
}

// Catalog is the per-silo owner of local activation records.
type Catalog struct {
	self         wire.SiloAddress
	dir          *directory.LocalDirectory
	activator    GrainActivator
	wheel        *collector.Wheel
	ageLimit     func(grainType string) time.Duration
	reentrantFor func(grainType string) bool
	log          *logging.Logger

	mu      sync.RWMutex
	records map[wire.GrainIdentity]*Record

	creation singleflight.Group
}

// Config bundles Catalog's construction parameters.
type Config struct {
	Self      wire.SiloAddress
	Directory *directory.LocalDirectory
	Activator GrainActivator
	Wheel     *collector.Wheel
	AgeLimit  func(grainType string) time.Duration

	// ReentrantFor reports whether grainType's activations should be
	// marked reentrant (spec.md §4.6, §6 "reentrancy": "per-grain-class:
	// default non-reentrant, may be opted in"). Nil means every grain
	// class is non-reentrant.
	ReentrantFor func(grainType string) bool

	Log *logging.Logger
}

// New creates an empty Catalog.
func New(cfg Config) *Catalog {
	return &Catalog{
		self:         cfg.Self,
		dir:          cfg.Directory,
		activator:    cfg.Activator,
		wheel:        cfg.Wheel,
		ageLimit:     cfg.AgeLimit,
		reentrantFor: cfg.ReentrantFor,
		log:          cfg.Log,
		records:      map[wire.GrainIdentity]*Record{},
	}
}

// GetOrCreateActivation returns a local Valid activation's address,
// creating one if needed (spec.md §4.5). When another silo wins the
// directory Register race, it returns that silo's activation address
// instead. Concurrent callers for the
// same grain identity collapse onto one creation attempt via
// singleflight, ahead of even the directory Register race — only one
// goroutine on this silo ever reserves a Creating slot per grain.
func (c *Catalog) GetOrCreateActivation(ctx context.Context, grain wire.GrainIdentity) (wire.ActivationAddress, error) {
	c.mu.RLock()
	if rec, ok := c.records[grain]; ok && rec.State() == Valid {
		c.mu.RUnlock()
		rec.mu.Lock()
		rec.markActivityLocked()
		rec.mu.Unlock()
		return rec.Addr(), nil
	}
	c.mu.RUnlock()

	v, err, _ := c.creation.Do(grain.String(), func() (any, error) {
		return c.create(ctx, grain)
	})
	if err != nil {
		return wire.ActivationAddress{}, err
	}
	return v.(wire.ActivationAddress), nil
}

func (c *Catalog) create(ctx context.Context, grain wire.GrainIdentity) (wire.ActivationAddress, error) {
	// Re-check under the creation key: another goroutine may have
	// finished creating this activation while we waited for the
	// singleflight slot.
	c.mu.RLock()
	if rec, ok := c.records[grain]; ok && rec.State() == Valid {
		c.mu.RUnlock()
		return rec.Addr(), nil
	}
	c.mu.RUnlock()

	addr := wire.ActivationAddress{Silo: c.self, Grain: grain, Activation: wire.NewActivationID()}
	rec := &Record{addr: addr, state: Creating, lastActivity: time.Now()}

	c.mu.Lock()
	c.records[grain] = rec
	c.mu.Unlock()

	winner, _, err := c.dir.Register(ctx, addr, true, 0)
	if err != nil {
		c.transitionInvalid(rec)
		return wire.ActivationAddress{}, fmt.Errorf("catalog: register %s: %w", grain, err)
	}
	if winner != addr {
		// Another silo won the race: abandon this slot and report the
		// winner (spec.md §4.5 point 2).
		c.transitionInvalid(rec)
		return winner, nil
	}

	rec.mu.Lock()
	rec.state = Activating
	rec.mu.Unlock()

	grainImpl, err := c.activator.Activate(ctx, grain)
	if err != nil {
		c.abandon(ctx, rec)
		return wire.ActivationAddress{}, fmt.Errorf("catalog: activate %s: %w", grain, err)
	}
	if err := grainImpl.OnActivate(ctx); err != nil {
		c.abandon(ctx, rec)
		return wire.ActivationAddress{}, fmt.Errorf("catalog: OnActivate %s: %w", grain, err)
	}

	reentrant := false
	if c.reentrantFor != nil {
		reentrant = c.reentrantFor(grain.Type)
	}

	rec.mu.Lock()
	rec.grain = grainImpl
	rec.state = Valid
	rec.reentrant = reentrant
	rec.mu.Unlock()

	if c.wheel != nil && c.ageLimit != nil {
		rec.collectHandle = c.wheel.Schedule(grain, time.Now(), c.ageLimit(grain.Type))
	}

	c.log.Infof("catalog: activated %s", addr)
	return addr, nil
}

// abandon unregisters a failed activation and transitions it to
// Invalid (spec.md §4.5 point 3, failure branch).
func (c *Catalog) abandon(ctx context.Context, rec *Record) {
	_ = c.dir.Unregister(ctx, rec.Addr(), "activation_failed", 0)
	c.transitionInvalid(rec)
}

func (c *Catalog) transitionInvalid(rec *Record) {
	rec.mu.Lock()
	rec.state = Invalid
	rec.mu.Unlock()
	c.mu.Lock()
	if current, ok := c.records[rec.addr.Grain]; ok && current == rec {
		delete(c.records, rec.addr.Grain)
	}
	c.mu.Unlock()
}

// Deactivate transitions a Valid activation to Deactivating, drains
// its pending queue via the caller-supplied drain hook, runs the
// grain's teardown, unregisters it from the directory, and finally
// transitions to Invalid (spec.md §4.5).
func (c *Catalog) Deactivate(ctx context.Context, grain wire.GrainIdentity, drain func()) error {
	c.mu.RLock()
	rec, ok := c.records[grain]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	rec.mu.Lock()
	if rec.state != Valid {
		rec.mu.Unlock()
		return nil
	}
	rec.state = Deactivating
	grainImpl := rec.grain
	handle := rec.collectHandle
	rec.mu.Unlock()

	if handle != nil {
		c.wheel.TryCancel(handle)
	}
	if drain != nil {
		drain()
	}
	if grainImpl != nil {
		if err := grainImpl.OnDeactivate(ctx); err != nil {
			c.log.Warnf("catalog: OnDeactivate %s returned error: %v", grain, err)
		}
	}

	if err := c.dir.Unregister(ctx, rec.Addr(), "deactivated", 0); err != nil {
		c.log.Warnf("catalog: unregister %s failed during deactivation: %v", grain, err)
	}
	c.transitionInvalid(rec)
	c.log.Infof("catalog: deactivated %s", grain)
	return nil
}

// RecordActivity marks a grain's activation as having seen a call,
// feeding the collector's TryReschedule (spec.md §4.4 "called on
// activity").
func (c *Catalog) RecordActivity(grain wire.GrainIdentity) {
	c.mu.RLock()
	rec, ok := c.records[grain]
	c.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	rec.markActivityLocked()
	handle := rec.collectHandle
	rec.mu.Unlock()

	if handle != nil && c.wheel != nil && c.ageLimit != nil {
		newHandle, ok := c.wheel.TryReschedule(handle, time.Now(), c.ageLimit(grain.Type))
		if ok {
			rec.mu.Lock()
			rec.collectHandle = newHandle
			rec.mu.Unlock()
		}
	}
}

// Reentrant reports whether grain's local activation, if any, accepts
// reentrant calls while a turn is already in progress (spec.md §4.6).
// An unknown grain reports false: the scheduler then serializes its
// first call like any non-reentrant activation.
func (c *Catalog) Reentrant(grain wire.GrainIdentity) bool {
	c.mu.RLock()
	rec, ok := c.records[grain]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return rec.Reentrant()
}

// ActiveGrain returns grain's Valid local activation's Grain
// implementation, for the dispatcher's MethodInvoker to run a method
// against (spec.md §4.7 point 2). Reports false if the grain has no
// local activation or it is not currently Valid (e.g. mid-deactivation).
func (c *Catalog) ActiveGrain(grain wire.GrainIdentity) (Grain, bool) {
	c.mu.RLock()
	rec, ok := c.records[grain]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != Valid {
		return nil, false
	}
	return rec.grain, true
}

// ConsiderForCollection re-checks a stale activation under its own
// lock and either returns it for deactivation (caller must invoke
// CompleteCollection) or reschedules it, implementing ScanStale's per-item
// re-check (spec.md §4.4): "if still Valid and still idle... transition
// it to Deactivating... otherwise, reschedule it." The Handle
// ScanStale just popped is permanently spent (collector.Wheel.
// TryReschedule refuses once a handle has fired), so declining here
// must mint a fresh Handle via Schedule or the activation falls out of
// the wheel forever.
func (c *Catalog) ConsiderForCollection(grain wire.GrainIdentity, ageLimit time.Duration) (shouldDeactivate bool) {
	c.mu.RLock()
	rec, ok := c.records[grain]
	c.mu.RUnlock()
	if !ok {
		return false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != Valid {
		return false
	}
	if rec.keepAlive || rec.pendingCalls > 0 || time.Since(rec.lastActivity) <= ageLimit {
		if c.wheel != nil {
			rec.collectHandle = c.wheel.Schedule(grain, time.Now(), ageLimit)
		}
		return false
	}
	rec.state = Deactivating
	return true
}

// CompleteCollection finishes tearing down a record ConsiderForCollection
// just flagged Deactivating: drains its queue, runs the grain's
// teardown, unregisters it from the directory, and transitions to
// Invalid. Split out from Deactivate because ConsiderForCollection has
// already moved the record out of Valid under its own lock, and
// Deactivate's guard only proceeds from Valid (spec.md §4.4, §4.5).
func (c *Catalog) CompleteCollection(ctx context.Context, grain wire.GrainIdentity, drain func()) error {
	c.mu.RLock()
	rec, ok := c.records[grain]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	rec.mu.Lock()
	if rec.state != Deactivating {
		rec.mu.Unlock()
		return nil
	}
	grainImpl := rec.grain
	handle := rec.collectHandle
	rec.mu.Unlock()

	if handle != nil {
		c.wheel.TryCancel(handle)
	}
	if drain != nil {
		drain()
	}
	if grainImpl != nil {
		if err := grainImpl.OnDeactivate(ctx); err != nil {
			c.log.Warnf("catalog: OnDeactivate %s returned error: %v", grain, err)
		}
	}

	if err := c.dir.Unregister(ctx, rec.Addr(), "idle_timeout", 0); err != nil {
		c.log.Warnf("catalog: unregister %s failed during collection: %v", grain, err)
	}
	c.transitionInvalid(rec)
	c.log.Infof("catalog: collected idle activation %s", grain)
	return nil
}

// OnSiloStatusChange logs a silo entering a terminating membership
// status. It cancels no outstanding operations addressed to that silo,
// no component in this repository calls it, and internal/scheduler
// holds no membership subscription of its own.
func (c *Catalog) OnSiloStatusChange(snap membership.Snapshot, silo wire.SiloAddress, status membership.Status) {
	if !status.Terminating() {
		return
	}
	c.log.Infof("catalog: observed %s entering %s at membership version %d", silo, status, snap.Version)
}

// Len reports the number of local activation records, for tests and
// diagnostics.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
