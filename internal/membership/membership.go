// Package membership tracks cluster composition as a versioned,
// monotonically-advancing snapshot, per spec.md §4.1.
//
// It deliberately does not implement gossip or consensus: the hard
// problem this repo addresses is everything that *consumes* a
// membership view (the directory's partition ownership, the catalog's
// shutdown handling, the gateway's drop accounting), not how the view
// is agreed upon across a real network. A production deployment would
// seed this service from an external oracle; Silomesh's Service is
// that oracle's in-process stand-in, reachable the same way the
// teacher's coordinator is reachable (register/advance/leave calls
// from cmd/silo), and is sufficient to drive every consumer exactly as
// specified.
package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/silomesh/internal/logging"
	"github.com/dreamware/silomesh/internal/ring"
	"github.com/dreamware/silomesh/internal/wire"
)

// Status is a silo's position in the Joining→Active→ShuttingDown→
// Stopping→Dead lifecycle (spec.md §2).
type Status int

const (
	Joining Status = iota
	Active
	ShuttingDown
	Stopping
	Dead
)

// String renders the status name used in logs and wire messages.
func (s Status) String() string {
	switch s {
	case Joining:
		return "joining"
	case Active:
		return "active"
	case ShuttingDown:
		return "shutting_down"
	case Stopping:
		return "stopping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Terminating reports the derived terminating(s) predicate from
// spec.md §3: true for ShuttingDown, Stopping, or Dead.
func (s Status) Terminating() bool {
	return s == ShuttingDown || s == Stopping || s == Dead
}

// Snapshot is the immutable cluster membership value from spec.md §3:
// a version plus a map of silo to status. Snapshot is never mutated in
// place; every change produces a new Snapshot.
type Snapshot struct {
	Version uint64
	Members map[wire.SiloAddress]Status
}

// ActiveMembers returns every silo currently Active, suitable for
// building a ring. The slice is freshly allocated.
func (s Snapshot) ActiveMembers() []wire.SiloAddress {
	out := make([]wire.SiloAddress, 0, len(s.Members))
	for addr, st := range s.Members {
		if st == Active {
			out = append(out, addr)
		}
	}
	return out
}

// Ring builds the consistent-hash ring over this snapshot's Active
// members. Active members ordered by hash form the ring (spec.md §3).
func (s Snapshot) Ring() *ring.Ring {
	active := s.ActiveMembers()
	members := make([]ring.Member, len(active))
	for i, addr := range active {
		members[i] = ring.Member{ID: addr.String(), Hash: addr.Hash()}
	}
	return ring.New(members)
}

// Delta describes what changed between two successive snapshots:
// silos added, silos removed entirely, and silos whose status changed
// without being added or removed (spec.md §4.1).
type Delta struct {
	Added         []wire.SiloAddress
	Removed       []wire.SiloAddress
	StatusChanged []wire.SiloAddress
}

// Empty reports whether this delta carries no changes at all.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.StatusChanged) == 0
}

func diff(prev, next Snapshot) Delta {
	var d Delta
	for addr, status := range next.Members {
		old, existed := prev.Members[addr]
		if !existed {
			d.Added = append(d.Added, addr)
			continue
		}
		if old != status {
			d.StatusChanged = append(d.StatusChanged, addr)
		}
	}
	for addr := range prev.Members {
		if _, ok := next.Members[addr]; !ok {
			d.Removed = append(d.Removed, addr)
		}
	}
	sortAddrs(d.Added)
	sortAddrs(d.Removed)
	sortAddrs(d.StatusChanged)
	return d
}

func sortAddrs(addrs []wire.SiloAddress) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
}

// subscription is one consumer's update channel. Changes are delivered
// best-effort: a slow subscriber that lets its channel fill never
// blocks the mutator holding the write lock (spec.md §4.1: "Delivery
// order across subscribers is not globally synchronized").
type subscription struct {
	ch chan Delta
}

// Service is the in-process membership oracle every silo consults.
// It exposes exactly the three operations spec.md §4.1 says core
// components may use: Current, Subscribe, RefreshAtLeast — plus the
// self-reported lifecycle transitions (Join/Advance/Leave) that drive
// this silo's own status, supplementing what the distillation leaves
// unspecified (SPEC_FULL.md §6 "Membership — supplemented").
type Service struct {
	log *logging.Logger

	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]*subscription
	next    int
	advance chan struct{} // closed and replaced on every mutation

}

// New creates a Service seeded with an empty, version-0 snapshot.
func New(log *logging.Logger) *Service {
	return &Service{
		log: log,
		snap: Snapshot{
			Version: 0,
			Members: map[wire.SiloAddress]Status{},
		},
		subs:    map[int]*subscription{},
		advance: make(chan struct{}),
	}
}

// Current returns the latest snapshot. Callers must not cache it
// across an async suspension point without re-reading (spec.md §4.1).
func (s *Service) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe registers for delta notifications and returns a channel
// plus an unsubscribe function. The channel is buffered; if the
// consumer falls behind, the new delta is dropped for that subscriber
// (with a warning logged) rather than blocking the mutator — consumers needing an exact delta
// history should re-derive it from two Current() reads instead.
func (s *Service) Subscribe(buffer int) (<-chan Delta, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{ch: make(chan Delta, buffer)}

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return sub.ch, cancel
}

// RefreshAtLeast blocks until the local snapshot reaches at least the
// given version, or ctx is cancelled. Callers use this after a
// transient directory failure caused by a stale membership view
// (spec.md §4.3 "Failure semantics").
func (s *Service) RefreshAtLeast(ctx context.Context, version uint64) (Snapshot, error) {
	for {
		s.mu.RLock()
		snap := s.snap
		wait := s.advance
		s.mu.RUnlock()

		if snap.Version >= version {
			return snap, nil
		}

		select {
		case <-wait:
			// a mutation landed; loop and re-check the new snapshot
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// mutate applies fn to a copy of the current membership map, advances
// the version, stores the result, and fans the delta out to every
// subscriber. It is the only path that ever changes s.snap.
func (s *Service) mutate(fn func(members map[wire.SiloAddress]Status)) Snapshot {
	s.mu.Lock()
	next := make(map[wire.SiloAddress]Status, len(s.snap.Members))
	for k, v := range s.snap.Members {
		next[k] = v
	}
	fn(next)

	prev := s.snap
	s.snap = Snapshot{Version: prev.Version + 1, Members: next}
	delta := diff(prev, s.snap)

	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	snap := s.snap
	closing := s.advance
	s.advance = make(chan struct{})
	s.mu.Unlock()
	close(closing)

	if !delta.Empty() {
		for _, sub := range subs {
			select {
			case sub.ch <- delta:
			default:
				s.log.Warnf("membership: dropping delta for slow subscriber")
			}
		}
	}
	return snap
}

// Join admits addr into the snapshot with status Joining. Calling Join
// for an address already present overwrites its status back to
// Joining, modeling a restart under a reused endpoint — callers should
// mint a fresh wire.SiloAddress.Generation (via wire.NewGeneration) to
// avoid colliding with a still-Active prior incarnation.
func (s *Service) Join(ctx context.Context, addr wire.SiloAddress) (uint64, error) {
	snap := s.mutate(func(members map[wire.SiloAddress]Status) {
		members[addr] = Joining
	})
	s.log.Infof("membership: %s joined at version %d", addr, snap.Version)
	return snap.Version, nil
}

// Advance transitions addr to a new status. It is the self-reported
// lifecycle hook spec.md's prose table implies but the distillation
// never names as an operation (SPEC_FULL.md §6).
func (s *Service) Advance(ctx context.Context, addr wire.SiloAddress, status Status) (uint64, error) {
	s.mu.RLock()
	_, known := s.snap.Members[addr]
	s.mu.RUnlock()
	if !known {
		return 0, fmt.Errorf("membership: advance: %s is not a known member", addr)
	}

	snap := s.mutate(func(members map[wire.SiloAddress]Status) {
		members[addr] = status
	})
	s.log.Infof("membership: %s advanced to %s at version %d", addr, status, snap.Version)
	return snap.Version, nil
}

// Leave removes addr from the snapshot entirely, used once a silo has
// finished its Dead transition and no longer needs to be carried even
// as a terminating entry.
func (s *Service) Leave(ctx context.Context, addr wire.SiloAddress) (uint64, error) {
	snap := s.mutate(func(members map[wire.SiloAddress]Status) {
		delete(members, addr)
	})
	s.log.Infof("membership: %s left at version %d", addr, snap.Version)
	return snap.Version, nil
}
