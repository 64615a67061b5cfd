// Package directory implements the grain directory: the authoritative
// partition each silo holds for the grain identities it owns, the
// bounded read-through cache every silo keeps of remote entries, and
// the routing algorithm that ties them together (spec.md §4.2, §4.3).
package directory

import (
	"sync"

	"github.com/dreamware/silomesh/internal/wire"
)

// Entry is one grain directory record: the activation addresses
// currently registered for a grain identity, plus the etag that
// strictly increases on every mutation (spec.md §4.2 invariant).
type Entry struct {
	Grain       wire.GrainIdentity
	Activations []wire.ActivationAddress
	Etag        uint64
}

// clone returns a deep copy of e, safe to hand to a caller who must
// not observe later in-place mutation.
func (e Entry) clone() Entry {
	out := Entry{Grain: e.Grain, Etag: e.Etag}
	if len(e.Activations) > 0 {
		out.Activations = append([]wire.ActivationAddress(nil), e.Activations...)
	}
	return out
}

func (e Entry) indexOf(activation wire.ActivationID) int {
	for i, a := range e.Activations {
		if a.Activation == activation {
			return i
		}
	}
	return -1
}

// Partition owns the authoritative entries for every grain identity
// hashing into this silo's slice of the ring. All mutation is
// serialized per grain identity by holding Partition's single mutex
// for the duration of the mutation (spec.md §4.2: "Must be serialized
// per grain identity") — a coarser lock than per-grain would allow,
// matching the teacher's own choice of one RWMutex per registry
// (coordinator.ShardRegistry) rather than striping locks per shard.
type Partition struct {
	mu      sync.RWMutex
	entries map[wire.GrainIdentity]*Entry
}

// NewPartition creates an empty partition.
func NewPartition() *Partition {
	return &Partition{entries: map[wire.GrainIdentity]*Entry{}}
}

// AddSingleActivation registers addr as the sole activation of its
// grain identity. If an entry already exists with a different
// activation id, the caller lost the race: the existing winning
// address is returned and the caller must deactivate its own losing
// activation (spec.md §4.2). Retrying with the same (grain,
// activation) pair is idempotent and returns the same entry.
func (p *Partition) AddSingleActivation(addr wire.ActivationAddress) (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.entries[addr.Grain]
	if ok && len(existing.Activations) > 0 {
		if existing.Activations[0].Activation == addr.Activation {
			return existing.clone(), nil
		}
		return existing.clone(), nil
	}

	etag := uint64(1)
	if ok {
		etag = existing.Etag + 1
	}
	entry := &Entry{
		Grain:       addr.Grain,
		Activations: []wire.ActivationAddress{addr},
		Etag:        etag,
	}
	p.entries[addr.Grain] = entry
	return entry.clone(), nil
}

// AddActivation appends addr to its grain identity's activation list,
// used for multi-activation grains (spec.md §4.2 "optional mode").
// Re-adding the same activation id leaves the list unchanged but still
// bumps the etag, unlike AddSingleActivation, whose idempotent retry
// leaves the etag unchanged.
func (p *Partition) AddActivation(addr wire.ActivationAddress) Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[addr.Grain]
	if !ok {
		entry = &Entry{Grain: addr.Grain}
		p.entries[addr.Grain] = entry
	}
	if entry.indexOf(addr.Activation) < 0 {
		entry.Activations = append(entry.Activations, addr)
	}
	entry.Etag++
	return entry.clone()
}

// RemoveActivation removes activation from grain's entry if present;
// a no-op if missing. Bumps the etag only on an actual change (spec.md
// §4.2).
func (p *Partition) RemoveActivation(grain wire.GrainIdentity, activation wire.ActivationID) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[grain]
	if !ok {
		return Entry{}, false
	}
	idx := entry.indexOf(activation)
	if idx < 0 {
		return entry.clone(), false
	}
	entry.Activations = append(entry.Activations[:idx], entry.Activations[idx+1:]...)
	entry.Etag++
	return entry.clone(), true
}

// Lookup returns the current activation list and etag for grain. A
// missing entry is reported via ok=false — not an error; a directory
// cache miss is never itself an error (spec.md §3).
func (p *Partition) Lookup(grain wire.GrainIdentity) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.entries[grain]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Delete removes grain's entry outright. No etag is kept for the
// deleted record and none is bumped: a later registration of the same
// grain starts again at etag 1.
func (p *Partition) Delete(grain wire.GrainIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, grain)
}

// GetItems returns every entry currently held, for handoff to a
// successor silo (spec.md §4.2).
func (p *Partition) GetItems() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.clone())
	}
	return out
}

// Clear wipes every entry, used on shutdown after handoff has
// completed (spec.md §4.2).
func (p *Partition) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = map[wire.GrainIdentity]*Entry{}
}

// Restore seeds the partition with entries received via handoff
// (AcceptSplitRequest), used by the silo accepting a predecessor's
// split. Existing entries for the same grain are overwritten.
func (p *Partition) Restore(entries []Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		cp := e.clone()
		p.entries[e.Grain] = &cp
	}
}

// EntriesOwnedBy returns every entry whose grain hash satisfies owns,
// used to compute a handoff split when a new silo joins between
// this silo and its ring predecessor (spec.md §4.3 "Handoff on
// membership churn").
func (p *Partition) EntriesOwnedBy(owns func(grainHash uint32) bool) []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Entry
	for grain, e := range p.entries {
		if owns(grain.Hash()) {
			out = append(out, e.clone())
		}
	}
	return out
}
