package membership

import (
	"strconv"
	"strings"

	"github.com/dreamware/silomesh/internal/ring"
	"github.com/dreamware/silomesh/internal/wire"
)

// DirectoryView is the slice of a Snapshot the directory actually
// needs: this silo's predecessor and successor on the ring, plus a
// partition_owner function (spec.md §3 "DirectoryMembershipSnapshot").
// It is derived fresh from a Snapshot rather than stored independently,
// so it can never go stale relative to the Snapshot it was built from.
type DirectoryView struct {
	Version     uint64
	Self        wire.SiloAddress
	Predecessor wire.SiloAddress
	HasPred     bool
	Successor   wire.SiloAddress
	HasSucc     bool

	r *ring.Ring
}

// DirectoryViewFor derives a DirectoryView for self from snap.
func DirectoryViewFor(snap Snapshot, self wire.SiloAddress) DirectoryView {
	r := snap.Ring()
	v := DirectoryView{Version: snap.Version, Self: self, r: r}

	if pred, ok := r.Predecessor(self.String()); ok {
		v.Predecessor = parseSiloAddress(pred.ID)
		v.HasPred = true
	}
	if succ, ok := r.Successor(self.String()); ok {
		v.Successor = parseSiloAddress(succ.ID)
		v.HasSucc = true
	}
	return v
}

// PartitionOwner returns the silo that owns grain's hash on the ring
// this view was derived from. Panics if the ring is empty — callers
// must not ask for ownership before any silo has become Active, which
// matches the teacher's own assumption that ShardRegistry.numShards
// is fixed and non-zero at construction.
func (v DirectoryView) PartitionOwner(grainHash uint32) wire.SiloAddress {
	return parseSiloAddress(v.r.Owner(grainHash).ID)
}

// Empty reports whether no silo is Active in the snapshot this view
// was derived from.
func (v DirectoryView) Empty() bool {
	return v.r.Empty()
}

func parseSiloAddress(s string) wire.SiloAddress {
	idx := strings.LastIndexByte(s, '#')
	if idx < 0 {
		return wire.SiloAddress{Endpoint: s}
	}
	gen, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return wire.SiloAddress{Endpoint: s}
	}
	return wire.SiloAddress{Endpoint: s[:idx], Generation: gen}
}
