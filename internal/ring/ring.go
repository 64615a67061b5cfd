// Package ring implements the consistent-hash ring shared by cluster
// membership and the grain directory: a stable 32-bit placement hash,
// active-member ordering, and the pure partition_owner(grain_id) function
// spec.md §3 defines for DirectoryMembershipSnapshot.
//
// The ring has no notion of silo status or grain identity on its own; it
// operates purely on (opaque key, hash) pairs so that membership and the
// directory can both build routing views from the same primitive without
// depending on each other's types.
package ring

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"
)

// HashKey derives the stable 32-bit placement hash used for ring
// positions, for both silo addresses and grain identities. The low 32
// bits of a 64-bit xxhash digest give uniform distribution across the
// ring's hash space while staying cheap to compute per request.
func HashKey(key string) uint32 {
	return uint32(xxhash.Sum64String(key))
}

// Member is one positioned entry on the ring: an opaque identifier (a
// silo address's string form) and its placement hash.
type Member struct {
	ID   string
	Hash uint32
}

// Ring is an immutable, sorted view of active members' positions. Build
// a new Ring on every membership change rather than mutating one in
// place — callers (membership snapshots) are themselves immutable values
// swapped atomically, and Ring follows the same discipline.
type Ring struct {
	members []Member
}

// New builds a Ring from the given members, sorted by hash. Members with
// colliding hashes keep a stable relative order (by ID) so that ring
// computations are deterministic across silos computing from the same
// input set.
func New(members []Member) *Ring {
	sorted := make([]Member, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Hash != sorted[j].Hash {
			return sorted[i].Hash < sorted[j].Hash
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &Ring{members: sorted}
}

// Empty reports whether the ring has no members. Owner and Predecessor/
// Successor are undefined on an empty ring, per spec.md §3's "if the ring
// is empty the function is undefined" rule; callers must check Empty
// first.
func (r *Ring) Empty() bool {
	return len(r.members) == 0
}

// Owner returns the member nearest-higher-hash to keyHash, wrapping
// around the ring — the partition_owner(grain_id) function from
// spec.md §3. Panics if the ring is empty; callers must check Empty.
func (r *Ring) Owner(keyHash uint32) Member {
	if r.Empty() {
		panic("ring: Owner called on empty ring")
	}
	idx := sort.Search(len(r.members), func(i int) bool {
		return r.members[i].Hash >= keyHash
	})
	if idx == len(r.members) {
		idx = 0
	}
	return r.members[idx]
}

// indexOf returns the position of id in the sorted member list, or -1,
// the same slices.IndexFunc idiom the teacher uses at
// cmd/coordinator/main.go for scanning its shard assignment list.
func (r *Ring) indexOf(id string) int {
	return slices.IndexFunc(r.members, func(m Member) bool { return m.ID == id })
}

// Predecessor returns the member immediately before id on the ring
// (wrapping), and false if id is not a member or the ring has fewer than
// two members.
func (r *Ring) Predecessor(id string) (Member, bool) {
	if len(r.members) < 2 {
		return Member{}, false
	}
	idx := r.indexOf(id)
	if idx < 0 {
		return Member{}, false
	}
	prev := (idx - 1 + len(r.members)) % len(r.members)
	return r.members[prev], true
}

// Successor returns the member immediately after id on the ring
// (wrapping), and false if id is not a member or the ring has fewer than
// two members.
func (r *Ring) Successor(id string) (Member, bool) {
	if len(r.members) < 2 {
		return Member{}, false
	}
	idx := r.indexOf(id)
	if idx < 0 {
		return Member{}, false
	}
	next := (idx + 1) % len(r.members)
	return r.members[next], true
}

// Members returns a copy of the ring's sorted member list, safe for the
// caller to retain or modify.
func (r *Ring) Members() []Member {
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}
