package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamware/silomesh/internal/ring"
)

// SiloAddress identifies one silo process: an endpoint plus a generation
// number chosen at startup, per spec.md §3. Two silos with the same
// endpoint but different generations are distinct, non-equivalent silos
// — e.g. a restarted process reusing the same host:port.
type SiloAddress struct {
	Endpoint   string
	Generation int64
}

// String renders a stable textual form suitable for hashing and logging.
func (a SiloAddress) String() string {
	return fmt.Sprintf("%s#%d", a.Endpoint, a.Generation)
}

// Hash returns the 32-bit ring placement hash for this address.
func (a SiloAddress) Hash() uint32 {
	return ring.HashKey(a.String())
}

// Equal reports whether two addresses refer to the same silo
// incarnation.
func (a SiloAddress) Equal(other SiloAddress) bool {
	return a.Endpoint == other.Endpoint && a.Generation == other.Generation
}

// NewGeneration mints a startup generation number from a random UUID's
// low 64 bits, so restarts of the same endpoint never collide with a
// prior incarnation still known to other silos.
func NewGeneration() int64 {
	id := uuid.New()
	var n int64
	for _, b := range id[8:16] {
		n = (n << 8) | int64(b)
	}
	if n < 0 {
		n = -n
	}
	return n
}

// GrainIdentity is the opaque, stable identity of a grain: a type name
// plus a caller-chosen key, hashing uniformly into the same 32-bit space
// as silo addresses.
type GrainIdentity struct {
	Type string
	Key  string
}

// String renders a stable textual form used both for hashing and as a
// map key.
func (g GrainIdentity) String() string {
	return g.Type + "/" + g.Key
}

// Hash returns the 32-bit ring placement hash for this grain identity.
func (g GrainIdentity) Hash() uint32 {
	return ring.HashKey(g.String())
}

// ActivationID is a random 128-bit value minted when a grain is
// instantiated in memory, distinguishing successive incarnations of the
// same grain identity (spec.md §3).
type ActivationID uuid.UUID

// NewActivationID mints a fresh activation identity.
func NewActivationID() ActivationID {
	return ActivationID(uuid.New())
}

// String renders the canonical UUID form.
func (a ActivationID) String() string {
	return uuid.UUID(a).String()
}

// IsZero reports whether this is the zero-value ActivationID, used to
// represent "no activation" without a pointer.
func (a ActivationID) IsZero() bool {
	return a == ActivationID{}
}

// ClientID identifies one gateway client across reconnects, per
// spec.md §4.8 ("each connected client is identified by a client
// grain-id").
type ClientID string

// ActivationAddress identifies one in-memory activation: its silo,
// grain identity, and activation identity. Equality considers all
// three, per spec.md §3.
type ActivationAddress struct {
	Silo       SiloAddress
	Grain      GrainIdentity
	Activation ActivationID
}

// Equal reports whether two activation addresses are identical.
func (a ActivationAddress) Equal(other ActivationAddress) bool {
	return a.Silo.Equal(other.Silo) && a.Grain == other.Grain && a.Activation == other.Activation
}

// String renders a human-readable summary for logs.
func (a ActivationAddress) String() string {
	return fmt.Sprintf("%s@%s[%s]", a.Grain, a.Silo, a.Activation)
}
