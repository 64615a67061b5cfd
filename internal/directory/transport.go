package directory

import (
	"context"

	"github.com/dreamware/silomesh/internal/wire"
)

// RemoteDirectory is the collaborator the Local Grain Directory uses to
// reach another silo's partition — implemented by internal/dispatch on
// top of wire frames. Kept as a narrow interface here (rather than
// importing dispatch directly) so directory has no dependency on the
// message center, matching the teacher's own layering where
// coordinator depends on cluster's PostJSON/GetJSON helpers, not the
// other way around.
type RemoteDirectory interface {
	Register(ctx context.Context, target wire.SiloAddress, req wire.RegisterRequest) (wire.RegisterResponse, error)
	Unregister(ctx context.Context, target wire.SiloAddress, req wire.UnregisterRequest) error
	UnregisterMany(ctx context.Context, target wire.SiloAddress, req wire.UnregisterManyRequest) error
	Lookup(ctx context.Context, target wire.SiloAddress, req wire.LookupRequest) (wire.LookupResponse, error)
	Delete(ctx context.Context, target wire.SiloAddress, req wire.DeleteRequest) error
	AcceptSplit(ctx context.Context, target wire.SiloAddress, req wire.AcceptSplitRequest) error
	RemoveHandoffPartition(ctx context.Context, target wire.SiloAddress, req wire.RemoveHandoffPartitionRequest) error
}
