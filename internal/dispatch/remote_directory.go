package dispatch

import (
	"context"

	"github.com/dreamware/silomesh/internal/wire"
)

// remoteDirectory adapts a Transport into directory.RemoteDirectory,
// the adapted remote-forward leg that generalizes the teacher's
// cluster.PostJSON/GetJSON helpers (internal/cluster/types.go) from
// HTTP+JSON request/response to gob-over-TCP envelopes.
type remoteDirectory struct {
	t *Transport
}

// NewRemoteDirectory wraps t as a directory.RemoteDirectory.
func NewRemoteDirectory(t *Transport) *remoteDirectory {
	return &remoteDirectory{t: t}
}

func (r *remoteDirectory) Register(ctx context.Context, target wire.SiloAddress, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	reply, err := r.t.RoundTrip(ctx, target, wire.EnvelopeRegisterRequest, req)
	if err != nil {
		return wire.RegisterResponse{}, err
	}
	var resp wire.RegisterResponse
	if err := wire.DecodePayload(reply.Payload, &resp); err != nil {
		return wire.RegisterResponse{}, err
	}
	return resp, nil
}

func (r *remoteDirectory) Unregister(ctx context.Context, target wire.SiloAddress, req wire.UnregisterRequest) error {
	_, err := r.t.RoundTrip(ctx, target, wire.EnvelopeUnregisterRequest, req)
	return err
}

func (r *remoteDirectory) UnregisterMany(ctx context.Context, target wire.SiloAddress, req wire.UnregisterManyRequest) error {
	_, err := r.t.RoundTrip(ctx, target, wire.EnvelopeUnregisterManyRequest, req)
	return err
}

func (r *remoteDirectory) Lookup(ctx context.Context, target wire.SiloAddress, req wire.LookupRequest) (wire.LookupResponse, error) {
	reply, err := r.t.RoundTrip(ctx, target, wire.EnvelopeLookupRequest, req)
	if err != nil {
		return wire.LookupResponse{}, err
	}
	var resp wire.LookupResponse
	if err := wire.DecodePayload(reply.Payload, &resp); err != nil {
		return wire.LookupResponse{}, err
	}
	return resp, nil
}

func (r *remoteDirectory) Delete(ctx context.Context, target wire.SiloAddress, req wire.DeleteRequest) error {
	_, err := r.t.RoundTrip(ctx, target, wire.EnvelopeDeleteRequest, req)
	return err
}

func (r *remoteDirectory) AcceptSplit(ctx context.Context, target wire.SiloAddress, req wire.AcceptSplitRequest) error {
	_, err := r.t.RoundTrip(ctx, target, wire.EnvelopeAcceptSplitRequest, req)
	return err
}

func (r *remoteDirectory) RemoveHandoffPartition(ctx context.Context, target wire.SiloAddress, req wire.RemoveHandoffPartitionRequest) error {
	_, err := r.t.RoundTrip(ctx, target, wire.EnvelopeRemoveHandoffPartitionRequest, req)
	return err
}
