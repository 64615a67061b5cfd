package directory

import "github.com/dreamware/silomesh/internal/wire"

type wireGrain = wire.GrainIdentity

func addr(grain wire.GrainIdentity, activationSeed string) wire.ActivationAddress {
	return wire.ActivationAddress{
		Silo:       wire.SiloAddress{Endpoint: "silo-a:7000", Generation: 1},
		Grain:      grain,
		Activation: seededActivationID(activationSeed),
	}
}

// seededActivationID derives a deterministic ActivationID from a short
// seed string so tests can assert on "the same activation" without
// depending on uuid.New()'s randomness.
func seededActivationID(seed string) wire.ActivationID {
	var id wire.ActivationID
	copy(id[:], seed)
	return id
}
