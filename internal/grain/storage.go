package grain

import (
	"errors"
	"sync"

	"github.com/dreamware/silomesh/internal/wire"
)

// ErrNoState is returned by Store.Load when a grain has never
// persisted state, distinguishing "never saved" from a storage
// failure the same way the teacher's storage.ErrKeyNotFound
// distinguishes a missing key from a backend error.
var ErrNoState = errors.New("grain: no persisted state")

// Store is the pluggable persistence seam a stateful Grain's
// OnActivate/OnDeactivate may use to load and flush its own state.
// Persistence providers are explicitly out of scope for the runtime
// core (spec.md §1) — Store exists only so a grain implementation has
// somewhere to keep one opaque blob per identity; it carries no
// schema, query, or transaction semantics of its own.
type Store interface {
	Load(grain wire.GrainIdentity) ([]byte, error)
	Save(grain wire.GrainIdentity, state []byte) error
	Delete(grain wire.GrainIdentity) error
}

// MemoryStore is an in-memory Store, useful for tests and for grain
// classes with no durability requirement. It generalizes the teacher's
// MemoryStore from a single flat key/value namespace to one blob per
// grain identity, copying values in and out so callers can never
// mutate another activation's state through a shared slice.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[wire.GrainIdentity][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[wire.GrainIdentity][]byte{}}
}

// Load returns a copy of grain's saved state, or ErrNoState if none
// has ever been saved.
func (m *MemoryStore) Load(grain wire.GrainIdentity) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[grain]
	if !ok {
		return nil, ErrNoState
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Save stores a copy of state under grain, replacing any prior value.
func (m *MemoryStore) Save(grain wire.GrainIdentity, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(state))
	copy(stored, state)
	m.data[grain] = stored
	return nil
}

// Delete removes grain's saved state, if any. Idempotent.
func (m *MemoryStore) Delete(grain wire.GrainIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, grain)
	return nil
}

// Len reports the number of grains with saved state, for tests.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
