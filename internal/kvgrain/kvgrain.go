// Package kvgrain is a small stateful grain class used to exercise the
// runtime end to end: each activation owns a private key/value
// namespace, persisted through a grain.Store between activations.
//
// It generalizes the teacher's Shard (internal/shard.Shard) — a fixed
// shard owning a slice of the keyspace with Get/Put/Delete/ListKeys —
// down to one grain identity's own private namespace, since a virtual
// actor's state is scoped to its identity rather than to a shard
// assignment.
package kvgrain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dreamware/silomesh/internal/catalog"
	"github.com/dreamware/silomesh/internal/grain"
	"github.com/dreamware/silomesh/internal/wire"
)

// Method ids this grain class understands. Spec.md scopes RPC stub
// codegen out, so callers address methods by this small fixed set of
// numeric ids rather than a generated interface.
const (
	MethodGet uint32 = iota
	MethodPut
	MethodDelete
	MethodList
)

// ErrKeyNotFound is returned by MethodGet when the key has no value.
var ErrKeyNotFound = errors.New("kvgrain: key not found")

// Grain is one activation's private key/value namespace.
type Grain struct {
	grain.Base

	mu    sync.RWMutex
	id    wire.GrainIdentity
	store grain.Store
	data  map[string][]byte
}

// Activator constructs a Grain per identity; the Grain loads any
// previously saved state in OnActivate. This mirrors the teacher's shard.NewShard factory but keyed
// by grain identity instead of a fixed shard id.
type Activator struct {
	Store grain.Store
}

// Activate implements catalog.GrainActivator.
func (a *Activator) Activate(ctx context.Context, id wire.GrainIdentity) (catalog.Grain, error) {
	g := &Grain{id: id, store: a.Store, data: map[string][]byte{}}
	return g, nil
}

// OnActivate loads this grain's previously saved state, if any.
func (g *Grain) OnActivate(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	raw, err := g.store.Load(g.id)
	if errors.Is(err, grain.ErrNoState) {
		return nil
	}
	if err != nil {
		return err
	}
	decoded, err := decodeMap(raw)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.data = decoded
	g.mu.Unlock()
	return nil
}

// OnDeactivate flushes this grain's state back to the store.
func (g *Grain) OnDeactivate(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.mu.RLock()
	encoded := encodeMap(g.data)
	g.mu.RUnlock()
	return g.store.Save(g.id, encoded)
}

// InvokeMethod implements grain.Grain's capability surface.
func (g *Grain) InvokeMethod(ctx context.Context, interfaceID, methodID uint32, body []byte) ([]byte, error) {
	switch methodID {
	case MethodGet:
		g.mu.RLock()
		v, ok := g.data[string(body)]
		g.mu.RUnlock()
		if !ok {
			return nil, ErrKeyNotFound
		}
		return v, nil

	case MethodPut:
		key, value, err := decodePut(body)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.data[key] = append([]byte(nil), value...)
		g.mu.Unlock()
		return nil, nil

	case MethodDelete:
		g.mu.Lock()
		delete(g.data, string(body))
		g.mu.Unlock()
		return nil, nil

	case MethodList:
		g.mu.RLock()
		keys := make([]string, 0, len(g.data))
		for k := range g.data {
			keys = append(keys, k)
		}
		g.mu.RUnlock()
		sort.Strings(keys)
		return []byte(strings.Join(keys, "\n")), nil

	default:
		return nil, fmt.Errorf("kvgrain: unknown method id %d", methodID)
	}
}

// decodePut splits a Put request body into its key and value: a
// 4-byte big-endian key length, the key, then the value.
func decodePut(body []byte) (string, []byte, error) {
	if len(body) < 4 {
		return "", nil, fmt.Errorf("kvgrain: put body too short")
	}
	klen := binary.BigEndian.Uint32(body[:4])
	if uint32(len(body)-4) < klen {
		return "", nil, fmt.Errorf("kvgrain: put body truncated")
	}
	key := string(body[4 : 4+klen])
	value := body[4+klen:]
	return key, value, nil
}

// EncodePut builds a Put request body for key/value, the counterpart
// callers use when building a wire.Frame.Body for MethodPut.
func EncodePut(key string, value []byte) []byte {
	out := make([]byte, 4+len(key)+len(value))
	binary.BigEndian.PutUint32(out[:4], uint32(len(key)))
	copy(out[4:], key)
	copy(out[4+len(key):], value)
	return out
}

func encodeMap(m map[string][]byte) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(keys)))
	out = append(out, hdr[:]...)
	for _, k := range keys {
		v := m[k]
		var klen, vlen [4]byte
		binary.BigEndian.PutUint32(klen[:], uint32(len(k)))
		binary.BigEndian.PutUint32(vlen[:], uint32(len(v)))
		out = append(out, klen[:]...)
		out = append(out, k...)
		out = append(out, vlen[:]...)
		out = append(out, v...)
	}
	return out
}

func decodeMap(raw []byte) (map[string][]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("kvgrain: saved state too short")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]
	out := make(map[string][]byte, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("kvgrain: saved state truncated at entry %d", i)
		}
		klen := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		if uint32(len(raw)) < klen+4 {
			return nil, fmt.Errorf("kvgrain: saved state truncated reading key %d", i)
		}
		key := string(raw[:klen])
		raw = raw[klen:]
		vlen := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		if uint32(len(raw)) < vlen {
			return nil, fmt.Errorf("kvgrain: saved state truncated reading value %d", i)
		}
		out[key] = append([]byte(nil), raw[:vlen]...)
		raw = raw[vlen:]
	}
	return out, nil
}
