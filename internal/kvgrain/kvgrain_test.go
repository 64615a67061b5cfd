package kvgrain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/silomesh/internal/grain"
	"github.com/dreamware/silomesh/internal/wire"
)

func TestGrainPutGetDelete(t *testing.T) {
	store := grain.NewMemoryStore()
	act := &Activator{Store: store}
	id := wire.GrainIdentity{Type: "kv", Key: "a"}

	ctx := context.Background()
	g, err := act.Activate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, g.OnActivate(ctx))

	impl := g.(*Grain)

	_, err = impl.InvokeMethod(ctx, 0, MethodGet, []byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = impl.InvokeMethod(ctx, 0, MethodPut, EncodePut("name", []byte("torua")))
	require.NoError(t, err)

	v, err := impl.InvokeMethod(ctx, 0, MethodGet, []byte("name"))
	require.NoError(t, err)
	assert.Equal(t, []byte("torua"), v)

	listing, err := impl.InvokeMethod(ctx, 0, MethodList, nil)
	require.NoError(t, err)
	assert.Equal(t, "name", string(listing))

	_, err = impl.InvokeMethod(ctx, 0, MethodDelete, []byte("name"))
	require.NoError(t, err)
	_, err = impl.InvokeMethod(ctx, 0, MethodGet, []byte("name"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestGrainPersistsAcrossDeactivateReactivate(t *testing.T) {
	store := grain.NewMemoryStore()
	act := &Activator{Store: store}
	id := wire.GrainIdentity{Type: "kv", Key: "b"}
	ctx := context.Background()

	g1, err := act.Activate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, g1.OnActivate(ctx))
	impl1 := g1.(*Grain)
	_, err = impl1.InvokeMethod(ctx, 0, MethodPut, EncodePut("counter", []byte("1")))
	require.NoError(t, err)
	require.NoError(t, g1.OnDeactivate(ctx))

	g2, err := act.Activate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, g2.OnActivate(ctx))
	impl2 := g2.(*Grain)
	v, err := impl2.InvokeMethod(ctx, 0, MethodGet, []byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestGrainUnknownMethodErrors(t *testing.T) {
	g := &Grain{id: wire.GrainIdentity{Type: "kv", Key: "c"}, data: map[string][]byte{}}
	_, err := g.InvokeMethod(context.Background(), 0, 99, nil)
	assert.Error(t, err)
}
