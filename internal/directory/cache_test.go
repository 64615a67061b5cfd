package directory

import (
	"testing"

	"github.com/dreamware/silomesh/internal/wire"
)

func TestCachePutGetRoundTrip(t *testing.T) {
	c := NewCache(10)
	grain := grainID("x")
	a := addr(grain, "act-1")

	c.Put(grain, []wire.ActivationAddress{a}, 7)

	got, etag, ok := c.Get(grain)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if etag != 7 {
		t.Fatalf("etag = %d, want 7", etag)
	}
	if len(got) != 1 || got[0] != a {
		t.Fatalf("unexpected activations: %+v", got)
	}
}

func TestCacheMissIsNotError(t *testing.T) {
	c := NewCache(10)
	_, _, ok := c.Get(grainID("nowhere"))
	if ok {
		t.Fatal("expected miss")
	}
}

func TestInvalidateIfEtagOnlyMatches(t *testing.T) {
	c := NewCache(10)
	grain := grainID("y")
	c.Put(grain, []wire.ActivationAddress{addr(grain, "act-1")}, 3)

	if c.InvalidateIfEtag(grain, 99) {
		t.Fatal("expected non-matching etag to leave entry intact")
	}
	if _, _, ok := c.Get(grain); !ok {
		t.Fatal("entry should still be present")
	}

	if !c.InvalidateIfEtag(grain, 3) {
		t.Fatal("expected matching etag to invalidate")
	}
	if _, _, ok := c.Get(grain); ok {
		t.Fatal("entry should be gone")
	}
}

func TestInvalidateIfEtagZeroIsUnconditional(t *testing.T) {
	c := NewCache(10)
	grain := grainID("z")
	c.Put(grain, []wire.ActivationAddress{addr(grain, "act-1")}, 3)

	if !c.InvalidateIfEtag(grain, 0) {
		t.Fatal("expected etag-less invalidation to always remove")
	}
}

func TestSweepRemovesNonMatching(t *testing.T) {
	c := NewCache(10)
	keep := grainID("keep")
	drop := grainID("drop")
	c.Put(keep, []wire.ActivationAddress{addr(keep, "act-1")}, 1)
	c.Put(drop, []wire.ActivationAddress{addr(drop, "act-1")}, 1)

	c.Sweep(func(g wire.GrainIdentity, _ []wire.ActivationAddress) bool {
		return g == keep
	})

	if _, _, ok := c.Get(keep); !ok {
		t.Fatal("keep should survive sweep")
	}
	if _, _, ok := c.Get(drop); ok {
		t.Fatal("drop should have been swept")
	}
}
