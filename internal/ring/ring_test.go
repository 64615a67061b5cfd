package ring

import "testing"

func TestHashKeyDeterministic(t *testing.T) {
	a := HashKey("silo-1")
	b := HashKey("silo-1")
	if a != b {
		t.Fatalf("HashKey not deterministic: %d != %d", a, b)
	}
}

func TestOwnerWraps(t *testing.T) {
	members := []Member{
		{ID: "a", Hash: 100},
		{ID: "b", Hash: 200},
		{ID: "c", Hash: 300},
	}
	r := New(members)

	tests := []struct {
		keyHash uint32
		want    string
	}{
		{50, "a"},
		{100, "a"},
		{150, "b"},
		{300, "c"},
		{350, "a"}, // wraps past the highest member
	}
	for _, tt := range tests {
		got := r.Owner(tt.keyHash)
		if got.ID != tt.want {
			t.Errorf("Owner(%d) = %s, want %s", tt.keyHash, got.ID, tt.want)
		}
	}
}

func TestPredecessorSuccessorWrap(t *testing.T) {
	r := New([]Member{
		{ID: "a", Hash: 10},
		{ID: "b", Hash: 20},
		{ID: "c", Hash: 30},
	})

	pred, ok := r.Predecessor("a")
	if !ok || pred.ID != "c" {
		t.Errorf("Predecessor(a) = %v, %v; want c, true", pred, ok)
	}
	succ, ok := r.Successor("c")
	if !ok || succ.ID != "a" {
		t.Errorf("Successor(c) = %v, %v; want a, true", succ, ok)
	}
}

func TestEmptyRing(t *testing.T) {
	r := New(nil)
	if !r.Empty() {
		t.Fatal("expected empty ring")
	}
	if _, ok := r.Predecessor("x"); ok {
		t.Error("expected Predecessor to fail on empty ring")
	}
}

func TestOwnerPanicsOnEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Owner to panic on empty ring")
		}
	}()
	New(nil).Owner(1)
}

func TestSingleMemberOwnerIsItself(t *testing.T) {
	r := New([]Member{{ID: "only", Hash: 42}})
	got := r.Owner(9999)
	if got.ID != "only" {
		t.Errorf("Owner = %s, want only", got.ID)
	}
	if _, ok := r.Predecessor("only"); ok {
		t.Error("single-member ring should have no predecessor")
	}
}
