package alloc

import "testing"

func TestCIDPoolSortedReuse(t *testing.T) {
	pool := NewCIDPool(3, 4) // 3,4,5,6

	a, err := pool.Allocate()
	if err != nil || a != 3 {
		t.Fatalf("first allocate = %d, %v; want 3", a, err)
	}
	b, err := pool.Allocate()
	if err != nil || b != 4 {
		t.Fatalf("second allocate = %d, %v; want 4", b, err)
	}

	pool.Release(3)

	c, err := pool.Allocate()
	if err != nil || c != 3 {
		t.Fatalf("allocate after releasing 3 = %d, %v; want 3 (smallest free), not LIFO", c, err)
	}
	d, err := pool.Allocate()
	if err != nil || d != 5 {
		t.Fatalf("next allocate = %d, %v; want 5", d, err)
	}
}

func TestCIDPoolExhaustion(t *testing.T) {
	pool := NewCIDPool(3, 2)
	if _, err := pool.Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Allocate(); err == nil {
		t.Error("expected error on exhausted pool, got nil")
	}
}

func TestCIDPoolReserve(t *testing.T) {
	pool := NewCIDPool(3, 4)
	if !pool.Reserve(5) {
		t.Fatal("expected to reserve unused CID 5")
	}
	if pool.Reserve(5) {
		t.Error("expected second reserve of CID 5 to fail")
	}
	// 5 should no longer be handed out by Allocate.
	for i := 0; i < 3; i++ {
		got, err := pool.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		if got == 5 {
			t.Error("reserved CID 5 should not be allocated again")
		}
	}
}

func TestPortPoolFixedPolicy(t *testing.T) {
	pool := NewFixedPort(9000)
	a, err := pool.Allocate()
	if err != nil || a != 9000 {
		t.Fatalf("fixed allocate = %d, %v; want 9000", a, err)
	}
	b, err := pool.Allocate()
	if err != nil || b != 9000 {
		t.Fatalf("fixed allocate = %d, %v; want 9000 again", b, err)
	}
	pool.Release(a) // no-op, must not panic
}

func TestPortPoolSortedReuse(t *testing.T) {
	pool := NewPortPool(9000, 3)
	a, _ := pool.Allocate()
	b, _ := pool.Allocate()
	if a != 9000 || b != 9001 {
		t.Fatalf("got %d, %d; want 9000, 9001", a, b)
	}
	pool.Release(9000)
	c, err := pool.Allocate()
	if err != nil || c != 9000 {
		t.Fatalf("allocate after release = %d, %v; want 9000", c, err)
	}
}

func TestCIDPoolStateRoundTrip(t *testing.T) {
	pool := NewCIDPool(3, 4) // 3,4,5,6
	pool.Allocate()          // 3
	pool.Allocate()          // 4
	pool.Release(3)

	state := pool.State(3, 4)
	if state.NextCID != 7 {
		t.Errorf("NextCID = %d, want 7", state.NextCID)
	}
	if len(state.FreeCIDs) != 3 {
		t.Fatalf("FreeCIDs = %v, want 3 entries (3,5,6)", state.FreeCIDs)
	}

	restored := LoadCIDPool(state, 3, 4)
	if restored.InUseCount() != 1 {
		t.Fatalf("restored InUseCount = %d, want 1 (only CID 4 in use)", restored.InUseCount())
	}
	got, err := restored.Allocate()
	if err != nil || got != 3 {
		t.Fatalf("restored pool first allocate = %d, %v; want 3", got, err)
	}
}

func TestPortPoolStateRoundTripFixed(t *testing.T) {
	pool := NewFixedPort(9000)
	state := pool.State(0, 0)
	if !state.Fixed || state.FixedPort != 9000 {
		t.Fatalf("State() = %+v, want fixed 9000", state)
	}

	restored := LoadPortPool(state, 9000, 8)
	got, err := restored.Allocate()
	if err != nil || got != 9000 {
		t.Fatalf("restored fixed pool allocate = %d, %v; want 9000", got, err)
	}
}

func TestPortPoolStateRoundTripPool(t *testing.T) {
	pool := NewPortPool(9000, 3)
	pool.Allocate() // 9000
	pool.Allocate() // 9001
	pool.Release(9000)

	state := pool.State(9000, 3)
	restored := LoadPortPool(state, 9000, 3)
	if restored.p.inUseCount() != 1 {
		t.Fatalf("restored in-use count = %d, want 1 (only 9001 in use)", restored.p.inUseCount())
	}
	got, err := restored.Allocate()
	if err != nil || got != 9000 {
		t.Fatalf("restored pool first allocate = %d, %v; want 9000", got, err)
	}
}
