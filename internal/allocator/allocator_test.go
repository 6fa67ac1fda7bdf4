package allocator

import "testing"

func TestAllocateSequential(t *testing.T) {
	a := New(100, 103)
	var got []uint32
	for i := 0; i < 4; i++ {
		id, ok := a.Allocate()
		if !ok {
			t.Fatalf("allocation %d failed unexpectedly", i)
		}
		got = append(got, id)
	}
	want := []uint32{100, 101, 102, 103}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("got[%d] = %d, want %d", i, got[i], w)
		}
	}
	if _, ok := a.Allocate(); ok {
		t.Fatalf("expected exhaustion")
	}
}

func TestFreeAndReuse(t *testing.T) {
	a := New(0, 2)
	id0, _ := a.Allocate()
	id1, _ := a.Allocate()
	a.Free(id0)
	reused, ok := a.Allocate()
	if !ok || reused != id0 {
		t.Fatalf("expected reuse of %d, got %d (ok=%v)", id0, reused, ok)
	}
	if a.InUse(id1) != true {
		t.Fatalf("id1 should remain in use")
	}
}

func TestFreeUnknownIsNoop(t *testing.T) {
	a := New(0, 5)
	a.Free(3) // never allocated
	id, ok := a.Allocate()
	if !ok || id != 0 {
		t.Fatalf("expected first allocation to be 0, got %d", id)
	}
}

func TestRestore(t *testing.T) {
	a := New(10, 20)
	if err := a.Restore(15); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	id, ok := a.Allocate()
	if !ok || id != 15 {
		t.Fatalf("got %d, want 15", id)
	}
	if err := a.Restore(999); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}
