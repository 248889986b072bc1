package fcgikit

import "testing"

func TestIDAllocator_FirstAcquire(t *testing.T) {
	var alloc IDAllocator[uint16]
	id, err := alloc.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 1 {
		t.Errorf("first id = %d, want 1", id)
	}
	if alloc.Size() != 1 {
		t.Errorf("Size() = %d, want 1", alloc.Size())
	}
	if !alloc.IsUsed(1) {
		t.Error("IsUsed(1) = false after acquiring 1")
	}
}

func TestIDAllocator_ReleaseRestoresState(t *testing.T) {
	var alloc IDAllocator[uint16]
	for i := 0; i < 5; i++ {
		if _, err := alloc.Acquire(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	id, err := alloc.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := alloc.Release(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alloc.Size() != 5 {
		t.Errorf("Size() = %d, want 5", alloc.Size())
	}
	if alloc.IsUsed(id) {
		t.Errorf("IsUsed(%d) = true after release", id)
	}
	next, err := alloc.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != id {
		t.Errorf("reacquired id = %d, want %d", next, id)
	}
}

func TestIDAllocator_SmallestFree(t *testing.T) {
	var alloc IDAllocator[uint16]
	for i := 1; i <= 6; i++ {
		if _, err := alloc.Acquire(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Free the minimum: the next acquire must return 1 again.
	if err := alloc.Release(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, err := alloc.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 1 {
		t.Errorf("acquire with free minimum = %d, want 1", id)
	}

	// Free a middle id: it becomes the smallest free id.
	if err := alloc.Release(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := alloc.Release(4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, err = alloc.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 3 {
		t.Errorf("acquire with a gap = %d, want 3", id)
	}
	id, err = alloc.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 4 {
		t.Errorf("acquire bridging a gap = %d, want 4", id)
	}

	// With a single contiguous run [1, 6], the next id extends it.
	id, err = alloc.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 7 {
		t.Errorf("acquire past a full run = %d, want 7", id)
	}
}

func TestIDAllocator_NeverReturnsUsed(t *testing.T) {
	var alloc IDAllocator[uint8]
	used := make(map[uint8]bool)
	release := []uint8{3, 7, 1, 12}

	for i := 0; i < 20; i++ {
		id, err := alloc.Acquire()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if used[id] {
			t.Fatalf("acquire returned in-use id %d", id)
		}
		used[id] = true
	}
	for _, id := range release {
		if err := alloc.Release(id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		delete(used, id)
	}
	for i := 0; i < 10; i++ {
		id, err := alloc.Acquire()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if used[id] {
			t.Fatalf("acquire returned in-use id %d", id)
		}
		used[id] = true
	}
}

func TestIDAllocator_Exhaustion(t *testing.T) {
	var alloc IDAllocator[uint8]
	for i := 1; i <= 255; i++ {
		id, err := alloc.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: unexpected error: %v", i, err)
		}
		if int(id) != i {
			t.Fatalf("acquire %d returned %d", i, id)
		}
	}
	if _, err := alloc.Acquire(); err != ErrIDExhausted {
		t.Errorf("acquire on a full allocator: error = %v, want ErrIDExhausted", err)
	}

	// Freeing the maximum re-opens exactly that id.
	if err := alloc.Release(255); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, err := alloc.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 255 {
		t.Errorf("acquire after releasing the maximum = %d, want 255", id)
	}
}

func TestIDAllocator_ReleaseUnused(t *testing.T) {
	var alloc IDAllocator[uint16]
	if err := alloc.Release(1); err != ErrIDNotInUse {
		t.Errorf("release on an empty allocator: error = %v, want ErrIDNotInUse", err)
	}
	if _, err := alloc.Acquire(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := alloc.Release(2); err != ErrIDNotInUse {
		t.Errorf("release of a free id: error = %v, want ErrIDNotInUse", err)
	}
}
