package slot

import (
	"fmt"
	"sync"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	table := New(3)

	for i, id := range []string{"a", "b", "c"} {
		idx, ok := table.Acquire(id)
		if !ok {
			t.Fatalf("Acquire(%q) rejected, want slot %d", id, i)
		}
		if idx != i {
			t.Errorf("Acquire(%q) = %d, want %d", id, idx, i)
		}
	}

	if idx, ok := table.Acquire("d"); ok || idx != -1 {
		t.Errorf("Acquire(d) on full table = (%d, %v), want (-1, false)", idx, ok)
	}

	table.Release("b")
	if got := table.Occupied(); got != 2 {
		t.Errorf("Occupied() = %d, want 2", got)
	}

	idx, ok := table.Acquire("d")
	if !ok || idx != 1 {
		t.Errorf("Acquire(d) after release = (%d, %v), want (1, true)", idx, ok)
	}
	if got := table.Holder(1); got != "d" {
		t.Errorf("Holder(1) = %q, want d", got)
	}
}

func TestAcquireSameIDTwice(t *testing.T) {
	table := New(2)
	first, _ := table.Acquire("a")
	second, ok := table.Acquire("a")
	if !ok || first != second {
		t.Errorf("Acquire(a) twice = %d then %d, want same index", first, second)
	}
	if got := table.Occupied(); got != 1 {
		t.Errorf("Occupied() = %d, want 1", got)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	table := New(2)
	table.Acquire("a")

	table.Release("a")
	table.Release("a")
	table.Release("unknown")
	table.Release("")

	if got := table.Occupied(); got != 0 {
		t.Errorf("Occupied() = %d, want 0", got)
	}
}

func TestEmptyIDRejected(t *testing.T) {
	table := New(1)
	if _, ok := table.Acquire(""); ok {
		t.Error("Acquire(\"\") accepted, want rejection")
	}
}

func TestNewDefaultsCapacity(t *testing.T) {
	if got := New(0).Capacity(); got != DefaultCapacity {
		t.Errorf("New(0).Capacity() = %d, want %d", got, DefaultCapacity)
	}
}

func TestHolderOutOfRange(t *testing.T) {
	table := New(1)
	if got := table.Holder(-1); got != "" {
		t.Errorf("Holder(-1) = %q, want empty", got)
	}
	if got := table.Holder(1); got != "" {
		t.Errorf("Holder(1) = %q, want empty", got)
	}
}

func TestConcurrentAdmission(t *testing.T) {
	const capacity = 10
	const clients = 11

	table := New(capacity)

	var wg sync.WaitGroup
	results := make(chan int, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if idx, ok := table.Acquire(id); ok {
				results <- idx
			}
		}(fmt.Sprintf("conn-%d", i))
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for idx := range results {
		if seen[idx] {
			t.Errorf("slot %d assigned twice", idx)
		}
		seen[idx] = true
	}
	if len(seen) != capacity {
		t.Errorf("admitted %d connections, want %d", len(seen), capacity)
	}
	if got := table.Occupied(); got != capacity {
		t.Errorf("Occupied() = %d, want %d", got, capacity)
	}
}
