// Package slot tracks which live connections hold one of a fixed number of
// service slots.
//
// The table never queues: a connection that cannot get a slot is rejected by
// the caller and closed immediately.
package slot

import "sync"

// DefaultCapacity is the number of concurrent clients served by default.
const DefaultCapacity = 10

// Table is a fixed-capacity slot table keyed by connection ID.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The lock is held only for
//     the scan and update of the slot array.
type Table struct {
	mu    sync.Mutex
	slots []string
	used  int
}

// New creates a table with capacity slots. A capacity below one is raised
// to DefaultCapacity.
func New(capacity int) *Table {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Table{slots: make([]string, capacity)}
}

// Acquire assigns the first empty slot to id.
//
// Returns:
//   - int: the slot index, or -1 when the table is full
//   - bool: true if a slot was assigned
//
// An id that already holds a slot gets its existing index back.
func (t *Table) Acquire(id string) (int, bool) {
	if id == "" {
		return -1, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	free := -1
	for i, holder := range t.slots {
		if holder == id {
			return i, true
		}
		if holder == "" && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return -1, false
	}

	t.slots[free] = id
	t.used++
	return free, true
}

// Release clears the slot held by id. Releasing an unknown id is a no-op.
func (t *Table) Release(id string) {
	if id == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, holder := range t.slots {
		if holder == id {
			t.slots[i] = ""
			t.used--
			return
		}
	}
}

// Holder returns the connection ID in slot index, or "" if it is empty or
// out of range.
func (t *Table) Holder(index int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.slots) {
		return ""
	}
	return t.slots[index]
}

// Occupied returns the number of slots in use.
func (t *Table) Occupied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Capacity returns the total number of slots.
func (t *Table) Capacity() int {
	return len(t.slots)
}
