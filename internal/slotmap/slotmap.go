// Package slotmap implements the fixed-size FREE/RESERVED/USED slot
// table used by the process manager's task and process tables (Design
// Note: "Global tables with FREE/RESERVED/USED"). RESERVED is the
// intermediate state that lets allocation happen lock-free: a slot is
// claimed by CASing FREE->RESERVED, populated, then published by
// writing USED so concurrent scanners never observe a half-built entry.
package slotmap

import "sync/atomic"

type State int32

const (
	Free State = iota
	Reserved
	Used
)

// Table is a fixed-size slotmap of T, indexed by slot number.
type Table[T any] struct {
	states []atomic.Int32
	slots  []T
}

// New creates a table with the given fixed capacity.
func New[T any](capacity int) *Table[T] {
	return &Table[T]{
		states: make([]atomic.Int32, capacity),
		slots:  make([]T, capacity),
	}
}

// Len returns the table's fixed capacity.
func (t *Table[T]) Len() int { return len(t.slots) }

// Reserve scans for a FREE slot and atomically claims it as RESERVED.
// Returns the slot index and true on success, or -1 and false if the
// table is full.
func (t *Table[T]) Reserve() (int, bool) {
	for i := range t.states {
		if t.states[i].CompareAndSwap(int32(Free), int32(Reserved)) {
			return i, true
		}
	}
	return -1, false
}

// At returns a pointer to the slot's payload for in-place population
// while the slot is RESERVED (single-writer at this point, safe to
// mutate without additional locking).
func (t *Table[T]) At(slot int) *T { return &t.slots[slot] }

// Publish transitions a RESERVED slot to USED, making it visible to
// scanners (State(slot) == Used).
func (t *Table[T]) Publish(slot int) {
	t.states[slot].Store(int32(Used))
}

// Release transitions a slot back to FREE, clearing its payload so a
// future allocation does not observe stale data.
func (t *Table[T]) Release(slot int) {
	var zero T
	t.slots[slot] = zero
	t.states[slot].Store(int32(Free))
}

// State returns the current state of a slot.
func (t *Table[T]) State(slot int) State {
	return State(t.states[slot].Load())
}

// Get returns the slot's payload if it is USED.
func (t *Table[T]) Get(slot int) (T, bool) {
	if t.State(slot) != Used {
		var zero T
		return zero, false
	}
	return t.slots[slot], true
}

// Each calls fn for every USED slot's index, stopping early if fn
// returns false. Snapshot semantics: a slot published or released
// concurrently with the scan may or may not be observed.
func (t *Table[T]) Each(fn func(slot int, value *T) bool) {
	for i := range t.slots {
		if t.State(i) == Used {
			if !fn(i, &t.slots[i]) {
				return
			}
		}
	}
}
