// Package allocator implements the contiguous id-range allocator used in
// two places: the CA's per-connection channel pool and the DB server's
// doId pool (spec section 3 "Channel allocator", section 5 "Channel
// allocator: owned by the CA ... and DB ... respectively").
package allocator

import (
	"container/heap"
	"fmt"
	"sync"
)

// Allocator hands out uint32 ids from a closed range [min, max], reusing
// freed ids before growing the high-water mark. Safe for concurrent use:
// every method holds the allocator's own mutex.
type Allocator struct {
	mu       sync.Mutex
	min, max uint32
	next     uint32
	free     minHeap
	inUse    map[uint32]struct{}
}

// New creates an allocator over the closed range [min, max].
func New(min, max uint32) *Allocator {
	return &Allocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[uint32]struct{}),
	}
}

// Allocate returns the lowest available id, preferring freed ids over
// growing the high-water mark. ok is false if the range is exhausted.
func (a *Allocator) Allocate() (id uint32, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked()
}

func (a *Allocator) allocateLocked() (uint32, bool) {
	if len(a.free) > 0 {
		id := heap.Pop(&a.free).(uint32)
		a.inUse[id] = struct{}{}
		return id, true
	}
	if a.next > a.max {
		return 0, false
	}
	id := a.next
	a.next++
	a.inUse[id] = struct{}{}
	return id, true
}

// Free returns an id to the pool. It is a no-op if the id was never
// allocated or is out of range.
func (a *Allocator) Free(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < a.min || id > a.max {
		return
	}
	if _, ok := a.inUse[id]; !ok {
		return
	}
	delete(a.inUse, id)
	heap.Push(&a.free, id)
}

// InUse reports whether id is currently allocated.
func (a *Allocator) InUse(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.inUse[id]
	return ok
}

// Count returns the number of currently allocated ids.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Next exposes the would-be next allocation's high-water mark, used by the
// DB server to persist the "next" tracker file (spec section 4.4).
func (a *Allocator) Next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Restore seeds the allocator's high-water mark from a persisted value
// (the DB's "next" tracker file) without touching the free list. It is an
// error to restore a value outside [min, max+1].
func (a *Allocator) Restore(next uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if next < a.min || next > a.max+1 {
		return fmt.Errorf("allocator: restore value %d out of range [%d,%d]", next, a.min, a.max+1)
	}
	a.next = next
	return nil
}

// minHeap is a container/heap of uint32 used as the free list so reuse
// always prefers the smallest available id, matching the teacher's
// low-id-first connection numbering in internal/session.Hub.
type minHeap []uint32

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
