// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rcudefer

// initRegistryCapacity is the Deferer Registry's starting capacity
// (spec.md §4.3: "Initial capacity 4").
const initRegistryCapacity = 4

// registryEntry is one row of the Deferer Registry (spec.md §3): a
// registered thread's queue plus the last head value snapshotted for it
// during a barrier pass.
type registryEntry struct {
	handle   *Handle
	queue    *deferQueue
	lastHead uint64
}

// deferRegistry is the process-wide (well, Registry-wide) table mapping
// each registered Handle to its queue. All operations require the owning
// Registry's inner mutex (deferMu) to be held; deferRegistry itself does
// no locking of its own, matching spec.md §4.3 ("all under defer mutex").
//
// Entries are never compacted by index: removal swaps the last entry into
// the vacated slot, same as urcu-defer.c's rcu_remove_deferer. Capacity
// only ever grows (geometrically, via append), documented limitation per spec.md §4.3 and
// §9 ("a hash-indexed registry is a reasonable upgrade for high thread
// churn").
type deferRegistry struct {
	entries []*registryEntry
}

func newDeferRegistry() *deferRegistry {
	return &deferRegistry{entries: make([]*registryEntry, 0, initRegistryCapacity)}
}

// add appends a new entry. Go slices already grow geometrically, which is
// the Go-native equivalent of urcu-defer.c's explicit doubling realloc —
// there's no separate "reallocate doubled and copy" step to write out,
// append does it.
func (r *deferRegistry) add(h *Handle, q *deferQueue) {
	r.entries = append(r.entries, &registryEntry{handle: h, queue: q})
}

// remove deletes the entry for h by linear scan (O(n), per spec.md §4.3),
// swapping the last entry into the vacated slot. Panics if h was never
// registered, matching urcu-defer.c's assert(0) on an unknown thread id.
func (r *deferRegistry) remove(h *Handle) {
	for i, e := range r.entries {
		if e.handle == h {
			last := len(r.entries) - 1
			r.entries[i] = r.entries[last]
			r.entries[last] = nil
			r.entries = r.entries[:last]
			return
		}
	}
	panic("rcudefer: unregister of a thread that was never registered")
}

// snapshotHeads records each entry's current head (acquire-loaded) into
// lastHead and returns the total pending slot count (head - tail, summed)
// across every registered queue, per spec.md §4.3/§4.6. This counts ring
// slots, not callbacks: a shape-A record occupies two slots.
func (r *deferRegistry) snapshotHeads() uint64 {
	var total uint64
	for _, e := range r.entries {
		head := e.queue.head.LoadAcquire()
		e.lastHead = head
		total += pending(head, e.queue.tail.LoadRelaxed())
	}
	return total
}

// forEach iterates entries in current (unordered, post-removal-swap)
// order, per spec.md §4.3.
func (r *deferRegistry) forEach(f func(*registryEntry)) {
	for _, e := range r.entries {
		f(e)
	}
}

func (r *deferRegistry) len() int {
	return len(r.entries)
}
