// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rcudefer

import (
	"unsafe"

	"code.hybscloud.com/atomix"
)

// defaultRingSize is Q from spec.md §3/§6: the per-thread ring's fixed
// capacity, a power of two.
const defaultRingSize = 1 << 14

// headroom is the number of slots the producer keeps in reserve so that a
// single Enqueue call, which may write up to 3 slots (shape B), never
// overruns the ring before a self-drain can run. spec.md §4.1 mandates a
// reserve of 2 and self-drain when head-tail >= Q-2.
const headroom = 2

// deferQueue is the per-thread Defer Queue of spec.md §3: a fixed-capacity
// ring owned by exactly one producer. Only the owning goroutine writes
// ring slots and advances head; tail is advanced only by whoever holds the
// owning Registry's inner mutex while draining (the reclamation goroutine,
// or the owner itself on self-drain/unregister).
//
// Structurally this is lfq.SPSCPtr specialized for the defer protocol: the
// ring stores unsafe.Pointer (GC-safe, matching SPSCPtr's own storage
// choice) but the consumer side is mutex-drained rather than lock-free,
// per spec.md §3's "tail is mutated only under the global defer mutex".
type deferQueue struct {
	_ pad
	// head is the producer's write cursor: the index of the next slot to
	// write. Single writer (the owner), read by any thread under the
	// inner mutex during snapshotHeads.
	head atomix.Uint64
	_    pad
	// tail is the consumer's read cursor: the index of the next slot to
	// decode. Mutated only while the inner mutex is held.
	tail atomix.Uint64
	_    pad
	ring []unsafe.Pointer
	mask uint64

	// lastFctIn/lastFctInBox are producer-local scratch (§3): the identity
	// and boxed pointer of the most recently encoded callback, used to
	// suppress repeated function-pointer writes across consecutive calls
	// with the same fct.
	lastFctIn    uintptr
	lastFctInBox unsafe.Pointer

	// lastFctOut is consumer-side scratch (§3): the boxed callback most
	// recently decoded. It persists across drainUpTo calls because the
	// producer may emit an arg-only (shape C) record right after a drain.
	// Accessed only under the inner mutex.
	lastFctOut unsafe.Pointer
}

// newDeferQueue allocates a ring of the given power-of-two capacity.
func newDeferQueue(capacity int) *deferQueue {
	n := uint64(roundToPow2(capacity))
	return &deferQueue{
		ring: make([]unsafe.Pointer, n),
		mask: n - 1,
	}
}

// cap returns the ring's slot capacity.
func (q *deferQueue) cap() int {
	return int(q.mask + 1)
}

// pending returns the number of unconsumed slots as of the given
// consistent (head, tail) pair. Called with acquire-loaded values by the
// registry snapshot and by the owner's own fullness check.
func pending(head, tail uint64) uint64 {
	return head - tail
}

// nearFull reports whether fewer than headroom+1 slots remain (i.e. a
// worst-case 3-slot write would overrun the ring), using the producer's
// locally-cached head and an acquire-loaded tail, per spec.md §4.2.
func (q *deferQueue) nearFull() bool {
	head := q.head.LoadRelaxed()
	tail := q.tail.LoadAcquire()
	return pending(head, tail) >= q.mask+1-headroom
}

// enqueue appends the record for (fct, arg) to the ring (owner goroutine
// only) and returns the new head value to publish. The caller (Handle)
// publishes head with a release-store and then posts a wake, per spec.md
// §4.2's ordering constraint: "writes to q[i] must become visible to the
// consumer before the new head."
//
// enqueue assumes the caller has already guaranteed at least 3 slots of
// headroom (via nearFull + a synchronous drain); it never checks fullness
// itself, matching spec.md's "enqueue never fails."
func (q *deferQueue) enqueue(fct Callback, arg unsafe.Pointer) (newHead uint64) {
	head := q.head.LoadRelaxed()
	_, key, box := encodeRecord(func(v unsafe.Pointer) {
		q.ring[head&q.mask] = v
		head++
	}, q.lastFctIn, q.lastFctInBox, fct, arg)
	q.lastFctIn, q.lastFctInBox = key, box
	return head
}

// publishHead releases the new head, making every slot written below it
// visible to a consumer that acquire-loads head afterward.
func (q *deferQueue) publishHead(head uint64) {
	q.head.StoreRelease(head)
}

// drainUpTo decodes and invokes every record between tail and headSnapshot
// (exclusive), then publishes the new tail. The caller must hold the
// owning Registry's inner mutex: spec.md §4.2's drain_up_to, and the
// ordering constraints of §4.6 ("advance tail after invoking callbacks").
//
// onPanic, if non-nil, is called with a recovered callback panic before it
// is re-raised; callback panics remain undefined behavior per spec.md §7,
// this exists purely so the crash is diagnosable.
func (q *deferQueue) drainUpTo(headSnapshot uint64, onPanic func(recovered any)) {
	tail := q.tail.LoadRelaxed()
	for tail != headSnapshot {
		read := func() unsafe.Pointer {
			v := q.ring[tail&q.mask]
			tail++
			return v
		}
		fct, arg, newLastFctOut := decodeRecord(read, q.lastFctOut)
		q.lastFctOut = newLastFctOut
		invoke(fct, arg, onPanic)
	}
	q.tail.StoreRelease(tail)
}

// invoke calls fct(arg), recovering and reporting (but not swallowing) any
// panic so the reclamation goroutine's failure is diagnosable before the
// process goes down, per SPEC_FULL.md §4.7.
func invoke(fct Callback, arg unsafe.Pointer, onPanic func(recovered any)) {
	if onPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				onPanic(r)
				panic(r)
			}
		}()
	}
	fct(arg)
}
