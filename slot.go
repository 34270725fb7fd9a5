// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rcudefer

import (
	"reflect"
	"unsafe"
)

// Callback is a deferred reclamation function paired with an opaque
// argument, invoked once the RCU grace period that started after it was
// enqueued has elapsed.
//
// Callbacks must tolerate being invoked on the reclamation goroutine, must
// not call Enqueue, BarrierThread, or (*Registry).Barrier recursively, and
// must not block indefinitely.
type Callback func(arg unsafe.Pointer)

// funcEntry returns fct's code entry address. It is used only to decide
// whether two Callback values represent "the same function" for the
// shape-A/shape-C suppression optimization in §4.1 — never to invoke a
// function, so it carries none of the usual unsafe-call-by-address risk.
//
// Closures that share code but differ only in captured state compare equal
// under this check; see SPEC_FULL.md §1 for the documented precondition
// this implies.
func funcEntry(fct Callback) uintptr {
	if fct == nil {
		return 0
	}
	return reflect.ValueOf(fct).Pointer()
}

// dqFctMarkByte is the storage backing the sentinel pointer. Its address,
// not its contents, is what matters: it is a distinguished unsafe.Pointer
// value that can never equal a legitimately boxed Callback or a caller's
// argument pointer, because it is a single package-level variable with a
// fixed address for the lifetime of the process.
var dqFctMarkByte byte

// dqFctMark is the reserved escape marker (DQ_FCT_MARK in spec.md §4.1):
// a pointer-sized value used to disambiguate a record when the function
// pointer or the argument would otherwise collide with the plain encoding.
var dqFctMark = unsafe.Pointer(&dqFctMarkByte)

// plainlyEncodable reports whether p can be written directly into a slot
// without ambiguity: its address must not collide with the sentinel, and
// its low bit — which shape A steals to mark "this slot begins a new
// function record" — must be clear.
//
// Boxed Callback pointers (obtained from boxCallback) satisfy this in
// practice because Go's allocator never returns odd addresses; caller
// argument pointers are unconstrained and may legitimately fail this
// check, which is exactly the case the escape shape (B) exists for.
func plainlyEncodable(p unsafe.Pointer) bool {
	return uintptr(p)&1 == 0 && p != dqFctMark
}

// tagFct sets the low bit of a plainly-encodable function pointer, marking
// the slot as "function pointer, argument follows" (shape A).
func tagFct(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) | 1)
}

// isFctTagged reports whether p has the shape-A low-bit tag set.
func isFctTagged(p unsafe.Pointer) bool {
	return uintptr(p)&1 != 0 && p != dqFctMark
}

// untagFct clears the shape-A low-bit tag, recovering the original boxed
// function pointer.
func untagFct(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) &^ uintptr(1))
}

// boxCallback heap-allocates fct and returns a pointer to it. The returned
// pointer is what travels through the ring in place of a C function
// pointer; it is always at least word-aligned, so plainlyEncodable(box)
// is true for every Callback in practice.
func boxCallback(fct Callback) unsafe.Pointer {
	box := new(Callback)
	*box = fct
	return unsafe.Pointer(box)
}

// unboxCallback recovers the Callback previously boxed by boxCallback.
func unboxCallback(p unsafe.Pointer) Callback {
	return *(*Callback)(p)
}

// slotWriter appends one pointer-sized slot to a ring at a producer- or
// decoder-controlled cursor. The caller supplies a closure over its own
// backing storage (deferQueue.enqueue in queue.go writes into the ring).
type slotWriter func(v unsafe.Pointer)

// slotReader reads the next pointer-sized slot from a ring during decode.
type slotReader func() unsafe.Pointer

// encodeRecord writes the record for (fct, arg) using write, mirroring
// _rcu_defer_queue in urcu-defer.c line for line: the only structural
// difference is that "fct" here is a boxed Callback pointer rather than a
// bare C function pointer, per SPEC_FULL.md §1.
//
// lastFctIn is the producer's cached identity of the previously-enqueued
// callback (0 if none yet); lastFctInBox is the corresponding boxed
// pointer, reused verbatim when fct is unchanged from the previous call so
// that the ring never needs to re-walk the previous boxed value. Returns
// the slot count written (1, 2, or 3 for shapes C, A, and B) and the new
// scratch values to remember for the next call.
func encodeRecord(write slotWriter, lastFctIn uintptr, lastFctInBox unsafe.Pointer, fct Callback, arg unsafe.Pointer) (n int, newLastFctIn uintptr, newLastFctInBox unsafe.Pointer) {
	key := funcEntry(fct)
	if lastFctInBox == nil || key != lastFctIn {
		box := boxCallback(fct)
		if plainlyEncodable(box) {
			write(tagFct(box))
			n++
		} else {
			write(dqFctMark)
			write(box)
			n += 2
		}
		write(arg)
		n++
		return n, key, box
	}
	if plainlyEncodable(arg) {
		write(arg)
		return 1, lastFctIn, lastFctInBox
	}
	write(dqFctMark)
	write(lastFctInBox)
	write(arg)
	return 3, lastFctIn, lastFctInBox
}

// decodeRecord decodes one record starting at the current read cursor,
// mirroring rcu_defer_barrier_queue in urcu-defer.c: it consumes 1, 2, or 3
// slots depending on which shape it encounters and returns the (fct, arg)
// pair to invoke plus the consumer's updated lastFctOut cache.
func decodeRecord(read slotReader, lastFctOut unsafe.Pointer) (fct Callback, arg unsafe.Pointer, newLastFctOut unsafe.Pointer) {
	v := read()
	switch {
	case v == dqFctMark:
		box := read()
		lastFctOut = box
		arg = read()
	case isFctTagged(v):
		lastFctOut = untagFct(v)
		arg = read()
	default:
		arg = v
	}
	return unboxCallback(lastFctOut), arg, lastFctOut
}
