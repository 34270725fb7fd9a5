// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rcudefer

import (
	"unsafe"

	"code.hybscloud.com/atomix"
)

// Handle is the registration returned by (*Registry).Register: it stands
// in for "the calling thread" of spec.md §4.7, since Go has no public
// thread-local storage to hang a registration off of implicitly.
//
// A Handle must be used by a single goroutine at a time and must be
// released with Unregister once that goroutine is done enqueueing
// callbacks through it.
type Handle struct {
	registry *Registry
	queue    *deferQueue
	released atomix.Bool
}

// Enqueue defers fct(arg) until after the next RCU grace period (spec.md
// §4.2's defer(fct, arg)). It never blocks waiting on backpressure: if the
// queue is within headroom slots of full, Enqueue synchronously drains it
// first (a single waitForGracePeriod call plus invoking every
// already-queued callback on the calling goroutine) before writing the
// new record.
//
// Enqueue returns ErrNotRegistered if h has already been unregistered.
// It must only be called by the goroutine that owns h and must not be
// called from within a Callback.
func (h *Handle) Enqueue(fct Callback, arg unsafe.Pointer) error {
	if h.released.LoadAcquire() {
		return ErrNotRegistered
	}
	if h.queue.nearFull() {
		if err := h.BarrierThread(); err != nil {
			return err
		}
	}
	newHead := h.queue.enqueue(fct, arg)
	h.queue.publishHead(newHead)
	h.registry.wake.post()
	return nil
}

// BarrierThread drains every callback already enqueued on h's queue,
// calling waitForGracePeriod at most once, before returning (spec.md
// §4.6 barrier_thread). It runs synchronously on the calling goroutine
// and does not wake or otherwise involve the reclamation thread.
//
// BarrierThread returns ErrNotRegistered if h has already been
// unregistered.
func (h *Handle) BarrierThread() error {
	if h.released.LoadAcquire() {
		return ErrNotRegistered
	}
	h.registry.deferMu.Lock()
	defer h.registry.deferMu.Unlock()
	h.registry.barrierThreadLocked(h.queue)
	return nil
}

// Unregister drains h's queue and removes it from its Registry (spec.md
// §4.7 unregister_thread), stopping the reclamation thread if h was the
// last registered Handle. h must not be used after Unregister returns.
//
// Calling Unregister more than once returns ErrNotRegistered on the
// second and subsequent calls rather than panicking, since — unlike the
// registry-consistency panics in registry.go — this is the one
// recoverable double-release a caller can plausibly trigger by accident
// (e.g. via a deferred Unregister racing an explicit one).
func (h *Handle) Unregister() error {
	if !h.released.CompareAndSwapAcqRel(false, true) {
		return ErrNotRegistered
	}
	h.registry.unregister(h)
	return nil
}
