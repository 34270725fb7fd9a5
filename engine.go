// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rcudefer is a batched deferred reclamation engine for a
// userspace RCU system: producer goroutines enqueue callbacks (a function
// plus an opaque argument) that the engine guarantees to invoke only after
// an RCU grace period has elapsed since they were enqueued.
//
// # Quick start
//
//	reg := rcudefer.New(waitForGracePeriod)
//	h := reg.Register()
//	defer h.Unregister()
//
//	_ = h.Enqueue(freeNode, unsafe.Pointer(node))
//	reg.Barrier() // drains everything queued as of this call
//
// waitForGracePeriod is the one external collaborator this package does
// not implement (spec.md §1 Non-goals): a blocking call that returns only
// once every RCU reader that began before the call has completed. Wire in
// your own reader-side RCU implementation; rcutest ships a minimal
// stand-in for tests and examples.
//
// # Algorithm
//
// The engine is a direct translation of the Userspace RCU project's
// urcu-defer.c: each registered goroutine owns a fixed-capacity ring
// (deferQueue) that only it writes to; a single background goroutine (the
// reclamation thread) wakes on demand, coalesces a short window of
// concurrent enqueues, then runs one barrier pass — a single
// waitForGracePeriod call amortized across every callback pending at
// snapshot time, followed by draining each queue up to its snapshotted
// head.
//
// # Thread safety
//
// A *Handle is not safe for concurrent use by more than one goroutine —
// it stands in for "the calling thread" in environments (like Go) with no
// public thread-local storage, per spec.md §9. *Registry is safe for
// concurrent use by any number of goroutines.
package rcudefer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry is the process-wide (or, more precisely, Registry-wide)
// deferred reclamation engine: spec.md's Deferer Registry, Wake Channel,
// Reclamation Thread, and Barrier Engine combined under the two-mutex
// discipline of §5.
type Registry struct {
	// deferThreadMu (outer) serializes start/stop of the reclamation
	// thread and register/unregister transitions, per spec.md §5.
	deferThreadMu sync.Mutex
	// deferMu (inner, nested inside deferThreadMu) protects the registry
	// table, each queue's tail, and barrier passes.
	deferMu sync.Mutex

	table *deferRegistry
	wake  *wakeChannel

	waitForGracePeriod func()
	cfg                config

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a Registry. waitForGracePeriod is the external RCU
// grace-period collaborator (spec.md §1, §4.6): it must not return until
// every reader that began before the call has completed, and the engine
// calls it at most once per barrier pass.
func New(waitForGracePeriod func(), opts ...Option) *Registry {
	if waitForGracePeriod == nil {
		panic("rcudefer: waitForGracePeriod must not be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Registry{
		table:              newDeferRegistry(),
		wake:               newWakeChannel(),
		waitForGracePeriod: waitForGracePeriod,
		cfg:                cfg,
	}
}

// Register registers the calling goroutine as a deferer, allocating its
// queue and starting the reclamation thread if this is the first
// registration (spec.md §4.7 register_thread).
func (r *Registry) Register() *Handle {
	r.deferThreadMu.Lock()
	defer r.deferThreadMu.Unlock()

	h := &Handle{registry: r, queue: newDeferQueue(r.cfg.ringSize)}

	r.deferMu.Lock()
	r.table.add(h, h.queue)
	n := r.table.len()
	r.deferMu.Unlock()

	if n == 1 {
		r.startReclamationThread()
	}
	return h
}

// unregister drains and deregisters h (spec.md §4.7 unregister_thread),
// stopping the reclamation thread if the registry became empty.
func (r *Registry) unregister(h *Handle) {
	r.deferThreadMu.Lock()
	defer r.deferThreadMu.Unlock()

	r.deferMu.Lock()
	r.barrierThreadLocked(h.queue)
	r.table.remove(h)
	n := r.table.len()
	r.deferMu.Unlock()

	if n == 0 {
		r.stopReclamationThread()
	}
}

// startReclamationThread launches the background goroutine (spec.md §4.5
// / §4.7 start_defer_thread). Caller must hold deferThreadMu.
func (r *Registry) startReclamationThread() {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true
	r.cfg.logger.Info("rcudefer: reclamation thread starting")
	go r.loop(r.stop, r.done)
}

// stopReclamationThread signals cancellation, wakes the goroutine out of
// its futex-equivalent wait, and joins it (spec.md §4.7 stop_defer_thread).
// Caller must hold deferThreadMu.
func (r *Registry) stopReclamationThread() {
	if !r.running {
		return
	}
	close(r.stop)
	r.wake.post()
	<-r.done
	r.running = false
	r.cfg.logger.Info("rcudefer: reclamation thread stopped")
}

// loop is the Reclamation Thread of spec.md §4.5: check cancellation,
// wait on the wake channel, sleep the coalescing delay, run a barrier
// pass. Runs until stop fires.
func (r *Registry) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if !r.wake.wait(r.anyPending, stop) {
			return
		}

		select {
		case <-time.After(r.cfg.coalesceDelay):
		case <-stop:
			return
		}

		r.barrierAll()
	}
}

// anyPending reports whether any registered queue has unconsumed slots,
// used by wakeChannel.wait to cancel a sleep that would otherwise miss
// already-queued work (spec.md §4.4).
func (r *Registry) anyPending() bool {
	r.deferMu.Lock()
	defer r.deferMu.Unlock()
	pending := false
	r.table.forEach(func(e *registryEntry) {
		if pending {
			return
		}
		if e.queue.head.LoadAcquire() != e.queue.tail.LoadRelaxed() {
			pending = true
		}
	})
	return pending
}

// Barrier runs a global barrier pass (spec.md §4.6 barrier_all): under the
// inner mutex, snapshot every queue's head, call waitForGracePeriod at
// most once (skipped entirely when nothing is pending), then drain every
// queue up to its snapshotted head.
//
// Callbacks enqueued by another goroutine concurrently with this call are
// only guaranteed to be included if the caller can prove, via external
// synchronization, that the enqueue happened-before this call — otherwise
// they may be left for the next batch (spec.md §5).
func (r *Registry) Barrier() {
	r.barrierAll()
}

func (r *Registry) barrierAll() {
	r.deferMu.Lock()
	defer r.deferMu.Unlock()

	total := r.table.snapshotHeads()
	if total == 0 {
		return
	}
	r.waitForGracePeriod()
	r.table.forEach(func(e *registryEntry) {
		e.queue.drainUpTo(e.lastHead, r.onCallbackPanic)
	})
}

// barrierThreadLocked drains only q, under the caller's already-held inner
// mutex (spec.md §4.6 barrier_thread's body). Used both by Handle's
// self-drain path and by unregister's mandatory drain-before-free.
func (r *Registry) barrierThreadLocked(q *deferQueue) {
	head := q.head.LoadRelaxed()
	if head == q.tail.LoadRelaxed() {
		return
	}
	r.waitForGracePeriod()
	q.drainUpTo(head, r.onCallbackPanic)
}

func (r *Registry) onCallbackPanic(recovered any) {
	r.cfg.logger.Error("rcudefer: callback panicked during barrier drain",
		zap.Any("recovered", recovered))
}
