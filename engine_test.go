// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rcudefer_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"code.hybscloud.com/rcudefer"
)

// countingGracePeriod returns a grace-period func and a counter observing
// how many times it was called, for the "zero when empty, exactly one
// otherwise, ≤2 for multi-thread batching" properties.
func countingGracePeriod() (func(), *atomic.Int64) {
	var n atomic.Int64
	return func() { n.Add(1) }, &n
}

func TestSingleThreadSingleCallback(t *testing.T) {
	wait, calls := countingGracePeriod()
	reg := rcudefer.New(wait)
	h := reg.Register()
	defer h.Unregister()

	var got int
	node := 0x4000
	if err := h.Enqueue(func(arg unsafe.Pointer) {
		got = *(*int)(arg)
	}, unsafe.Pointer(&node)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	reg.Barrier()

	if got != node {
		t.Fatalf("callback observed %#x, want %#x", got, node)
	}
	if calls.Load() != 1 {
		t.Fatalf("wait_for_grace_period called %d times, want exactly 1", calls.Load())
	}
}

func TestBarrierSkipsGracePeriodWhenEmpty(t *testing.T) {
	wait, calls := countingGracePeriod()
	reg := rcudefer.New(wait)
	h := reg.Register()
	defer h.Unregister()

	reg.Barrier()

	if calls.Load() != 0 {
		t.Fatalf("wait_for_grace_period called %d times on an empty snapshot, want 0", calls.Load())
	}
}

func TestBurstWithSuppressionPreservesOrder(t *testing.T) {
	wait, _ := countingGracePeriod()
	reg := rcudefer.New(wait)
	h := reg.Register()
	defer h.Unregister()

	args := []int{0x10, 0x20, 0x30, 0x40}
	var got []int
	var mu sync.Mutex
	for i := range args {
		if err := h.Enqueue(func(arg unsafe.Pointer) {
			mu.Lock()
			got = append(got, *(*int)(arg))
			mu.Unlock()
		}, unsafe.Pointer(&args[i])); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	reg.Barrier()

	if len(got) != len(args) {
		t.Fatalf("invoked %d callbacks, want %d", len(got), len(args))
	}
	for i, v := range args {
		if got[i] != v {
			t.Fatalf("callback %d observed %#x, want %#x (order not preserved)", i, got[i], v)
		}
	}
}

func TestSelfDrainOnFullness(t *testing.T) {
	wait, calls := countingGracePeriod()
	reg := rcudefer.New(wait, rcudefer.WithRingSize(16))
	h := reg.Register()
	defer h.Unregister()

	var invoked atomic.Int64
	cb := func(unsafe.Pointer) { invoked.Add(1) }

	// Near the ring's capacity (16 slots, reserve 2), enqueue reaches the
	// reserve threshold before 15 single-slot records fit, so a
	// synchronous self-drain must occur without ever calling Barrier.
	var x int
	for i := 0; i < 15; i++ {
		if err := h.Enqueue(cb, unsafe.Pointer(&x)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	selfDrainCalls := calls.Load()
	if selfDrainCalls < 1 {
		t.Fatalf("wait_for_grace_period never called before any explicit barrier; self-drain did not run")
	}
	if invoked.Load() == 0 {
		t.Fatalf("no callbacks invoked before an explicit barrier; self-drain did not run")
	}

	// Whatever the self-drain left pending is only reclaimed on an
	// explicit barrier; total callback count must still equal enqueue
	// count once everything has been drained.
	reg.Barrier()
	if invoked.Load() != 15 {
		t.Fatalf("total callbacks invoked = %d, want 15", invoked.Load())
	}
	if calls.Load() > 2 {
		t.Fatalf("wait_for_grace_period called %d times total, want at most 2 (one self-drain, one barrier)", calls.Load())
	}
}

func TestMultiThreadBatching(t *testing.T) {
	if rcudefer.RaceEnabled {
		t.Skip("skip: exercises concurrent acquire/release ordering across registered queues")
	}

	wait, calls := countingGracePeriod()
	reg := rcudefer.New(wait)

	const threads = 4
	const perThread = 1000

	var invoked atomic.Int64
	var wg sync.WaitGroup
	release := make(chan struct{})
	ready := make(chan struct{}, threads)

	var orderMus [threads]sync.Mutex
	orders := make([][]int, threads)
	// Handles stay registered until after Barrier: Unregister drains its
	// own queue with a grace-period wait of its own.
	handles := make([]*rcudefer.Handle, threads)

	for t0 := 0; t0 < threads; t0++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			h := reg.Register()
			handles[idx] = h

			vals := make([]int, perThread)
			for i := range vals {
				vals[i] = i
			}
			ready <- struct{}{}
			<-release

			for i := range vals {
				err := h.Enqueue(func(arg unsafe.Pointer) {
					invoked.Add(1)
					orderMus[idx].Lock()
					orders[idx] = append(orders[idx], *(*int)(arg))
					orderMus[idx].Unlock()
				}, unsafe.Pointer(&vals[i]))
				if err != nil {
					t.Errorf("thread %d Enqueue(%d): %v", idx, i, err)
				}
			}
		}(t0)
	}

	for i := 0; i < threads; i++ {
		<-ready
	}
	close(release)
	wg.Wait()

	reg.Barrier()
	for _, h := range handles {
		h.Unregister()
	}

	if got := invoked.Load(); got != threads*perThread {
		t.Fatalf("total callbacks executed = %d, want %d", got, threads*perThread)
	}
	if calls.Load() > 2 {
		t.Fatalf("wait_for_grace_period called %d times, want <= 2", calls.Load())
	}
	for idx, order := range orders {
		for i, v := range order {
			if v != i {
				t.Fatalf("thread %d: callback %d saw %d, want %d (per-thread order not preserved)", idx, i, v, i)
			}
		}
	}
}

func TestWakeCoalescing(t *testing.T) {
	wait, calls := countingGracePeriod()
	reg := rcudefer.New(wait, rcudefer.WithCoalesceDelay(20*time.Millisecond))
	h := reg.Register()
	defer h.Unregister()

	var invoked atomic.Int64
	cb := func(unsafe.Pointer) { invoked.Add(1) }

	var x int
	for i := 0; i < 1000; i++ {
		if err := h.Enqueue(cb, unsafe.Pointer(&x)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for invoked.Load() < 1000 {
		if time.Now().After(deadline) {
			t.Fatalf("reclamation thread never drained all 1000 callbacks, got %d", invoked.Load())
		}
		time.Sleep(time.Millisecond)
	}

	if calls.Load() != 1 {
		t.Fatalf("wait_for_grace_period incremented by %d, want exactly 1 for the coalesced pass", calls.Load())
	}
}

func TestEnqueueAfterUnregisterReturnsErrNotRegistered(t *testing.T) {
	wait, _ := countingGracePeriod()
	reg := rcudefer.New(wait)
	h := reg.Register()

	if err := h.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	var x int
	if err := h.Enqueue(func(unsafe.Pointer) {}, unsafe.Pointer(&x)); err != rcudefer.ErrNotRegistered {
		t.Fatalf("Enqueue after Unregister = %v, want ErrNotRegistered", err)
	}
	if err := h.Unregister(); err != rcudefer.ErrNotRegistered {
		t.Fatalf("double Unregister = %v, want ErrNotRegistered", err)
	}
}

func TestNewPanicsOnNilGracePeriod(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New(nil) must panic")
		}
	}()
	rcudefer.New(nil)
}
