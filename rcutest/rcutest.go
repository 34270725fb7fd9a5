// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rcutest is a minimal reader-side RCU stand-in for tests and
// examples of code.hybscloud.com/rcudefer. It is not an implementation
// recommendation — real RCU readers typically synchronize through
// per-CPU quiescent-state tracking rather than a single shared counter
// pair — it exists only to give (*rcudefer.Registry) a working
// waitForGracePeriod to call.
package rcutest

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// Domain tracks started/completed reader counts and can block until
// every reader active at the moment Synchronize is called has exited.
//
// The started/completed pair is the same quiescence technique used for a
// single RCUArray slot's Swap: snapshot started, then wait for completed
// to catch up to that snapshot while also equaling the live started
// count (so a reader that begins after the snapshot, but before the wait
// finishes, does not let Synchronize return while an even-newer reader
// is still active). The backoff itself reuses spin.Wait, the same
// escalating pause-then-yield-then-sleep primitive the teacher's CAS
// retry loops use.
type Domain struct {
	started   atomic.Uint64
	completed atomic.Uint64
}

// NewDomain constructs an empty reader-tracking domain.
func NewDomain() *Domain {
	return &Domain{}
}

// Enter marks the calling reader as active. Pair every Enter with exactly
// one Exit, typically via defer.
func (d *Domain) Enter() {
	d.started.Add(1)
}

// Exit marks the calling reader as no longer active.
func (d *Domain) Exit() {
	d.completed.Add(1)
}

// Synchronize blocks until every reader that called Enter before this
// call returns, and any reader active at that moment has called Exit. It
// is suitable as the waitForGracePeriod argument to rcudefer.New.
func (d *Domain) Synchronize() {
	target := d.started.Load()
	sw := spin.Wait{}
	for {
		completed := d.completed.Load()
		started := d.started.Load()
		if completed >= target && completed == started {
			return
		}
		sw.Once()
	}
}
