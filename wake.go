// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rcudefer

import "code.hybscloud.com/atomix"

// wakeChannel is the single-slot sleep/wake primitive of spec.md §4.4: a
// futex-equivalent word with states {0 = no waiter, -1 = waiter sleeping}.
//
// Go has no portable userspace futex, so the OS-level wake itself is
// realized with a capacity-1 channel — the idiomatic Go analogue the
// Design Notes explicitly invite ("a portable reimplementation uses a
// mutex+condition variable, or a platform-native address-wait primitive").
// A buffered channel of size 1 has the futex's essential property: a wake
// sent before the receiver starts waiting is still observed on the next
// receive, so no wake-up is ever lost.
//
// The atomix.Int32 word is kept alongside the channel because spec.md §4.4
// and §8 describe and test the state machine directly; it also lets post
// skip the channel send entirely when no one is sleeping.
type wakeChannel struct {
	word atomix.Int32
	slot chan struct{}
}

func newWakeChannel() *wakeChannel {
	return &wakeChannel{slot: make(chan struct{}, 1)}
}

// post implements the producer side of the §4.4 table: if the consumer is
// sleeping (word == -1), flip it to 0 and deliver the wake; otherwise it's
// a no-op, since the consumer isn't blocked on anything to wake.
func (w *wakeChannel) post() {
	if w.word.LoadAcquire() == -1 {
		w.word.StoreRelease(0)
		select {
		case w.slot <- struct{}{}:
		default:
		}
	}
}

// wait implements the consumer side: store -1 (entering the sleeping
// state), then re-check pending before actually blocking — exactly the
// §4.4 row "consumer observes queue non-empty after transition → cancel
// sleep". Returns false only when stop fires before a wake (or pending
// work) arrives, signaling the reclamation loop should exit.
func (w *wakeChannel) wait(pending func() bool, stop <-chan struct{}) bool {
	w.word.StoreRelease(-1)
	if pending() {
		w.word.StoreRelease(0)
		return true
	}
	select {
	case <-w.slot:
		return true
	case <-stop:
		w.word.StoreRelease(0)
		return false
	}
}
