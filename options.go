// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rcudefer

import (
	"time"

	"go.uber.org/zap"
)

// defaultCoalesceDelay is the reclamation thread's coalescing sleep
// (spec.md §4.5/§6 design default: 100ms).
const defaultCoalesceDelay = 100 * time.Millisecond

// config holds the tunables spec.md §6 names. Unlike lfq's Builder, which
// selects between four distinct queue algorithms, rcudefer has exactly one
// algorithm — so plain functional options configure it, rather than a
// fluent algorithm-selecting Builder.
type config struct {
	ringSize      int
	coalesceDelay time.Duration
	logger        *zap.Logger
}

func defaultConfig() config {
	return config{
		ringSize:      defaultRingSize,
		coalesceDelay: defaultCoalesceDelay,
		logger:        zap.NewNop(),
	}
}

// Option configures a Registry at construction time.
type Option func(*config)

// WithRingSize overrides the per-thread ring capacity Q (spec.md §3/§6).
// Rounds up to the next power of two; panics if capacity < 2.
func WithRingSize(capacity int) Option {
	if capacity < 2 {
		panic("rcudefer: ring size must be >= 2")
	}
	return func(c *config) { c.ringSize = roundToPow2(capacity) }
}

// WithCoalesceDelay overrides the reclamation thread's coalescing sleep
// (spec.md §4.5).
func WithCoalesceDelay(d time.Duration) Option {
	return func(c *config) { c.coalesceDelay = d }
}

// WithLogger attaches a structured logger for reclamation-thread lifecycle
// events and recovered callback panics. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// roundToPow2 rounds n up to the next power of 2, matching lfq's own
// ring-sizing rule (options.go) verbatim: capacities here share the exact
// same "fixed capacity, power of two" constraint from spec.md §3.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// pad is cache-line padding to prevent false sharing between hot fields,
// reused verbatim from lfq/options.go.
type pad [64]byte
