// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package rcudefer

// RaceEnabled is true when the race detector is active.
// Used by tests to skip concurrent scenarios that trigger the race
// detector's false positives around acquire/release cross-variable
// ordering on the ring's head/tail pair.
const RaceEnabled = true
