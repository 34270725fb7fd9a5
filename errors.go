// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rcudefer

import "errors"

// ErrNotRegistered is returned by Handle methods called after Unregister
// has already run on that Handle.
//
// Every other error condition this package could hit — allocation
// failure, mutex corruption, unregistering a Handle the registry never
// saw — has no recoverable
// path and panics instead, matching the teacher's own panic("lfq: ...")
// convention for programmer errors. ErrNotRegistered exists because
// double-unregister is the one mistake a caller can plausibly make by
// accident, e.g. a deferred Unregister racing an explicit one.
var ErrNotRegistered = errors.New("rcudefer: handle is not registered")
