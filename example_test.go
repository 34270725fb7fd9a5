// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rcudefer_test

import (
	"fmt"
	"unsafe"

	"code.hybscloud.com/rcudefer"
	"code.hybscloud.com/rcudefer/rcutest"
)

// ExampleNew demonstrates registering a thread, deferring a cleanup
// callback, and draining it with an explicit barrier.
func ExampleNew() {
	domain := rcutest.NewDomain()
	reg := rcudefer.New(domain.Synchronize)

	h := reg.Register()
	defer h.Unregister()

	value := 42
	h.Enqueue(func(arg unsafe.Pointer) {
		fmt.Println("reclaimed", *(*int)(arg))
	}, unsafe.Pointer(&value))

	reg.Barrier()

	// Output:
	// reclaimed 42
}
