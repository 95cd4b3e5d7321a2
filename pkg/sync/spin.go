// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"runtime"
	"sync/atomic"
)

// spinIterations is the number of failed acquisition attempts after which a
// spinning caller yields its processor. Yielding keeps the caller runnable;
// it is never put on a wait queue.
const spinIterations = 64

// SpinMutex is a mutual exclusion lock that busy-waits. It is safe to use in
// fault context: Lock never parks the calling goroutine.
//
// The zero value is an unlocked SpinMutex.
type SpinMutex struct {
	_ NoCopy

	// state is 1 while the mutex is held.
	state uint32
}

// Lock locks m, spinning until it is available.
func (m *SpinMutex) Lock() {
	for i := 0; !atomic.CompareAndSwapUint32(&m.state, 0, 1); i++ {
		if i == spinIterations {
			runtime.Gosched()
			i = 0
		}
	}
}

// TryLock tries to lock m and reports whether it succeeded.
func (m *SpinMutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, 0, 1)
}

// Unlock unlocks m.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	if atomic.SwapUint32(&m.state, 0) == 0 {
		panic("unlock of unlocked SpinMutex")
	}
}

// Held reports whether m is currently locked by anyone. It is only useful for
// assertions.
func (m *SpinMutex) Held() bool {
	return atomic.LoadUint32(&m.state) == 1
}
