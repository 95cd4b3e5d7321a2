// Copyright 2018 The gVisor Authors.
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

package kernel

import (
	"errors"
	"runtime"

	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sentry/pgalloc"
)

// evictRetries bounds the evictions attempted for one allocation. Evictions
// may be lost to other CPUs that take the freed frame first.
const evictRetries = 64

// frameSource is the frame allocator seen by the paging core: it evicts a
// page whenever physical memory is exhausted.
type frameSource struct {
	mem *pgalloc.MemoryFile
	mm  *mm.Manager
}

// Allocate implements mm.FrameAllocator.Allocate.
func (f *frameSource) Allocate(ctx mm.Context) (uintptr, error) {
	err := pgalloc.ErrExhausted
	for i := 0; i < evictRetries; i++ {
		addr, aerr := f.mem.Allocate(ctx)
		if !errors.Is(aerr, pgalloc.ErrExhausted) {
			return addr, aerr
		}
		// Resident pages may all be in flight on other CPUs, so a missing
		// victim is only reported if it persists.
		if eerr := f.mm.EvictOnePage(ctx); eerr != nil {
			if !errors.Is(eerr, mm.ErrNoVictim) {
				return 0, eerr
			}
			err = errors.Join(pgalloc.ErrExhausted, eerr)
		}
		runtime.Gosched()
	}
	return 0, err
}

// Free implements mm.FrameAllocator.Free.
func (f *frameSource) Free(addr uintptr) {
	f.mem.Free(addr)
}

// Bytes implements mm.FrameAllocator.Bytes.
func (f *frameSource) Bytes(addr uintptr) []byte {
	return f.mem.Bytes(addr)
}
