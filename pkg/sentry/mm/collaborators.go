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

package mm

import (
	"context"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/ring0/pagetables"
)

// Process is a process descriptor.
type Process interface {
	// Index returns the process-table slot, in [0, MaxProcs).
	Index() int

	// PID returns the process identifier.
	PID() int32

	// PageTables returns the process address space.
	PageTables() *pagetables.PageTables

	// AddRSS adjusts the resident page count by delta pages.
	AddRSS(delta int64)

	// RSS returns the resident page count.
	RSS() int64
}

// ProcessTable looks up live processes.
type ProcessTable interface {
	// ProcessAt returns the process in slot index, or nil.
	ProcessAt(index int) Process

	// ProcessByPID returns the process with the given pid, or nil.
	ProcessByPID(pid int32) Process
}

// Context is the execution context of the calling core.
type Context interface {
	context.Context

	// Current returns the process running on this core, or nil.
	Current() Process

	// FaultAddr returns the faulting virtual address. It is only meaningful
	// within HandleFault.
	FaultAddr() hostarch.Addr

	// ReloadTLB discards this core's cached translations for the current
	// process.
	ReloadTLB()
}

// FaultEntryContext is implemented by contexts that record the page table
// entry the walker observed when raising the fault. HandleFault uses it to
// recognize faults whose entry was changed by another core before the
// handler ran.
type FaultEntryContext interface {
	Context

	// FaultEntry returns the observed entry, or a clear entry if the walk
	// found no table.
	FaultEntry() pagetables.PTE
}

// FrameAllocator allocates physical frames. Allocate must not block; it
// returns an error when no frame can be found.
type FrameAllocator interface {
	// Allocate returns the physical address of a free frame.
	Allocate(ctx Context) (uintptr, error)

	// Free releases a frame returned by Allocate.
	Free(addr uintptr)

	// Bytes returns the contents of the frame at addr.
	Bytes(addr uintptr) []byte
}

// BlockDevice is the backing store. Transfers are one page, starting at the
// given block.
type BlockDevice interface {
	ReadPage(dst []byte, blockno uint64) error
	WritePage(src []byte, blockno uint64) error
}

// VictimPolicy chooses pages to evict.
type VictimPolicy interface {
	// VictimProcess returns the process to take a page from, or nil.
	VictimProcess(ctx Context) Process

	// VictimPage returns a cold resident page of p. ok is false if p has
	// none.
	VictimPage(p Process) (addr hostarch.Addr, ok bool)

	// Age turns recently accessed pages of p into candidates, typically by
	// calling SweepAccessBit on their frames.
	Age(ctx Context, p Process) error
}

// Shootdowner invalidates cached translations of a process on remote cores.
// Shootdown may be called with frame and slot locks held and must not call
// back into the Manager.
type Shootdowner interface {
	Shootdown(p Process)
}
