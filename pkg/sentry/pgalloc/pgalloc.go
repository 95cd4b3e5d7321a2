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

// Package pgalloc contains the page allocator for simulated physical memory.
//
// Physical memory is a single anonymous host mapping (the arena). A physical
// address is an offset into the arena; frame f starts at f*PageSize.
package pgalloc

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/bitmap"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sync"
)

// ErrExhausted is returned by Allocate when every frame is in use.
var ErrExhausted = errors.New("physical memory exhausted")

var allocatedFrames = metric.MustCreateNewUint64Gauge("/pgalloc/allocated_frames", "Number of physical frames currently allocated.")

// MemoryFile is a fixed-size pool of physical frames.
type MemoryFile struct {
	// arena is the host mapping backing all frames. The slice header is
	// immutable until Destroy; frame contents belong to whoever allocated
	// the frame.
	arena []byte

	// mu protects the fields below.
	mu sync.Mutex

	// used has bit f set iff frame f is allocated.
	used bitmap.Bitmap
}

// NewMemoryFile maps size bytes of physical memory. size must be a non-zero
// multiple of the page size.
func NewMemoryFile(size uint64) (*MemoryFile, error) {
	if size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("physical memory size %d is not a positive multiple of %d", size, hostarch.PageSize)
	}
	frames := size / hostarch.PageSize
	if frames > 1<<20 {
		return nil, fmt.Errorf("physical memory size %d is too large", size)
	}
	arena, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping physical memory: %w", err)
	}
	log.Debugf("Mapped %d frames of physical memory", frames)
	return &MemoryFile{
		arena: arena,
		used:  bitmap.New(uint32(frames)),
	}, nil
}

// Destroy unmaps physical memory. The MemoryFile must not be used afterwards.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.arena == nil {
		return
	}
	if err := unix.Munmap(f.arena); err != nil {
		log.Warningf("Failed to unmap physical memory: %v", err)
	}
	allocatedFrames.IncrementBy(-uint64(f.used.GetNumOnes()))
	f.arena = nil
}

// Size returns the size of physical memory in bytes.
func (f *MemoryFile) Size() uint64 {
	return uint64(len(f.arena))
}

// NumFrames returns the number of frames.
func (f *MemoryFile) NumFrames() int {
	return len(f.arena) / hostarch.PageSize
}

// FreeFrames returns the number of frames not currently allocated.
func (f *MemoryFile) FreeFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.used.Size() - f.used.GetNumOnes())
}

// Allocate returns the physical address of a zeroed frame, lowest free frame
// first. It returns ErrExhausted if no frame is free; it never blocks.
func (f *MemoryFile) Allocate(ctx context.Context) (uintptr, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	idx, err := f.used.FirstZero(0)
	if err != nil {
		f.mu.Unlock()
		return 0, ErrExhausted
	}
	f.used.Add(idx)
	f.mu.Unlock()
	allocatedFrames.Increment()

	addr := uintptr(idx) * hostarch.PageSize
	clear(f.Bytes(addr))
	return addr, nil
}

// Free returns the frame at addr to the pool. Freeing a frame that is not
// allocated panics.
func (f *MemoryFile) Free(addr uintptr) {
	idx := f.frameIndex(addr)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.used.Contains(idx) {
		panic(fmt.Sprintf("free of unallocated frame %#x", addr))
	}
	f.used.Remove(idx)
	allocatedFrames.IncrementBy(^uint64(0))
}

// IsAllocated returns true iff the frame at addr is allocated.
func (f *MemoryFile) IsAllocated(addr uintptr) bool {
	idx := f.frameIndex(addr)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used.Contains(idx)
}

// Bytes returns the contents of the frame at addr. The slice aliases physical
// memory.
func (f *MemoryFile) Bytes(addr uintptr) []byte {
	f.frameIndex(addr)
	return f.arena[addr : addr+hostarch.PageSize : addr+hostarch.PageSize]
}

func (f *MemoryFile) frameIndex(addr uintptr) uint32 {
	if addr%hostarch.PageSize != 0 || uint64(addr) >= uint64(len(f.arena)) {
		panic(fmt.Sprintf("invalid physical address %#x (memory size %#x)", addr, len(f.arena)))
	}
	return uint32(addr / hostarch.PageSize)
}
